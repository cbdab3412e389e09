package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/extractor"
	"listing-radar-go/internal/fetcher"
	"listing-radar-go/internal/metrics"
	"listing-radar-go/internal/models"
	"listing-radar-go/internal/notifier"
	"listing-radar-go/internal/sources"
)

// Store is the persistence surface the pipeline needs.
type Store interface {
	ActiveTracking(now time.Time) ([]models.TrackingRow, error)
	LastSuccessfulScans() (map[uint]time.Time, error)
	LogScan(log models.ScanLog) error
	ReportScanSuccess(searchID uint) error
	ReportScanFailure(searchID uint, threshold int) (bool, error)
	ArchiveGet(contentIDs []string) (map[string]models.ContentRecord, error)
	ArchivePut(rec models.ContentRecord) error
	ReplaceSnapshots(searchID uint, contentIDs []string) error
	FullyDelivered(subscriberIDs []uint, contentIDs []string) (map[string]bool, error)
	Delivered(subscriberID uint, contentID string) (bool, error)
	MarkDelivered(subscriberID uint, contentID string) error
	BulkMarkDelivered(searchID uint, contentIDs []string) error
	PruneDeliveries(before time.Time) (int64, error)
	PruneScanLogs(before time.Time) (int64, error)
	SubscribersExpiringWithin(window time.Duration) ([]models.Subscriber, error)
	SetExpiryReminderSent(subscriberID uint) error
	NewlyExpiredSubscribers() ([]models.Subscriber, error)
	DeactivateSubscriber(subscriberID uint) error
}

// Notifier is the delivery surface the pipeline needs.
type Notifier interface {
	SendListing(ctx context.Context, chatID int64, listing models.Listing) error
	SendNotice(ctx context.Context, chatID int64, text string) error
}

// Extractor turns cache-miss candidates into listings.
type Extractor interface {
	Extract(ctx context.Context, jobs []extractor.Job) extractor.Outcome
}

// Pipeline runs one polling cycle: due computation, fetching, archive
// split, extraction, fan-out.
type Pipeline struct {
	cfg      config.CrawlerConfig
	store    Store
	fetch    fetcher.PageFetcher
	registry *sources.Registry
	ext      Extractor
	notify   Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewPipeline wires the cycle dependencies.
func NewPipeline(cfg config.CrawlerConfig, store Store, fetch fetcher.PageFetcher, registry *sources.Registry, ext Extractor, notify Notifier, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		store:    store,
		fetch:    fetch,
		registry: registry,
		ext:      ext,
		notify:   notify,
		metrics:  m,
		now:      time.Now,
	}
}

// scanResult is what one fetch worker hands to the reducer.
type scanResult struct {
	search     DueSearch
	candidates []sources.Candidate
	bytesUsed  int64
	statusCode int
	duration   time.Duration
	err        error
}

// subscriberRef is the slice of a subscriber the fan-out needs.
type subscriberRef struct {
	ID     uint
	ChatID int64
}

// RunCycle executes one tick.
func (p *Pipeline) RunCycle(ctx context.Context) error {
	start := p.now()
	cycleID := uuid.New().String()[:8]
	log := logrus.WithField("cycle", cycleID)

	rows, err := p.store.ActiveTracking(start)
	if err != nil {
		return err
	}
	lastScans, err := p.store.LastSuccessfulScans()
	if err != nil {
		return err
	}
	p.updateGauges(rows)

	due := ComputeDue(rows, lastScans, start, NightPolicy{
		UltraMin: p.cfg.NightUltraMin,
		OtherMin: p.cfg.NightOtherMin,
	})
	if len(due) == 0 {
		log.Debug("No searches due this tick")
		return nil
	}
	log.Infof("Cycle start: %d of %d tracked searches due", len(due), countSearches(rows))

	subsBySearch := subscribersBySearch(rows)

	// Fetch pool. Workers only fetch and parse; all state changes happen
	// in the reducer loop below, which is the sole owner of the miss and
	// hit maps.
	jobs := make(chan DueSearch)
	results := make(chan scanResult, len(due))
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.FetchWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for search := range jobs {
				results <- p.fetchSearch(ctx, search)
			}
		}()
	}
	go func() {
		defer close(jobs)
		for _, d := range due {
			select {
			case jobs <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	type missEntry struct {
		job      extractor.Job
		searches []uint
	}
	misses := make(map[string]*missEntry)
	hits := make(map[string]models.ContentRecord)
	hitSearches := make(map[string][]uint)

	for res := range results {
		if res.err != nil {
			p.recordFailure(ctx, log, res, subsBySearch)
			continue
		}
		p.metrics.ScanCount.Inc()
		p.metrics.BytesUsed.Add(float64(res.bytesUsed))

		var allIDs, organic, registerOnly []string
		for _, c := range res.candidates {
			allIDs = append(allIDs, c.ContentID)
			if res.search.FirstScan || c.Promoted {
				registerOnly = append(registerOnly, c.ContentID)
				continue
			}
			organic = append(organic, c.ContentID)
		}

		// The snapshot is what link-time baselining of a subscriber who
		// joins this search later will read. It and the baseline rows are
		// written before the scan is booked as successful: a half-persisted
		// first scan must stay NEVER_SCANNED so the next tick redoes the
		// baseline instead of notifying everything on the page.
		if err := p.store.ReplaceSnapshots(res.search.SearchID, allIDs); err != nil {
			log.Errorf("Failed to stage snapshot for search %d: %v", res.search.SearchID, err)
			p.logScan(res, fmt.Sprintf("snapshot write failed: %v", err))
			continue
		}

		// First scans establish the baseline: everything currently listed
		// is registered as known without notification or extraction.
		// Promoted rows get the same treatment so an expiring promotion
		// cannot resurface as "new".
		if len(registerOnly) > 0 {
			if err := p.store.BulkMarkDelivered(res.search.SearchID, registerOnly); err != nil {
				log.Errorf("Failed to register baseline for search %d: %v", res.search.SearchID, err)
				p.logScan(res, fmt.Sprintf("baseline write failed: %v", err))
				continue
			}
		}

		p.logScan(res, "")
		if err := p.store.ReportScanSuccess(res.search.SearchID); err != nil {
			log.Errorf("Failed to reset failure counter for search %d: %v", res.search.SearchID, err)
		}
		if res.search.FirstScan {
			log.Infof("First scan of search %d: %d listings baselined", res.search.SearchID, len(registerOnly))
			continue
		}
		if len(organic) == 0 {
			continue
		}

		// Ids every subscriber has already been told about carry no work:
		// no extraction, no fan-out. This is what keeps baselined ids from
		// ever reaching the extraction service.
		subIDs := make([]uint, 0, len(subsBySearch[res.search.SearchID]))
		for _, sub := range subsBySearch[res.search.SearchID] {
			subIDs = append(subIDs, sub.ID)
		}
		settled, err := p.store.FullyDelivered(subIDs, organic)
		if err != nil {
			log.Errorf("Delivered-set lookup failed for search %d: %v", res.search.SearchID, err)
			continue
		}
		fresh := make([]string, 0, len(organic))
		for _, id := range organic {
			if !settled[id] {
				fresh = append(fresh, id)
			}
		}
		if len(fresh) == 0 {
			continue
		}

		archived, err := p.store.ArchiveGet(fresh)
		if err != nil {
			log.Errorf("Archive lookup failed for search %d: %v", res.search.SearchID, err)
			continue
		}
		freshSet := make(map[string]bool, len(fresh))
		for _, id := range fresh {
			freshSet[id] = true
		}
		for _, c := range res.candidates {
			if !freshSet[c.ContentID] {
				continue
			}
			if rec, ok := archived[c.ContentID]; ok {
				if _, dup := hits[c.ContentID]; !dup {
					p.metrics.CacheHits.Inc()
					hits[c.ContentID] = p.refreshEphemeral(log, rec, c)
				}
				hitSearches[c.ContentID] = appendUnique(hitSearches[c.ContentID], res.search.SearchID)
				continue
			}
			entry, ok := misses[c.ContentID]
			if !ok {
				adapter, aerr := p.registry.Get(res.search.Source)
				if aerr != nil {
					log.Errorf("No adapter for source %q: %v", res.search.Source, aerr)
					continue
				}
				entry = &missEntry{job: extractor.Job{Adapter: adapter, Candidate: c}}
				misses[c.ContentID] = entry
			}
			entry.searches = appendUnique(entry.searches, res.search.SearchID)
		}
	}

	// Extraction over the tick-wide deduplicated miss set.
	extractJobs := make([]extractor.Job, 0, len(misses))
	for _, entry := range misses {
		extractJobs = append(extractJobs, entry.job)
	}
	outcome := p.ext.Extract(ctx, extractJobs)
	p.metrics.ExtractionBatches.Add(float64(outcome.BatchesSent))
	p.metrics.ExtractionFallbacks.Add(float64(outcome.FallbackUsed))
	p.metrics.FloodDeferred.Add(float64(len(outcome.Deferred)))

	deliverable := make(map[string]models.Listing, len(outcome.Listings)+len(hits))
	seenBy := make(map[string][]uint)
	for _, listing := range outcome.Listings {
		if err := p.store.ArchivePut(listing.Record()); err != nil {
			log.Errorf("Failed to archive %s: %v", listing.ContentID, err)
			continue
		}
		p.metrics.ItemsArchived.Inc()
		deliverable[listing.ContentID] = listing
		seenBy[listing.ContentID] = misses[listing.ContentID].searches
	}

	// Archive hits re-enter delivery so a search added later still gets
	// already-archived listings. Hits older than the delivery retention
	// window are registered silently: their delivery rows may have been
	// pruned, and re-notifying weeks-old listings would be noise.
	staleCutoff := start.AddDate(0, 0, -p.cfg.RetentionDays)
	stale := make(map[string]bool)
	for id, rec := range hits {
		deliverable[id] = models.ListingFromRecord(rec)
		seenBy[id] = hitSearches[id]
		if rec.CreatedAt.Before(staleCutoff) {
			stale[id] = true
		}
	}

	p.fanOut(ctx, log, deliverable, seenBy, stale, subsBySearch)

	elapsed := time.Since(start)
	p.metrics.CycleDuration.Observe(elapsed.Seconds())
	log.Infof("Cycle done in %v: %d extracted, %d cache hits, %d deferred",
		elapsed, len(outcome.Listings), len(hits), len(outcome.Deferred))
	return nil
}

// fanOut notifies every active subscriber of every search that saw each
// deliverable listing, at most once per (subscriber, listing) ever. The
// delivery row is written only after a successful send; a failed send
// leaves no row, so the next sighting retries it.
func (p *Pipeline) fanOut(ctx context.Context, log *logrus.Entry, deliverable map[string]models.Listing, seenBy map[string][]uint, stale map[string]bool, subsBySearch map[uint][]subscriberRef) {
	for contentID, listing := range deliverable {
		notified := make(map[uint]bool)
		for _, searchID := range seenBy[contentID] {
			for _, sub := range subsBySearch[searchID] {
				if notified[sub.ID] {
					continue
				}
				notified[sub.ID] = true

				done, err := p.store.Delivered(sub.ID, contentID)
				if err != nil {
					log.Errorf("Delivery check failed for %s: %v", contentID, err)
					continue
				}
				if done {
					continue
				}
				// Stale archive hits are registered without a send: their
				// delivery rows may have been pruned, and re-notifying
				// weeks-old listings would be noise.
				if !stale[contentID] {
					if err := p.notify.SendListing(ctx, sub.ChatID, listing); err != nil {
						p.metrics.NotificationFailures.Inc()
						log.Errorf("Failed to notify chat %d about %s: %v", sub.ChatID, contentID, err)
						continue
					}
					p.metrics.NotificationsSent.Inc()
				}
				if err := p.store.MarkDelivered(sub.ID, contentID); err != nil {
					log.Errorf("Failed to mark delivery of %s: %v", contentID, err)
				}
			}
		}
	}
}

// refreshEphemeral carries a sighting's current link and image into the
// archive row. Core structured fields stay as first extracted.
func (p *Pipeline) refreshEphemeral(log *logrus.Entry, rec models.ContentRecord, c sources.Candidate) models.ContentRecord {
	link, image := rec.Link, rec.ImageURL
	if c.Link != "" {
		link = c.Link
	}
	if c.ImageURL != "" {
		image = c.ImageURL
	}
	if link == rec.Link && image == rec.ImageURL {
		return rec
	}
	rec.Link, rec.ImageURL = link, image
	if err := p.store.ArchivePut(rec); err != nil {
		log.Errorf("Failed to refresh archive record %s: %v", c.ContentID, err)
	}
	return rec
}

// fetchSearch pulls and parses up to MaxPages result pages for one search.
func (p *Pipeline) fetchSearch(ctx context.Context, search DueSearch) scanResult {
	start := p.now()
	res := scanResult{search: search}

	adapter, err := p.registry.Get(search.Source)
	if err != nil {
		res.err = err
		return res
	}

	seen := make(map[string]bool)
	for page := 1; page <= adapter.MaxPages(); page++ {
		fr, err := p.fetch.Fetch(ctx, adapter.PageURL(search.URL, page))
		res.bytesUsed += fr.BytesUsed
		res.statusCode = fr.StatusCode
		if err != nil {
			res.err = fmt.Errorf("page %d fetch failed: %w", page, err)
			break
		}
		if fr.StatusCode != 200 {
			res.err = fmt.Errorf("page %d returned status %d", page, fr.StatusCode)
			break
		}
		candidates, err := adapter.Parse(fr.Body)
		if err != nil {
			res.err = fmt.Errorf("page %d parse failed: %w", page, err)
			break
		}
		fresh := 0
		for _, c := range candidates {
			if seen[c.ContentID] {
				continue
			}
			seen[c.ContentID] = true
			res.candidates = append(res.candidates, c)
			fresh++
		}
		// An empty or fully repeated page means pagination ran out.
		if fresh == 0 {
			break
		}
	}
	res.duration = p.now().Sub(start)
	return res
}

// recordFailure books a failed scan and fires the one-time freeze notice
// when the breaker trips.
func (p *Pipeline) recordFailure(ctx context.Context, log *logrus.Entry, res scanResult, subsBySearch map[uint][]subscriberRef) {
	p.metrics.ScanCount.Inc()
	p.metrics.ScanFailures.Inc()
	p.logScan(res, res.err.Error())
	log.Warnf("Scan of search %d failed: %v", res.search.SearchID, res.err)

	frozenNow, err := p.store.ReportScanFailure(res.search.SearchID, p.cfg.FailThreshold)
	if err != nil {
		log.Errorf("Failed to record scan failure: %v", err)
		return
	}
	if !frozenNow {
		return
	}
	log.Warnf("Search %d frozen after %d consecutive failures", res.search.SearchID, p.cfg.FailThreshold)
	notice := notifier.FreezeNotice(res.search.URL)
	for _, sub := range subsBySearch[res.search.SearchID] {
		if err := p.notify.SendNotice(ctx, sub.ChatID, notice); err != nil {
			log.Errorf("Failed to send freeze notice to chat %d: %v", sub.ChatID, err)
		}
	}
}

func (p *Pipeline) logScan(res scanResult, errMsg string) {
	entry := models.ScanLog{
		SearchID:   res.search.SearchID,
		StatusCode: res.statusCode,
		FoundCount: len(res.candidates),
		Duration:   res.duration.Seconds(),
		BytesUsed:  res.bytesUsed,
		ErrorMsg:   errMsg,
	}
	if err := p.store.LogScan(entry); err != nil {
		logrus.Errorf("Failed to write scan log: %v", err)
	}
}

// RunMaintenance prunes delivery rows and scan logs past the retention
// window.
func (p *Pipeline) RunMaintenance(ctx context.Context) error {
	cutoff := p.now().AddDate(0, 0, -p.cfg.RetentionDays)
	deliveries, err := p.store.PruneDeliveries(cutoff)
	if err != nil {
		return err
	}
	scans, err := p.store.PruneScanLogs(cutoff)
	if err != nil {
		return err
	}
	logrus.Infof("Maintenance: pruned %d delivery rows and %d scan logs older than %s",
		deliveries, scans, cutoff.Format("2006-01-02"))
	return nil
}

// RunExpirySweep reminds subscribers close to expiry and deactivates the
// newly expired.
func (p *Pipeline) RunExpirySweep(ctx context.Context) error {
	expiring, err := p.store.SubscribersExpiringWithin(24 * time.Hour)
	if err != nil {
		return err
	}
	for _, sub := range expiring {
		if err := p.notify.SendNotice(ctx, sub.ChatID, notifier.ExpiryReminder(*sub.ExpiresAt)); err != nil {
			logrus.Errorf("Failed to send expiry reminder to chat %d: %v", sub.ChatID, err)
			continue
		}
		if err := p.store.SetExpiryReminderSent(sub.ID); err != nil {
			logrus.Errorf("Failed to flag expiry reminder: %v", err)
		}
	}

	expired, err := p.store.NewlyExpiredSubscribers()
	if err != nil {
		return err
	}
	for _, sub := range expired {
		if err := p.store.DeactivateSubscriber(sub.ID); err != nil {
			logrus.Errorf("Failed to deactivate subscriber %d: %v", sub.ID, err)
			continue
		}
		logrus.Infof("Subscriber %d (chat %d) expired and was deactivated", sub.ID, sub.ChatID)
		if err := p.notify.SendNotice(ctx, sub.ChatID, notifier.ExpiredNotice()); err != nil {
			logrus.Errorf("Failed to send expiry notice to chat %d: %v", sub.ChatID, err)
		}
	}
	return nil
}

// RunMasterCrawl warms the archive from the configured broad searches so
// subscriber searches hit the cache instead of the extraction service.
// Nothing is delivered and nothing is snapshotted.
func (p *Pipeline) RunMasterCrawl(ctx context.Context) error {
	for _, rawURL := range p.cfg.MasterURLs {
		adapter, err := p.registry.Detect(rawURL)
		if err != nil {
			logrus.Errorf("Master crawl: %v", err)
			continue
		}
		canonical, err := adapter.Canonicalize(rawURL)
		if err != nil {
			logrus.Errorf("Master crawl: bad url %q: %v", rawURL, err)
			continue
		}

		var jobs []extractor.Job
		seen := make(map[string]bool)
		maxPages := p.cfg.MasterMaxPages
		if maxPages <= 0 {
			maxPages = adapter.MaxPages()
		}
		for page := 1; page <= maxPages; page++ {
			fr, err := p.fetch.Fetch(ctx, adapter.PageURL(canonical, page))
			if err != nil || fr.StatusCode != 200 {
				break
			}
			p.metrics.BytesUsed.Add(float64(fr.BytesUsed))
			parsed, err := adapter.Parse(fr.Body)
			if err != nil {
				break
			}
			var pageCandidates []sources.Candidate
			var pageIDs []string
			for _, c := range parsed {
				if seen[c.ContentID] || c.Promoted {
					continue
				}
				seen[c.ContentID] = true
				pageCandidates = append(pageCandidates, c)
				pageIDs = append(pageIDs, c.ContentID)
			}
			if len(pageCandidates) == 0 {
				break
			}
			archived, err := p.store.ArchiveGet(pageIDs)
			if err != nil {
				logrus.Errorf("Master crawl: archive lookup failed: %v", err)
				break
			}
			for _, c := range pageCandidates {
				if _, ok := archived[c.ContentID]; ok {
					continue
				}
				jobs = append(jobs, extractor.Job{Adapter: adapter, Candidate: c})
			}
			// A page with an already-archived listing means we crossed into
			// territory covered by a previous warm; deeper pages are older.
			if len(archived) > 0 {
				break
			}
		}
		if len(jobs) == 0 {
			continue
		}
		outcome := p.ext.Extract(ctx, jobs)
		p.metrics.ExtractionBatches.Add(float64(outcome.BatchesSent))
		p.metrics.ExtractionFallbacks.Add(float64(outcome.FallbackUsed))
		for _, listing := range outcome.Listings {
			if err := p.store.ArchivePut(listing.Record()); err != nil {
				logrus.Errorf("Master crawl: failed to archive %s: %v", listing.ContentID, err)
				continue
			}
			p.metrics.ItemsArchived.Inc()
		}
		logrus.Infof("Master crawl warmed %d listings from %.60s", len(outcome.Listings), canonical)
	}
	return nil
}

func (p *Pipeline) updateGauges(rows []models.TrackingRow) {
	subs := make(map[uint]bool)
	frozen := make(map[uint]bool)
	for _, row := range rows {
		subs[row.SubscriberID] = true
		if row.ScanState == models.ScanStateFrozen {
			frozen[row.SearchID] = true
		}
	}
	p.metrics.ActiveSubscribers.Set(float64(len(subs)))
	p.metrics.FrozenSearches.Set(float64(len(frozen)))
}

func subscribersBySearch(rows []models.TrackingRow) map[uint][]subscriberRef {
	out := make(map[uint][]subscriberRef)
	seen := make(map[uint]map[uint]bool)
	for _, row := range rows {
		if seen[row.SearchID] == nil {
			seen[row.SearchID] = make(map[uint]bool)
		}
		if seen[row.SearchID][row.SubscriberID] {
			continue
		}
		seen[row.SearchID][row.SubscriberID] = true
		out[row.SearchID] = append(out[row.SearchID], subscriberRef{ID: row.SubscriberID, ChatID: row.ChatID})
	}
	return out
}

func countSearches(rows []models.TrackingRow) int {
	ids := make(map[uint]bool)
	for _, row := range rows {
		ids[row.SearchID] = true
	}
	return len(ids)
}

func appendUnique(ids []uint, id uint) []uint {
	for _, existing := range ids {
		if existing == id {
			return ids
		}
	}
	return append(ids, id)
}
