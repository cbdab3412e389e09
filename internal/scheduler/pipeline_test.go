package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listing-radar-go/internal/config"
	"listing-radar-go/internal/extractor"
	"listing-radar-go/internal/fetcher"
	"listing-radar-go/internal/metrics"
	"listing-radar-go/internal/models"
	"listing-radar-go/internal/sources"
)

// Prometheus collectors register globally, so the package shares one set.
var testMetrics = metrics.NewMetrics()

// testAdapter parses a toy page format: comma-separated external ids,
// a trailing '*' marking a promoted row.
type testAdapter struct{}

func (testAdapter) Source() string                        { return "stub" }
func (testAdapter) Category() string                      { return models.CategoryCar }
func (testAdapter) ContentID(id string) string            { return "st_" + id }
func (testAdapter) Canonicalize(u string) (string, error) { return u, nil }
func (testAdapter) PageURL(u string, page int) string     { return u }
func (testAdapter) MaxPages() int                         { return 1 }

func (a testAdapter) Parse(html string) ([]sources.Candidate, error) {
	var out []sources.Candidate
	for _, token := range strings.Split(html, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		promoted := strings.HasSuffix(token, "*")
		id := strings.TrimSuffix(token, "*")
		out = append(out, sources.Candidate{
			ExternalID:  id,
			ContentID:   a.ContentID(id),
			SnippetText: "AVTO: model " + id,
			Link:        "https://stub.test/ad/" + id,
			RawHTML:     id,
			Promoted:    promoted,
		})
	}
	return out, nil
}

func (a testAdapter) Fallback(c sources.Candidate) models.Listing {
	return models.Listing{
		ContentID: c.ContentID,
		Source:    "stub",
		Category:  models.CategoryCar,
		Title:     "Model " + c.ExternalID,
		Price:     "1.000 €",
		Link:      c.Link,
	}
}

type searchState struct {
	failCount int
	scanState string
	notified  bool
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu        sync.Mutex
	rows      []models.TrackingRow
	lastScans map[uint]time.Time
	scanLogs  []models.ScanLog
	states    map[uint]*searchState
	archive   map[string]models.ContentRecord
	snapshots map[uint][]string
	delivered map[uint]map[string]bool
	expiring  []models.Subscriber
	expired   []models.Subscriber
	clock     func() time.Time
}

func newFakeStore(clock func() time.Time) *fakeStore {
	return &fakeStore{
		lastScans: make(map[uint]time.Time),
		states:    make(map[uint]*searchState),
		archive:   make(map[string]models.ContentRecord),
		snapshots: make(map[uint][]string),
		delivered: make(map[uint]map[string]bool),
		clock:     clock,
	}
}

func (s *fakeStore) addLink(searchID, subID uint, chatID int64, maxSearches, intervalMin int, linkedAt time.Time) {
	s.rows = append(s.rows, models.TrackingRow{
		SearchID:        searchID,
		URL:             fmt.Sprintf("https://stub.test/search/%d", searchID),
		Source:          "stub",
		ScanState:       models.ScanStateNeverScanned,
		SubscriberID:    subID,
		ChatID:          chatID,
		Tier:            models.TierBasic,
		MaxSearches:     maxSearches,
		ScanIntervalMin: intervalMin,
		LinkedAt:        linkedAt,
	})
	if _, ok := s.states[searchID]; !ok {
		s.states[searchID] = &searchState{scanState: models.ScanStateNeverScanned}
	}
}

func (s *fakeStore) ActiveTracking(now time.Time) ([]models.TrackingRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.TrackingRow, len(s.rows))
	for i, row := range s.rows {
		row.ScanState = s.states[row.SearchID].scanState
		out[i] = row
	}
	return out, nil
}

func (s *fakeStore) LastSuccessfulScans() (map[uint]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[uint]time.Time, len(s.lastScans))
	for k, v := range s.lastScans {
		out[k] = v
	}
	return out, nil
}

func (s *fakeStore) LogScan(log models.ScanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanLogs = append(s.scanLogs, log)
	if log.StatusCode == 200 && log.ErrorMsg == "" {
		s.lastScans[log.SearchID] = s.clock()
	}
	return nil
}

func (s *fakeStore) ReportScanSuccess(searchID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[searchID]
	st.failCount = 0
	st.scanState = models.ScanStateActive
	st.notified = false
	return nil
}

func (s *fakeStore) ReportScanFailure(searchID uint, threshold int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.states[searchID]
	st.failCount++
	if st.failCount >= threshold {
		st.scanState = models.ScanStateFrozen
		if !st.notified {
			st.notified = true
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) ArchiveGet(ids []string) (map[string]models.ContentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]models.ContentRecord)
	for _, id := range ids {
		if rec, ok := s.archive[id]; ok {
			out[id] = rec
		}
	}
	return out, nil
}

func (s *fakeStore) ArchivePut(rec models.ContentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.archive[rec.ContentID]; ok {
		existing.Link = rec.Link
		existing.ImageURL = rec.ImageURL
		s.archive[rec.ContentID] = existing
		return nil
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.clock()
	}
	s.archive[rec.ContentID] = rec
	return nil
}

func (s *fakeStore) ReplaceSnapshots(searchID uint, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[searchID] = append([]string(nil), ids...)
	return nil
}

func (s *fakeStore) SnapshotIDs(searchID uint) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.snapshots[searchID]...), nil
}

func (s *fakeStore) FullyDelivered(subIDs []uint, ids []string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool)
	for _, id := range ids {
		all := len(subIDs) > 0
		for _, subID := range subIDs {
			if !s.delivered[subID][id] {
				all = false
				break
			}
		}
		if all {
			out[id] = true
		}
	}
	return out, nil
}

func (s *fakeStore) Delivered(subID uint, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[subID][id], nil
}

func (s *fakeStore) MarkDelivered(subID uint, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.delivered[subID] == nil {
		s.delivered[subID] = make(map[string]bool)
	}
	s.delivered[subID][id] = true
	return nil
}

func (s *fakeStore) MarkManyDelivered(subID uint, ids []string) error {
	for _, id := range ids {
		if err := s.MarkDelivered(subID, id); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) BulkMarkDelivered(searchID uint, ids []string) error {
	s.mu.Lock()
	subs := make([]uint, 0)
	seen := make(map[uint]bool)
	for _, row := range s.rows {
		if row.SearchID == searchID && !seen[row.SubscriberID] {
			seen[row.SubscriberID] = true
			subs = append(subs, row.SubscriberID)
		}
	}
	s.mu.Unlock()
	for _, subID := range subs {
		if err := s.MarkManyDelivered(subID, ids); err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStore) PruneDeliveries(before time.Time) (int64, error) { return 0, nil }
func (s *fakeStore) PruneScanLogs(before time.Time) (int64, error)   { return 0, nil }

func (s *fakeStore) SubscribersExpiringWithin(window time.Duration) ([]models.Subscriber, error) {
	return s.expiring, nil
}

func (s *fakeStore) SetExpiryReminderSent(subID uint) error {
	s.expiring = nil
	return nil
}

func (s *fakeStore) NewlyExpiredSubscribers() ([]models.Subscriber, error) {
	return s.expired, nil
}

func (s *fakeStore) DeactivateSubscriber(subID uint) error {
	s.expired = nil
	return nil
}

func (s *fakeStore) deliveredIDs(subID uint) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.delivered[subID] {
		out = append(out, id)
	}
	return out
}

// fakeFetcher serves canned page bodies by URL.
type fakeFetcher struct {
	mu     sync.Mutex
	pages  map[string]string
	err    error
	hits   int
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) (fetcher.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits++
	if f.err != nil {
		return fetcher.Result{}, f.err
	}
	body, ok := f.pages[url]
	if !ok {
		return fetcher.Result{StatusCode: 404}, nil
	}
	return fetcher.Result{Body: body, StatusCode: 200, BytesUsed: int64(len(body))}, nil
}

func (f *fakeFetcher) setPage(searchID uint, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pages == nil {
		f.pages = make(map[string]string)
	}
	f.pages[fmt.Sprintf("https://stub.test/search/%d", searchID)] = body
}

func (f *fakeFetcher) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits
}

// fakeExtractor answers every job through the adapter fallback and
// counts how many candidates ever reached it.
type fakeExtractor struct {
	mu        sync.Mutex
	extracted []string
}

func (e *fakeExtractor) Extract(ctx context.Context, jobs []extractor.Job) extractor.Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := extractor.Outcome{}
	for _, job := range jobs {
		e.extracted = append(e.extracted, job.Candidate.ContentID)
		out.Listings = append(out.Listings, job.Adapter.Fallback(job.Candidate))
	}
	if len(jobs) > 0 {
		out.BatchesSent = 1
	}
	return out
}

func (e *fakeExtractor) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.extracted)
}

// fakeNotifier records sends and can fail per chat id.
type fakeNotifier struct {
	mu       sync.Mutex
	listings map[int64][]string
	full     []models.Listing
	notices  map[int64][]string
	failFor  map[int64]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		listings: make(map[int64][]string),
		notices:  make(map[int64][]string),
		failFor:  make(map[int64]bool),
	}
}

func (n *fakeNotifier) SendListing(ctx context.Context, chatID int64, l models.Listing) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failFor[chatID] {
		return fmt.Errorf("chat %d unreachable", chatID)
	}
	n.listings[chatID] = append(n.listings[chatID], l.ContentID)
	n.full = append(n.full, l)
	return nil
}

func (n *fakeNotifier) sentListing(contentID string) (models.Listing, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.full {
		if l.ContentID == contentID {
			return l, true
		}
	}
	return models.Listing{}, false
}

func (n *fakeNotifier) SendNotice(ctx context.Context, chatID int64, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notices[chatID] = append(n.notices[chatID], text)
	return nil
}

func (n *fakeNotifier) sentTo(chatID int64) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.listings[chatID]...)
}

func (n *fakeNotifier) noticesTo(chatID int64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notices[chatID])
}

type pipelineFixture struct {
	store    *fakeStore
	fetch    *fakeFetcher
	ext      *fakeExtractor
	notify   *fakeNotifier
	pipeline *Pipeline
	now      time.Time
}

func newFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	fx := &pipelineFixture{
		fetch:  &fakeFetcher{},
		ext:    &fakeExtractor{},
		notify: newFakeNotifier(),
		now:    time.Date(2026, 8, 28, 10, 0, 0, 0, time.Local),
	}
	clock := func() time.Time { return fx.now }
	fx.store = newFakeStore(clock)

	cfg := config.CrawlerConfig{
		TickSeconds:   120,
		FetchWorkers:  3,
		FailThreshold: 3,
		NightUltraMin: 15,
		NightOtherMin: 30,
		RetentionDays: 14,
	}
	fx.pipeline = NewPipeline(cfg, fx.store, fx.fetch, sources.NewRegistry(testAdapter{}), fx.ext, fx.notify, testMetrics)
	fx.pipeline.now = clock
	return fx
}

func (fx *pipelineFixture) run(t *testing.T) {
	t.Helper()
	require.NoError(t, fx.pipeline.RunCycle(context.Background()))
}

func TestFirstScanBaseline(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1,2,3")

	fx.run(t)

	assert.Empty(t, fx.notify.sentTo(100), "baseline must not notify")
	assert.Equal(t, 0, fx.ext.count(), "baseline must not extract")
	assert.ElementsMatch(t, []string{"st_1", "st_2", "st_3"}, fx.store.deliveredIDs(10))
	assert.ElementsMatch(t, []string{"st_1", "st_2", "st_3"}, fx.store.snapshots[1])
	assert.Equal(t, models.ScanStateActive, fx.store.states[1].scanState)
}

// flakyStore fails a number of baseline writes before recovering.
type flakyStore struct {
	*fakeStore
	failBaselines int
}

func (s *flakyStore) BulkMarkDelivered(searchID uint, ids []string) error {
	if s.failBaselines > 0 {
		s.failBaselines--
		return fmt.Errorf("deadlock found when trying to get lock")
	}
	return s.fakeStore.BulkMarkDelivered(searchID, ids)
}

func TestFirstScanBaselineWriteFailureRetried(t *testing.T) {
	fx := newFixture(t)
	store := &flakyStore{fakeStore: fx.store, failBaselines: 1}
	fx.pipeline.store = store
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1,2,3")

	fx.run(t)

	// The half-persisted first scan is not booked as done.
	assert.Equal(t, models.ScanStateNeverScanned, fx.store.states[1].scanState)
	assert.Empty(t, fx.store.lastScans)
	assert.Empty(t, fx.store.deliveredIDs(10))
	assert.Empty(t, fx.notify.sentTo(100))
	assert.Equal(t, 0, fx.ext.count())

	// The next tick redoes the baseline; nothing on the unchanged page is
	// treated as new.
	fx.now = fx.now.Add(2 * time.Minute)
	fx.run(t)

	assert.Equal(t, models.ScanStateActive, fx.store.states[1].scanState)
	assert.ElementsMatch(t, []string{"st_1", "st_2", "st_3"}, fx.store.deliveredIDs(10))
	assert.Empty(t, fx.notify.sentTo(100))
	assert.Equal(t, 0, fx.ext.count())
}

// The full lifecycle scenario: baseline at 10:00, one new id at 10:31, a
// second subscriber joining at 10:32 without a notification storm.
func TestScenarioNewListingAndLateJoiner(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1,2,3")

	fx.run(t) // 10:00 baseline

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "2,3,4")
	fx.run(t) // 10:31

	assert.Equal(t, []string{"st_4"}, fx.ext.extracted, "only the new id is extracted")
	assert.Equal(t, []string{"st_4"}, fx.notify.sentTo(100), "exactly one notification")
	assert.Contains(t, fx.store.archive, "st_4")
	assert.NotContains(t, fx.store.archive, "st_2", "ids known from the baseline are never extracted")

	// 10:32: subscriber T joins the same search; link-time baseline from
	// the snapshot (what the AddSearch handler does).
	fx.now = fx.now.Add(time.Minute)
	fx.store.addLink(1, 20, 200, 3, 15, fx.now)
	ids, err := fx.store.SnapshotIDs(1)
	require.NoError(t, err)
	require.NoError(t, fx.store.MarkManyDelivered(20, ids))

	fx.now = fx.now.Add(30 * time.Minute)
	fx.run(t) // 11:02, page unchanged

	assert.Equal(t, 1, fx.ext.count(), "no re-extraction for the late joiner")
	assert.Empty(t, fx.notify.sentTo(200), "late joiner gets no storm of old listings")
	assert.Equal(t, []string{"st_4"}, fx.notify.sentTo(100), "no duplicate for the original subscriber")
}

func TestIdempotentReplay(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1,2")
	fx.run(t)

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,2,3")
	fx.run(t)

	// Simulate a crash-and-retry of the same tick: force the search due
	// again with identical page content.
	fx.store.mu.Lock()
	fx.store.lastScans[1] = fx.now.Add(-31 * time.Minute)
	fx.store.mu.Unlock()
	fx.run(t)

	assert.Equal(t, []string{"st_3"}, fx.ext.extracted, "replay converges, no second extraction")
	assert.Equal(t, []string{"st_3"}, fx.notify.sentTo(100), "replay converges, no second notification")
}

func TestPromotedRegisteredNotNotified(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,2,3*")
	fx.run(t)

	assert.Equal(t, []string{"st_2"}, fx.ext.extracted)
	assert.Equal(t, []string{"st_2"}, fx.notify.sentTo(100))
	assert.Contains(t, fx.store.deliveredIDs(10), "st_3", "promoted ids are baseline-registered")

	// The promotion expires: id 3 reappears organically, but it is
	// already registered, so nothing happens.
	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,2,3")
	fx.run(t)

	assert.Equal(t, []string{"st_2"}, fx.ext.extracted)
	assert.Equal(t, []string{"st_2"}, fx.notify.sentTo(100))
}

func TestCacheHitDeliversWithoutExtraction(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.store.archive["st_7"] = models.ContentRecord{
		ContentID: "st_7",
		Source:    "stub",
		Category:  models.CategoryCar,
		Title:     "Archived model",
		Price:     "5.000 €",
		Link:      "https://stub.test/ad/7",
		Snippet:   `{"vehicle":{"year":"2021"}}`,
		CreatedAt: fx.now.Add(-time.Hour),
	}
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,7")
	fx.run(t)

	assert.Equal(t, 0, fx.ext.count(), "archive hit must not re-extract")
	assert.Equal(t, []string{"st_7"}, fx.notify.sentTo(100))
}

func TestCacheHitRefreshesLinkKeepsImage(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.store.archive["st_7"] = models.ContentRecord{
		ContentID: "st_7",
		Source:    "stub",
		Category:  models.CategoryCar,
		Title:     "Archived model",
		Price:     "5.000 €",
		Link:      "https://stub.test/ad/relisted-7",
		ImageURL:  "https://stub.test/img/7.jpg",
		CreatedAt: fx.now.Add(-time.Hour),
	}
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,7")
	fx.run(t)

	rec := fx.store.archive["st_7"]
	assert.Equal(t, "https://stub.test/ad/7", rec.Link, "a later sighting refreshes the link")
	assert.Equal(t, "https://stub.test/img/7.jpg", rec.ImageURL, "a sighting without an image keeps the stored one")
	assert.Equal(t, "Archived model", rec.Title, "core fields stay as first extracted")

	sent, ok := fx.notify.sentListing("st_7")
	require.True(t, ok)
	assert.Equal(t, "https://stub.test/ad/7", sent.Link)
	assert.Equal(t, "https://stub.test/img/7.jpg", sent.ImageURL)
}

func TestStaleArchiveHitRegisteredSilently(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	// Archived a month ago: its delivery rows may already be pruned.
	fx.store.archive["st_7"] = models.ContentRecord{
		ContentID: "st_7",
		Source:    "stub",
		Category:  models.CategoryCar,
		Title:     "Old model",
		Price:     "5.000 €",
		CreatedAt: fx.now.AddDate(0, 0, -30),
	}
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,7")
	fx.run(t)

	assert.Empty(t, fx.notify.sentTo(100), "stale hits are not re-sent")
	assert.Contains(t, fx.store.deliveredIDs(10), "st_7", "but they are registered")
	assert.Equal(t, 0, fx.ext.count())
}

func TestCircuitBreakerFreezesWithSingleNotice(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.fetch.mu.Lock()
	fx.fetch.err = fmt.Errorf("connection reset")
	fx.fetch.mu.Unlock()

	for i := 0; i < 3; i++ {
		fx.now = fx.now.Add(31 * time.Minute)
		fx.run(t)
	}

	assert.Equal(t, models.ScanStateFrozen, fx.store.states[1].scanState)
	assert.Equal(t, 3, fx.store.states[1].failCount)
	assert.Equal(t, 1, fx.notify.noticesTo(100), "exactly one freeze notice")

	// Frozen searches are excluded from further ticks.
	before := fx.fetch.fetchCount()
	fx.now = fx.now.Add(31 * time.Minute)
	fx.run(t)
	assert.Equal(t, before, fx.fetch.fetchCount(), "frozen search must not be fetched")
	assert.Equal(t, 1, fx.notify.noticesTo(100), "still a single notice")

	// A success resets the breaker (an operator thaws the search).
	fx.store.states[1].scanState = models.ScanStateActive
	fx.fetch.mu.Lock()
	fx.fetch.err = nil
	fx.fetch.mu.Unlock()
	fx.now = fx.now.Add(31 * time.Minute)
	fx.run(t)
	assert.Equal(t, 0, fx.store.states[1].failCount)
	assert.False(t, fx.store.states[1].notified)
}

func TestDeliveryFailureRetriedNextSighting(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1")
	fx.run(t)

	fx.notify.mu.Lock()
	fx.notify.failFor[100] = true
	fx.notify.mu.Unlock()

	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,2")
	fx.run(t)

	assert.Empty(t, fx.notify.sentTo(100))
	assert.NotContains(t, fx.store.deliveredIDs(10), "st_2", "failed send leaves no delivery row")

	fx.notify.mu.Lock()
	fx.notify.failFor[100] = false
	fx.notify.mu.Unlock()

	fx.now = fx.now.Add(31 * time.Minute)
	fx.run(t)

	assert.Equal(t, []string{"st_2"}, fx.notify.sentTo(100), "retried on the next sighting")
	assert.Contains(t, fx.store.deliveredIDs(10), "st_2")
	assert.Equal(t, 1, fx.ext.count(), "the archived listing is not re-extracted for the retry")
}

func TestSharedNewIDExtractedOnce(t *testing.T) {
	fx := newFixture(t)
	fx.store.addLink(1, 10, 100, 1, 30, fx.now.Add(-time.Hour))
	fx.store.addLink(2, 20, 200, 1, 30, fx.now.Add(-time.Hour))
	fx.fetch.setPage(1, "1")
	fx.fetch.setPage(2, "9")
	fx.run(t)

	// Both searches surface the same new id in one tick.
	fx.now = fx.now.Add(31 * time.Minute)
	fx.fetch.setPage(1, "1,5")
	fx.fetch.setPage(2, "9,5")
	fx.run(t)

	assert.Equal(t, []string{"st_5"}, fx.ext.extracted, "one extraction for both searches")
	assert.Equal(t, []string{"st_5"}, fx.notify.sentTo(100))
	assert.Equal(t, []string{"st_5"}, fx.notify.sentTo(200))
}

func avtonetRow(id string) string {
	return fmt.Sprintf(`<div class="GO-Results-Row">
  <div class="GO-Results-Naziv">Audi A4 %s</div>
  <div class="GO-Results-Price-Mid">12.500 &euro;</div>
  <a class="stretched-link" href="../Ads/details.asp?id=%s"></a>
</div>`, id, id)
}

func TestMasterCrawlWarmsArchiveOnly(t *testing.T) {
	reg := sources.DefaultRegistry()
	master := "https://www.avto.net/Ads/results.asp?znamka=Audi"
	adapter, err := reg.Detect(master)
	require.NoError(t, err)
	canonical, err := adapter.Canonicalize(master)
	require.NoError(t, err)

	now := time.Date(2026, 8, 28, 12, 0, 0, 0, time.Local)
	clock := func() time.Time { return now }
	store := newFakeStore(clock)
	store.archive["an_300"] = models.ContentRecord{
		ContentID: "an_300",
		Source:    "avtonet",
		Category:  models.CategoryCar,
		CreatedAt: now.Add(-time.Hour),
	}

	fetch := &fakeFetcher{pages: map[string]string{
		adapter.PageURL(canonical, 1): "<html><body>" + avtonetRow("100") + avtonetRow("200") + "</body></html>",
		adapter.PageURL(canonical, 2): "<html><body>" + avtonetRow("300") + avtonetRow("400") + "</body></html>",
		adapter.PageURL(canonical, 3): "<html><body>" + avtonetRow("500") + "</body></html>",
	}}
	ext := &fakeExtractor{}
	notify := newFakeNotifier()

	cfg := config.CrawlerConfig{
		TickSeconds:    120,
		FetchWorkers:   1,
		FailThreshold:  3,
		NightUltraMin:  15,
		NightOtherMin:  30,
		RetentionDays:  14,
		MasterURLs:     []string{master},
		MasterMaxPages: 5,
	}
	p := NewPipeline(cfg, store, fetch, reg, ext, notify, testMetrics)
	p.now = clock

	require.NoError(t, p.RunMasterCrawl(context.Background()))

	assert.ElementsMatch(t, []string{"an_100", "an_200", "an_400"}, ext.extracted,
		"crawling stops after the first page with an already-archived id")
	assert.Contains(t, store.archive, "an_100")
	assert.Contains(t, store.archive, "an_400")
	assert.NotContains(t, store.archive, "an_500", "page 3 is never fetched")
	assert.Empty(t, store.snapshots, "the warmer stages no snapshots")
	assert.Empty(t, store.delivered, "the warmer delivers nothing")
	assert.Empty(t, notify.listings)
}

func TestExpirySweep(t *testing.T) {
	fx := newFixture(t)
	soon := fx.now.Add(12 * time.Hour)
	fx.store.expiring = []models.Subscriber{{ID: 10, ChatID: 100, ExpiresAt: &soon}}
	fx.store.expired = []models.Subscriber{{ID: 20, ChatID: 200}}

	require.NoError(t, fx.pipeline.RunExpirySweep(context.Background()))

	assert.Equal(t, 1, fx.notify.noticesTo(100), "one expiry reminder")
	assert.Equal(t, 1, fx.notify.noticesTo(200), "one expired notice")
	assert.Nil(t, fx.store.expiring, "reminder flag set")
	assert.Nil(t, fx.store.expired, "expired subscriber deactivated")
}
