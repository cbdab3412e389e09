package repository

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"listing-radar-go/internal/models"
)

type Repository struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// ActiveTracking returns every subscription of an active, unexpired
// subscriber joined with its search row. Quota ranking and interval
// computation happen in the scheduler, not in SQL.
func (r *Repository) ActiveTracking(now time.Time) ([]models.TrackingRow, error) {
	var rows []models.TrackingRow
	err := r.db.
		Table("subscriptions").
		Select(`tracked_searches.id as search_id,
			tracked_searches.url,
			tracked_searches.source,
			tracked_searches.fail_count,
			tracked_searches.scan_state,
			subscribers.id as subscriber_id,
			subscribers.chat_id,
			subscribers.tier,
			subscribers.max_searches,
			subscribers.scan_interval_min,
			subscriptions.created_at as linked_at`).
		Joins("JOIN tracked_searches ON tracked_searches.id = subscriptions.search_id").
		Joins("JOIN subscribers ON subscribers.id = subscriptions.subscriber_id").
		Where("subscribers.active = ?", true).
		Where("subscribers.expires_at IS NULL OR subscribers.expires_at > ?", now).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load active tracking rows: %w", err)
	}
	return rows, nil
}

// LastSuccessfulScans returns, per search id, the time of the most recent
// successful fetch.
func (r *Repository) LastSuccessfulScans() (map[uint]time.Time, error) {
	type row struct {
		SearchID uint
		LastScan time.Time
	}
	var rows []row
	err := r.db.
		Table("scan_logs").
		Select("search_id, MAX(created_at) as last_scan").
		Where("status_code = ?", 200).
		Where("error_msg = ?", "").
		Group("search_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load last scan times: %w", err)
	}
	out := make(map[uint]time.Time, len(rows))
	for _, row := range rows {
		out[row.SearchID] = row.LastScan
	}
	return out, nil
}

// LogScan appends one fetch-attempt record.
func (r *Repository) LogScan(log models.ScanLog) error {
	if err := r.db.Create(&log).Error; err != nil {
		return fmt.Errorf("failed to log scan: %w", err)
	}
	return nil
}

// ReportScanSuccess resets the failure counter and unfreezes the search.
func (r *Repository) ReportScanSuccess(searchID uint) error {
	err := r.db.Model(&models.TrackedSearch{}).
		Where("id = ?", searchID).
		Updates(map[string]interface{}{
			"fail_count":      0,
			"scan_state":      models.ScanStateActive,
			"freeze_notified": false,
		}).Error
	if err != nil {
		return fmt.Errorf("failed to report scan success: %w", err)
	}
	return nil
}

// ReportScanFailure increments the failure counter and freezes the search
// once it crosses the threshold. Returns true exactly once, at the moment
// of freezing, so the caller can notify subscribers a single time.
func (r *Repository) ReportScanFailure(searchID uint, threshold int) (bool, error) {
	frozenNow := false
	err := r.db.Transaction(func(tx *gorm.DB) error {
		var search models.TrackedSearch
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&search, searchID).Error; err != nil {
			return err
		}
		search.FailCount++
		if search.FailCount >= threshold {
			search.ScanState = models.ScanStateFrozen
			if !search.FreezeNotified {
				search.FreezeNotified = true
				frozenNow = true
			}
		}
		return tx.Model(&models.TrackedSearch{}).
			Where("id = ?", search.ID).
			Updates(map[string]interface{}{
				"fail_count":      search.FailCount,
				"scan_state":      search.ScanState,
				"freeze_notified": search.FreezeNotified,
			}).Error
	})
	if err != nil {
		return false, fmt.Errorf("failed to report scan failure: %w", err)
	}
	return frozenNow, nil
}

// ArchiveGet returns the archived records for the given content ids.
func (r *Repository) ArchiveGet(contentIDs []string) (map[string]models.ContentRecord, error) {
	out := make(map[string]models.ContentRecord, len(contentIDs))
	if len(contentIDs) == 0 {
		return out, nil
	}
	var records []models.ContentRecord
	if err := r.db.Where("content_id IN ?", contentIDs).Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to load archive records: %w", err)
	}
	for _, rec := range records {
		out[rec.ContentID] = rec
	}
	return out, nil
}

// ArchivePut inserts a new archive row. When the content id already
// exists it refreshes only the ephemeral link and image fields. Core
// structured fields are immutable once set.
func (r *Repository) ArchivePut(rec models.ContentRecord) error {
	rec.UpdatedAt = time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	err := r.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"link", "image_url", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to archive content %s: %w", rec.ContentID, err)
	}
	return nil
}

// GetContent returns one archive row, or nil when unknown.
func (r *Repository) GetContent(contentID string) (*models.ContentRecord, error) {
	var rec models.ContentRecord
	result := r.db.Where("content_id = ?", contentID).First(&rec)
	if result.Error == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if result.Error != nil {
		return nil, fmt.Errorf("failed to load content %s: %w", contentID, result.Error)
	}
	return &rec, nil
}

// FetchUnenriched pages through archive rows that no enrichment worker
// has claimed yet.
func (r *Repository) FetchUnenriched(limit, offset int) ([]models.ContentRecord, error) {
	var records []models.ContentRecord
	err := r.db.Where("enriched = ?", false).
		Order("created_at ASC").
		Limit(limit).Offset(offset).
		Find(&records).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load unenriched records: %w", err)
	}
	return records, nil
}

// MarkEnriched stores the enrichment payload and flips the flag.
func (r *Repository) MarkEnriched(contentID, payload string) error {
	err := r.db.Model(&models.ContentRecord{}).
		Where("content_id = ?", contentID).
		Updates(map[string]interface{}{
			"enriched":      true,
			"enriched_json": payload,
			"updated_at":    time.Now(),
		}).Error
	if err != nil {
		return fmt.Errorf("failed to mark %s enriched: %w", contentID, err)
	}
	return nil
}

// ReplaceSnapshots swaps the stored snapshot of one search for the ids
// of its latest successful scan. The snapshot is what link-time
// baselining of a late-joining subscriber reads.
func (r *Repository) ReplaceSnapshots(searchID uint, contentIDs []string) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("search_id = ?", searchID).Delete(&models.CycleSnapshot{}).Error; err != nil {
			return err
		}
		if len(contentIDs) == 0 {
			return nil
		}
		now := time.Now()
		rows := make([]models.CycleSnapshot, 0, len(contentIDs))
		for _, id := range contentIDs {
			rows = append(rows, models.CycleSnapshot{SearchID: searchID, ContentID: id, CreatedAt: now})
		}
		return tx.CreateInBatches(&rows, 200).Error
	})
	if err != nil {
		return fmt.Errorf("failed to replace snapshot of search %d: %w", searchID, err)
	}
	return nil
}

// SnapshotIDs returns the content ids captured at the search's most
// recent successful scan.
func (r *Repository) SnapshotIDs(searchID uint) ([]string, error) {
	var ids []string
	err := r.db.Model(&models.CycleSnapshot{}).
		Where("search_id = ?", searchID).
		Pluck("content_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot of search %d: %w", searchID, err)
	}
	return ids, nil
}

// SubscribersOfSearch returns the active subscribers tracking a search.
func (r *Repository) SubscribersOfSearch(searchID uint) ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := r.db.
		Joins("JOIN subscriptions ON subscriptions.subscriber_id = subscribers.id").
		Where("subscriptions.search_id = ?", searchID).
		Where("subscribers.active = ?", true).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load subscribers of search %d: %w", searchID, err)
	}
	return subs, nil
}

// Delivered reports whether the subscriber was already notified of the
// content id.
func (r *Repository) Delivered(subscriberID uint, contentID string) (bool, error) {
	var rec models.DeliveryRecord
	result := r.db.Where("subscriber_id = ? AND content_id = ?", subscriberID, contentID).First(&rec)
	if result.Error == nil {
		return true, nil
	}
	if result.Error == gorm.ErrRecordNotFound {
		return false, nil
	}
	return false, fmt.Errorf("failed to check delivery record: %w", result.Error)
}

// MarkDelivered records a successful notification. Insert-or-ignore, so a
// crash-and-retry never produces a duplicate row.
func (r *Repository) MarkDelivered(subscriberID uint, contentID string) error {
	rec := models.DeliveryRecord{
		SubscriberID: subscriberID,
		ContentID:    contentID,
		SentAt:       time.Now(),
	}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("failed to mark delivery: %w", err)
	}
	return nil
}

// BulkMarkDelivered registers a set of content ids as delivered to every
// subscriber of a search without sending anything. Used by the first-scan
// baseline and by promoted-listing registration.
func (r *Repository) BulkMarkDelivered(searchID uint, contentIDs []string) error {
	if len(contentIDs) == 0 {
		return nil
	}
	subs, err := r.SubscribersOfSearch(searchID)
	if err != nil {
		return err
	}
	now := time.Now()
	records := make([]models.DeliveryRecord, 0, len(subs)*len(contentIDs))
	for _, sub := range subs {
		for _, id := range contentIDs {
			records = append(records, models.DeliveryRecord{
				SubscriberID: sub.ID,
				ContentID:    id,
				SentAt:       now,
			})
		}
	}
	if len(records) == 0 {
		return nil
	}
	err = r.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&records, 200).Error
	if err != nil {
		return fmt.Errorf("failed to bulk mark deliveries: %w", err)
	}
	return nil
}

// MarkManyDelivered registers many content ids as delivered to one
// subscriber without sending. Used by link-time baselining.
func (r *Repository) MarkManyDelivered(subscriberID uint, contentIDs []string) error {
	if len(contentIDs) == 0 {
		return nil
	}
	now := time.Now()
	records := make([]models.DeliveryRecord, 0, len(contentIDs))
	for _, id := range contentIDs {
		records = append(records, models.DeliveryRecord{
			SubscriberID: subscriberID,
			ContentID:    id,
			SentAt:       now,
		})
	}
	err := r.db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&records, 200).Error
	if err != nil {
		return fmt.Errorf("failed to mark deliveries: %w", err)
	}
	return nil
}

// FullyDelivered returns the subset of content ids already delivered to
// every one of the given subscribers. Such ids carry no work for the
// tick: no extraction, no fan-out.
func (r *Repository) FullyDelivered(subscriberIDs []uint, contentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool)
	if len(subscriberIDs) == 0 || len(contentIDs) == 0 {
		return out, nil
	}
	type row struct {
		ContentID string
		Cnt       int64
	}
	var rows []row
	err := r.db.Table("sent_ads").
		Select("content_id, COUNT(DISTINCT subscriber_id) as cnt").
		Where("content_id IN ?", contentIDs).
		Where("subscriber_id IN ?", subscriberIDs).
		Group("content_id").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to check delivered set: %w", err)
	}
	for _, r := range rows {
		if r.Cnt >= int64(len(subscriberIDs)) {
			out[r.ContentID] = true
		}
	}
	return out, nil
}

// PruneDeliveries drops delivery records older than the cutoff.
func (r *Repository) PruneDeliveries(before time.Time) (int64, error) {
	result := r.db.Where("sent_at < ?", before).Delete(&models.DeliveryRecord{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune deliveries: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// PruneScanLogs drops scan logs older than the cutoff.
func (r *Repository) PruneScanLogs(before time.Time) (int64, error) {
	result := r.db.Where("created_at < ?", before).Delete(&models.ScanLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to prune scan logs: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// SubscribersExpiringWithin returns active subscribers whose subscription
// ends inside the window and who have not been reminded yet.
func (r *Repository) SubscribersExpiringWithin(window time.Duration) ([]models.Subscriber, error) {
	now := time.Now()
	var subs []models.Subscriber
	err := r.db.
		Where("active = ?", true).
		Where("expiry_reminder_sent = ?", false).
		Where("expires_at IS NOT NULL AND expires_at > ? AND expires_at <= ?", now, now.Add(window)).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load expiring subscribers: %w", err)
	}
	return subs, nil
}

// SetExpiryReminderSent marks the one-shot reminder as delivered.
func (r *Repository) SetExpiryReminderSent(subscriberID uint) error {
	err := r.db.Model(&models.Subscriber{}).
		Where("id = ?", subscriberID).
		Update("expiry_reminder_sent", true).Error
	if err != nil {
		return fmt.Errorf("failed to set expiry reminder flag: %w", err)
	}
	return nil
}

// NewlyExpiredSubscribers returns subscribers still flagged active whose
// subscription window has passed.
func (r *Repository) NewlyExpiredSubscribers() ([]models.Subscriber, error) {
	var subs []models.Subscriber
	err := r.db.
		Where("active = ?", true).
		Where("expires_at IS NOT NULL AND expires_at <= ?", time.Now()).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load expired subscribers: %w", err)
	}
	return subs, nil
}

// DeactivateSubscriber soft-deactivates; searches and delivery history stay.
func (r *Repository) DeactivateSubscriber(subscriberID uint) error {
	err := r.db.Model(&models.Subscriber{}).
		Where("id = ?", subscriberID).
		Update("active", false).Error
	if err != nil {
		return fmt.Errorf("failed to deactivate subscriber: %w", err)
	}
	return nil
}

// AddSearch stores a canonical search URL, reusing the existing row when
// another subscriber already tracks the same URL, and links the subscriber.
func (r *Repository) AddSearch(subscriberID uint, url, urlHash, source string) (*models.TrackedSearch, error) {
	var search models.TrackedSearch
	err := r.db.Transaction(func(tx *gorm.DB) error {
		result := tx.Where("url_hash = ?", urlHash).First(&search)
		if result.Error == gorm.ErrRecordNotFound {
			search = models.TrackedSearch{
				URL:       url,
				URLHash:   urlHash,
				Source:    source,
				ScanState: models.ScanStateNeverScanned,
			}
			if err := tx.Create(&search).Error; err != nil {
				return err
			}
		} else if result.Error != nil {
			return result.Error
		}
		link := models.Subscription{
			SubscriberID: subscriberID,
			SearchID:     search.ID,
			CreatedAt:    time.Now(),
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&link).Error
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add search: %w", err)
	}
	return &search, nil
}

// RemoveSearch unlinks a subscriber from a search and reclaims the search
// row when the last link is gone.
func (r *Repository) RemoveSearch(subscriberID, searchID uint) error {
	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subscriber_id = ? AND search_id = ?", subscriberID, searchID).
			Delete(&models.Subscription{}).Error; err != nil {
			return err
		}
		var remaining int64
		if err := tx.Model(&models.Subscription{}).
			Where("search_id = ?", searchID).
			Count(&remaining).Error; err != nil {
			return err
		}
		if remaining == 0 {
			return tx.Delete(&models.TrackedSearch{}, searchID).Error
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to remove search: %w", err)
	}
	return nil
}
