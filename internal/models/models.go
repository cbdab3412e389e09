package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscriber tiers. The tier decides how many searches a subscriber may
// track and how often those searches are scanned.
const (
	TierTrial = "TRIAL"
	TierBasic = "BASIC"
	TierPro   = "PRO"
	TierUltra = "ULTRA"
)

// Scan states of a tracked search.
const (
	ScanStateNeverScanned = "NEVER_SCANNED"
	ScanStateActive       = "ACTIVE"
	ScanStateFrozen       = "FROZEN"
)

// Listing categories.
const (
	CategoryCar      = "car"
	CategoryItem     = "item"
	CategoryProperty = "property"
)

// Subscriber is a Telegram user receiving listing notifications.
// Subscribers are soft-deactivated on expiry, never deleted.
type Subscriber struct {
	ID                 uint           `json:"id" gorm:"primaryKey;autoIncrement"`
	ChatID             int64          `json:"chat_id" gorm:"not null;uniqueIndex"`
	Name               string         `json:"name" gorm:"type:varchar(255)"`
	Tier               string         `json:"tier" gorm:"type:varchar(20);not null;default:TRIAL"`
	MaxSearches        int            `json:"max_searches" gorm:"not null;default:1"`
	ScanIntervalMin    int            `json:"scan_interval_min" gorm:"not null;default:15"`
	Active             bool           `json:"active" gorm:"default:false"`
	ExpiresAt          *time.Time     `json:"expires_at"`
	ExpiryReminderSent bool           `json:"expiry_reminder_sent" gorm:"default:false"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
	DeletedAt          gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

func (Subscriber) TableName() string {
	return "subscribers"
}

// Expired reports whether the subscription window has passed.
func (s *Subscriber) Expired(now time.Time) bool {
	return s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// TrackedSearch is one canonical search URL. Two subscribers adding the
// same URL share one row; the URLHash is the dedup key.
type TrackedSearch struct {
	ID             uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	URL            string    `json:"url" gorm:"type:text;not null"`
	URLHash        string    `json:"url_hash" gorm:"type:varchar(64);not null;uniqueIndex"`
	Source         string    `json:"source" gorm:"type:varchar(32);not null"`
	FailCount      int       `json:"fail_count" gorm:"not null;default:0"`
	ScanState      string    `json:"scan_state" gorm:"type:varchar(20);not null;default:NEVER_SCANNED"`
	FreezeNotified bool      `json:"freeze_notified" gorm:"default:false"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func (TrackedSearch) TableName() string {
	return "tracked_searches"
}

// Subscription links a subscriber to a tracked search. CreatedAt ordering
// is the tie-break for the per-subscriber quota ranking.
type Subscription struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SubscriberID uint      `json:"subscriber_id" gorm:"not null;uniqueIndex:idx_sub_search"`
	SearchID     uint      `json:"search_id" gorm:"not null;uniqueIndex:idx_sub_search"`
	CreatedAt    time.Time `json:"created_at"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// ContentRecord is one archived listing. Exactly one row per content id,
// ever: core fields are written once on first extraction, only Link,
// ImageURL and UpdatedAt may be refreshed on later sightings.
type ContentRecord struct {
	ContentID    string    `json:"content_id" gorm:"primaryKey;type:varchar(64)"`
	Source       string    `json:"source" gorm:"type:varchar(32);not null"`
	Category     string    `json:"category" gorm:"type:varchar(32);not null"`
	Title        string    `json:"title" gorm:"type:varchar(512)"`
	Price        string    `json:"price" gorm:"type:varchar(64)"`
	Link         string    `json:"link" gorm:"type:text"`
	ImageURL     string    `json:"image_url" gorm:"type:text"`
	Snippet      string    `json:"snippet" gorm:"type:text;column:snippet_data"`
	Enriched     bool      `json:"enriched" gorm:"default:false;index"`
	EnrichedJSON string    `json:"enriched_json" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (ContentRecord) TableName() string {
	return "market_data"
}

// CycleSnapshot is one (search, content id) pair from the search's most
// recent successful scan. Rows are replaced per search at scan time and
// read when a late-joining subscriber needs a baseline.
type CycleSnapshot struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SearchID  uint      `json:"search_id" gorm:"not null;index"`
	ContentID string    `json:"content_id" gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `json:"created_at"`
}

func (CycleSnapshot) TableName() string {
	return "cycle_snapshots"
}

// DeliveryRecord marks "this subscriber has been told about this listing".
// Insertion is idempotent; absence is the signal to notify.
type DeliveryRecord struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SubscriberID uint      `json:"subscriber_id" gorm:"not null;uniqueIndex:idx_delivery"`
	ContentID    string    `json:"content_id" gorm:"type:varchar(64);not null;uniqueIndex:idx_delivery"`
	SentAt       time.Time `json:"sent_at"`
}

func (DeliveryRecord) TableName() string {
	return "sent_ads"
}

// ScanLog is the append-only record of one fetch attempt.
type ScanLog struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	SearchID   uint      `json:"search_id" gorm:"not null;index"`
	StatusCode int       `json:"status_code"`
	FoundCount int       `json:"found_count"`
	Duration   float64   `json:"duration"`
	BytesUsed  int64     `json:"bytes_used"`
	ErrorMsg   string    `json:"error_msg" gorm:"type:text"`
	CreatedAt  time.Time `json:"created_at" gorm:"index"`
}

func (ScanLog) TableName() string {
	return "scan_logs"
}

// TrackingRow is one (subscriber, search) link projected with everything
// the due-set computation needs. Query projection, not a table.
type TrackingRow struct {
	SearchID        uint      `json:"search_id"`
	URL             string    `json:"url"`
	Source          string    `json:"source"`
	FailCount       int       `json:"fail_count"`
	ScanState       string    `json:"scan_state"`
	SubscriberID    uint      `json:"subscriber_id"`
	ChatID          int64     `json:"chat_id"`
	Tier            string    `json:"tier"`
	MaxSearches     int       `json:"max_searches"`
	ScanIntervalMin int       `json:"scan_interval_min"`
	LinkedAt        time.Time `json:"linked_at"`
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Database  string            `json:"database"`
	Metrics   map[string]string `json:"metrics"`
}

// ErrorResponse is the uniform API error payload.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// SubscriberRequest creates or updates a subscriber.
type SubscriberRequest struct {
	ChatID int64  `json:"chat_id" binding:"required"`
	Name   string `json:"name"`
	Tier   string `json:"tier"`
	Months int    `json:"months"`
}

// AddSearchRequest links a subscriber to a search URL.
type AddSearchRequest struct {
	URL string `json:"url" binding:"required"`
}

// EnrichRequest is the enrichment submission payload. The payload is
// stored verbatim; the pipeline never interprets it.
type EnrichRequest struct {
	Payload map[string]interface{} `json:"payload" binding:"required"`
}
