package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"listing-radar-go/internal/models"
	"listing-radar-go/internal/sources"
)

// tierDefaults maps a tier to its search quota and scan interval.
var tierDefaults = map[string]struct {
	MaxSearches     int
	ScanIntervalMin int
}{
	models.TierTrial: {1, 30},
	models.TierBasic: {3, 15},
	models.TierPro:   {5, 10},
	models.TierUltra: {10, 5},
}

// CreateSubscriber registers or reactivates a subscriber by chat id.
func (h *Handlers) CreateSubscriber(c *gin.Context) {
	var req models.SubscriberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	tier := req.Tier
	if tier == "" {
		tier = models.TierTrial
	}
	defaults, ok := tierDefaults[tier]
	if !ok {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Unknown tier",
			Code:    http.StatusBadRequest,
		})
		return
	}

	months := req.Months
	if months <= 0 {
		months = 1
	}
	expires := time.Now().AddDate(0, months, 0)

	sub := models.Subscriber{
		ChatID:          req.ChatID,
		Name:            req.Name,
		Tier:            tier,
		MaxSearches:     defaults.MaxSearches,
		ScanIntervalMin: defaults.ScanIntervalMin,
		Active:          true,
		ExpiresAt:       &expires,
	}

	var existing models.Subscriber
	result := h.db.Where("chat_id = ?", req.ChatID).First(&existing)
	if result.Error == nil {
		existing.Name = sub.Name
		existing.Tier = sub.Tier
		existing.MaxSearches = sub.MaxSearches
		existing.ScanIntervalMin = sub.ScanIntervalMin
		existing.Active = true
		existing.ExpiresAt = sub.ExpiresAt
		existing.ExpiryReminderSent = false
		if err := h.db.Save(&existing).Error; err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{
				Error:   "database_error",
				Message: "Failed to update subscriber",
				Code:    http.StatusInternalServerError,
			})
			return
		}
		c.JSON(http.StatusOK, existing)
		return
	}

	if err := h.db.Create(&sub).Error; err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to create subscriber",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusCreated, sub)
}

// AddSearch canonicalizes a pasted URL and links it to the subscriber.
// The same canonical URL entered by two subscribers shares one search row.
func (h *Handlers) AddSearch(c *gin.Context) {
	subID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_id", Message: "Invalid subscriber ID", Code: http.StatusBadRequest})
		return
	}

	var req models.AddSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "validation_error", Message: "Invalid request body", Code: http.StatusBadRequest})
		return
	}

	var sub models.Subscriber
	if err := h.db.First(&sub, subID).Error; err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "not_found", Message: "Subscriber not found", Code: http.StatusNotFound})
		return
	}

	adapter, err := h.registry.Detect(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "unsupported_source", Message: "No adapter supports this URL", Code: http.StatusBadRequest})
		return
	}
	canonical, err := adapter.Canonicalize(req.URL)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_url", Message: "Search URL could not be normalized", Code: http.StatusBadRequest})
		return
	}

	search, err := h.repo.AddSearch(sub.ID, canonical, sources.HashURL(canonical), adapter.Source())
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "database_error", Message: "Failed to add search", Code: http.StatusInternalServerError})
		return
	}

	// Joining an already-scanned search baselines the subscriber with its
	// latest snapshot, so existing listings never arrive as a flood of
	// "new" notifications.
	if search.ScanState != models.ScanStateNeverScanned {
		ids, err := h.repo.SnapshotIDs(search.ID)
		if err == nil {
			err = h.repo.MarkManyDelivered(sub.ID, ids)
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "database_error", Message: "Failed to baseline search", Code: http.StatusInternalServerError})
			return
		}
	}
	c.JSON(http.StatusCreated, search)
}

// RemoveSearch unlinks a search from the subscriber.
func (h *Handlers) RemoveSearch(c *gin.Context) {
	subID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_id", Message: "Invalid subscriber ID", Code: http.StatusBadRequest})
		return
	}
	searchID, err := strconv.Atoi(c.Param("search_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid_id", Message: "Invalid search ID", Code: http.StatusBadRequest})
		return
	}
	if err := h.repo.RemoveSearch(uint(subID), uint(searchID)); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "database_error", Message: "Failed to remove search", Code: http.StatusInternalServerError})
		return
	}
	c.Status(http.StatusNoContent)
}
