package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"listing-radar-go/internal/models"
)

// GetUnprocessed returns archived records awaiting enrichment. The limit
// is clamped to [1, max]; offset allows stateless paging.
func (h *Handlers) GetUnprocessed(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit < 1 {
		limit = 1
	}
	if limit > h.enrich.MaxLimit {
		limit = h.enrich.MaxLimit
	}
	if offset < 0 {
		offset = 0
	}

	records, err := h.repo.FetchUnenriched(limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to fetch unprocessed records",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(records), "records": records})
}

// SubmitEnrichment stores an enrichment payload for one archive record.
// 404 for unknown ids, 409 when the record was already enriched.
func (h *Handlers) SubmitEnrichment(c *gin.Context) {
	contentID := c.Param("content_id")

	var req models.EnrichRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body",
			Code:    http.StatusBadRequest,
		})
		return
	}

	rec, err := h.repo.GetContent(contentID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to load record",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "Unknown content id",
			Code:    http.StatusNotFound,
		})
		return
	}
	if rec.Enriched {
		c.JSON(http.StatusConflict, models.ErrorResponse{
			Error:   "already_enriched",
			Message: "Record was already enriched",
			Code:    http.StatusConflict,
		})
		return
	}

	payload, err := json.Marshal(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "validation_error",
			Message: "Unserializable payload",
			Code:    http.StatusBadRequest,
		})
		return
	}
	if err := h.repo.MarkEnriched(contentID, string(payload)); err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to store enrichment",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"content_id": contentID, "enriched": true})
}

// GetContent returns one archive record by content id.
func (h *Handlers) GetContent(c *gin.Context) {
	rec, err := h.repo.GetContent(c.Param("content_id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{
			Error:   "database_error",
			Message: "Failed to load record",
			Code:    http.StatusInternalServerError,
		})
		return
	}
	if rec == nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse{
			Error:   "not_found",
			Message: "Unknown content id",
			Code:    http.StatusNotFound,
		})
		return
	}
	c.JSON(http.StatusOK, rec)
}
