package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/attendance"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/pkg/dto"
)

// Publisher pushes attendance events to the bus; nil disables it.
type Publisher interface {
	PublishEvent(ctx context.Context, event *models.WorkflowEvent) error
}

type CheckinHandler struct {
	db        *storage.PostgresStore
	toggler   *attendance.Service
	publisher Publisher
}

func NewCheckinHandler(db *storage.PostgresStore, toggler *attendance.Service, publisher Publisher) *CheckinHandler {
	return &CheckinHandler{db: db, toggler: toggler, publisher: publisher}
}

// CardCheckin is the backup path when the camera or recognition is
// down: a card swipe resolves the customer and flips attendance.
func (h *CheckinHandler) CardCheckin(c *gin.Context) {
	storeID, err := uuid.Parse(c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}

	var req dto.CardCheckinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	customer, err := h.db.GetCustomerByCard(c.Request.Context(), storeID, req.CardCode)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if customer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown card"})
		return
	}

	res, err := h.toggler.Toggle(c.Request.Context(), storeID, customer.ID, models.EntryMethodCard)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, attendance.ErrConcurrentToggle) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}

	if h.publisher != nil {
		evType := models.EventCheckedIn
		if res.Direction == attendance.DirectionOut {
			evType = models.EventCheckedOut
		}
		id := customer.ID
		_ = h.publisher.PublishEvent(c.Request.Context(), &models.WorkflowEvent{
			Type:         evType,
			StoreID:      storeID,
			CustomerID:   &id,
			CustomerName: customer.Name,
			Attendance:   res.Record,
			Timestamp:    time.Now().UTC(),
		})
	}

	c.JSON(http.StatusOK, dto.ToggleResponse{
		Direction:  string(res.Direction),
		Customer:   customer,
		Attendance: res.Record,
	})
}

// ListOpen returns everyone currently checked in at a store.
func (h *CheckinHandler) ListOpen(c *gin.Context) {
	storeID, err := uuid.Parse(c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.db.ListOpenAttendance(c.Request.Context(), storeID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"attendance": records, "total": len(records)})
}

// History returns one customer's attendance records, newest first.
func (h *CheckinHandler) History(c *gin.Context) {
	storeID, err := uuid.Parse(c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}
	customerID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid customer id"})
		return
	}

	limit, _ := strconv.Atoi(c.Query("limit"))
	records, err := h.db.ListAttendance(c.Request.Context(), storeID, customerID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"attendance": records, "total": len(records)})
}
