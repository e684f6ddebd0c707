package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/internal/workflow"
	"github.com/your-org/facegate/pkg/dto"
)

type WorkflowHandler struct {
	db      *storage.PostgresStore
	manager *workflow.Manager
}

func NewWorkflowHandler(db *storage.PostgresStore, manager *workflow.Manager) *WorkflowHandler {
	return &WorkflowHandler{db: db, manager: manager}
}

// StartEnrollment begins a register workflow for an existing customer.
func (h *WorkflowHandler) StartEnrollment(c *gin.Context) {
	storeID, err := uuid.Parse(c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}

	var req dto.StartEnrollmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// The customer record must exist before a face can be attached.
	customer, err := h.db.GetCustomer(c.Request.Context(), storeID, req.CustomerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if customer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
		return
	}

	orch, err := h.manager.StartEnrollment(c.Request.Context(), storeID, req.CustomerID)
	if err != nil && orch == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	// A workflow that could not open the camera is still created; its
	// terminal state tells the UI to fall back to the card path.
	c.JSON(http.StatusCreated, dto.WorkflowCreatedResponse{
		WorkflowID: orch.ID(),
		Mode:       string(orch.Mode()),
		State:      string(orch.Snapshot().State),
	})
}

// StartIdentification begins an identify workflow for walk-in check-in.
func (h *WorkflowHandler) StartIdentification(c *gin.Context) {
	storeID, err := uuid.Parse(c.Param("storeId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid store id"})
		return
	}

	orch, err := h.manager.StartIdentification(c.Request.Context(), storeID)
	if err != nil && orch == nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dto.WorkflowCreatedResponse{
		WorkflowID: orch.ID(),
		Mode:       string(orch.Mode()),
		State:      string(orch.Snapshot().State),
	})
}

// Get returns the current workflow state for UI polling.
func (h *WorkflowHandler) Get(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, orch.Snapshot())
}

// Capture forces an immediate capture+submit ("scan now").
func (h *WorkflowHandler) Capture(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := orch.CaptureNow(); err != nil {
		status := http.StatusConflict
		if errors.Is(err, workflow.ErrModelNotReady) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, orch.Snapshot())
}

// Retake discards the current attempt and restarts detection.
func (h *WorkflowHandler) Retake(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	if err := orch.Retake(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, orch.Snapshot())
}

// Still serves the captured image of the current attempt.
func (h *WorkflowHandler) Still(c *gin.Context) {
	orch, ok := h.lookup(c)
	if !ok {
		return
	}

	still := orch.Still()
	if still == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no captured image"})
		return
	}
	c.Data(http.StatusOK, "image/jpeg", still)
}

// Delete stops a workflow and releases the camera.
func (h *WorkflowHandler) Delete(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return
	}

	if err := h.manager.Stop(id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *WorkflowHandler) lookup(c *gin.Context) (*workflow.Orchestrator, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid workflow id"})
		return nil, false
	}

	orch, ok := h.manager.Get(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "workflow not found"})
		return nil, false
	}
	return orch, true
}
