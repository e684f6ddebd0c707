package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/storage"
	"github.com/your-org/facegate/pkg/dto"
)

type CustomerHandler struct {
	db *storage.PostgresStore
}

func NewCustomerHandler(db *storage.PostgresStore) *CustomerHandler {
	return &CustomerHandler{db: db}
}

// Get returns a customer with their enrollment status.
func (h *CustomerHandler) Get(c *gin.Context) {
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

	customer, err := h.db.GetCustomer(c.Request.Context(), storeID, customerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if customer == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "customer not found"})
		return
	}

	link, err := h.db.GetFaceLinkByCustomer(c.Request.Context(), storeID, customerID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, dto.CustomerResponse{
		Customer: customer,
		FaceLink: link,
		Enrolled: link != nil,
	})
}
