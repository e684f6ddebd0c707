package dto

import "github.com/google/uuid"

type StartEnrollmentRequest struct {
	CustomerID uuid.UUID `json:"customer_id" binding:"required"`
}

type CardCheckinRequest struct {
	CardCode string `json:"card_code" binding:"required"`
}
