package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Customer is the slice of the CRM customer record the recognition
// workflow reads. Every lookup is scoped by StoreID.
type Customer struct {
	ID        uuid.UUID `json:"id" db:"id"`
	StoreID   uuid.UUID `json:"store_id" db:"store_id"`
	Name      string    `json:"name" db:"name"`
	CardCode  string    `json:"card_code,omitempty" db:"card_code"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FaceLink binds a customer to the external identity the recognition
// service enrolled. One customer has at most one active link, and the
// external identity string is unique per store.
type FaceLink struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	StoreID    uuid.UUID       `json:"store_id" db:"store_id"`
	CustomerID uuid.UUID       `json:"customer_id" db:"customer_id"`
	ExternalID string          `json:"external_id" db:"external_id"`
	FaceID     string          `json:"face_id" db:"face_id"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	Embedding  []float32       `json:"-" db:"embedding"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
