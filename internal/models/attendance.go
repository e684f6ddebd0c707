package models

import (
	"time"

	"github.com/google/uuid"
)

// EntryMethod records how an identity was resolved for a toggle.
type EntryMethod string

const (
	EntryMethodFace EntryMethod = "face"
	EntryMethodCard EntryMethod = "card"
)

// AttendanceRecord tracks one visit. A nil CheckedOutAt means the
// customer is currently checked in; at most one such record may exist
// per customer per store (enforced by a partial unique index).
type AttendanceRecord struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	StoreID        uuid.UUID   `json:"store_id" db:"store_id"`
	CustomerID     uuid.UUID   `json:"customer_id" db:"customer_id"`
	CheckedInAt    time.Time   `json:"checked_in_at" db:"checked_in_at"`
	CheckedOutAt   *time.Time  `json:"checked_out_at,omitempty" db:"checked_out_at"`
	CheckInMethod  EntryMethod `json:"check_in_method" db:"check_in_method"`
	CheckOutMethod EntryMethod `json:"check_out_method,omitempty" db:"check_out_method"`
	Note           string      `json:"note" db:"note"`
}

// Open reports whether the record still has no check-out timestamp.
func (r *AttendanceRecord) Open() bool {
	return r.CheckedOutAt == nil
}
