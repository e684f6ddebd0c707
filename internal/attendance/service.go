package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/storage"
)

// ErrConcurrentToggle means another scan of the same customer raced
// this one. Attendance state is unchanged; the caller may retry the
// same scan.
var ErrConcurrentToggle = errors.New("attendance changed concurrently, retry the scan")

// Direction reports which way a toggle flipped.
type Direction string

const (
	DirectionIn  Direction = "in"
	DirectionOut Direction = "out"
)

// Store is the persistence the toggle driver needs. OpenAttendance must
// enforce the at-most-one-open-record invariant with a storage-level
// uniqueness check.
type Store interface {
	GetOpenAttendance(ctx context.Context, storeID, customerID uuid.UUID) (*models.AttendanceRecord, error)
	OpenAttendance(ctx context.Context, rec *models.AttendanceRecord) error
	CloseAttendance(ctx context.Context, id uuid.UUID, method models.EntryMethod, note string, at time.Time) (*models.AttendanceRecord, error)
}

// Result is one applied toggle.
type Result struct {
	Direction Direction
	Record    *models.AttendanceRecord
}

// Service flips a customer's open/closed attendance state. It is the
// single entry point for both the recognition flow and the backup-card
// flow; callers invoke it exactly once per resolved identity.
type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// Toggle closes the customer's open attendance record if one exists,
// otherwise opens a new one. On storage failure attendance state is
// left unchanged and the error is surfaced for retry.
func (s *Service) Toggle(ctx context.Context, storeID, customerID uuid.UUID, method models.EntryMethod) (*Result, error) {
	open, err := s.store.GetOpenAttendance(ctx, storeID, customerID)
	if err != nil {
		return nil, fmt.Errorf("lookup open attendance: %w", err)
	}

	if open != nil {
		rec, err := s.store.CloseAttendance(ctx, open.ID, method,
			fmt.Sprintf("checked out via %s", method), s.now())
		if err != nil {
			if errors.Is(err, storage.ErrAlreadyClosed) {
				return nil, fmt.Errorf("%w: %v", ErrConcurrentToggle, err)
			}
			return nil, err
		}
		observability.AttendanceToggles.WithLabelValues(string(DirectionOut), string(method)).Inc()
		return &Result{Direction: DirectionOut, Record: rec}, nil
	}

	rec := &models.AttendanceRecord{
		StoreID:       storeID,
		CustomerID:    customerID,
		CheckedInAt:   s.now(),
		CheckInMethod: method,
		Note:          fmt.Sprintf("checked in via %s", method),
	}
	if err := s.store.OpenAttendance(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrDuplicateKey) {
			return nil, fmt.Errorf("%w: %v", ErrConcurrentToggle, err)
		}
		return nil, err
	}
	observability.AttendanceToggles.WithLabelValues(string(DirectionIn), string(method)).Inc()
	return &Result{Direction: DirectionIn, Record: rec}, nil
}
