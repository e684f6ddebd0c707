package attendance

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/storage"
)

type memStore struct {
	records  map[uuid.UUID]*models.AttendanceRecord
	openErr  error
	closeErr error
	getErr   error
}

func newMemStore() *memStore {
	return &memStore{records: make(map[uuid.UUID]*models.AttendanceRecord)}
}

func (m *memStore) GetOpenAttendance(ctx context.Context, storeID, customerID uuid.UUID) (*models.AttendanceRecord, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	for _, rec := range m.records {
		if rec.StoreID == storeID && rec.CustomerID == customerID && rec.CheckedOutAt == nil {
			cp := *rec
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) OpenAttendance(ctx context.Context, rec *models.AttendanceRecord) error {
	if m.openErr != nil {
		return m.openErr
	}
	for _, existing := range m.records {
		if existing.StoreID == rec.StoreID && existing.CustomerID == rec.CustomerID && existing.CheckedOutAt == nil {
			return fmt.Errorf("open attendance: %w", storage.ErrDuplicateKey)
		}
	}
	rec.ID = uuid.New()
	cp := *rec
	m.records[rec.ID] = &cp
	return nil
}

func (m *memStore) CloseAttendance(ctx context.Context, id uuid.UUID, method models.EntryMethod, note string, at time.Time) (*models.AttendanceRecord, error) {
	if m.closeErr != nil {
		return nil, m.closeErr
	}
	rec, ok := m.records[id]
	if !ok || rec.CheckedOutAt != nil {
		return nil, fmt.Errorf("attendance record %s: %w", id, storage.ErrAlreadyClosed)
	}
	rec.CheckedOutAt = &at
	rec.CheckOutMethod = method
	rec.Note = note
	cp := *rec
	return &cp, nil
}

func newTestService(store Store, times ...time.Time) *Service {
	s := NewService(store)
	i := 0
	s.now = func() time.Time {
		t := times[i]
		if i < len(times)-1 {
			i++
		}
		return t
	}
	return s
}

func TestToggleRoundTrip(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()
	st := newMemStore()

	t0 := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	t1 := t0.Add(2 * time.Hour)
	t2 := t1.Add(30 * time.Minute)
	svc := newTestService(st, t0, t1, t2)

	// First toggle opens a record with a null check-out.
	res, err := svc.Toggle(context.Background(), storeID, custID, models.EntryMethodFace)
	if err != nil {
		t.Fatal(err)
	}
	if res.Direction != DirectionIn {
		t.Fatalf("direction = %s, want in", res.Direction)
	}
	if !res.Record.CheckedInAt.Equal(t0) || res.Record.CheckedOutAt != nil {
		t.Fatalf("unexpected open record: %+v", res.Record)
	}
	if res.Record.Note != "checked in via face" {
		t.Fatalf("note = %q", res.Record.Note)
	}

	// Second toggle closes it with check-out >= check-in.
	res, err = svc.Toggle(context.Background(), storeID, custID, models.EntryMethodCard)
	if err != nil {
		t.Fatal(err)
	}
	if res.Direction != DirectionOut {
		t.Fatalf("direction = %s, want out", res.Direction)
	}
	if res.Record.CheckedOutAt == nil || !res.Record.CheckedOutAt.Equal(t1) {
		t.Fatalf("unexpected close: %+v", res.Record)
	}
	if res.Record.CheckedOutAt.Before(res.Record.CheckedInAt) {
		t.Fatal("check-out before check-in")
	}
	if res.Record.Note != "checked out via card" {
		t.Fatalf("note = %q", res.Record.Note)
	}

	// Third toggle opens a fresh record.
	res, err = svc.Toggle(context.Background(), storeID, custID, models.EntryMethodFace)
	if err != nil {
		t.Fatal(err)
	}
	if res.Direction != DirectionIn || !res.Record.CheckedInAt.Equal(t2) {
		t.Fatalf("unexpected reopen: %+v", res.Record)
	}
	if len(st.records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(st.records))
	}
}

func TestToggleSurfacesStorageErrors(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()

	st := newMemStore()
	st.openErr = errors.New("connection refused")
	svc := newTestService(st, time.Now())

	if _, err := svc.Toggle(context.Background(), storeID, custID, models.EntryMethodFace); err == nil {
		t.Fatal("expected storage error to surface")
	}
	if len(st.records) != 0 {
		t.Fatal("failed toggle must leave attendance unchanged")
	}
}

func TestToggleRaceMapsToConcurrentToggle(t *testing.T) {
	storeID := uuid.New()
	custID := uuid.New()

	t.Run("open race", func(t *testing.T) {
		st := newMemStore()
		st.openErr = fmt.Errorf("open attendance: %w", storage.ErrDuplicateKey)
		svc := newTestService(st, time.Now())

		_, err := svc.Toggle(context.Background(), storeID, custID, models.EntryMethodCard)
		if !errors.Is(err, ErrConcurrentToggle) {
			t.Fatalf("expected ErrConcurrentToggle, got %v", err)
		}
	})

	t.Run("close race", func(t *testing.T) {
		st := newMemStore()
		svc := newTestService(st, time.Now(), time.Now())
		if _, err := svc.Toggle(context.Background(), storeID, custID, models.EntryMethodFace); err != nil {
			t.Fatal(err)
		}
		st.closeErr = fmt.Errorf("close: %w", storage.ErrAlreadyClosed)

		_, err := svc.Toggle(context.Background(), storeID, custID, models.EntryMethodFace)
		if !errors.Is(err, ErrConcurrentToggle) {
			t.Fatalf("expected ErrConcurrentToggle, got %v", err)
		}
	})
}
