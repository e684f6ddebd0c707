package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/attendance"
	"github.com/your-org/facegate/internal/camera"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/recognition"
)

type fakeDevice struct {
	frame []byte
}

func (d *fakeDevice) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	return &fakeStream{frame: d.frame}, nil
}

type fakeStream struct {
	frame []byte
}

func (s *fakeStream) Frame(ctx context.Context) ([]byte, error) { return s.frame, nil }
func (s *fakeStream) Close()                                    {}

type memAttendanceStore struct {
	mu   sync.Mutex
	open map[uuid.UUID]*models.AttendanceRecord
}

func newMemAttendanceStore() *memAttendanceStore {
	return &memAttendanceStore{open: make(map[uuid.UUID]*models.AttendanceRecord)}
}

func (m *memAttendanceStore) GetOpenAttendance(ctx context.Context, storeID, customerID uuid.UUID) (*models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open[customerID], nil
}

func (m *memAttendanceStore) OpenAttendance(ctx context.Context, rec *models.AttendanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.ID = uuid.New()
	m.open[rec.CustomerID] = rec
	return nil
}

func (m *memAttendanceStore) CloseAttendance(ctx context.Context, id uuid.UUID, method models.EntryMethod, note string, at time.Time) (*models.AttendanceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for customerID, rec := range m.open {
		if rec.ID == id {
			out := *rec
			out.CheckedOutAt = &at
			out.CheckOutMethod = method
			delete(m.open, customerID)
			return &out, nil
		}
	}
	return nil, nil
}

func (m *memAttendanceStore) openCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

type capturingPublisher struct {
	mu     sync.Mutex
	events []*models.WorkflowEvent
}

func (p *capturingPublisher) PublishEvent(ctx context.Context, event *models.WorkflowEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturingPublisher) byType(t models.EventType) []*models.WorkflowEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []*models.WorkflowEvent
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newTestManager(det *fakeDetector, sub *fakeSubmitter, res *fakeResolver, pub *capturingPublisher, att *memAttendanceStore) *Manager {
	return NewManager(Deps{
		Device:       &fakeDevice{frame: []byte("frame")},
		Constraints:  camera.Constraints{FPS: 5, Width: 640, Height: 480},
		PollInterval: testPoll,
		Detector:     det,
		Client:       sub,
		Resolver:     res,
		Attendance:   attendance.NewService(att),
		Publisher:    pub,
	})
}

func TestManagerTogglesAttendanceOncePerResolution(t *testing.T) {
	customer := &models.Customer{ID: uuid.New(), StoreID: uuid.New(), Name: "Rae"}
	detector := &fakeDetector{present: true}
	submitter := &fakeSubmitter{
		res: &recognition.Result{ExternalID: "ext-1", Confidence: 0.95},
	}
	resolver := &fakeResolver{customer: customer}
	publisher := &capturingPublisher{}
	attStore := newMemAttendanceStore()

	mgr := newTestManager(detector, submitter, resolver, publisher, attStore)
	defer mgr.StopAll()

	orch, err := mgr.StartIdentification(context.Background(), customer.StoreID)
	if err != nil {
		t.Fatalf("StartIdentification: %v", err)
	}
	waitState(t, orch, StateResolved)

	// The pump applies the toggle and publishes asynchronously.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(publisher.byType(models.EventCheckedIn)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	checkins := publisher.byType(models.EventCheckedIn)
	if len(checkins) != 1 {
		t.Fatalf("checked_in events = %d, want 1", len(checkins))
	}
	if checkins[0].CustomerID == nil || *checkins[0].CustomerID != customer.ID {
		t.Errorf("checked_in customer = %v, want %s", checkins[0].CustomerID, customer.ID)
	}
	if checkins[0].Attendance == nil {
		t.Error("checked_in event missing attendance record")
	}
	if got := attStore.openCount(); got != 1 {
		t.Errorf("open attendance records = %d, want 1", got)
	}
	if got := len(publisher.byType(models.EventWorkflowResolved)); got != 1 {
		t.Errorf("workflow_resolved events = %d, want 1", got)
	}
}

func TestManagerUnknownFaceDoesNotToggle(t *testing.T) {
	detector := &fakeDetector{present: true}
	submitter := &fakeSubmitter{
		res: &recognition.Result{ExternalID: "ext-stranger", Confidence: 0.9},
	}
	resolver := &fakeResolver{customer: nil}
	publisher := &capturingPublisher{}
	attStore := newMemAttendanceStore()

	mgr := newTestManager(detector, submitter, resolver, publisher, attStore)
	defer mgr.StopAll()

	orch, err := mgr.StartIdentification(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("StartIdentification: %v", err)
	}
	waitState(t, orch, StateResolved)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && len(publisher.byType(models.EventWorkflowResolved)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := attStore.openCount(); got != 0 {
		t.Errorf("open attendance records = %d, want 0 for unknown face", got)
	}
	if got := len(publisher.byType(models.EventCheckedIn)); got != 0 {
		t.Errorf("checked_in events = %d, want 0", got)
	}
}

type slowStillStore struct {
	delay time.Duration

	mu   sync.Mutex
	puts int
}

func (s *slowStillStore) PutStill(ctx context.Context, key string, data []byte) error {
	time.Sleep(s.delay)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	return nil
}

func TestManagerAppliesToggleWhenStoppedRightAfterResolve(t *testing.T) {
	customer := &models.Customer{ID: uuid.New(), StoreID: uuid.New(), Name: "Io"}
	publisher := &capturingPublisher{}
	attStore := newMemAttendanceStore()
	stills := &slowStillStore{delay: 60 * time.Millisecond}

	mgr := NewManager(Deps{
		Device:       &fakeDevice{frame: []byte("frame")},
		Constraints:  camera.Constraints{FPS: 5, Width: 640, Height: 480},
		PollInterval: testPoll,
		Detector:     &fakeDetector{present: true},
		Client:       &fakeSubmitter{res: &recognition.Result{ExternalID: "ext-1", Confidence: 0.95}},
		Resolver:     &fakeResolver{customer: customer},
		Attendance:   attendance.NewService(attStore),
		Publisher:    publisher,
		Stills:       stills,
	})
	defer mgr.StopAll()

	orch, err := mgr.StartIdentification(context.Background(), customer.StoreID)
	if err != nil {
		t.Fatalf("StartIdentification: %v", err)
	}

	// A door agent stops the workflow the moment it sees the resolved
	// snapshot, typically while the pump is still archiving the still.
	// The resolution's toggle must land anyway.
	waitState(t, orch, StateResolved)
	if err := mgr.Stop(orch.ID()); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(publisher.byType(models.EventCheckedIn)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := len(publisher.byType(models.EventCheckedIn)); got != 1 {
		t.Fatalf("checked_in events = %d, want 1 despite immediate stop", got)
	}
	if got := attStore.openCount(); got != 1 {
		t.Errorf("open attendance records = %d, want 1", got)
	}
}

func TestManagerSupersedesActiveWorkflow(t *testing.T) {
	detector := &fakeDetector{}
	submitter := &fakeSubmitter{}
	resolver := &fakeResolver{}
	publisher := &capturingPublisher{}

	mgr := newTestManager(detector, submitter, resolver, publisher, newMemAttendanceStore())
	defer mgr.StopAll()

	storeID := uuid.New()
	first, err := mgr.StartIdentification(context.Background(), storeID)
	if err != nil {
		t.Fatalf("first StartIdentification: %v", err)
	}
	second, err := mgr.StartIdentification(context.Background(), storeID)
	if err != nil {
		t.Fatalf("second StartIdentification: %v", err)
	}

	if _, ok := mgr.Get(first.ID()); ok {
		t.Error("superseded workflow still registered")
	}
	if _, ok := mgr.Get(second.ID()); !ok {
		t.Error("new workflow not registered")
	}

	select {
	case <-first.Done():
	case <-time.After(2 * time.Second):
		t.Error("superseded workflow was not stopped")
	}
}
