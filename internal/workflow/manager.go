package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/attendance"
	"github.com/your-org/facegate/internal/camera"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/recognition"
)

// Publisher pushes workflow events to the message bus. Implemented by
// queue.Producer; nil disables publishing.
type Publisher interface {
	PublishEvent(ctx context.Context, event *models.WorkflowEvent) error
}

// StillStore archives captured stills. Implemented by
// storage.MinIOStore; nil disables archiving.
type StillStore interface {
	PutStill(ctx context.Context, key string, data []byte) error
}

// Deps collects everything a workflow needs. Device is a factory so
// each workflow gets a fresh session over the single kiosk camera.
type Deps struct {
	Device       camera.Device
	Constraints  camera.Constraints
	PollInterval time.Duration
	Detector     Detector
	Client       recognition.Submitter
	Resolver     Resolver
	Attendance   *attendance.Service
	Publisher    Publisher
	Stills       StillStore
}

// Manager is the registry of live workflows. The kiosk has one camera,
// so starting a new workflow supersedes and stops any running one
// before the new session acquires the device.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active map[uuid.UUID]*Orchestrator
}

func NewManager(deps Deps) *Manager {
	return &Manager{
		deps:   deps,
		active: make(map[uuid.UUID]*Orchestrator),
	}
}

// StartEnrollment begins a register workflow for an existing customer.
// The customer id doubles as the vendor correlation identifier.
func (m *Manager) StartEnrollment(ctx context.Context, storeID, customerID uuid.UUID) (*Orchestrator, error) {
	return m.start(ctx, Config{
		Mode:         ModeRegister,
		StoreID:      storeID,
		CustomerID:   customerID,
		PollInterval: m.deps.PollInterval,
	})
}

// StartIdentification begins an identify workflow for walk-in check-in.
func (m *Manager) StartIdentification(ctx context.Context, storeID uuid.UUID) (*Orchestrator, error) {
	return m.start(ctx, Config{
		Mode:         ModeIdentify,
		StoreID:      storeID,
		PollInterval: m.deps.PollInterval,
	})
}

func (m *Manager) start(ctx context.Context, cfg Config) (*Orchestrator, error) {
	session := camera.NewSession(m.deps.Device, m.deps.Constraints)

	orch, err := New(cfg, session, m.deps.Detector, m.deps.Client, m.deps.Resolver)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	for id, prev := range m.active {
		slog.Info("superseding workflow", "workflow_id", id, "by", orch.ID())
		prev.Stop()
		delete(m.active, id)
		observability.ActiveWorkflows.Dec()
	}
	m.active[orch.ID()] = orch
	observability.ActiveWorkflows.Inc()
	m.mu.Unlock()

	go m.pump(orch)

	// The workflow outlives the request that started it; only an
	// explicit stop or process shutdown ends it.
	if err := orch.Start(context.WithoutCancel(ctx)); err != nil {
		// Workflow stays registered in its terminal state so the UI
		// can read the failure and offer the card fallback.
		return orch, fmt.Errorf("start workflow %s: %w", orch.ID(), err)
	}

	slog.Info("workflow started",
		"workflow_id", orch.ID(), "store_id", cfg.StoreID, "mode", cfg.Mode)
	return orch, nil
}

// Get returns a live workflow by id.
func (m *Manager) Get(id uuid.UUID) (*Orchestrator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	orch, ok := m.active[id]
	return orch, ok
}

// Stop tears down one workflow and removes it from the registry.
func (m *Manager) Stop(id uuid.UUID) error {
	m.mu.Lock()
	orch, ok := m.active[id]
	if ok {
		delete(m.active, id)
		observability.ActiveWorkflows.Dec()
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("workflow %s not found", id)
	}
	orch.Stop()
	slog.Info("workflow stopped", "workflow_id", id)
	return nil
}

// StopAll tears down every live workflow. Called on shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	orchs := make([]*Orchestrator, 0, len(m.active))
	for _, orch := range m.active {
		orchs = append(orchs, orch)
	}
	m.active = make(map[uuid.UUID]*Orchestrator)
	m.mu.Unlock()

	for _, orch := range orchs {
		orch.Stop()
		observability.ActiveWorkflows.Dec()
	}
}

// pump consumes one workflow's event feed: archives stills, applies
// the attendance toggle on a resolved identify, and republishes to the
// bus for the WebSocket fan-out.
func (m *Manager) pump(orch *Orchestrator) {
	for {
		select {
		case <-orch.Done():
			// Stop can race ahead of buffered events. A terminal event
			// still queued here carries side effects (the toggle, the
			// published resolution), so drain before returning.
			for {
				select {
				case ev := <-orch.Events():
					m.handle(orch, ev)
				default:
					return
				}
			}
		case ev := <-orch.Events():
			m.handle(orch, ev)
		}
	}
}

func (m *Manager) handle(orch *Orchestrator, ev Event) {
	switch ev.State {
	case StateSubmitting:
		m.archiveStill(orch, ev)
	case StateResolved:
		m.handleResolved(orch, ev)
	case StateFailed, StateCameraUnavailable:
		m.publish(&models.WorkflowEvent{
			Type:       models.EventWorkflowFailed,
			StoreID:    ev.StoreID,
			WorkflowID: ev.WorkflowID,
			Mode:       string(ev.Mode),
			Error:      ev.Error,
			Timestamp:  time.Now().UTC(),
		})
	}
}

func (m *Manager) archiveStill(orch *Orchestrator, ev Event) {
	if m.deps.Stills == nil {
		return
	}
	still := orch.Still()
	if still == nil {
		return
	}
	key := fmt.Sprintf("captures/%s/%s-%d.jpg", ev.StoreID, ev.WorkflowID, ev.Generation)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.deps.Stills.PutStill(ctx, key, still); err != nil {
		slog.Warn("archive still", "workflow_id", ev.WorkflowID, "error", err)
	}
}

func (m *Manager) handleResolved(orch *Orchestrator, ev Event) {
	out := &models.WorkflowEvent{
		Type:       models.EventWorkflowResolved,
		StoreID:    ev.StoreID,
		WorkflowID: ev.WorkflowID,
		Mode:       string(ev.Mode),
		Timestamp:  time.Now().UTC(),
	}
	if r := ev.Resolution; r != nil {
		out.ExternalID = r.ExternalID
		out.Confidence = r.Confidence
		if r.Customer != nil {
			id := r.Customer.ID
			out.CustomerID = &id
			out.CustomerName = r.Customer.Name
		}
	}
	m.publish(out)

	// A resolved identify with a known customer flips attendance once
	// per resolution. Not-found resolutions publish and stop here.
	if ev.Mode != ModeIdentify || ev.Resolution == nil || ev.Resolution.Customer == nil {
		return
	}
	customer := ev.Resolution.Customer

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := m.deps.Attendance.Toggle(ctx, ev.StoreID, customer.ID, models.EntryMethodFace)
	if err != nil {
		slog.Error("attendance toggle",
			"workflow_id", ev.WorkflowID, "customer_id", customer.ID, "error", err)
		m.publish(&models.WorkflowEvent{
			Type:       models.EventWorkflowFailed,
			StoreID:    ev.StoreID,
			WorkflowID: ev.WorkflowID,
			Mode:       string(ev.Mode),
			Error:      fmt.Sprintf("attendance toggle: %s", err),
			Timestamp:  time.Now().UTC(),
		})
		return
	}

	evType := models.EventCheckedIn
	if res.Direction == attendance.DirectionOut {
		evType = models.EventCheckedOut
	}
	id := customer.ID
	m.publish(&models.WorkflowEvent{
		Type:         evType,
		StoreID:      ev.StoreID,
		WorkflowID:   ev.WorkflowID,
		CustomerID:   &id,
		CustomerName: customer.Name,
		Attendance:   res.Record,
		Timestamp:    time.Now().UTC(),
	})
}

func (m *Manager) publish(ev *models.WorkflowEvent) {
	if m.deps.Publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.deps.Publisher.PublishEvent(ctx, ev); err != nil {
		slog.Warn("publish workflow event", "type", ev.Type, "error", err)
	}
}
