package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/your-org/facegate/internal/camera"
	"github.com/your-org/facegate/internal/identity"
	"github.com/your-org/facegate/internal/models"
	"github.com/your-org/facegate/internal/observability"
	"github.com/your-org/facegate/internal/recognition"
	"github.com/your-org/facegate/internal/vision"
)

// Mode selects which public flow the orchestrator runs.
type Mode string

const (
	ModeRegister Mode = "register"
	ModeIdentify Mode = "identify"
)

// State is the workflow position: idle → model_loading → detecting →
// capturing → submitting → resolved|failed. Retake returns resolved or
// failed to detecting. camera_unavailable is terminal for the
// automatic flow; callers degrade to the backup-card path.
type State string

const (
	StateIdle              State = "idle"
	StateModelLoading      State = "model_loading"
	StateDetecting         State = "detecting"
	StateCapturing         State = "capturing"
	StateSubmitting        State = "submitting"
	StateResolved          State = "resolved"
	StateFailed            State = "failed"
	StateCameraUnavailable State = "camera_unavailable"
)

// ErrorKind classifies a failure for user-visible messaging.
type ErrorKind string

const (
	ErrorKindCamera      ErrorKind = "camera"
	ErrorKindModel       ErrorKind = "model"
	ErrorKindDetection   ErrorKind = "detection"
	ErrorKindRecognition ErrorKind = "recognition"
	ErrorKindMismatch    ErrorKind = "identity_mismatch"
	ErrorKindConflict    ErrorKind = "conflict"
)

var (
	// ErrIdentityMismatch means a register response echoed a different
	// external identity than the correlation id this attempt sent.
	// Cross-talk between concurrent enrollments; never coerced to
	// success and never retried silently.
	ErrIdentityMismatch = errors.New("registration identity mismatch")

	// ErrModelNotReady guards the manual capture path: "scan now"
	// never bypasses model loading.
	ErrModelNotReady = errors.New("presence model not ready")

	// ErrAlreadyStarted is returned by Start on a non-idle workflow.
	ErrAlreadyStarted = errors.New("workflow already started")
)

// CameraSession is the slice of camera.Session the orchestrator uses.
type CameraSession interface {
	Acquire(ctx context.Context) error
	Frame(ctx context.Context) ([]byte, error)
	CaptureStill(ctx context.Context) ([]byte, error)
	Release()
	Reset(ctx context.Context) error
}

// Detector is the slice of vision.PresenceDetector the orchestrator uses.
type Detector interface {
	Load(ctx context.Context) error
	Loaded() bool
	DetectOnce(frame []byte) (bool, error)
	Embed(still []byte) ([]float32, error)
}

// Resolver reconciles recognition outcomes with customer records.
// Implemented by identity.Reconciler.
type Resolver interface {
	ResolveIdentify(ctx context.Context, storeID uuid.UUID, externalID string) (*models.Customer, error)
	CompleteEnrollment(ctx context.Context, storeID, customerID uuid.UUID, externalID, faceID string, metadata json.RawMessage, embedding []float32) (*models.FaceLink, error)
}

// Resolution is a terminal successful outcome. Customer is nil when an
// identify found no matching store-scoped record — a normal outcome
// that lets the UI fall through to manual search.
type Resolution struct {
	ExternalID string           `json:"external_id"`
	Confidence float32          `json:"confidence,omitempty"`
	Customer   *models.Customer `json:"customer,omitempty"`
	FaceLink   *models.FaceLink `json:"face_link,omitempty"`
}

// Event is emitted on every state change so multiple consumers
// (enrollment UI, check-in UI, kiosk loop) can observe the workflow
// without it knowing about them.
type Event struct {
	WorkflowID uuid.UUID
	StoreID    uuid.UUID
	Mode       Mode
	State      State
	Generation uint64
	Error      string
	ErrorKind  ErrorKind
	Resolution *Resolution
}

// Snapshot is the queryable workflow state.
type Snapshot struct {
	ID         uuid.UUID   `json:"id"`
	StoreID    uuid.UUID   `json:"store_id"`
	Mode       Mode        `json:"mode"`
	State      State       `json:"state"`
	Generation uint64      `json:"generation"`
	HasStill   bool        `json:"has_still"`
	Error      string      `json:"error,omitempty"`
	ErrorKind  ErrorKind   `json:"error_kind,omitempty"`
	Resolution *Resolution `json:"resolution,omitempty"`
}

// Config parameterizes one workflow instance.
type Config struct {
	Mode         Mode
	StoreID      uuid.UUID
	CustomerID   uuid.UUID // correlation id; required for register
	PollInterval time.Duration
}

// Orchestrator owns one enrollment or identification attempt end to
// end. All transitions are serialized under one mutex; submissions are
// tagged with a generation counter so a response that arrives after a
// retake is discarded instead of overwriting newer state.
type Orchestrator struct {
	id       uuid.UUID
	cfg      Config
	session  CameraSession
	detector Detector
	client   recognition.Submitter
	resolver Resolver

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      State
	gen        uint64
	inFlight   bool
	still      []byte
	lastErr    error
	errKind    ErrorKind
	resolution *Resolution
	cancelLoop context.CancelFunc

	events chan Event
}

// New builds an orchestrator. For register mode the customer id is the
// correlation identifier and must be generated by the caller before the
// workflow starts; it stays stable across retakes of this attempt.
func New(cfg Config, session CameraSession, detector Detector, client recognition.Submitter, resolver Resolver) (*Orchestrator, error) {
	if cfg.Mode != ModeRegister && cfg.Mode != ModeIdentify {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Mode == ModeRegister && cfg.CustomerID == uuid.Nil {
		return nil, recognition.ErrMissingCustomerID
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 1500 * time.Millisecond
	}

	return &Orchestrator{
		id:       uuid.New(),
		cfg:      cfg,
		session:  session,
		detector: detector,
		client:   client,
		resolver: resolver,
		state:    StateIdle,
		events:   make(chan Event, 32),
	}, nil
}

func (o *Orchestrator) ID() uuid.UUID      { return o.id }
func (o *Orchestrator) Mode() Mode         { return o.cfg.Mode }
func (o *Orchestrator) StoreID() uuid.UUID { return o.cfg.StoreID }

// Events is the state-change feed. It is never closed; consumers
// select on Done as well.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Done is closed when the workflow is stopped or its parent context
// ends.
func (o *Orchestrator) Done() <-chan struct{} {
	if o.ctx == nil {
		return nil
	}
	return o.ctx.Done()
}

// Still returns the captured image of the current attempt, if any.
func (o *Orchestrator) Still() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.still
}

// Snapshot returns the current workflow state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := Snapshot{
		ID:         o.id,
		StoreID:    o.cfg.StoreID,
		Mode:       o.cfg.Mode,
		State:      o.state,
		Generation: o.gen,
		HasStill:   o.still != nil,
		ErrorKind:  o.errKind,
		Resolution: o.resolution,
	}
	if o.lastErr != nil {
		snap.Error = o.lastErr.Error()
	}
	return snap
}

// Start loads the model, acquires the camera, and begins the detection
// loop. Camera denial leaves the workflow in camera_unavailable so the
// caller can offer the backup-card path; it is never retried
// automatically.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		o.mu.Unlock()
		return ErrAlreadyStarted
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	o.setStateLocked(StateModelLoading)
	o.mu.Unlock()

	if err := o.detector.Load(o.ctx); err != nil {
		o.fail(0, fmt.Errorf("load presence model: %w", err), ErrorKindModel)
		return err
	}

	if err := o.session.Acquire(o.ctx); err != nil {
		o.mu.Lock()
		o.lastErr = err
		o.errKind = ErrorKindCamera
		o.setStateLocked(StateCameraUnavailable)
		o.mu.Unlock()
		return err
	}

	o.startDetecting()
	return nil
}

// startDetecting enters the detecting state and spawns the polling
// loop for the current generation.
func (o *Orchestrator) startDetecting() {
	loopCtx, cancelLoop := context.WithCancel(o.ctx)

	o.mu.Lock()
	o.cancelLoop = cancelLoop
	gen := o.gen
	o.setStateLocked(StateDetecting)
	o.mu.Unlock()

	go o.detectLoop(loopCtx, gen)
}

// detectLoop polls the detector on a fixed interval. Ticks are
// serialized by the ticker; the guard below keeps a tick from doing
// anything while a capture or submission is pending, and the loop exits
// permanently on the first positive detection.
func (o *Orchestrator) detectLoop(ctx context.Context, gen uint64) {
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.mu.Lock()
		stale := o.gen != gen || o.state != StateDetecting || o.inFlight || o.still != nil
		o.mu.Unlock()
		if stale {
			return
		}

		frame, err := o.session.Frame(ctx)
		if err != nil {
			if errors.Is(err, camera.ErrFrameNotReady) {
				observability.DetectionTicks.WithLabelValues("transient").Inc()
				continue
			}
			if ctx.Err() != nil {
				return
			}
			o.fail(gen, fmt.Errorf("read frame: %w", err), ErrorKindCamera)
			return
		}

		present, err := o.detector.DetectOnce(frame)
		if err != nil {
			if errors.Is(err, vision.ErrTransient) {
				observability.DetectionTicks.WithLabelValues("transient").Inc()
				continue
			}
			observability.DetectionTicks.WithLabelValues("error").Inc()
			o.fail(gen, fmt.Errorf("presence detection: %w", err), ErrorKindDetection)
			return
		}

		if !present {
			observability.DetectionTicks.WithLabelValues("absent").Inc()
			continue
		}

		observability.DetectionTicks.WithLabelValues("present").Inc()
		o.capture(gen)
		return
	}
}

// capture stops detection, snapshots the current frame, and hands it
// to submission.
func (o *Orchestrator) capture(gen uint64) {
	o.mu.Lock()
	if o.gen != gen || o.inFlight {
		o.mu.Unlock()
		return
	}
	o.stopLoopLocked()
	o.setStateLocked(StateCapturing)
	o.mu.Unlock()

	still, err := o.session.CaptureStill(o.ctx)
	if err != nil {
		o.fail(gen, fmt.Errorf("capture still: %w", err), ErrorKindCamera)
		return
	}

	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	o.still = still
	o.mu.Unlock()

	o.submit(gen, still)
}

// submit sends the still to the recognition service. At most one
// submission is in flight per orchestrator; a second trigger while
// submitting is ignored, not queued.
func (o *Orchestrator) submit(gen uint64, still []byte) {
	o.mu.Lock()
	if o.gen != gen || o.inFlight {
		o.mu.Unlock()
		return
	}
	o.inFlight = true
	o.setStateLocked(StateSubmitting)
	o.mu.Unlock()

	req := recognition.Request{
		Action: recognition.ActionIdentify,
		Image:  still,
	}
	if o.cfg.Mode == ModeRegister {
		req.Action = recognition.ActionRegister
		req.CustomerID = o.cfg.CustomerID.String()
	}

	go func() {
		res, err := o.client.Submit(o.ctx, req)
		o.complete(gen, still, res, err)
	}()
}

// complete applies a submission outcome. Responses from a superseded
// generation (retake happened while in flight) are discarded without
// touching state. inFlight stays set through the resolver phase so a
// manual trigger arriving mid-resolution cannot start a second
// submission; resolve and fail are the only places that clear it.
func (o *Orchestrator) complete(gen uint64, still []byte, res *recognition.Result, err error) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		observability.Submissions.WithLabelValues(string(o.cfg.Mode), "stale").Inc()
		return
	}
	o.mu.Unlock()

	if err != nil {
		observability.Submissions.WithLabelValues(string(o.cfg.Mode), "failed").Inc()
		o.fail(gen, err, ErrorKindRecognition)
		return
	}

	switch o.cfg.Mode {
	case ModeRegister:
		o.completeRegister(gen, still, res)
	case ModeIdentify:
		o.completeIdentify(gen, res)
	}
}

func (o *Orchestrator) completeRegister(gen uint64, still []byte, res *recognition.Result) {
	correlationID := o.cfg.CustomerID.String()
	if res.ExternalID != correlationID {
		observability.Submissions.WithLabelValues(string(o.cfg.Mode), "failed").Inc()
		o.fail(gen, fmt.Errorf("%w: sent %s, vendor echoed %s",
			ErrIdentityMismatch, correlationID, res.ExternalID), ErrorKindMismatch)
		return
	}

	// Embedding feeds the duplicate-enrollment guard; enrollment still
	// proceeds without it if extraction fails.
	embedding, err := o.detector.Embed(still)
	if err != nil {
		slog.Warn("embed enrollment still", "workflow_id", o.id, "error", err)
		embedding = nil
	}

	link, err := o.resolver.CompleteEnrollment(o.ctx, o.cfg.StoreID, o.cfg.CustomerID,
		res.ExternalID, res.FaceID, res.Raw, embedding)
	if err != nil {
		observability.Submissions.WithLabelValues(string(o.cfg.Mode), "failed").Inc()
		kind := ErrorKindRecognition
		if errors.Is(err, identity.ErrFaceLinkConflict) {
			kind = ErrorKindConflict
		}
		o.fail(gen, err, kind)
		return
	}

	observability.Submissions.WithLabelValues(string(o.cfg.Mode), "resolved").Inc()
	o.resolve(gen, &Resolution{
		ExternalID: res.ExternalID,
		FaceLink:   link,
	})
}

func (o *Orchestrator) completeIdentify(gen uint64, res *recognition.Result) {
	customer, err := o.resolver.ResolveIdentify(o.ctx, o.cfg.StoreID, res.ExternalID)
	if err != nil {
		observability.Submissions.WithLabelValues(string(o.cfg.Mode), "failed").Inc()
		o.fail(gen, err, ErrorKindRecognition)
		return
	}

	observability.Submissions.WithLabelValues(string(o.cfg.Mode), "resolved").Inc()
	o.resolve(gen, &Resolution{
		ExternalID: res.ExternalID,
		Confidence: res.Confidence,
		Customer:   customer,
	})
}

func (o *Orchestrator) resolve(gen uint64, r *Resolution) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.inFlight = false
	o.resolution = r
	o.setStateLocked(StateResolved)
}

// fail records an error and stops any running timer. The error is
// preserved for display until an explicit retake.
func (o *Orchestrator) fail(gen uint64, err error, kind ErrorKind) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.gen != gen {
		return
	}
	o.stopLoopLocked()
	o.inFlight = false
	o.lastErr = err
	o.errKind = kind
	o.setStateLocked(StateFailed)
}

// CaptureNow forces capture+submit without waiting for a positive
// local detection ("scan now"). It still requires the model loaded.
// When a still from this attempt already exists and nothing is in
// flight, that still is resubmitted as-is; the operator pressing the
// button is the quality gate on this path.
func (o *Orchestrator) CaptureNow() error {
	if !o.detector.Loaded() {
		return ErrModelNotReady
	}

	o.mu.Lock()
	if o.inFlight {
		o.mu.Unlock()
		return nil
	}
	gen := o.gen
	still := o.still
	state := o.state
	o.mu.Unlock()

	if still != nil {
		o.submit(gen, still)
		return nil
	}
	if state != StateDetecting {
		return fmt.Errorf("cannot capture in state %s", state)
	}

	o.capture(gen)
	return nil
}

// Retake clears the captured image, error, and resolution, bumps the
// generation so any in-flight submission is abandoned, and re-enters
// detecting.
func (o *Orchestrator) Retake() error {
	o.mu.Lock()
	o.gen++
	o.inFlight = false
	o.still = nil
	o.lastErr = nil
	o.errKind = ""
	o.resolution = nil
	o.stopLoopLocked()
	o.mu.Unlock()

	if err := o.session.Reset(o.ctx); err != nil {
		o.mu.Lock()
		o.lastErr = err
		o.errKind = ErrorKindCamera
		o.setStateLocked(StateCameraUnavailable)
		o.mu.Unlock()
		return err
	}

	o.startDetecting()
	return nil
}

// Stop tears the workflow down: detection interval cleared, camera
// released, any outstanding submission abandoned.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	o.gen++
	o.stopLoopLocked()
	o.mu.Unlock()

	if o.cancel != nil {
		o.cancel()
	}
	o.session.Release()
}

func (o *Orchestrator) stopLoopLocked() {
	if o.cancelLoop != nil {
		o.cancelLoop()
		o.cancelLoop = nil
	}
}

// setStateLocked transitions state and emits an event. Callers hold
// the mutex. The event channel is buffered; a slow consumer drops
// events rather than blocking transitions.
func (o *Orchestrator) setStateLocked(s State) {
	o.state = s

	ev := Event{
		WorkflowID: o.id,
		StoreID:    o.cfg.StoreID,
		Mode:       o.cfg.Mode,
		State:      s,
		Generation: o.gen,
		ErrorKind:  o.errKind,
		Resolution: o.resolution,
	}
	if o.lastErr != nil {
		ev.Error = o.lastErr.Error()
	}

	select {
	case o.events <- ev:
	default:
		slog.Warn("workflow event dropped", "workflow_id", o.id, "state", s)
	}
}
