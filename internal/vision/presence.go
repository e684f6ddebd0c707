package vision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/your-org/facegate/internal/config"
)

var (
	// ErrModelNotLoaded is returned when detection or embedding is
	// attempted before Load has succeeded.
	ErrModelNotLoaded = errors.New("presence model not loaded")

	// ErrTransient marks a tick-level problem (frame not decodable
	// yet). Callers swallow it and try again on the next tick.
	ErrTransient = errors.New("transient detection error")
)

// Engine is the loaded model pair behind the presence detector.
type Engine interface {
	// DetectBest returns the highest-confidence face in a JPEG frame,
	// or nil when no face clears the threshold.
	DetectBest(frame []byte) (*Detection, error)
	// Embed returns the embedding of the best face in a JPEG still.
	Embed(still []byte) ([]float32, error)
	Close()
}

// PresenceDetector gates the expensive remote recognition call: it
// answers "is a face in frame" purely on-device. Model loading is
// one-shot and idempotent; concurrent callers share a single load and
// observe the same terminal result.
type PresenceDetector struct {
	loadFn func() (Engine, error)

	once   sync.Once
	mu     sync.Mutex
	engine Engine
	err    error
}

// NewPresenceDetector builds a detector backed by the ONNX models in
// cfg.ModelsDir. Nothing is loaded until Load is called.
func NewPresenceDetector(cfg config.DetectorConfig) *PresenceDetector {
	return &PresenceDetector{
		loadFn: func() (Engine, error) {
			return newONNXEngine(cfg)
		},
	}
}

// Load loads the models. A second call while loading blocks until the
// first finishes; a call after completion is a no-op returning the same
// terminal result. A failed load stays failed until process restart.
func (d *PresenceDetector) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.once.Do(func() {
		engine, err := d.loadFn()
		d.mu.Lock()
		d.engine = engine
		d.err = err
		d.mu.Unlock()
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

// Loaded reports whether the model reached its loaded terminal state.
func (d *PresenceDetector) Loaded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.engine != nil && d.err == nil
}

// DetectOnce reports whether at least one face is present in the frame.
// An undecodable frame is transient (the stream may still be warming
// up) and is reported as ErrTransient rather than a hard failure.
func (d *PresenceDetector) DetectOnce(frame []byte) (bool, error) {
	d.mu.Lock()
	engine, err := d.engine, d.err
	d.mu.Unlock()

	if engine == nil || err != nil {
		return false, ErrModelNotLoaded
	}
	if len(frame) == 0 {
		return false, fmt.Errorf("%w: empty frame", ErrTransient)
	}

	best, err := engine.DetectBest(frame)
	if err != nil {
		return false, err
	}
	return best != nil, nil
}

// Embed extracts the embedding of the best face in a captured still.
func (d *PresenceDetector) Embed(still []byte) ([]float32, error) {
	d.mu.Lock()
	engine, err := d.engine, d.err
	d.mu.Unlock()

	if engine == nil || err != nil {
		return nil, ErrModelNotLoaded
	}
	return engine.Embed(still)
}

// Close releases the underlying model sessions.
func (d *PresenceDetector) Close() {
	d.mu.Lock()
	engine := d.engine
	d.engine = nil
	d.mu.Unlock()

	if engine != nil {
		engine.Close()
	}
}

// onnxEngine pairs the RetinaFace detector and ArcFace embedder.
type onnxEngine struct {
	detector *Detector
	embedder *Embedder
}

func newONNXEngine(cfg config.DetectorConfig) (Engine, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "w600k_r50.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, float32(cfg.Threshold))
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading embedding model", "path", embPath)
	emb, err := NewEmbedder(embPath)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &onnxEngine{detector: det, embedder: emb}, nil
}

func (e *onnxEngine) DetectBest(frame []byte) (*Detection, error) {
	img, err := decodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	bounds := img.Bounds()
	detInput := preprocessForDetection(img, 640, 640)
	detections, err := e.detector.Detect(detInput, bounds.Dx(), bounds.Dy())
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(detections) == 0 {
		return nil, nil
	}

	best := detections[0]
	for _, det := range detections[1:] {
		if det.Confidence > best.Confidence {
			best = det
		}
	}
	return &best, nil
}

func (e *onnxEngine) Embed(still []byte) ([]float32, error) {
	img, err := decodeFrame(still)
	if err != nil {
		return nil, fmt.Errorf("decode still: %w", err)
	}

	best, err := e.DetectBest(still)
	if err != nil {
		return nil, err
	}
	if best == nil {
		return nil, fmt.Errorf("no face in still")
	}

	crop := cropFace(img, best.BBox)
	if crop == nil {
		return nil, fmt.Errorf("crop face")
	}

	embInput := preprocessForEmbedding(crop, e.embedder.inputW, e.embedder.inputH)
	return e.embedder.Extract(embInput)
}

func (e *onnxEngine) Close() {
	if e.detector != nil {
		e.detector.Close()
	}
	if e.embedder != nil {
		e.embedder.Close()
	}
}

func decodeFrame(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		img, _, err = image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("decode image: %w", err)
		}
	}
	return img, nil
}
