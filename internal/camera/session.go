package camera

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrUnavailable means the capture device could not be acquired.
	// Callers must degrade to the backup-card entry path.
	ErrUnavailable = errors.New("camera unavailable")

	// ErrNoStream means an operation that needs live video was called
	// without an acquired stream.
	ErrNoStream = errors.New("no active camera stream")

	// ErrFrameNotReady means the stream has not produced a frame yet.
	// This is transient and safe to retry on the next tick.
	ErrFrameNotReady = errors.New("frame not ready")
)

// Constraints are the preferred capture parameters.
type Constraints struct {
	FPS    int
	Width  int
	Height int
}

// Device is the capability to open a camera. It is injected so tests
// can substitute a fake and assert acquire/release ordering.
type Device interface {
	Open(ctx context.Context, c Constraints) (Stream, error)
}

// Stream is live video: Frame returns the most recent JPEG frame.
type Stream interface {
	Frame(ctx context.Context) ([]byte, error)
	Close()
}

// Session owns one camera acquisition and at most one captured still.
// The device is exclusively held between Acquire and Release; capturing
// a still releases the stream as a side effect, since live video is not
// needed once an image is taken.
type Session struct {
	device Device
	cons   Constraints

	mu          sync.Mutex
	stream      Stream
	still       []byte
	unavailable bool
}

func NewSession(device Device, cons Constraints) *Session {
	return &Session{device: device, cons: cons}
}

// Acquire opens the device. It is a no-op when a stream is already
// held. On failure the session is flagged unavailable and the caller
// must fall back to the card path.
func (s *Session) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stream != nil {
		return nil
	}

	stream, err := s.device.Open(ctx, s.cons)
	if err != nil {
		s.unavailable = true
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s.stream = stream
	s.unavailable = false
	return nil
}

// Frame returns the latest live frame for detection ticks.
func (s *Session) Frame(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return nil, ErrNoStream
	}
	return stream.Frame(ctx)
}

// CaptureStill snapshots the current frame, stores it, and releases
// the stream.
func (s *Session) CaptureStill(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()

	if stream == nil {
		return nil, ErrNoStream
	}

	frame, err := stream.Frame(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture still: %w", err)
	}

	s.mu.Lock()
	s.still = frame
	s.stream = nil
	s.mu.Unlock()

	stream.Close()
	return frame, nil
}

// Still returns the captured image, or nil if none is held.
func (s *Session) Still() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.still
}

// Release stops the stream if one is held. Safe to call repeatedly and
// on an already-released session.
func (s *Session) Release() {
	s.mu.Lock()
	stream := s.stream
	s.stream = nil
	s.mu.Unlock()

	if stream != nil {
		stream.Close()
	}
}

// Reset clears the captured still and re-acquires the device ("retake").
func (s *Session) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.still = nil
	s.mu.Unlock()

	s.Release()
	return s.Acquire(ctx)
}

// Unavailable reports whether the last acquisition attempt failed.
func (s *Session) Unavailable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unavailable
}
