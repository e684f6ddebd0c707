package vision

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeEngine struct {
	best   *Detection
	detErr error
	closed bool
}

func (f *fakeEngine) DetectBest(frame []byte) (*Detection, error) { return f.best, f.detErr }
func (f *fakeEngine) Embed(still []byte) ([]float32, error)       { return []float32{1, 0}, nil }
func (f *fakeEngine) Close()                                      { f.closed = true }

func TestLoadIsIdempotentAcrossConcurrentCallers(t *testing.T) {
	var loads int32
	d := &PresenceDetector{
		loadFn: func() (Engine, error) {
			atomic.AddInt32(&loads, 1)
			time.Sleep(20 * time.Millisecond)
			return &fakeEngine{}, nil
		},
	}

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.Load(context.Background())
		}(i)
	}
	wg.Wait()

	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("expected exactly 1 underlying load, got %d", n)
	}
	for i, err := range errs {
		if err != nil {
			t.Fatalf("caller %d saw error: %v", i, err)
		}
	}
	if !d.Loaded() {
		t.Fatal("detector should report loaded")
	}
}

func TestFailedLoadIsTerminal(t *testing.T) {
	loadErr := errors.New("missing model file")
	var loads int32
	d := &PresenceDetector{
		loadFn: func() (Engine, error) {
			atomic.AddInt32(&loads, 1)
			return nil, loadErr
		},
	}

	if err := d.Load(context.Background()); !errors.Is(err, loadErr) {
		t.Fatalf("expected load error, got %v", err)
	}
	// Second call must not retry and must observe the same result.
	if err := d.Load(context.Background()); !errors.Is(err, loadErr) {
		t.Fatalf("expected same terminal error, got %v", err)
	}
	if n := atomic.LoadInt32(&loads); n != 1 {
		t.Fatalf("failed load retried: %d loads", n)
	}
	if d.Loaded() {
		t.Fatal("detector must not report loaded after failure")
	}
}

func TestDetectOnceRequiresLoadedModel(t *testing.T) {
	d := &PresenceDetector{loadFn: func() (Engine, error) { return &fakeEngine{}, nil }}

	if _, err := d.DetectOnce([]byte("frame")); !errors.Is(err, ErrModelNotLoaded) {
		t.Fatalf("expected ErrModelNotLoaded, got %v", err)
	}
}

func TestDetectOnceOutcomes(t *testing.T) {
	engine := &fakeEngine{}
	d := &PresenceDetector{loadFn: func() (Engine, error) { return engine, nil }}
	if err := d.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	present, err := d.DetectOnce([]byte("frame"))
	if err != nil || present {
		t.Fatalf("no-face frame: present=%v err=%v", present, err)
	}

	engine.best = &Detection{Confidence: 0.92}
	present, err = d.DetectOnce([]byte("frame"))
	if err != nil || !present {
		t.Fatalf("face frame: present=%v err=%v", present, err)
	}

	// An empty frame is a transient tick error, not a hard failure.
	if _, err := d.DetectOnce(nil); !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
}
