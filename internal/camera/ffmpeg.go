package camera

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"
)

// FFmpegDevice opens a capture source through an ffmpeg subprocess and
// exposes the most recent JPEG frame. Source is anything ffmpeg can
// read: a V4L2 device path, an RTSP URL, or an HTTP stream.
type FFmpegDevice struct {
	Source string
}

func (d *FFmpegDevice) Open(ctx context.Context, c Constraints) (Stream, error) {
	ctx, cancel := context.WithCancel(ctx)

	args := []string{
		"-hide_banner",
		"-loglevel", "warning",
	}

	switch {
	case strings.HasPrefix(d.Source, "/dev/"):
		args = append(args,
			"-f", "v4l2",
			"-framerate", fmt.Sprintf("%d", c.FPS),
			"-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height),
		)
	case strings.HasPrefix(d.Source, "rtsp://"), strings.HasPrefix(d.Source, "rtsps://"):
		args = append(args,
			"-rtsp_transport", "tcp",
			"-stimeout", "5000000",
			"-timeout", "5000000",
		)
	case strings.HasPrefix(d.Source, "http://"), strings.HasPrefix(d.Source, "https://"):
		args = append(args,
			"-reconnect", "1",
			"-reconnect_streamed", "1",
			"-reconnect_delay_max", "5",
			"-timeout", "10000000",
		)
	}

	args = append(args,
		"-i", d.Source,
		"-vf", fmt.Sprintf("fps=%d,scale=%d:-1", c.FPS, c.Width),
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"pipe:1",
	)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("ffmpeg stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			slog.Warn("ffmpeg stderr", "source", d.Source, "output", scanner.Text())
		}
	}()

	s := &ffmpegStream{cancel: cancel, cmd: cmd}

	go s.readFrames(ctx, stdout)

	return s, nil
}

type ffmpegStream struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd

	mu     sync.Mutex
	latest []byte
	err    error
	closed bool
}

// readFrames consumes the concatenated MJPEG output and keeps only the
// most recent frame.
func (s *ffmpegStream) readFrames(ctx context.Context, r io.Reader) {
	reader := bufio.NewReaderSize(r, 512*1024)

	for ctx.Err() == nil {
		if err := findJPEGStart(reader); err != nil {
			s.fail(ctx, err)
			return
		}

		frame, err := readUntilJPEGEnd(reader)
		if err != nil {
			s.fail(ctx, err)
			return
		}

		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()
	}
}

func (s *ffmpegStream) fail(ctx context.Context, err error) {
	if ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if s.err == nil {
		s.err = fmt.Errorf("read frames: %w", err)
	}
	s.mu.Unlock()
}

// Frame returns the most recent frame. Until ffmpeg produces its first
// frame it waits briefly and then reports ErrFrameNotReady, which
// detection treats as transient.
func (s *ffmpegStream) Frame(ctx context.Context) ([]byte, error) {
	deadline := time.Now().Add(500 * time.Millisecond)
	for {
		s.mu.Lock()
		latest, err := s.latest, s.err
		s.mu.Unlock()

		if err != nil {
			return nil, err
		}
		if latest != nil {
			out := make([]byte, len(latest))
			copy(out, latest)
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrFrameNotReady
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (s *ffmpegStream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if s.cmd.Process != nil {
		_ = s.cmd.Process.Kill()
	}
	_ = s.cmd.Wait()
}

func findJPEGStart(r *bufio.Reader) error {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return err
		}
		if b != 0xFF {
			continue
		}
		b, err = r.ReadByte()
		if err != nil {
			return err
		}
		if b == 0xD8 {
			return nil
		}
	}
}

func readUntilJPEGEnd(r *bufio.Reader) ([]byte, error) {
	data := []byte{0xFF, 0xD8}

	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		data = append(data, b)

		if b == 0xFF {
			next, err := r.ReadByte()
			if err != nil {
				return nil, err
			}
			data = append(data, next)
			if next == 0xD9 {
				return data, nil
			}
		}

		// Safety: max 10MB per frame
		if len(data) > 10*1024*1024 {
			return nil, fmt.Errorf("jpeg frame too large: %d bytes", len(data))
		}
	}
}
