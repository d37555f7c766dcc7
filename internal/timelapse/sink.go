package timelapse

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists JPEG frames into a session directory under strictly
// increasing zero-padded names, so lexical order equals capture order.
// Write and Stop may be called from different goroutines.
type Sink struct {
	dir     string
	stopped atomic.Bool

	mu        sync.Mutex
	next      int
	startTime time.Time
	lastFrame time.Time
}

// NewSink creates the session directory and returns a sink writing into it.
func NewSink(dir string) (*Sink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir %s: %w", dir, err)
	}
	return &Sink{dir: dir, startTime: time.Now()}, nil
}

// Write persists frame under the next index. After Stop it is a no-op and
// returns nil, so a racing capture loop never fails a finishing session.
func (s *Sink) Write(frame []byte) error {
	if s.stopped.Load() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped.Load() {
		return nil
	}
	name := filepath.Join(s.dir, fmt.Sprintf("frame_%06d.jpg", s.next))
	if err := os.WriteFile(name, frame, 0o644); err != nil {
		return fmt.Errorf("write frame %d: %w", s.next, err)
	}
	s.next++
	s.lastFrame = time.Now()
	return nil
}

// Stop flips the accepting flag. Frames arriving afterwards are dropped.
func (s *Sink) Stop() {
	s.stopped.Store(true)
}

// Dir returns the session directory.
func (s *Sink) Dir() string {
	return s.dir
}

// FrameCount returns the number of frames written so far.
func (s *Sink) FrameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// StartTime returns when the session was created.
func (s *Sink) StartTime() time.Time {
	return s.startTime
}

// LastFrameTime returns when the most recent frame was written, zero if none.
func (s *Sink) LastFrameTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastFrame
}
