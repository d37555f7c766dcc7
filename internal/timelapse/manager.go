package timelapse

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"printcast/internal/platform/metrics"
)

// Sentinel errors for the HTTP surface to translate.
var (
	ErrNotFound    = errors.New("timelapse: not found")
	ErrInvalidName = errors.New("timelapse: invalid session name")
	ErrNotActive   = errors.New("timelapse: session not active")
)

var (
	nameRe  = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)
	frameRe = regexp.MustCompile(`^frame_\d{6}\.jpg$`)
)

// AssembleFunc turns a directory of frames into a video file. The encoder
// supervisor provides the real implementation.
type AssembleFunc func(ctx context.Context, framesDir string, fps int, outPath string) error

// SessionInfo is the listing entry served by the HTTP surface.
type SessionInfo struct {
	Name          string    `json:"name"`
	IsActive      bool      `json:"isActive"`
	FrameCount    int       `json:"frameCount"`
	StartTime     time.Time `json:"startTime"`
	LastFrameTime time.Time `json:"lastFrameTime"`
	VideoFiles    []string  `json:"videoFiles"`
}

// Manager owns time-lapse sessions: directory naming, the capture fan-out,
// and video assembly on stop. Sessions persist on disk across restarts;
// only active ones accept frames.
type Manager struct {
	baseDir  string
	fps      int
	interval time.Duration
	assemble AssembleFunc
	log      *slog.Logger
	met      *metrics.Metrics

	mu     sync.Mutex
	active map[string]*session
}

type session struct {
	sink        *Sink
	lastCapture time.Time
}

// Config holds the manager's tunables.
type Config struct {
	BaseDir                string
	FPS                    int
	CaptureIntervalSeconds float64
}

func NewManager(cfg Config, assemble AssembleFunc, log *slog.Logger, met *metrics.Metrics) *Manager {
	if cfg.BaseDir == "" {
		cfg.BaseDir = "timelapse"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.CaptureIntervalSeconds <= 0 {
		cfg.CaptureIntervalSeconds = 10
	}
	return &Manager{
		baseDir:  cfg.BaseDir,
		fps:      cfg.FPS,
		interval: time.Duration(cfg.CaptureIntervalSeconds * float64(time.Second)),
		assemble: assemble,
		log:      log,
		met:      met,
		active:   make(map[string]*session),
	}
}

// Start creates a new session for name and returns the session name actually
// used. When the directory name exists it picks name_1, name_2 and so on.
func (m *Manager) Start(name string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	sessionName, err := m.nextFreeName(name)
	if err != nil {
		return "", err
	}
	sink, err := NewSink(filepath.Join(m.baseDir, sessionName))
	if err != nil {
		return "", err
	}
	m.active[sessionName] = &session{sink: sink}
	if m.met != nil {
		m.met.SetActiveTimelapses(len(m.active))
	}
	m.log.Info("time-lapse session started",
		slog.String("session", sessionName),
		slog.String("dir", sink.Dir()))
	return sessionName, nil
}

// nextFreeName picks the base name, or the smallest _k suffix whose
// directory does not exist yet. Caller holds the lock.
func (m *Manager) nextFreeName(name string) (string, error) {
	candidate := name
	for k := 1; ; k++ {
		if _, taken := m.active[candidate]; !taken {
			_, err := os.Stat(filepath.Join(m.baseDir, candidate))
			switch {
			case os.IsNotExist(err):
				return candidate, nil
			case err != nil:
				return "", fmt.Errorf("probe session dir %s: %w", candidate, err)
			}
		}
		candidate = fmt.Sprintf("%s_%d", name, k)
	}
}

// Stop ends the named active session, assembles its video, and returns the
// video path. Frames arriving after Stop begins are dropped by the sink.
func (m *Manager) Stop(ctx context.Context, name string) (string, error) {
	m.mu.Lock()
	sess, ok := m.active[name]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotActive, name)
	}
	delete(m.active, name)
	if m.met != nil {
		m.met.SetActiveTimelapses(len(m.active))
	}
	m.mu.Unlock()

	sess.sink.Stop()
	count := sess.sink.FrameCount()
	m.log.Info("time-lapse session stopped",
		slog.String("session", name),
		slog.Int("frames", count))

	if count == 0 {
		return "", fmt.Errorf("session %s has no frames to assemble", name)
	}
	outPath := filepath.Join(m.baseDir, name+".mp4")
	if err := m.assemble(ctx, sess.sink.Dir(), m.fps, outPath); err != nil {
		return "", err
	}
	return outPath, nil
}

// HandleFrame offers a freshly extracted frame to every accepting session.
// Each session samples at the capture interval; the rest of the stream is
// discarded. Safe to call from the single capture loop goroutine.
func (m *Manager) HandleFrame(frame []byte) {
	now := time.Now()

	m.mu.Lock()
	due := make([]*session, 0, len(m.active))
	for _, sess := range m.active {
		if now.Sub(sess.lastCapture) >= m.interval {
			sess.lastCapture = now
			due = append(due, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range due {
		if err := sess.sink.Write(frame); err != nil {
			m.log.Error("time-lapse frame write failed", slog.Any("error", err))
			continue
		}
		if m.met != nil {
			m.met.IncTimelapseFrames()
		}
	}
}

// AnyActive reports whether at least one session is accepting frames.
func (m *Manager) AnyActive() bool {
	return m.ActiveCount() > 0
}

// ActiveCount returns the number of accepting sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// List returns every session found on disk plus all active ones, sorted by
// name. Counts for inactive sessions come from the directory contents.
func (m *Manager) List() ([]SessionInfo, error) {
	m.mu.Lock()
	activeNames := make(map[string]*session, len(m.active))
	for name, sess := range m.active {
		activeNames[name] = sess
	}
	m.mu.Unlock()

	seen := make(map[string]bool)
	var out []SessionInfo

	entries, err := os.ReadDir(m.baseDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		seen[name] = true
		info, err := m.describe(name, activeNames[name])
		if err != nil {
			m.log.Warn("skipping unreadable session", slog.String("session", name), slog.Any("error", err))
			continue
		}
		out = append(out, info)
	}
	// Active sessions whose directory vanished still get listed.
	for name, sess := range activeNames {
		if !seen[name] {
			out = append(out, SessionInfo{
				Name:          name,
				IsActive:      true,
				FrameCount:    sess.sink.FrameCount(),
				StartTime:     sess.sink.StartTime(),
				LastFrameTime: sess.sink.LastFrameTime(),
			})
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *Manager) describe(name string, sess *session) (SessionInfo, error) {
	info := SessionInfo{Name: name, IsActive: sess != nil}

	if sess != nil {
		info.FrameCount = sess.sink.FrameCount()
		info.StartTime = sess.sink.StartTime()
		info.LastFrameTime = sess.sink.LastFrameTime()
	} else {
		frames, err := os.ReadDir(filepath.Join(m.baseDir, name))
		if err != nil {
			return info, err
		}
		for _, f := range frames {
			if !frameRe.MatchString(f.Name()) {
				continue
			}
			info.FrameCount++
			if fi, err := f.Info(); err == nil {
				if info.StartTime.IsZero() || fi.ModTime().Before(info.StartTime) {
					info.StartTime = fi.ModTime()
				}
				if fi.ModTime().After(info.LastFrameTime) {
					info.LastFrameTime = fi.ModTime()
				}
			}
		}
	}

	if _, err := os.Stat(filepath.Join(m.baseDir, name+".mp4")); err == nil {
		info.VideoFiles = append(info.VideoFiles, name+".mp4")
	}
	return info, nil
}

// ResolvePath maps a session name and file name to an on-disk path, serving
// frames from the session directory and assembled videos from the base
// directory. Anything that escapes those directories resolves to not-found.
func (m *Manager) ResolvePath(name, file string) (string, error) {
	if !nameRe.MatchString(name) {
		return "", ErrNotFound
	}
	dir := filepath.Join(m.baseDir, name)
	p := filepath.Join(dir, file)
	if strings.HasPrefix(p, dir+string(filepath.Separator)) {
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	if file == name+".mp4" {
		p := filepath.Join(m.baseDir, file)
		if fi, err := os.Stat(p); err == nil && !fi.IsDir() {
			return p, nil
		}
	}
	return "", ErrNotFound
}
