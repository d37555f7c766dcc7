package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"printcast/internal/encoder"
	"printcast/internal/platform/config"
	"printcast/internal/youtube"
)

func newTestApp(t *testing.T, mutate func(*config.Config)) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Timelapse.Dir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(cfg, log)
}

func TestCodeOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, CodeOK},
		{Exit(CodeConfig, errors.New("bad config")), CodeConfig},
		{Exit(CodeAuth, errors.New("no token")), CodeAuth},
		{Exit(CodeUpstream, errors.New("camera down")), CodeUpstream},
		{fmt.Errorf("wrapped: %w", Exit(CodeAuth, errors.New("no token"))), CodeAuth},
		{errors.New("plain"), CodeConfig},
	}
	for _, tc := range cases {
		if got := CodeOf(tc.err); got != tc.want {
			t.Errorf("CodeOf(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestExitError_unwrap(t *testing.T) {
	inner := errors.New("boom")
	err := Exit(CodeUpstream, inner)
	if !errors.Is(err, inner) {
		t.Error("ExitError should unwrap to the inner error")
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestClassifyAuth(t *testing.T) {
	if got := CodeOf(classifyAuth(fmt.Errorf("client: %w", youtube.ErrNoToken))); got != CodeAuth {
		t.Errorf("missing token should map to the auth code, got %d", got)
	}
	if got := CodeOf(classifyAuth(fmt.Errorf("read: %w", youtube.ErrAuthRevoked))); got != CodeAuth {
		t.Errorf("revoked auth should map to the auth code, got %d", got)
	}
	plain := errors.New("network down")
	if classifyAuth(plain) != plain {
		t.Error("non-auth errors should pass through unchanged")
	}
}

func TestRun_unknownMode(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Mode = "broadcast" })
	err := a.Run(context.Background())
	if CodeOf(err) != CodeConfig {
		t.Errorf("unknown mode should exit with the config code, got %v", err)
	}
}

func TestRunStream_cameraUnreachable(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Mode = config.ModeStream
		cfg.Stream.Source = "http://127.0.0.1:1/stream"
		cfg.YouTube.ClientID = "id"
		cfg.YouTube.ClientSecret = "secret"
	})
	err := a.Run(context.Background())
	if CodeOf(err) != CodeUpstream {
		t.Errorf("unreachable camera should exit with the upstream code, got %v", err)
	}
}

func TestStreamInServe(t *testing.T) {
	cases := []struct {
		name         string
		id, secret   string
		startInServe bool
		want         bool
	}{
		{"credentials and flag", "id", "secret", true, true},
		{"missing secret", "id", "", true, false},
		{"missing id", "", "secret", true, false},
		{"flag off", "id", "secret", false, false},
	}
	for _, tc := range cases {
		a := newTestApp(t, func(cfg *config.Config) {
			cfg.YouTube.ClientID = tc.id
			cfg.YouTube.ClientSecret = tc.secret
			cfg.YouTube.StartInServe = tc.startInServe
		})
		if got := a.streamInServe(); got != tc.want {
			t.Errorf("%s: streamInServe() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestShutdown_endsStreamingRequests(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		for {
			if _, err := io.WriteString(w, "frame\n"); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := newServer(ctx, ln.Addr().String(), h)
	go srv.Serve(ln)

	resp, err := http.Get("http://" + ln.Addr().String() + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 6)
	if _, err := io.ReadFull(resp.Body, buf); err != nil {
		t.Fatalf("read first chunk: %v", err)
	}

	// Cancelling the base context must end the in-flight streaming
	// response, so Shutdown completes instead of waiting out its deadline.
	cancel()
	shCtx, shCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer shCancel()
	if err := srv.Shutdown(shCtx); err != nil {
		t.Fatalf("shutdown should complete once request contexts are cancelled: %v", err)
	}
}

// fakeYouTubeAPI drives a session entirely in-process: ingestion is active
// immediately and every transition fails with transitionErr.
type fakeYouTubeAPI struct {
	transitionErr error
}

func (f *fakeYouTubeAPI) CreateBroadcast(ctx context.Context, spec youtube.BroadcastSpec) (youtube.Broadcast, error) {
	return youtube.Broadcast{ID: "b1", Title: spec.Title, Status: youtube.StatusReady}, nil
}

func (f *fakeYouTubeAPI) CreateStream(ctx context.Context, title string) (youtube.Stream, error) {
	return youtube.Stream{ID: "s1", IngestionURL: "rtmp://127.0.0.1/live2", StreamKey: "key"}, nil
}

func (f *fakeYouTubeAPI) BindStream(ctx context.Context, broadcastID, streamID string) error {
	return nil
}

func (f *fakeYouTubeAPI) BroadcastStatus(ctx context.Context, broadcastID string) (youtube.LifecycleStatus, error) {
	return youtube.StatusReady, nil
}

func (f *fakeYouTubeAPI) StreamHealth(ctx context.Context, streamID string) (youtube.HealthStatus, error) {
	return youtube.HealthActive, nil
}

func (f *fakeYouTubeAPI) Transition(ctx context.Context, broadcastID string, to youtube.LifecycleStatus) error {
	return f.transitionErr
}

type logBuffer struct {
	mu sync.Mutex
	b  strings.Builder
}

func (l *logBuffer) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.Write(p)
}

func (l *logBuffer) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.b.String()
}

func TestRunSession_reapsEncoderOnFailure(t *testing.T) {
	if _, err := exec.LookPath("yes"); err != nil {
		t.Skip("yes binary not available")
	}

	cfg := config.Default()
	cfg.Timelapse.Dir = t.TempDir()
	cfg.YouTube.ReuseStorePath = filepath.Join(t.TempDir(), "reuse.json")
	cfg.YouTube.IngestionWaitSeconds = 5
	cfg.YouTube.TransitionDeadlineSeconds = 1
	cfg.YouTube.TransitionAttempts = 1
	cfg.YouTube.Polling.BaseIntervalSeconds = 0.01
	cfg.YouTube.Polling.MinIntervalSeconds = 0.01
	cfg.YouTube.Polling.MaxIntervalSeconds = 0.05
	cfg.YouTube.Polling.MaxJitterSeconds = 0
	cfg.YouTube.Polling.RequestsPerMinute = 100000
	cfg.Encoder.Binary = "yes" // ignores its arguments and runs until signalled
	cfg.Encoder.StopGraceSeconds = 1

	var buf logBuffer
	a := New(cfg, slog.New(slog.NewTextHandler(&buf, nil)))

	api := &fakeYouTubeAPI{transitionErr: errors.New("insufficient permissions")}
	start := time.Now()
	err := a.runSession(context.Background(), api, false)
	if err == nil || !strings.Contains(err.Error(), "insufficient permissions") {
		t.Fatalf("expected the transition failure, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Fatalf("session teardown took %v", elapsed)
	}
	if !strings.Contains(buf.String(), "encoder stopped") {
		t.Errorf("the failure path should stop and reap the encoder; logs:\n%s", buf.String())
	}
}

func TestAwaitEncoderExit_consumesDeliveredStatus(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) { cfg.Encoder.StopGraceSeconds = 1 })
	ch := make(chan encoder.ExitStatus, 1)
	ch <- encoder.ExitStatus{Code: 0}

	done := make(chan struct{})
	go func() {
		a.awaitEncoderExit(ch)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("awaitEncoderExit should return once the exit status is delivered")
	}
}

func TestRunBroadcastSession_missingToken(t *testing.T) {
	a := newTestApp(t, func(cfg *config.Config) {
		cfg.Mode = config.ModeTestSrc
		cfg.YouTube.ClientID = "id"
		cfg.YouTube.ClientSecret = "secret"
		cfg.YouTube.TokenDir = t.TempDir() // empty, no stored token
	})
	err := a.Run(context.Background())
	if CodeOf(err) != CodeAuth {
		t.Errorf("missing token should exit with the auth code, got %v", err)
	}
	if err == nil || !strings.Contains(err.Error(), "token") {
		t.Errorf("error should mention the token: %v", err)
	}
}
