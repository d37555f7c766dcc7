package encoder

import (
	"context"
	"log/slog"
	"os"
	"slices"
	"strings"
	"testing"
	"time"
)

func newTestSupervisor(cfg Config) *Supervisor {
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewSupervisor(cfg, log)
}

func TestBuildArgs_live(t *testing.T) {
	args := buildArgs("http://printer:8080/?action=stream", "rtmp://ingest.example/live/key", false, Config{}.withDefaults())

	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-re",
		"-i http://printer:8080/?action=stream",
		"-c:v libx264",
		"-preset veryfast",
		"-tune zerolatency",
		"-pix_fmt yuv420p",
		"-an",
		"-f flv",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("args missing %q: %s", want, joined)
		}
	}
	if args[len(args)-1] != "rtmp://ingest.example/live/key" {
		t.Errorf("ingestion URL must be the output argument, got %s", args[len(args)-1])
	}
}

func TestBuildArgs_testSource(t *testing.T) {
	args := buildArgs("", "rtmp://ingest.example/live/key", true, Config{}.withDefaults())

	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "-f lavfi") || !strings.Contains(joined, "testsrc=") {
		t.Errorf("test-source args missing synthetic input: %s", joined)
	}
	if strings.Contains(joined, "-re") {
		t.Errorf("test source must not use real-time input pacing: %s", joined)
	}
	if !strings.Contains(joined, "-an") {
		t.Errorf("audio must stay disabled: %s", joined)
	}
}

func TestBuildArgs_customPreset(t *testing.T) {
	cfg := Config{Preset: "ultrafast"}.withDefaults()
	args := buildArgs("src", "dst", false, cfg)
	if !slices.Contains(args, "ultrafast") {
		t.Errorf("expected custom preset in args: %v", args)
	}
}

func TestBuildAssembleArgs(t *testing.T) {
	args := BuildAssembleArgs("/data/timelapse/job", 30, "/data/timelapse/job.mp4")
	joined := strings.Join(args, " ")
	for _, want := range []string{
		"-framerate 30",
		"-i /data/timelapse/job/frame_%06d.jpg",
		"-pix_fmt yuv420p",
		"/data/timelapse/job.mp4",
	} {
		if !strings.Contains(joined, want) {
			t.Errorf("assemble args missing %q: %s", want, joined)
		}
	}
}

func TestStart_cleanExit(t *testing.T) {
	// "true" ignores the encoder arguments and exits 0 immediately.
	s := newTestSupervisor(Config{Binary: "true"})

	exitCh, err := s.Start(context.Background(), "src", "dst")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case st := <-exitCh:
		if st.Code != 0 || st.Err != nil {
			t.Errorf("expected clean exit, got %+v", st)
		}
		if st.Fatal() {
			t.Error("clean exit must not be fatal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encoder did not exit")
	}
}

func TestStart_nonZeroExitIsFatal(t *testing.T) {
	s := newTestSupervisor(Config{Binary: "false"})

	exitCh, err := s.Start(context.Background(), "src", "dst")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case st := <-exitCh:
		if st.Code == 0 || st.Err == nil {
			t.Errorf("expected non-zero exit, got %+v", st)
		}
		if !st.Fatal() {
			t.Error("non-zero exit must be fatal")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("encoder did not exit")
	}
}

func TestStart_missingBinary(t *testing.T) {
	s := newTestSupervisor(Config{Binary: "definitely-not-a-real-encoder"})

	if _, err := s.Start(context.Background(), "src", "dst"); err == nil {
		t.Error("expected start error for missing binary")
	}
}
