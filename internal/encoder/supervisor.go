package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// Config configures the external encoder process.
type Config struct {
	Binary           string // default "ffmpeg"
	Preset           string // x264 preset, default "veryfast"
	StopGraceSeconds int    // wait after the graceful stop signal, default 5
	StderrTail       int    // stderr lines kept for the exit report, default 20
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = "ffmpeg"
	}
	if c.Preset == "" {
		c.Preset = "veryfast"
	}
	if c.StopGraceSeconds <= 0 {
		c.StopGraceSeconds = 5
	}
	if c.StderrTail <= 0 {
		c.StderrTail = 20
	}
	return c
}

// ExitStatus reports how the encoder process ended.
type ExitStatus struct {
	Code       int
	Err        error
	StderrTail []string
}

// Fatal reports whether the exit should be treated as session-fatal.
// Exit after a graceful stop request is expected and not fatal.
func (s ExitStatus) Fatal() bool {
	return s.Err != nil && s.Code != 0
}

// Supervisor launches and supervises the external encoder. The child's
// lifetime is tied to the context: on cancellation it receives a graceful
// stop signal, then a kill after the grace window.
type Supervisor struct {
	cfg Config
	log *slog.Logger
}

// NewSupervisor returns a Supervisor using cfg.
func NewSupervisor(cfg Config, log *slog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg.withDefaults(), log: log}
}

// Start launches the encoder consuming sourceURL and pushing to ingestionURL.
// It returns a channel that delivers exactly one ExitStatus when the child
// exits. Cancel ctx to stop the encoder.
func (s *Supervisor) Start(ctx context.Context, sourceURL, ingestionURL string) (<-chan ExitStatus, error) {
	return s.launch(ctx, buildArgs(sourceURL, ingestionURL, false, s.cfg))
}

// StartTestSource launches the encoder with a synthetic test pattern instead
// of the camera source. Everything else matches Start.
func (s *Supervisor) StartTestSource(ctx context.Context, ingestionURL string) (<-chan ExitStatus, error) {
	return s.launch(ctx, buildArgs("", ingestionURL, true, s.cfg))
}

func (s *Supervisor) launch(ctx context.Context, args []string) (<-chan ExitStatus, error) {
	cmd := exec.Command(s.cfg.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("encoder stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start encoder %s: %w", s.cfg.Binary, err)
	}
	s.log.Info("encoder started",
		slog.String("binary", s.cfg.Binary),
		slog.Int("pid", cmd.Process.Pid))

	tail := make([]string, 0, s.cfg.StderrTail)
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 256*1024)
		for sc.Scan() {
			line := sc.Text()
			s.log.Debug("encoder: " + line)
			if len(tail) == s.cfg.StderrTail {
				copy(tail, tail[1:])
				tail = tail[:len(tail)-1]
			}
			tail = append(tail, line)
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		<-scanDone
		waitErr <- cmd.Wait()
	}()

	exitCh := make(chan ExitStatus, 1)
	go func() {
		var err error
		var stopRequested bool
		select {
		case err = <-waitErr:
		case <-ctx.Done():
			stopRequested = true
			s.log.Info("stopping encoder", slog.Int("pid", cmd.Process.Pid))
			_ = cmd.Process.Signal(os.Interrupt)
			grace := time.Duration(s.cfg.StopGraceSeconds) * time.Second
			select {
			case err = <-waitErr:
			case <-time.After(grace):
				s.log.Warn("encoder ignored graceful stop, killing",
					slog.Int("pid", cmd.Process.Pid))
				_ = cmd.Process.Kill()
				err = <-waitErr
			}
		}
		st := exitStatus(err, tail)
		if stopRequested {
			// Non-zero exit after a requested stop is expected.
			st.Err = nil
		}
		exitCh <- st
	}()
	return exitCh, nil
}

func exitStatus(err error, tail []string) ExitStatus {
	st := ExitStatus{Err: err, StderrTail: tail}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		st.Code = exitErr.ExitCode()
	}
	return st
}

// buildArgs assembles the encoder command line: real-time input pacing, H.264
// at a latency-oriented preset, yuv420p, no audio, FLV out to the ingestion
// URL. Test-source mode swaps the input for a synthetic pattern.
func buildArgs(sourceURL, ingestionURL string, testSource bool, cfg Config) []string {
	var args []string
	if testSource {
		args = append(args, "-f", "lavfi", "-i", "testsrc=size=1280x720:rate=30")
	} else {
		args = append(args, "-re", "-i", sourceURL)
	}
	args = append(args,
		"-c:v", "libx264",
		"-preset", cfg.Preset,
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-an",
		"-f", "flv",
		ingestionURL,
	)
	return args
}

// BuildAssembleArgs assembles the command line that turns a directory of
// time-lapse frames into an mp4. The frame pattern matches the sink's
// zero-padded naming.
func BuildAssembleArgs(framesDir string, fps int, outPath string) []string {
	return []string{
		"-y",
		"-framerate", strconv.Itoa(fps),
		"-i", framesDir + "/frame_%06d.jpg",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		outPath,
	}
}

// AssembleVideo runs the encoder synchronously to build a time-lapse video.
// The caller owns the output path; a failed run removes nothing.
func (s *Supervisor) AssembleVideo(ctx context.Context, framesDir string, fps int, outPath string) error {
	cmd := exec.CommandContext(ctx, s.cfg.Binary, BuildAssembleArgs(framesDir, fps, outPath)...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("assemble video %s: %w: %s", outPath, err, lastLines(out, 5))
	}
	s.log.Info("time-lapse video assembled", slog.String("path", outPath))
	return nil
}

func lastLines(out []byte, n int) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
