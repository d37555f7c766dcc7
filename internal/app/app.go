package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"printcast/internal/broadcast"
	"printcast/internal/encoder"
	"printcast/internal/mjpeg"
	"printcast/internal/platform/config"
	"printcast/internal/platform/logger"
	"printcast/internal/platform/metrics"
	"printcast/internal/polling"
	"printcast/internal/server"
	"printcast/internal/timelapse"
	"printcast/internal/youtube"

	"github.com/go-chi/chi/v5"
)

const (
	shutdownTimeout   = 10 * time.Second
	endSessionTimeout = 15 * time.Second
	idleCaptureRetry  = time.Second
)

// App wires the components and runs the configured mode.
type App struct {
	cfg *config.Config
	log *slog.Logger

	met        *metrics.Metrics
	poll       *polling.Manager
	timelapses *timelapse.Manager
	enc        *encoder.Supervisor
	source     *mjpeg.Source
}

// New builds the component graph from cfg. No network or subprocess activity
// happens until Run.
func New(cfg *config.Config, log *slog.Logger) *App {
	met := metrics.New()

	poll := polling.NewManager(polling.Config{
		Enabled:              cfg.YouTube.Polling.Enabled,
		BaseIntervalSeconds:  cfg.YouTube.Polling.BaseIntervalSeconds,
		MinIntervalSeconds:   cfg.YouTube.Polling.MinIntervalSeconds,
		MaxIntervalSeconds:   cfg.YouTube.Polling.MaxIntervalSeconds,
		IdleThresholdMinutes: cfg.YouTube.Polling.IdleThresholdMinutes,
		BackoffMultiplier:    cfg.YouTube.Polling.BackoffMultiplier,
		MaxJitterSeconds:     cfg.YouTube.Polling.MaxJitterSeconds,
		RequestsPerMinute:    cfg.YouTube.Polling.RequestsPerMinute,
		CacheDurationSeconds: cfg.YouTube.Polling.CacheDurationSeconds,
	}, logger.Component(log, "polling"), met)

	enc := encoder.NewSupervisor(encoder.Config{
		Binary:           cfg.Encoder.Binary,
		Preset:           cfg.Encoder.Preset,
		StopGraceSeconds: cfg.Encoder.StopGraceSeconds,
		StderrTail:       cfg.Encoder.StderrTail,
	}, logger.Component(log, "encoder"))

	tl := timelapse.NewManager(timelapse.Config{
		BaseDir:                cfg.Timelapse.Dir,
		FPS:                    cfg.Timelapse.FPS,
		CaptureIntervalSeconds: cfg.Timelapse.CaptureIntervalSeconds,
	}, enc.AssembleVideo, logger.Component(log, "timelapse"), met)

	return &App{
		cfg:        cfg,
		log:        log,
		met:        met,
		poll:       poll,
		timelapses: tl,
		enc:        enc,
		source:     &mjpeg.Source{URL: cfg.Stream.Source},
	}
}

// Run executes the configured mode until ctx is cancelled or the mode
// finishes. The returned error may wrap an ExitError carrying the process
// exit code.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting", slog.String("mode", a.cfg.Mode))
	switch a.cfg.Mode {
	case config.ModeServe:
		return a.runServe(ctx)
	case config.ModeStream:
		return a.runStream(ctx)
	case config.ModeRead:
		return a.runRead(ctx)
	case config.ModeTestSrc:
		return a.runTestSource(ctx)
	case config.ModePoll:
		return a.runPoll(ctx)
	default:
		return Exit(CodeConfig, fmt.Errorf("unknown mode %q", a.cfg.Mode))
	}
}

// runServe hosts the HTTP surface and the time-lapse capture loop. A live
// broadcast runs alongside only when credentials are configured and
// StartInServe is set.
func (a *App) runServe(ctx context.Context) error {
	h := server.NewHandler(a.source, a.poll, a.timelapses, logger.Component(a.log, "http"), a.met)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(a.log))
	r.Use(metrics.RequestMiddleware(a.met))
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) {
		a.met.Handler(func() {
			a.met.SetActiveTimelapses(a.timelapses.ActiveCount())
		}).ServeHTTP(w, req)
	})
	h.Routes(r)

	srv := newServer(ctx, ":"+a.cfg.HTTP.Port, r)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.log.Info("http server started", slog.String("port", a.cfg.HTTP.Port))

	go a.captureLoop(ctx)

	sessionDone := make(chan error, 1)
	if a.streamInServe() {
		go func() {
			sessionDone <- a.runBroadcastSession(ctx, false)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		runErr = fmt.Errorf("http server: %w", err)
	case err := <-sessionDone:
		if err != nil {
			// The proxy keeps serving after a failed broadcast.
			a.log.Error("broadcast session failed", slog.String("error", err.Error()))
		}
		<-ctx.Done()
	}

	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shCtx); err != nil {
		a.log.Error("shutdown error", slog.String("error", err.Error()))
		_ = srv.Close()
	}
	a.log.Info("server stopped")
	return runErr
}

// newServer builds the HTTP server with request contexts inheriting ctx, so
// the process-wide cancel ends in-flight proxy copies and Shutdown does not
// hang on connected stream viewers.
func newServer(ctx context.Context, addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:    addr,
		Handler: h,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}

// streamInServe reports whether serve mode should also run a live broadcast:
// both credentials must be present, not just the client id.
func (a *App) streamInServe() bool {
	return a.cfg.YouTube.CredentialsConfigured() && a.cfg.YouTube.StartInServe
}

// runStream drives one live broadcast from the camera and exits when it ends.
// The camera must be reachable up front.
func (a *App) runStream(ctx context.Context) error {
	stream, err := a.source.Open(ctx)
	if err != nil {
		return Exit(CodeUpstream, fmt.Errorf("camera unreachable: %w", err))
	}
	stream.Close()

	go a.captureLoop(ctx)
	return a.runBroadcastSession(ctx, false)
}

// runTestSource drives one live broadcast from the encoder's synthetic test
// pattern. Ingestion normally lights up within seconds, so the wait is short.
func (a *App) runTestSource(ctx context.Context) error {
	return a.runBroadcastSession(ctx, true)
}

// runRead connects to the camera and reports extracted frames until
// cancellation. A diagnostic for source and extractor setup.
func (a *App) runRead(ctx context.Context) error {
	stream, err := a.source.Open(ctx)
	if err != nil {
		return fmt.Errorf("open camera: %w", err)
	}
	defer stream.Close()
	a.log.Info("reading camera stream",
		slog.String("source", a.cfg.Stream.Source),
		slog.String("boundary", stream.Boundary))

	ex := mjpeg.NewExtractor(stream.Body, a.cfg.Stream.MaxFrameBytes)
	var frames int
	start := time.Now()
	for ctx.Err() == nil {
		frame, err := ex.Next()
		if err != nil {
			break
		}
		frames++
		a.met.IncFrames()
		if frames%100 == 0 {
			elapsed := time.Since(start).Seconds()
			a.log.Info("frames extracted",
				slog.Int("frames", frames),
				slog.Int("last_size", len(frame)),
				slog.Float64("fps", float64(frames)/elapsed),
				slog.Int64("skipped", ex.Skipped()))
		}
	}
	a.log.Info("read finished", slog.Int("frames", frames), slog.Int64("skipped", ex.Skipped()))
	return nil
}

// runPoll exercises the polling manager against a previously created
// broadcast, logging observed states and the final snapshot. A diagnostic
// for quota budgeting; it needs a reuse record from an earlier session.
func (a *App) runPoll(ctx context.Context) error {
	api, err := a.youtubeClient(ctx)
	if err != nil {
		return err
	}
	store := youtube.NewReuseStore(a.cfg.YouTube.ReuseStorePath)
	rec, ok, err := store.Lookup(a.cfg.YouTube.Title)
	if err != nil {
		return fmt.Errorf("read reuse store: %w", err)
	}
	if !ok {
		return Exit(CodeConfig, fmt.Errorf("no stored broadcast for title %q; run a session first", a.cfg.YouTube.Title))
	}
	a.log.Info("polling stored broadcast",
		slog.String("broadcast_id", rec.BroadcastID),
		slog.String("stream_id", rec.StreamID))

	interval := time.Duration(a.cfg.YouTube.Polling.BaseIntervalSeconds * float64(time.Second))
	for ctx.Err() == nil {
		status, err := a.poll.Observe(ctx, polling.KindBroadcastStatus, rec.BroadcastID,
			func(ctx context.Context) (any, error) {
				return api.BroadcastStatus(ctx, rec.BroadcastID)
			})
		if err != nil {
			a.log.Error("broadcast status read failed", slog.String("error", err.Error()))
		}
		health, err := a.poll.Observe(ctx, polling.KindStreamHealth, rec.StreamID,
			func(ctx context.Context) (any, error) {
				return api.StreamHealth(ctx, rec.StreamID)
			})
		if err != nil {
			a.log.Error("stream health read failed", slog.String("error", err.Error()))
		}
		snap := a.poll.Snapshot()
		a.log.Info("observed",
			slog.Any("status", status),
			slog.Any("health", health),
			slog.Int64("requests", snap.Requests),
			slog.Int64("cache_hits", snap.CacheHits),
			slog.Bool("idle", snap.Idle))

		select {
		case <-ctx.Done():
		case <-time.After(interval):
		}
	}
	return nil
}

// runBroadcastSession runs the create → ingest → live → end lifecycle once.
// The session is always ended, on success and on failure alike.
func (a *App) runBroadcastSession(ctx context.Context, testSource bool) error {
	api, err := a.youtubeClient(ctx)
	if err != nil {
		return err
	}
	return a.runSession(ctx, api, testSource)
}

func (a *App) runSession(ctx context.Context, api youtube.API, testSource bool) error {
	ctrl := broadcast.NewController(api, a.poll,
		youtube.NewReuseStore(a.cfg.YouTube.ReuseStorePath),
		time.Duration(a.cfg.YouTube.ReuseWindowHours)*time.Hour,
		youtube.BroadcastSpec{
			Title:         a.cfg.YouTube.Title,
			Description:   a.cfg.YouTube.Description,
			PrivacyStatus: a.cfg.YouTube.PrivacyStatus,
			CategoryID:    a.cfg.YouTube.CategoryID,
		},
		logger.Component(a.log, "broadcast"))

	sess, err := ctrl.CreateSession(ctx)
	if err != nil {
		return classifyAuth(fmt.Errorf("create session: %w", err))
	}
	defer func() {
		// Cleanup must survive the cancelled run context.
		endCtx, cancel := context.WithTimeout(context.Background(), endSessionTimeout)
		defer cancel()
		if err := ctrl.EndSession(endCtx, sess); err != nil {
			a.log.Error("end session failed", slog.String("error", err.Error()))
		}
	}()

	encCtx, stopEncoder := context.WithCancel(ctx)
	var exitCh <-chan encoder.ExitStatus
	defer func() {
		// Every return path terminates the child and awaits its exit
		// within the grace window. exitCh is nil once consumed.
		stopEncoder()
		if exitCh != nil {
			a.awaitEncoderExit(exitCh)
		}
	}()

	if testSource {
		exitCh, err = a.enc.StartTestSource(encCtx, sess.IngestionAddress())
	} else {
		exitCh, err = a.enc.Start(encCtx, a.cfg.Stream.Source, sess.IngestionAddress())
	}
	if err != nil {
		return fmt.Errorf("start encoder: %w", err)
	}

	ingestionWait := time.Duration(a.cfg.YouTube.IngestionWaitSeconds) * time.Second
	if testSource {
		ingestionWait = 45 * time.Second
	}
	active, err := ctrl.WaitForIngestion(ctx, sess, ingestionWait)
	if err != nil {
		return err
	}
	if !active {
		if st := a.drainEncoderExit(exitCh); st != nil {
			exitCh = nil
			a.met.IncEncoderExits()
			if st.Fatal() {
				return fmt.Errorf("encoder exited before ingestion became active: %w", st.Err)
			}
		}
		return errors.New("ingestion never became active")
	}

	live, err := ctrl.TransitionToLiveWhenReady(ctx, sess,
		time.Duration(a.cfg.YouTube.TransitionDeadlineSeconds)*time.Second,
		a.cfg.YouTube.TransitionAttempts)
	if err != nil {
		return classifyAuth(err)
	}
	if !live {
		return errors.New("broadcast never reached live")
	}

	// Live. Hold until the encoder exits or the run is cancelled; the
	// deferred cleanup stops and reaps the encoder on cancellation.
	select {
	case st := <-exitCh:
		exitCh = nil
		a.met.IncEncoderExits()
		if st.Fatal() {
			return fmt.Errorf("encoder failed: %w", st.Err)
		}
	case <-ctx.Done():
	}
	return nil
}

// awaitEncoderExit reaps a stopped encoder, waiting at most the stop grace
// window plus margin so a wedged child cannot block session teardown.
func (a *App) awaitEncoderExit(exitCh <-chan encoder.ExitStatus) {
	grace := time.Duration(a.cfg.Encoder.StopGraceSeconds+5) * time.Second
	select {
	case st := <-exitCh:
		a.met.IncEncoderExits()
		a.log.Info("encoder stopped", slog.Int("code", st.Code))
	case <-time.After(grace):
		a.log.Warn("encoder exit not observed within the grace window")
	}
}

// drainEncoderExit grabs an already-delivered exit status without blocking.
func (a *App) drainEncoderExit(exitCh <-chan encoder.ExitStatus) *encoder.ExitStatus {
	select {
	case st := <-exitCh:
		return &st
	default:
		return nil
	}
}

// captureLoop feeds the time-lapse manager. The camera connection is held
// only while at least one session is accepting frames.
func (a *App) captureLoop(ctx context.Context) {
	log := logger.Component(a.log, "capture")
	for ctx.Err() == nil {
		if !a.timelapses.AnyActive() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleCaptureRetry):
			}
			continue
		}

		stream, err := a.source.Open(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("camera open failed, retrying", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(idleCaptureRetry):
			}
			continue
		}

		ex := mjpeg.NewExtractor(stream.Body, a.cfg.Stream.MaxFrameBytes)
		var skipped int64
		for ctx.Err() == nil && a.timelapses.AnyActive() {
			frame, err := ex.Next()
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("camera stream ended", slog.String("error", err.Error()))
				}
				break
			}
			a.met.IncFrames()
			for s := ex.Skipped(); skipped < s; skipped++ {
				a.met.IncFramesSkipped()
			}
			a.timelapses.HandleFrame(frame)
		}
		stream.Close()
	}
}

// youtubeClient builds the authorized API client, mapping authorization
// problems to the auth exit code.
func (a *App) youtubeClient(ctx context.Context) (*youtube.Client, error) {
	if a.cfg.YouTube.ClientID == "" || a.cfg.YouTube.ClientSecret == "" {
		return nil, Exit(CodeConfig, errors.New("YouTube:ClientID and YouTube:ClientSecret are required for this mode"))
	}
	client, err := youtube.NewClient(ctx, youtube.ClientConfig{
		ClientID:     a.cfg.YouTube.ClientID,
		ClientSecret: a.cfg.YouTube.ClientSecret,
		TokenDir:     a.cfg.YouTube.TokenDir,
	}, logger.Component(a.log, "youtube"))
	if err != nil {
		return nil, classifyAuth(fmt.Errorf("youtube client: %w", err))
	}
	return client, nil
}

// classifyAuth wraps authorization failures with the auth exit code and
// leaves everything else untouched.
func classifyAuth(err error) error {
	if errors.Is(err, youtube.ErrNoToken) || errors.Is(err, youtube.ErrAuthRevoked) {
		return Exit(CodeAuth, err)
	}
	return err
}
