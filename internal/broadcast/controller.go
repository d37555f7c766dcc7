package broadcast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"printcast/internal/polling"
	"printcast/internal/youtube"
)

// Session binds one broadcast to one ingestion endpoint for the lifetime of a
// streaming run. Broadcast and ingestion endpoint are created and bound
// together; a session never holds only one of them.
type Session struct {
	ID           string
	BroadcastID  string
	StreamID     string
	IngestionURL string
	StreamKey    string
	Reused       bool

	ended atomic.Bool
}

// IngestionAddress is the full push target for the encoder.
func (s *Session) IngestionAddress() string {
	return strings.TrimRight(s.IngestionURL, "/") + "/" + s.StreamKey
}

// Controller drives the broadcast lifecycle: create and bind resources, wait
// for ingestion, go live, end. All platform reads go through the polling
// manager so the API budget holds.
type Controller struct {
	api         youtube.API
	poll        *polling.Manager
	reuse       *youtube.ReuseStore // may be nil
	reuseWindow time.Duration
	spec        youtube.BroadcastSpec
	log         *slog.Logger
}

// NewController returns a Controller. reuse may be nil to always create fresh
// resources.
func NewController(api youtube.API, poll *polling.Manager, reuse *youtube.ReuseStore, reuseWindow time.Duration, spec youtube.BroadcastSpec, log *slog.Logger) *Controller {
	return &Controller{
		api:         api,
		poll:        poll,
		reuse:       reuse,
		reuseWindow: reuseWindow,
		spec:        spec,
		log:         log,
	}
}

// CreateSession creates a broadcast and an ingestion stream and binds them.
// If the reuse store holds a record for the same title that is younger than
// the reuse window and whose broadcast probes as still pre-live, that record
// is returned instead of creating new resources.
func (c *Controller) CreateSession(ctx context.Context) (*Session, error) {
	if s := c.reusableSession(ctx); s != nil {
		return s, nil
	}

	b, err := c.api.CreateBroadcast(ctx, c.spec)
	if err != nil {
		return nil, fmt.Errorf("create broadcast: %w", err)
	}
	st, err := c.api.CreateStream(ctx, c.spec.Title)
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}
	if err := c.api.BindStream(ctx, b.ID, st.ID); err != nil {
		return nil, fmt.Errorf("bind stream %s to broadcast %s: %w", st.ID, b.ID, err)
	}

	s := &Session{
		ID:           uuid.NewString(),
		BroadcastID:  b.ID,
		StreamID:     st.ID,
		IngestionURL: st.IngestionURL,
		StreamKey:    st.StreamKey,
	}
	if c.reuse != nil {
		if err := c.reuse.Remember(youtube.ReuseRecord{
			BroadcastID:  s.BroadcastID,
			StreamID:     s.StreamID,
			IngestionURL: s.IngestionURL,
			StreamKey:    s.StreamKey,
			Title:        c.spec.Title,
			CreatedAt:    time.Now().UTC(),
		}); err != nil {
			c.log.Warn("persist reuse record failed", slog.String("error", err.Error()))
		}
	}
	c.log.Info("session created",
		slog.String("session_id", s.ID),
		slog.String("broadcast_id", s.BroadcastID),
		slog.String("stream_id", s.StreamID))
	return s, nil
}

// reusableSession probes the reuse store and returns a session for a prior
// broadcast that is still in a pre-live state, or nil to create fresh.
func (c *Controller) reusableSession(ctx context.Context) *Session {
	if c.reuse == nil {
		return nil
	}
	rec, ok, err := c.reuse.Lookup(c.spec.Title)
	if err != nil {
		c.log.Warn("reuse store read failed", slog.String("error", err.Error()))
		return nil
	}
	if !ok || time.Since(rec.CreatedAt) > c.reuseWindow {
		return nil
	}

	status, err := c.observeBroadcastStatus(ctx, rec.BroadcastID)
	if err != nil {
		c.log.Info("reuse probe failed, creating fresh",
			slog.String("broadcast_id", rec.BroadcastID), slog.String("error", err.Error()))
		_ = c.reuse.Forget(rec.BroadcastID)
		return nil
	}
	if status != youtube.StatusCreated && status != youtube.StatusReady {
		c.log.Info("prior broadcast no longer reusable",
			slog.String("broadcast_id", rec.BroadcastID), slog.String("status", string(status)))
		_ = c.reuse.Forget(rec.BroadcastID)
		return nil
	}

	c.log.Info("reusing prior broadcast",
		slog.String("broadcast_id", rec.BroadcastID),
		slog.Duration("age", time.Since(rec.CreatedAt)))
	return &Session{
		ID:           uuid.NewString(),
		BroadcastID:  rec.BroadcastID,
		StreamID:     rec.StreamID,
		IngestionURL: rec.IngestionURL,
		StreamKey:    rec.StreamKey,
		Reused:       true,
	}
}

// WaitForIngestion blocks until the session's stream health reads active, the
// deadline elapses, or a terminal bad state is observed. The bool result is
// true only for the active case.
func (c *Controller) WaitForIngestion(ctx context.Context, s *Session, deadline time.Duration) (bool, error) {
	matched, last, err := c.poll.WaitUntilRisingEdge(ctx,
		polling.KindStreamHealth, s.StreamID,
		func(ctx context.Context) (any, error) {
			return c.api.StreamHealth(ctx, s.StreamID)
		},
		func(v any) bool { return v == youtube.HealthActive },
		func(v any) bool { return v == youtube.HealthBad },
		deadline)
	if err != nil {
		return false, fmt.Errorf("wait for ingestion: %w", err)
	}
	if !matched {
		if last == youtube.HealthBad {
			c.log.Warn("ingestion reported bad health", slog.String("stream_id", s.StreamID))
		} else {
			c.log.Warn("ingestion never became active",
				slog.String("stream_id", s.StreamID), slog.Duration("deadline", deadline))
		}
	}
	return matched, nil
}

// TransitionToLiveWhenReady requests the live transition, waiting for the
// broadcast to reach a transition-capable state and retrying up to attempts
// times when the platform rejects the state.
func (c *Controller) TransitionToLiveWhenReady(ctx context.Context, s *Session, deadline time.Duration, attempts int) (bool, error) {
	if attempts < 1 {
		attempts = 1
	}
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := c.api.Transition(ctx, s.BroadcastID, youtube.StatusLive)
		if err == nil {
			c.log.Info("broadcast live", slog.String("broadcast_id", s.BroadcastID))
			return true, nil
		}
		lastErr = err
		if !errors.Is(err, youtube.ErrInvalidTransition) {
			return false, fmt.Errorf("transition to live: %w", err)
		}

		c.log.Info("broadcast not ready for live, waiting",
			slog.String("broadcast_id", s.BroadcastID), slog.Int("attempt", attempt+1))
		matched, last, werr := c.poll.WaitUntilRisingEdge(ctx,
			polling.KindBroadcastStatus, s.BroadcastID,
			func(ctx context.Context) (any, error) {
				return c.api.BroadcastStatus(ctx, s.BroadcastID)
			},
			func(v any) bool {
				st := v.(youtube.LifecycleStatus)
				return st == youtube.StatusReady || st == youtube.StatusTesting || st == youtube.StatusLive
			},
			func(v any) bool {
				st := v.(youtube.LifecycleStatus)
				return st == youtube.StatusComplete || st == youtube.StatusRevoked
			},
			deadline)
		if werr != nil {
			return false, fmt.Errorf("transition to live: %w", werr)
		}
		if matched && last == youtube.StatusLive {
			// The platform got there on its own.
			return true, nil
		}
		if !matched {
			break
		}
	}
	return false, fmt.Errorf("transition to live not accepted after %d attempts: %w", attempts, lastErr)
}

// EndSession transitions the broadcast to complete, best effort. It is a
// no-op for a nil session, an empty broadcast id, or a session already ended.
func (c *Controller) EndSession(ctx context.Context, s *Session) error {
	if s == nil || s.BroadcastID == "" {
		return nil
	}
	if !s.ended.CompareAndSwap(false, true) {
		return nil
	}

	err := c.api.Transition(ctx, s.BroadcastID, youtube.StatusComplete)
	switch {
	case err == nil:
	case errors.Is(err, youtube.ErrInvalidTransition), errors.Is(err, youtube.ErrNotFound):
		// Already ended, or the platform revoked it; nothing left to do.
		c.log.Debug("end session tolerated platform state",
			slog.String("broadcast_id", s.BroadcastID), slog.String("error", err.Error()))
	default:
		return fmt.Errorf("end broadcast %s: %w", s.BroadcastID, err)
	}

	if c.reuse != nil {
		_ = c.reuse.Forget(s.BroadcastID)
	}
	c.log.Info("session ended", slog.String("session_id", s.ID), slog.String("broadcast_id", s.BroadcastID))
	return nil
}

// observeBroadcastStatus reads the broadcast lifecycle status through the
// polling manager.
func (c *Controller) observeBroadcastStatus(ctx context.Context, broadcastID string) (youtube.LifecycleStatus, error) {
	v, err := c.poll.Observe(ctx, polling.KindBroadcastStatus, broadcastID,
		func(ctx context.Context) (any, error) {
			return c.api.BroadcastStatus(ctx, broadcastID)
		})
	if err != nil {
		return "", err
	}
	return v.(youtube.LifecycleStatus), nil
}
