package youtube

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	ytapi "google.golang.org/api/youtube/v3"
)

// Client implements API against the YouTube Data API v3.
type Client struct {
	svc *ytapi.Service
	log *slog.Logger
}

// NewClient builds a Client from stored delegated-authorization tokens.
// It fails with ErrNoToken when the token store is empty.
func NewClient(ctx context.Context, cfg ClientConfig, log *slog.Logger) (*Client, error) {
	ts, err := cfg.tokenSource(ctx)
	if err != nil {
		return nil, err
	}
	svc, err := ytapi.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("build youtube service: %w", err)
	}
	return &Client{svc: svc, log: log}, nil
}

// CreateBroadcast implements API.CreateBroadcast.
func (c *Client) CreateBroadcast(ctx context.Context, spec BroadcastSpec) (Broadcast, error) {
	b := &ytapi.LiveBroadcast{
		Snippet: &ytapi.LiveBroadcastSnippet{
			Title:       spec.Title,
			Description: spec.Description,
		},
		Status: &ytapi.LiveBroadcastStatus{
			PrivacyStatus: spec.PrivacyStatus,
		},
		ContentDetails: &ytapi.LiveBroadcastContentDetails{
			EnableAutoStart: false,
			EnableAutoStop:  false,
		},
	}
	created, err := c.svc.LiveBroadcasts.
		Insert([]string{"snippet", "status", "contentDetails"}, b).
		Context(ctx).Do()
	if err != nil {
		return Broadcast{}, classify(err)
	}
	c.log.Info("broadcast created", slog.String("broadcast_id", created.Id), slog.String("title", spec.Title))
	return Broadcast{
		ID:     created.Id,
		Title:  spec.Title,
		Status: lifecycleFromAPI(created.Status),
	}, nil
}

// CreateStream implements API.CreateStream.
func (c *Client) CreateStream(ctx context.Context, title string) (Stream, error) {
	s := &ytapi.LiveStream{
		Snippet: &ytapi.LiveStreamSnippet{Title: title},
		Cdn: &ytapi.CdnSettings{
			IngestionType: "rtmp",
			Resolution:    "variable",
			FrameRate:     "variable",
		},
	}
	created, err := c.svc.LiveStreams.
		Insert([]string{"snippet", "cdn", "status"}, s).
		Context(ctx).Do()
	if err != nil {
		return Stream{}, classify(err)
	}
	out := Stream{ID: created.Id, Health: HealthInactive}
	if created.Cdn != nil && created.Cdn.IngestionInfo != nil {
		out.IngestionURL = created.Cdn.IngestionInfo.IngestionAddress
		out.StreamKey = created.Cdn.IngestionInfo.StreamName
	}
	c.log.Info("ingestion stream created", slog.String("stream_id", out.ID))
	return out, nil
}

// BindStream implements API.BindStream.
func (c *Client) BindStream(ctx context.Context, broadcastID, streamID string) error {
	_, err := c.svc.LiveBroadcasts.
		Bind(broadcastID, []string{"id", "contentDetails"}).
		StreamId(streamID).
		Context(ctx).Do()
	if err != nil {
		return classify(err)
	}
	return nil
}

// BroadcastStatus implements API.BroadcastStatus.
func (c *Client) BroadcastStatus(ctx context.Context, broadcastID string) (LifecycleStatus, error) {
	resp, err := c.svc.LiveBroadcasts.
		List([]string{"status"}).
		Id(broadcastID).
		Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("%w: broadcast %s", ErrNotFound, broadcastID)
	}
	return lifecycleFromAPI(resp.Items[0].Status), nil
}

// StreamHealth implements API.StreamHealth.
func (c *Client) StreamHealth(ctx context.Context, streamID string) (HealthStatus, error) {
	resp, err := c.svc.LiveStreams.
		List([]string{"status"}).
		Id(streamID).
		Context(ctx).Do()
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Items) == 0 {
		return "", fmt.Errorf("%w: stream %s", ErrNotFound, streamID)
	}
	return healthFromAPI(resp.Items[0].Status), nil
}

// Transition implements API.Transition. A redundant transition (the broadcast
// is already in the requested state) is treated as success.
func (c *Client) Transition(ctx context.Context, broadcastID string, to LifecycleStatus) error {
	_, err := c.svc.LiveBroadcasts.
		Transition(string(to), broadcastID, []string{"status"}).
		Context(ctx).Do()
	if err == nil {
		return nil
	}

	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case hasReason(gerr, "redundantTransition"):
			c.log.Debug("redundant transition ignored",
				slog.String("broadcast_id", broadcastID), slog.String("to", string(to)))
			return nil
		case hasReason(gerr, "invalidTransition", "errorStreamInactive"):
			return fmt.Errorf("%w: %v", ErrInvalidTransition, err)
		}
	}
	return classify(err)
}

func lifecycleFromAPI(st *ytapi.LiveBroadcastStatus) LifecycleStatus {
	if st == nil {
		return StatusCreated
	}
	switch st.LifeCycleStatus {
	case "created", "ready", "testing", "live", "complete", "revoked":
		return LifecycleStatus(st.LifeCycleStatus)
	case "liveStarting":
		return StatusTesting
	case "testStarting":
		return StatusReady
	default:
		return StatusCreated
	}
}

func healthFromAPI(st *ytapi.LiveStreamStatus) HealthStatus {
	if st == nil {
		return HealthInactive
	}
	if st.HealthStatus != nil && st.HealthStatus.Status == "bad" {
		return HealthBad
	}
	switch st.StreamStatus {
	case "active":
		return HealthActive
	case "ready", "created":
		return HealthReady
	case "error":
		return HealthBad
	default:
		return HealthInactive
	}
}
