package youtube

import "context"

// LifecycleStatus is the broadcast's platform-side lifecycle state.
type LifecycleStatus string

// Broadcast lifecycle states. The controller only ever requests the live and
// complete transitions; the platform drives the rest.
const (
	StatusCreated  LifecycleStatus = "created"
	StatusReady    LifecycleStatus = "ready"
	StatusTesting  LifecycleStatus = "testing"
	StatusLive     LifecycleStatus = "live"
	StatusComplete LifecycleStatus = "complete"
	StatusRevoked  LifecycleStatus = "revoked"
)

// HealthStatus is the ingestion endpoint's health signal.
type HealthStatus string

const (
	HealthInactive HealthStatus = "inactive"
	HealthReady    HealthStatus = "ready"
	HealthActive   HealthStatus = "active"
	HealthBad      HealthStatus = "bad"
)

// BroadcastSpec describes the broadcast resource to create.
type BroadcastSpec struct {
	Title         string
	Description   string
	PrivacyStatus string // public, unlisted, private
	CategoryID    string
}

// Broadcast is the viewer-visible live event resource.
type Broadcast struct {
	ID     string
	Title  string
	Status LifecycleStatus
}

// Stream is the ingestion endpoint the encoder pushes to.
type Stream struct {
	ID           string
	IngestionURL string
	StreamKey    string
	Health       HealthStatus
}

// API is the narrow platform capability set used by the broadcast controller.
// The production implementation is Client; tests use a fake.
type API interface {
	CreateBroadcast(ctx context.Context, spec BroadcastSpec) (Broadcast, error)
	CreateStream(ctx context.Context, title string) (Stream, error)
	BindStream(ctx context.Context, broadcastID, streamID string) error
	BroadcastStatus(ctx context.Context, broadcastID string) (LifecycleStatus, error)
	StreamHealth(ctx context.Context, streamID string) (HealthStatus, error)
	Transition(ctx context.Context, broadcastID string, to LifecycleStatus) error
}
