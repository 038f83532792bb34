package player

import (
	"context"
	"image"
	"time"

	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
)

// Renderer is one playback engine instance.
type Renderer interface {
	// Attach loads url and positions it at start without starting playback.
	Attach(ctx context.Context, url string, start time.Duration) error
	Play() error
	Pause() error
	CurrentPosition() time.Duration
	IsPlaying() bool
	// Release frees the engine. It is never called for borrowed renderers.
	Release() error
}

// RendererFactory creates engines the session owns.
type RendererFactory interface {
	NewRenderer(ctx context.Context) (Renderer, error)
}

// RendererFactoryFunc adapts a function to RendererFactory.
type RendererFactoryFunc func(ctx context.Context) (Renderer, error)

func (f RendererFactoryFunc) NewRenderer(ctx context.Context) (Renderer, error) {
	return f(ctx)
}

// OverlayPayload is the time-coded overlay stream for one item.
type OverlayPayload struct {
	ID       string        `json:"id" yaml:"id"`
	URL      string        `json:"url" yaml:"url"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// OverlayRenderer draws the overlay and exposes its clock.
type OverlayRenderer interface {
	clocksync.Overlay
	// Load replaces whatever payload was loaded before.
	Load(payload OverlayPayload) error
}

// Source is what a resolver returns for one item at one quality.
type Source struct {
	PlayableURL            string
	FallbackQualityID      int // non-zero when the resolver served a different quality
	AvailableQualityIDs    []int
	AvailableQualityLabels []string
	Title                  string
	Subtitle               string
	ThumbnailURL           string
	Duration               time.Duration
	Overlay                *OverlayPayload
}

// MediaSourceResolver turns an item id and a quality into a playable source.
type MediaSourceResolver interface {
	Resolve(ctx context.Context, itemID string, qualityID int) (Source, error)
}

// Notification is pushed on every session state change.
type Notification struct {
	SessionToken string
	ItemID       string
	Title        string
	Subtitle     string
	Thumbnail    image.Image
	IsPlaying    bool
	State        SessionState
	Position     time.Duration
	Duration     time.Duration
	QualityLabel string
}

// NotificationPublisher receives notifications. Implementations may
// coalesce rapid updates; the latest notification for a token wins.
type NotificationPublisher interface {
	Publish(n Notification)
}

// ThumbnailFetcher fetches notification artwork. Best effort.
type ThumbnailFetcher interface {
	Fetch(ctx context.Context, url string) (image.Image, error)
}

// PositionStore remembers where each item was left.
type PositionStore interface {
	SavePosition(ctx context.Context, itemID string, pos time.Duration) error
	LoadPosition(ctx context.Context, itemID string) (time.Duration, bool, error)
	RecordPlay(ctx context.Context, itemID, title string) error
}

// Entitlement is the caller's capability tier.
type Entitlement struct {
	Authenticated bool
	Entitled      bool
}

// EntitlementProvider reports the current caller's tier.
type EntitlementProvider func(ctx context.Context) Entitlement

// Anonymous is the EntitlementProvider used when none is configured.
func Anonymous(context.Context) Entitlement {
	return Entitlement{}
}

type nopPublisher struct{}

func (nopPublisher) Publish(Notification) {}
