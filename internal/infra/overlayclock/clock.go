// Package overlayclock is a software playhead for time-coded overlays. It
// advances with wall time while running and is steered by the clock sync loop.
package overlayclock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
)

// ErrNoPayload is returned when the clock is driven before Load.
var ErrNoPayload = errors.New("no overlay payload loaded")

// Clock implements player.OverlayRenderer.
type Clock struct {
	mu        sync.Mutex
	payload   *player.OverlayPayload
	base      time.Duration // playhead at startedAt
	startedAt time.Time
	paused    bool
	rate      float64
	now       func() time.Time
}

// Option configures a Clock.
type Option func(*Clock)

// WithNow sets the time source.
func WithNow(now func() time.Time) Option {
	return func(c *Clock) {
		c.now = now
	}
}

// WithRate makes the playhead advance rate times faster than wall time.
func WithRate(rate float64) Option {
	return func(c *Clock) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// New creates a paused clock with nothing loaded.
func New(opts ...Option) *Clock {
	c := &Clock{
		paused: true,
		rate:   1,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Load replaces the payload and rewinds the clock to zero, paused.
func (c *Clock) Load(payload player.OverlayPayload) error {
	if payload.ID == "" && payload.URL == "" {
		return fmt.Errorf("load overlay: empty payload")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	p := payload
	c.payload = &p
	c.base = 0
	c.paused = true

	log.Debug().Str("overlay", payload.ID).Dur("duration", payload.Duration).Msg("Overlay payload loaded")
	return nil
}

// Payload returns the loaded payload.
func (c *Clock) Payload() (player.OverlayPayload, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.payload == nil {
		return player.OverlayPayload{}, false
	}
	return *c.payload, true
}

// SeekTo moves the playhead, clamped to the payload.
func (c *Clock) SeekTo(pos time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.payload == nil {
		return ErrNoPayload
	}
	c.base = c.clamp(pos)
	c.startedAt = c.now()
	return nil
}

// Resume starts the playhead.
func (c *Clock) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.payload == nil {
		return ErrNoPayload
	}
	if !c.paused {
		return nil
	}
	c.paused = false
	c.startedAt = c.now()
	return nil
}

// Pause freezes the playhead.
func (c *Clock) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.payload == nil {
		return ErrNoPayload
	}
	if c.paused {
		return nil
	}
	c.base = c.positionLocked()
	c.paused = true
	return nil
}

// CurrentTime returns the playhead.
func (c *Clock) CurrentTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.positionLocked()
}

// IsPaused reports whether the playhead is frozen.
func (c *Clock) IsPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Clock) positionLocked() time.Duration {
	if c.paused || c.payload == nil {
		return c.base
	}
	elapsed := time.Duration(float64(c.now().Sub(c.startedAt)) * c.rate)
	return c.clamp(c.base + elapsed)
}

func (c *Clock) clamp(pos time.Duration) time.Duration {
	if pos < 0 {
		return 0
	}
	if d := c.payload.Duration; d > 0 && pos > d {
		return d
	}
	return pos
}
