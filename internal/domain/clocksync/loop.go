// Package clocksync keeps a secondary overlay clock (captions, comments)
// aligned with the primary playback clock.
package clocksync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/metrics"
)

// ErrResumeExhausted is reported when the overlay refuses to resume after
// every retry attempt.
var ErrResumeExhausted = errors.New("overlay resume retries exhausted")

// Primary is the playback clock the overlay follows.
type Primary interface {
	CurrentPosition() time.Duration
	IsPlaying() bool
}

// Overlay is the clock being corrected.
type Overlay interface {
	SeekTo(pos time.Duration) error
	Resume() error
	Pause() error
	CurrentTime() time.Duration
	IsPaused() bool
}

// Config holds loop parameters.
type Config struct {
	Interval       time.Duration
	DriftThreshold time.Duration
	ResumeAttempts int
	ResumeBackoff  time.Duration
}

// DefaultConfig returns the stock reconciliation parameters.
func DefaultConfig() Config {
	return Config{
		Interval:       500 * time.Millisecond,
		DriftThreshold: time.Second,
		ResumeAttempts: 5,
		ResumeBackoff:  100 * time.Millisecond,
	}
}

// State is what the last tick observed.
type State struct {
	PrimaryPosition time.Duration `json:"primaryPosition"`
	OverlayPosition time.Duration `json:"overlayPosition"`
	Drift           time.Duration `json:"drift"`
	DriftThreshold  time.Duration `json:"driftThreshold"`
	PrimaryPlaying  bool          `json:"primaryPlaying"`
	OverlayPaused   bool          `json:"overlayPaused"`
	Corrections     uint64        `json:"corrections"`
	Ticks           uint64        `json:"ticks"`
}

// Option configures a Loop.
type Option func(*Loop)

// WithConfig replaces the whole configuration.
func WithConfig(cfg Config) Option {
	return func(l *Loop) {
		l.cfg = cfg
	}
}

// WithInterval sets the reconciliation period.
func WithInterval(d time.Duration) Option {
	return func(l *Loop) {
		l.cfg.Interval = d
	}
}

// WithDriftThreshold sets the drift above which the overlay is re-seeked.
func WithDriftThreshold(d time.Duration) Option {
	return func(l *Loop) {
		l.cfg.DriftThreshold = d
	}
}

// WithResumeRetry sets how often and how patiently a refused resume is retried.
func WithResumeRetry(attempts int, backoff time.Duration) Option {
	return func(l *Loop) {
		l.cfg.ResumeAttempts = attempts
		l.cfg.ResumeBackoff = backoff
	}
}

// WithErrorHandler receives overlay failures. The default logs them.
func WithErrorHandler(fn func(error)) Option {
	return func(l *Loop) {
		l.onError = fn
	}
}

// WithTickHandler is called after every tick with the observed state.
func WithTickHandler(fn func(State)) Option {
	return func(l *Loop) {
		l.onTick = fn
	}
}

// Loop is single use: once stopped it stays stopped. Callers build a new
// Loop when the overlay is switched back on or a new item loads.
type Loop struct {
	primary Primary
	overlay Overlay
	cfg     Config
	onError func(error)
	onTick  func(State)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	state    State
	started  bool
	resuming bool
}

// New creates a stopped loop.
func New(primary Primary, overlay Overlay, opts ...Option) *Loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loop{
		primary: primary,
		overlay: overlay,
		cfg:     DefaultConfig(),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.cfg.Interval <= 0 {
		l.cfg.Interval = DefaultConfig().Interval
	}
	if l.cfg.ResumeAttempts < 1 {
		l.cfg.ResumeAttempts = 1
	}
	if l.onError == nil {
		l.onError = func(err error) {
			log.Warn().Err(err).Msg("Overlay sync failed")
		}
	}
	l.state.DriftThreshold = l.cfg.DriftThreshold
	return l
}

// Start runs the loop in the background until Stop is called or ctx ends.
// Calling Start twice, or after Stop, does nothing.
func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.started || l.ctx.Err() != nil {
		l.mu.Unlock()
		return
	}
	l.started = true
	l.mu.Unlock()

	stopWatch := context.AfterFunc(ctx, l.cancel)

	log.Info().
		Dur("interval", l.cfg.Interval).
		Dur("driftThreshold", l.cfg.DriftThreshold).
		Msg("Overlay sync started")

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer stopWatch()

		ticker := time.NewTicker(l.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-l.ctx.Done():
				log.Info().Msg("Overlay sync stopped")
				return
			case <-ticker.C:
				l.Tick()
			}
		}
	}()
}

// Stop tears the loop down and waits for its goroutines. Safe to call more
// than once.
func (l *Loop) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Running reports whether the background loop is active.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.started && l.ctx.Err() == nil
}

// State returns what the last tick observed.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Tick performs one reconciliation. It is what the background loop runs on
// every interval; tests call it directly.
func (l *Loop) Tick() State {
	if l.ctx.Err() != nil {
		return l.State()
	}

	primaryPos := l.primary.CurrentPosition()
	playing := l.primary.IsPlaying()
	overlayPos := l.overlay.CurrentTime()
	paused := l.overlay.IsPaused()

	switch {
	case playing && paused:
		l.resume()
	case !playing && !paused:
		if err := l.overlay.Pause(); err != nil {
			l.onError(fmt.Errorf("pause overlay: %w", err))
		}
	}

	drift := primaryPos - overlayPos
	corrected := false
	if playing && abs(drift) > l.cfg.DriftThreshold {
		if err := l.overlay.SeekTo(primaryPos); err != nil {
			l.onError(fmt.Errorf("seek overlay to %s: %w", primaryPos, err))
		} else {
			corrected = true
			log.Debug().
				Dur("primary", primaryPos).
				Dur("overlay", overlayPos).
				Dur("drift", drift).
				Msg("Overlay drift corrected")
		}
	}
	metrics.ObserveDrift(drift, corrected)

	l.mu.Lock()
	l.state.PrimaryPosition = primaryPos
	l.state.OverlayPosition = overlayPos
	l.state.Drift = drift
	l.state.PrimaryPlaying = playing
	l.state.OverlayPaused = paused
	l.state.Ticks++
	if corrected {
		l.state.Corrections++
	}
	st := l.state
	l.mu.Unlock()

	if l.onTick != nil {
		l.onTick(st)
	}
	return st
}

// resume tries once inline and hands further attempts to a background task
// so the tick never waits on a stubborn overlay.
func (l *Loop) resume() {
	l.mu.Lock()
	if l.resuming {
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	err := l.overlay.Resume()
	if err == nil {
		return
	}
	if l.cfg.ResumeAttempts <= 1 {
		l.exhausted(1, err)
		return
	}

	l.mu.Lock()
	if l.resuming {
		l.mu.Unlock()
		return
	}
	l.resuming = true
	l.mu.Unlock()

	l.wg.Add(1)
	go l.retryResume(err)
}

func (l *Loop) retryResume(lastErr error) {
	defer l.wg.Done()
	defer func() {
		l.mu.Lock()
		l.resuming = false
		l.mu.Unlock()
	}()

	timer := time.NewTimer(l.cfg.ResumeBackoff)
	defer timer.Stop()

	for attempt := 2; attempt <= l.cfg.ResumeAttempts; attempt++ {
		select {
		case <-l.ctx.Done():
			return
		case <-timer.C:
		}

		if !l.primary.IsPlaying() || !l.overlay.IsPaused() {
			return
		}
		if lastErr = l.overlay.Resume(); lastErr == nil {
			log.Debug().Int("attempt", attempt).Msg("Overlay resumed after retry")
			return
		}
		timer.Reset(l.cfg.ResumeBackoff)
	}
	l.exhausted(l.cfg.ResumeAttempts, lastErr)
}

func (l *Loop) exhausted(attempts int, lastErr error) {
	metrics.OverlayResumeFailures.Inc()
	l.onError(fmt.Errorf("%w after %d attempts: %w", ErrResumeExhausted, attempts, lastErr))
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
