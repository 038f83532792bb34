package player

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
	"github.com/edumarques81/stellar-playback/internal/domain/queue"
)

const (
	DefaultResolveTimeout = 15 * time.Second
	DefaultQualityID      = 80
)

// Dependencies are the collaborators a Service drives. Resolver and
// Renderers are required.
type Dependencies struct {
	Resolver    MediaSourceResolver
	Renderers   RendererFactory
	Overlay     OverlayRenderer
	Publisher   NotificationPublisher
	Thumbnails  ThumbnailFetcher
	Positions   PositionStore
	Entitlement EntitlementProvider
	Registry    *handoff.Registry
}

// Option configures a Service.
type Option func(*Service)

// WithPolicy sets the quality gate thresholds.
func WithPolicy(p quality.Policy) Option {
	return func(s *Service) {
		s.env.policy = p
	}
}

// WithDefaultQuality sets the quality requested when a load names none.
func WithDefaultQuality(id int) Option {
	return func(s *Service) {
		s.defaultQuality = id
	}
}

// WithResolveTimeout bounds every source resolution.
func WithResolveTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.env.resolveTimeout = d
	}
}

// WithClockSync sets the overlay sync loop parameters.
func WithClockSync(cfg clocksync.Config) Option {
	return func(s *Service) {
		s.env.clock = cfg
	}
}

// WithOverlayEnabled sets whether new sessions start with the overlay on.
func WithOverlayEnabled(enabled bool) Option {
	return func(s *Service) {
		s.env.overlayEnabled = enabled
	}
}

// WithQueue uses an existing queue manager.
func WithQueue(q *queue.Manager) Option {
	return func(s *Service) {
		s.queue = q
	}
}

// Service holds the single active session for the process.
type Service struct {
	env            *sessionEnv
	defaultQuality int
	queue          *queue.Manager

	// loadMu serializes session replacement.
	loadMu sync.Mutex

	mu      sync.RWMutex
	active  *Session
	loadSeq uint64
	closed  bool
}

// NewService creates a playback service.
func NewService(deps Dependencies, opts ...Option) (*Service, error) {
	if deps.Resolver == nil {
		return nil, errors.New("player: media source resolver is required")
	}
	if deps.Renderers == nil {
		return nil, errors.New("player: renderer factory is required")
	}

	env := &sessionEnv{
		resolver:       deps.Resolver,
		renderers:      deps.Renderers,
		overlay:        deps.Overlay,
		publisher:      deps.Publisher,
		thumbnails:     deps.Thumbnails,
		positions:      deps.Positions,
		entitlement:    deps.Entitlement,
		registry:       deps.Registry,
		policy:         quality.DefaultPolicy(),
		resolveTimeout: DefaultResolveTimeout,
		clock:          clocksync.DefaultConfig(),
		overlayEnabled: true,
	}
	if env.publisher == nil {
		env.publisher = nopPublisher{}
	}
	if env.entitlement == nil {
		env.entitlement = Anonymous
	}
	if env.registry == nil {
		env.registry = handoff.NewRegistry()
	}

	s := &Service{
		env:            env,
		defaultQuality: DefaultQualityID,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.queue == nil {
		s.queue = queue.NewManager()
	}
	if env.resolveTimeout <= 0 {
		env.resolveTimeout = DefaultResolveTimeout
	}
	return s, nil
}

// Registry returns the renderer hand-off registry.
func (s *Service) Registry() *handoff.Registry {
	return s.env.registry
}

// Queue returns the playlist.
func (s *Service) Queue() *queue.Manager {
	return s.queue
}

// Active returns the active session, or nil.
func (s *Service) Active() *Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Snapshot returns the active session's snapshot.
func (s *Service) Snapshot() (Snapshot, error) {
	a := s.Active()
	if a == nil {
		return Snapshot{}, ErrNoActiveSession
	}
	return a.Snapshot(), nil
}

// Load starts playing req.ItemID in a fresh session, disposing the previous
// one. Loading the item that is already PLAYING or PAUSED returns the
// existing session unless req.Force is set.
//
// The returned session is the new active session even when err is non-nil;
// a failed load leaves it in ERROR so Retry can pick it up.
func (s *Service) Load(ctx context.Context, req LoadRequest) (*Session, error) {
	if req.ItemID == "" {
		return nil, fmt.Errorf("%w: empty item id", ErrInvalidRequest)
	}
	if req.QualityID == 0 {
		req.QualityID = s.defaultQuality
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, disposedError("load", req.ItemID)
	}
	prev := s.active
	if prev != nil && !req.Force && prev.ItemID() == req.ItemID {
		if st := prev.State(); st == StatePlaying || st == StatePaused {
			s.mu.Unlock()
			log.Debug().Str("item", req.ItemID).Msg("Item already playing, load ignored")
			return prev, nil
		}
	}
	s.loadSeq++
	seq := s.loadSeq
	s.mu.Unlock()

	// Cancel whatever the current session is resolving before queueing
	// behind it.
	if prev != nil {
		prev.abort()
	}

	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	if seq != s.loadSeq {
		s.mu.Unlock()
		return nil, newError(KindSessionDisposed, "load", req.ItemID, ErrSuperseded)
	}
	prev = s.active
	s.active = nil
	s.mu.Unlock()

	if prev != nil {
		if req.Surface == handoff.SurfaceNone {
			req.Surface = prev.currentSurface()
		}
		if err := prev.Dispose(); err != nil {
			log.Warn().Err(err).Str("session", prev.ID()).Msg("Previous session dispose failed")
		}
	}

	sess := newSession(s.env, req)
	s.mu.Lock()
	if seq != s.loadSeq || s.closed {
		s.mu.Unlock()
		return nil, newError(KindSessionDisposed, "load", req.ItemID, ErrSuperseded)
	}
	s.active = sess
	s.mu.Unlock()

	err := sess.load(ctx)
	return sess, err
}

// Retry reloads the item of a session that ended in ERROR. The retry gets a
// new session id.
func (s *Service) Retry(ctx context.Context) (*Session, error) {
	a := s.Active()
	if a == nil || a.State() != StateError {
		return nil, ErrNotRetryable
	}
	req := a.Request()
	req.Force = true
	log.Info().Str("item", req.ItemID).Msg("Retrying load")
	return s.Load(ctx, req)
}

// Dispose ends the active session, if any.
func (s *Service) Dispose() error {
	s.mu.Lock()
	a := s.active
	s.active = nil
	s.mu.Unlock()

	if a == nil {
		return nil
	}
	return a.Dispose()
}

// Close disposes the active session and rejects further loads.
func (s *Service) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.Dispose()
}

// PlayQueue replaces the queue and loads the item at start.
func (s *Service) PlayQueue(ctx context.Context, items []queue.Item, start int) (*Session, error) {
	s.queue.SetQueue(items, start)
	item, ok := s.queue.Current()
	if !ok {
		return nil, ErrQueueEnd
	}
	return s.loadItem(ctx, item, false)
}

// PlayNext loads the next queue item for the current play mode.
func (s *Service) PlayNext(ctx context.Context) (*Session, error) {
	item, ok := s.queue.Next()
	if !ok {
		return nil, ErrQueueEnd
	}
	return s.loadItem(ctx, item, false)
}

// PlayPrevious loads the previous queue item for the current play mode.
func (s *Service) PlayPrevious(ctx context.Context) (*Session, error) {
	item, ok := s.queue.Previous()
	if !ok {
		return nil, ErrQueueEnd
	}
	return s.loadItem(ctx, item, false)
}

// PlayAt jumps to a queue index.
func (s *Service) PlayAt(ctx context.Context, index int) (*Session, error) {
	item, ok := s.queue.PlayAt(index)
	if !ok {
		return nil, fmt.Errorf("%w: index %d", ErrQueueEnd, index)
	}
	return s.loadItem(ctx, item, false)
}

// HandleCompletion is called when the active item plays to its end.
// REPEAT_ONE replays it from the start, other modes advance, and the end
// of the queue leaves the session paused.
func (s *Service) HandleCompletion(ctx context.Context) (*Session, error) {
	if s.queue.Mode() == queue.ModeRepeatOne {
		item, ok := s.queue.Current()
		if !ok {
			return s.Active(), nil
		}
		return s.loadItem(ctx, item, true)
	}

	item, ok := s.queue.Next()
	if ok {
		return s.loadItem(ctx, item, false)
	}

	a := s.Active()
	if a == nil {
		return nil, nil
	}
	log.Info().Str("item", a.ItemID()).Msg("Queue finished")
	return a, a.pauseAtEnd()
}

func (s *Service) loadItem(ctx context.Context, item queue.Item, fromStart bool) (*Session, error) {
	req := LoadRequest{
		ItemID:        item.ID,
		QualityID:     s.preferredQuality(),
		StartPosition: NoPosition,
		Force:         true,
	}
	if fromStart {
		req.StartPosition = 0
	}
	return s.Load(ctx, req)
}

// preferredQuality keeps the quality the user last asked for across items.
func (s *Service) preferredQuality() int {
	if a := s.Active(); a != nil {
		if d := a.Decision(); d.RequestedID != 0 {
			return d.RequestedID
		}
	}
	return s.defaultQuality
}

func (s *Session) currentSurface() handoff.Surface {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle.Valid() {
		return s.env.registry.Owner(s.handle)
	}
	return s.surface
}
