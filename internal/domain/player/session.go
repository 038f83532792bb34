package player

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
	"github.com/edumarques81/stellar-playback/internal/metrics"
)

// NoPosition marks an absent start position or resume hint.
const NoPosition time.Duration = -1

// LoadRequest describes what to play.
type LoadRequest struct {
	ItemID string
	// QualityID is the requested quality; zero means the service default.
	QualityID int
	// StartPosition of NoPosition resumes from the position store.
	StartPosition time.Duration
	StartPaused   bool
	// Surface defaults to full screen.
	Surface handoff.Surface
	// Renderer, when set, is a borrowed engine the session must never release.
	Renderer Renderer
	// Force reloads even if the same item is already playing.
	Force bool
}

type sessionEnv struct {
	resolver       MediaSourceResolver
	renderers      RendererFactory
	overlay        OverlayRenderer
	publisher      NotificationPublisher
	thumbnails     ThumbnailFetcher
	positions      PositionStore
	entitlement    EntitlementProvider
	registry       *handoff.Registry
	policy         quality.Policy
	resolveTimeout time.Duration
	clock          clocksync.Config
	overlayEnabled bool
}

// Session is one "currently playing item" lifecycle. Operations run one at a
// time; reads may happen concurrently and always see a consistent snapshot.
type Session struct {
	id    string
	token string
	req   LoadRequest
	env   *sessionEnv

	// opMu serializes operations.
	opMu sync.Mutex

	// mu guards everything below.
	mu        sync.RWMutex
	state     SessionState
	decision  quality.Decision
	pending   int
	source    Source
	playing   bool
	position  time.Duration
	surface   handoff.Surface
	handle    handoff.Handle
	renderer  Renderer
	overlayOn bool
	loop      *clocksync.Loop
	thumbnail image.Image
	err       error
	epoch     uint64
	cancel    context.CancelFunc
	disposing bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

func newSession(env *sessionEnv, req LoadRequest) *Session {
	surface := req.Surface
	if surface == handoff.SurfaceNone {
		surface = handoff.SurfaceFullScreen
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        uuid.NewString(),
		token:     uuid.NewString(),
		req:       req,
		env:       env,
		state:     StateIdle,
		surface:   surface,
		overlayOn: env.overlayEnabled,
		bgCtx:     ctx,
		bgCancel:  cancel,
	}
}

// ID returns the session id, unique per load.
func (s *Session) ID() string { return s.id }

// Token identifies the session to notification consumers.
func (s *Session) Token() string { return s.token }

// ItemID returns the content id being played.
func (s *Session) ItemID() string { return s.req.ItemID }

// Request returns the request the session was created from.
func (s *Session) Request() LoadRequest { return s.req }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Decision returns the quality decision currently in effect.
func (s *Session) Decision() quality.Decision {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decision
}

// Err returns the failure that put the session into ERROR, if any.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Handle returns the current renderer handle.
func (s *Session) Handle() handoff.Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// ClockState returns what the overlay sync loop last observed.
func (s *Session) ClockState() (clocksync.State, bool) {
	s.mu.RLock()
	loop := s.loop
	s.mu.RUnlock()
	if loop == nil {
		return clocksync.State{}, false
	}
	return loop.State(), true
}

// Snapshot returns a consistent copy of the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{
		SessionID:        s.id,
		SessionToken:     s.token,
		ItemID:           s.req.ItemID,
		State:            s.state,
		Playing:          s.playing,
		Position:         s.position,
		Duration:         s.source.Duration,
		Decision:         s.decision,
		PendingQualityID: s.pending,
		Available:        slices.Clone(s.source.AvailableQualityIDs),
		AvailableLabels:  slices.Clone(s.source.AvailableQualityLabels),
		Title:            s.source.Title,
		Subtitle:         s.source.Subtitle,
		ThumbnailURL:     s.source.ThumbnailURL,
		Handle:           s.handle,
		OverlayEnabled:   s.overlayOn,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
		snap.ErrorKind = KindOf(s.err).String()
		snap.Retryable = s.state == StateError && Recoverable(s.err)
	}
	r, loop := s.renderer, s.loop
	s.mu.RUnlock()

	if r != nil && snap.State.IsActive() {
		snap.Position = r.CurrentPosition()
	}
	if loop != nil {
		snap.Clock = loop.State()
		snap.OverlayRunning = loop.Running()
	}
	return snap
}

func (s *Session) transitionLocked(to SessionState) error {
	from := s.state
	if from == to {
		return nil
	}
	if !canTransition(from, to) {
		log.Error().
			Str("session", s.id).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Illegal session transition")
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	s.state = to
	metrics.ObserveTransition(from.String(), to.String())
	log.Debug().
		Str("session", s.id).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Session transition")
	return nil
}

// beginInflight opens a bounded, cancellable context for network work and
// tags it with a fresh epoch.
func (s *Session) beginInflight(parent context.Context) (context.Context, context.CancelFunc, uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposing {
		return nil, nil, 0, disposedError("resolve", s.req.ItemID)
	}
	s.epoch++
	ctx, cancel := context.WithTimeout(parent, s.env.resolveTimeout)
	s.cancel = cancel
	return ctx, cancel, s.epoch, nil
}

func (s *Session) endInflight(epoch uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch == epoch {
		s.cancel = nil
	}
}

func (s *Session) current(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch == epoch && !s.disposing
}

func (s *Session) discardStale(kind string) {
	metrics.StaleResults.WithLabelValues(kind).Inc()
	log.Warn().
		Str("session", s.id).
		Str("item", s.req.ItemID).
		Str("kind", kind).
		Msg("Discarding stale result")
}

// abort cancels in-flight work and marks the session as going away.
// Returns false if that already happened.
func (s *Session) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposing {
		return false
	}
	s.disposing = true
	s.epoch++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return true
}

func (s *Session) checkUsable(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.disposing || s.state == StateDisposed {
		return disposedError(op, s.req.ItemID)
	}
	return nil
}

// resolve negotiates and resolves a source. With a nil ladder the resolver
// is asked once at the requested quality to learn what is available.
func (s *Session) resolve(ctx context.Context, requested int, available []int) (Source, quality.Decision, error) {
	ent := s.env.entitlement(ctx)

	var src Source
	probed := false
	if available == nil {
		var err error
		src, err = s.env.resolver.Resolve(ctx, s.req.ItemID, requested)
		if err != nil {
			return Source{}, quality.Decision{}, err
		}
		available = src.AvailableQualityIDs
		probed = true
	}

	decision := s.env.policy.Negotiate(requested, available, ent.Authenticated, ent.Entitled)
	if !probed || decision.GrantedID != requested {
		var err error
		src, err = s.env.resolver.Resolve(ctx, s.req.ItemID, decision.GrantedID)
		if err != nil {
			return Source{}, decision, err
		}
	}
	if src.PlayableURL == "" {
		return Source{}, decision, ErrEmptySource
	}
	if src.FallbackQualityID != 0 && src.FallbackQualityID != decision.GrantedID {
		decision = decision.WithGranted(src.FallbackQualityID)
	}

	log.Info().
		Str("item", s.req.ItemID).
		Int("requested", decision.RequestedID).
		Int("granted", decision.GrantedID).
		Str("reason", string(decision.Reason)).
		Msg("Quality negotiated")
	return src, decision, nil
}

func (s *Session) load(parent context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	started := time.Now()
	item := s.req.ItemID

	ctx, cancel, epoch, err := s.beginInflight(parent)
	if err != nil {
		return err
	}
	defer cancel()
	defer s.endInflight(epoch)

	s.mu.Lock()
	err = s.transitionLocked(StateLoading)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.publish()

	log.Info().
		Str("session", s.id).
		Str("item", item).
		Int("quality", s.req.QualityID).
		Msg("Loading item")

	src, decision, err := s.resolve(ctx, s.req.QualityID, nil)
	if !s.current(epoch) {
		s.discardStale("load")
		return disposedError("load", item)
	}
	if err != nil {
		return s.fail(newError(KindSourceUnavailable, "load", item, err), "source_unavailable")
	}

	renderer, borrowed := s.req.Renderer, s.req.Renderer != nil
	if !borrowed {
		renderer, err = s.env.renderers.NewRenderer(ctx)
		if err != nil {
			return s.fail(newError(KindRendererCreationFailed, "load", item, err), "renderer_failed")
		}
	}
	discard := func() {
		if !borrowed {
			if err := renderer.Release(); err != nil {
				log.Warn().Err(err).Str("item", item).Msg("Failed to release unused renderer")
			}
		}
	}

	start := s.startPosition(ctx, src.Duration)
	if err := renderer.Attach(ctx, src.PlayableURL, start); err != nil {
		discard()
		if !s.current(epoch) {
			s.discardStale("load")
			return disposedError("load", item)
		}
		return s.fail(newError(KindRendererCreationFailed, "load", item, err), "renderer_failed")
	}

	s.mu.Lock()
	if s.epoch != epoch || s.disposing {
		s.mu.Unlock()
		discard()
		s.discardStale("load")
		return disposedError("load", item)
	}
	if borrowed {
		s.handle = s.env.registry.Adopt(renderer, s.surface)
	} else {
		s.handle = s.env.registry.AcquireOwned(renderer, s.surface)
	}
	s.renderer = renderer
	s.source = src
	s.decision = decision
	s.position = start
	s.err = nil
	_ = s.transitionLocked(StateReady)
	s.mu.Unlock()

	target := StatePlaying
	if s.req.StartPaused {
		target = StatePaused
		err = renderer.Pause()
	} else {
		err = renderer.Play()
	}
	if err != nil {
		return s.fail(newError(KindRendererCreationFailed, "load", item, err), "renderer_failed")
	}

	s.mu.Lock()
	s.playing = target == StatePlaying
	_ = s.transitionLocked(target)
	s.mu.Unlock()

	metrics.ObserveLoad("ok", time.Since(started))
	metrics.QualityDecisions.WithLabelValues(string(decision.Reason)).Inc()
	log.Info().
		Str("session", s.id).
		Str("item", item).
		Str("state", target.String()).
		Str("quality", decision.GrantedLabel).
		Dur("start", start).
		Msg("Item loaded")

	s.replaceOverlay(src.Overlay)
	s.publish()
	s.fetchThumbnail(src.ThumbnailURL)
	s.recordPlay(src.Title)
	return nil
}

// fail moves the session into ERROR. The renderer handle, if one was
// registered, is released so a retry starts clean.
func (s *Session) fail(err *Error, result string) error {
	s.stopLoop()

	s.mu.Lock()
	s.err = err
	h := s.handle
	s.handle = handoff.Handle{}
	s.renderer = nil
	s.playing = false
	_ = s.transitionLocked(StateError)
	s.mu.Unlock()

	if h.Valid() {
		if rerr := s.env.registry.Release(h); rerr != nil {
			log.Warn().Err(rerr).Str("session", s.id).Msg("Failed to release renderer after error")
		}
		s.env.registry.Forget(h)
	}

	metrics.SessionLoads.WithLabelValues(result).Inc()
	log.Error().Err(err).Str("session", s.id).Str("item", s.req.ItemID).Msg("Load failed")
	s.publish()
	return err
}

func (s *Session) startPosition(ctx context.Context, duration time.Duration) time.Duration {
	if s.req.StartPosition >= 0 {
		return s.req.StartPosition
	}
	if s.env.positions == nil {
		return 0
	}
	pos, ok, err := s.env.positions.LoadPosition(ctx, s.req.ItemID)
	if err != nil {
		log.Warn().Err(err).Str("item", s.req.ItemID).Msg("Failed to load resume position")
		return 0
	}
	if !ok || pos < 0 || (duration > 0 && pos >= duration) {
		return 0
	}
	log.Debug().Str("item", s.req.ItemID).Dur("position", pos).Msg("Resuming from saved position")
	return pos
}

// ChangeQuality switches to another quality and re-attaches the media at
// hint, or at the current position when hint is NoPosition. Only PLAYING and
// PAUSED sessions can switch; there, asking for the quality already granted
// returns the current decision unchanged.
func (s *Session) ChangeQuality(ctx context.Context, requestedID int, hint time.Duration) (quality.Decision, error) {
	item := s.req.ItemID

	s.mu.RLock()
	st, cur, disposing := s.state, s.decision, s.disposing
	s.mu.RUnlock()
	switch {
	case disposing || st == StateDisposed:
		return cur, disposedError("change quality", item)
	case st == StateQualitySwitching:
		metrics.QualitySwitches.WithLabelValues("rejected").Inc()
		return cur, ErrQualitySwitchInProgress
	case st != StatePlaying && st != StatePaused:
		return cur, fmt.Errorf("change quality from %s: %w", st, ErrIllegalTransition)
	case requestedID == cur.GrantedID:
		return cur, nil
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return s.decision, disposedError("change quality", item)
	}
	if s.state != StatePlaying && s.state != StatePaused {
		d, st := s.decision, s.state
		s.mu.Unlock()
		return d, fmt.Errorf("change quality from %s: %w", st, ErrIllegalTransition)
	}
	if requestedID == s.decision.GrantedID {
		d := s.decision
		s.mu.Unlock()
		return d, nil
	}
	prior := s.state
	wasPlaying := s.playing
	renderer := s.renderer
	prevSource := s.source
	prevDecision := s.decision
	available := slices.Clone(s.source.AvailableQualityIDs)
	if available == nil {
		available = []int{}
	}
	s.pending = requestedID
	_ = s.transitionLocked(StateQualitySwitching)
	s.mu.Unlock()

	pos := hint
	if pos < 0 {
		pos = renderer.CurrentPosition()
	}
	s.publish()

	log.Info().
		Str("session", s.id).
		Str("item", item).
		Int("from", prevDecision.GrantedID).
		Int("to", requestedID).
		Dur("position", pos).
		Msg("Switching quality")

	rctx, cancel, epoch, err := s.beginInflight(ctx)
	if err != nil {
		return prevDecision, err
	}
	defer cancel()
	defer s.endInflight(epoch)

	src, decision, err := s.resolve(rctx, requestedID, available)
	if !s.current(epoch) {
		s.discardStale("quality_switch")
		return prevDecision, disposedError("change quality", item)
	}
	if err != nil {
		return prevDecision, s.revertSwitch(prior, err)
	}

	// Always re-attach, even when the url did not change.
	if err := renderer.Attach(rctx, src.PlayableURL, pos); err != nil {
		s.restoreMedia(renderer, prevSource.PlayableURL, pos, wasPlaying)
		return prevDecision, s.revertSwitch(prior, err)
	}
	if wasPlaying {
		err = renderer.Play()
	} else {
		err = renderer.Pause()
	}
	if err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Failed to restore play state after quality switch")
	}

	s.mu.Lock()
	if s.epoch != epoch || s.disposing {
		s.mu.Unlock()
		s.discardStale("quality_switch")
		return prevDecision, disposedError("change quality", item)
	}
	// Display metadata is item-level; keep the first resolve's if the new one omits it.
	if src.Title == "" {
		src.Title, src.Subtitle, src.ThumbnailURL = prevSource.Title, prevSource.Subtitle, prevSource.ThumbnailURL
	}
	s.source = src
	s.decision = decision
	s.pending = 0
	s.position = pos
	_ = s.transitionLocked(prior)
	s.mu.Unlock()

	metrics.QualitySwitches.WithLabelValues("ok").Inc()
	metrics.QualityDecisions.WithLabelValues(string(decision.Reason)).Inc()
	log.Info().
		Str("session", s.id).
		Str("item", item).
		Str("quality", decision.GrantedLabel).
		Str("reason", string(decision.Reason)).
		Msg("Quality switched")

	s.replaceOverlay(src.Overlay)
	s.savePosition(pos)
	s.publish()
	return decision, nil
}

func (s *Session) revertSwitch(prior SessionState, cause error) error {
	s.mu.Lock()
	s.pending = 0
	_ = s.transitionLocked(prior)
	s.mu.Unlock()

	metrics.QualitySwitches.WithLabelValues("reverted").Inc()
	log.Warn().Err(cause).Str("session", s.id).Str("item", s.req.ItemID).Msg("Quality switch reverted")
	s.publish()
	return newError(KindUnplayableQuality, "change quality", s.req.ItemID, cause)
}

func (s *Session) restoreMedia(r Renderer, url string, pos time.Duration, playing bool) {
	ctx, cancel := context.WithTimeout(s.bgCtx, s.env.resolveTimeout)
	defer cancel()

	if err := r.Attach(ctx, url, pos); err != nil {
		log.Error().Err(err).Str("session", s.id).Msg("Failed to restore previous media")
		return
	}
	if playing {
		if err := r.Play(); err != nil {
			log.Warn().Err(err).Str("session", s.id).Msg("Failed to resume previous media")
		}
	}
}

// TogglePlayPause flips between PLAYING and PAUSED and returns whether the
// session is now playing. From any other live state it does nothing.
func (s *Session) TogglePlayPause(ctx context.Context) (bool, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable("toggle"); err != nil {
		return false, err
	}

	s.mu.RLock()
	st, playing, r := s.state, s.playing, s.renderer
	s.mu.RUnlock()
	if st != StatePlaying && st != StatePaused {
		return playing, nil
	}

	var err error
	if playing {
		err = r.Pause()
	} else {
		err = r.Play()
	}
	if err != nil {
		return playing, fmt.Errorf("toggle play/pause: %w", err)
	}

	s.mu.Lock()
	s.playing = !playing
	if s.playing {
		_ = s.transitionLocked(StatePlaying)
	} else {
		s.position = r.CurrentPosition()
		_ = s.transitionLocked(StatePaused)
	}
	now := s.playing
	s.mu.Unlock()

	log.Info().Str("session", s.id).Bool("playing", now).Msg("Toggled playback")
	s.publish()
	return now, nil
}

// pauseAtEnd leaves a finished item paused.
func (s *Session) pauseAtEnd() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable("pause"); err != nil {
		return err
	}
	s.mu.RLock()
	st, r := s.state, s.renderer
	s.mu.RUnlock()
	if st != StatePlaying {
		return nil
	}
	if err := r.Pause(); err != nil {
		return fmt.Errorf("pause at end: %w", err)
	}

	s.mu.Lock()
	s.playing = false
	_ = s.transitionLocked(StatePaused)
	s.mu.Unlock()
	s.publish()
	return nil
}

// EnterSurface moves the renderer to surface. When borrowed is a different
// engine than the current one, the media moves onto it and the previous
// engine is released (or detached, if it was borrowed too). Playback state
// is untouched.
func (s *Session) EnterSurface(ctx context.Context, surface handoff.Surface, borrowed Renderer) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable("enter surface"); err != nil {
		return err
	}

	s.mu.Lock()
	h, r := s.handle, s.renderer
	if !h.Valid() {
		// Nothing attached yet; the surface applies on the next attach.
		s.surface = surface
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if borrowed != nil && borrowed != r {
		return s.adoptRenderer(ctx, surface, borrowed)
	}
	return s.transfer(ctx, "enter surface", surface)
}

// LeaveSurface hands the renderer to the background if surface owns it.
func (s *Session) LeaveSurface(ctx context.Context, surface handoff.Surface) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable("leave surface"); err != nil {
		return err
	}

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()
	if !h.Valid() || s.env.registry.Owner(h) != surface {
		return nil
	}
	return s.transfer(ctx, "leave surface", handoff.SurfaceBackground)
}

func (s *Session) transfer(ctx context.Context, op string, to handoff.Surface) error {
	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()

	nh, err := s.env.registry.Transfer(ctx, h, to)
	if err != nil {
		if errors.Is(err, handoff.ErrStaleGeneration) {
			// Pick up the registry's view so a retry can succeed.
			s.mu.Lock()
			if s.handle.ID == nh.ID {
				s.handle = nh
			}
			s.mu.Unlock()
		}
		return wrapHandoff(op, s.req.ItemID, err)
	}

	s.mu.Lock()
	s.handle = nh
	s.surface = to
	s.mu.Unlock()

	log.Info().Str("session", s.id).Str("surface", to.String()).Msg("Surface changed")
	s.publish()
	return nil
}

func (s *Session) adoptRenderer(ctx context.Context, surface handoff.Surface, borrowed Renderer) error {
	s.mu.RLock()
	old, prev, st, playing, url := s.handle, s.renderer, s.state, s.playing, s.source.PlayableURL
	s.mu.RUnlock()

	pos := prev.CurrentPosition()
	if st.IsActive() && url != "" {
		if err := borrowed.Attach(ctx, url, pos); err != nil {
			return fmt.Errorf("adopt renderer: %w", err)
		}
		if playing {
			if err := borrowed.Play(); err != nil {
				return fmt.Errorf("adopt renderer: %w", err)
			}
		}
	}

	nh := s.env.registry.Adopt(borrowed, surface)
	s.mu.Lock()
	s.handle = nh
	s.renderer = borrowed
	s.surface = surface
	src := s.source.Overlay
	s.mu.Unlock()

	if err := s.env.registry.Release(old); err != nil {
		log.Warn().Err(err).Str("session", s.id).Msg("Failed to release replaced renderer")
	}
	s.env.registry.Forget(old)
	if old.Borrowed {
		s.silence(prev, "replaced")
	}

	log.Info().Str("session", s.id).Str("surface", surface.String()).Msg("Adopted external renderer")
	s.replaceOverlay(src)
	s.publish()
	return nil
}

// SetOverlayEnabled switches the overlay on or off. Off tears the sync loop
// down; on reloads the current payload and starts a fresh loop.
func (s *Session) SetOverlayEnabled(ctx context.Context, enabled bool) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := s.checkUsable("overlay"); err != nil {
		return err
	}

	s.mu.Lock()
	changed := s.overlayOn != enabled
	s.overlayOn = enabled
	payload := s.source.Overlay
	s.mu.Unlock()
	if !changed {
		return nil
	}

	if enabled {
		s.replaceOverlay(payload)
	} else {
		s.stopLoop()
		if s.env.overlay != nil {
			if err := s.env.overlay.Pause(); err != nil {
				log.Warn().Err(err).Msg("Failed to pause overlay")
			}
		}
	}
	log.Info().Str("session", s.id).Bool("enabled", enabled).Msg("Overlay toggled")
	s.publish()
	return nil
}

// replaceOverlay tears down the running loop, loads payload in full and
// starts a new loop against the current renderer.
func (s *Session) replaceOverlay(payload *OverlayPayload) {
	s.stopLoop()
	if s.env.overlay == nil || payload == nil {
		return
	}

	s.mu.RLock()
	on, st, r := s.overlayOn, s.state, s.renderer
	s.mu.RUnlock()
	if !on || !st.IsActive() || r == nil {
		return
	}

	if err := s.env.overlay.Load(*payload); err != nil {
		log.Warn().Err(err).Str("session", s.id).Str("overlay", payload.ID).Msg("Failed to load overlay")
		return
	}

	loop := clocksync.New(r, s.env.overlay, clocksync.WithConfig(s.env.clock))
	s.mu.Lock()
	if s.disposing {
		s.mu.Unlock()
		return
	}
	s.loop = loop
	s.mu.Unlock()
	loop.Start(s.bgCtx)
}

func (s *Session) stopLoop() {
	s.mu.Lock()
	loop := s.loop
	s.loop = nil
	s.mu.Unlock()
	if loop != nil {
		loop.Stop()
	}
}

// Dispose ends the session. Safe to call from any state and more than once.
func (s *Session) Dispose() error {
	s.abort()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.RLock()
	st, h, r := s.state, s.handle, s.renderer
	s.mu.RUnlock()
	if st == StateDisposed {
		return nil
	}

	s.stopLoop()
	if st.IsActive() && r != nil {
		s.savePosition(r.CurrentPosition())
	}

	var relErr error
	if h.Valid() {
		relErr = s.env.registry.Release(h)
		s.env.registry.Forget(h)
		if h.Borrowed {
			s.silence(r, "disposed")
		}
	}

	s.bgCancel()
	s.bg.Wait()

	s.mu.Lock()
	s.renderer = nil
	s.playing = false
	_ = s.transitionLocked(StateDisposed)
	s.mu.Unlock()

	log.Info().Str("session", s.id).Str("item", s.req.ItemID).Msg("Session disposed")
	s.publish()

	if relErr != nil {
		return fmt.Errorf("dispose %s: %w", s.req.ItemID, relErr)
	}
	return nil
}

// silence pauses a borrowed renderer the session no longer drives. Borrowed
// engines are never released, only stopped.
func (s *Session) silence(r Renderer, why string) {
	if r == nil {
		return
	}
	if err := r.Pause(); err != nil {
		log.Warn().Err(err).Str("session", s.id).Str("reason", why).Msg("Failed to pause borrowed renderer")
	}
}

func (s *Session) savePosition(pos time.Duration) {
	if s.env.positions == nil {
		return
	}
	if err := s.env.positions.SavePosition(s.bgCtx, s.req.ItemID, pos); err != nil {
		log.Warn().Err(err).Str("item", s.req.ItemID).Msg("Failed to save position")
	}
}

func (s *Session) recordPlay(title string) {
	if s.env.positions == nil {
		return
	}
	if err := s.env.positions.RecordPlay(s.bgCtx, s.req.ItemID, title); err != nil {
		log.Warn().Err(err).Str("item", s.req.ItemID).Msg("Failed to record play")
	}
}

// fetchThumbnail loads notification artwork in the background. Failures
// only get logged.
func (s *Session) fetchThumbnail(url string) {
	if s.env.thumbnails == nil || url == "" {
		return
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()

		img, err := s.env.thumbnails.Fetch(s.bgCtx, url)
		if err != nil {
			if s.bgCtx.Err() == nil {
				log.Debug().Err(err).Str("url", url).Msg("Thumbnail fetch failed")
			}
			return
		}

		s.mu.Lock()
		if s.disposing {
			s.mu.Unlock()
			s.discardStale("thumbnail")
			return
		}
		s.thumbnail = img
		s.mu.Unlock()
		s.publish()
	}()
}

func (s *Session) notification() Notification {
	s.mu.RLock()
	n := Notification{
		SessionToken: s.token,
		ItemID:       s.req.ItemID,
		Title:        s.source.Title,
		Subtitle:     s.source.Subtitle,
		Thumbnail:    s.thumbnail,
		IsPlaying:    s.playing,
		State:        s.state,
		Position:     s.position,
		Duration:     s.source.Duration,
		QualityLabel: s.decision.GrantedLabel,
	}
	r := s.renderer
	s.mu.RUnlock()

	if r != nil && n.State.IsActive() {
		n.Position = r.CurrentPosition()
	}
	if n.Title == "" {
		n.Title = n.ItemID
	}
	return n
}

func (s *Session) publish() {
	s.env.publisher.Publish(s.notification())
}
