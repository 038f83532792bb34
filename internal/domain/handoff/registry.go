// Package handoff tracks exclusive ownership of renderer engines as they move
// between surfaces (full screen, mini window, picture-in-picture, background).
//
// The registry never creates or destroys engines itself except through
// Release, and Release is a no-op for engines the caller merely lent us.
package handoff

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/metrics"
)

// Surface is a visual context that can own the renderer.
type Surface int

const (
	SurfaceNone Surface = iota
	SurfaceFullScreen
	SurfaceMini
	SurfaceBackground
	SurfacePictureInPicture
)

func (s Surface) String() string {
	switch s {
	case SurfaceNone:
		return "NONE"
	case SurfaceFullScreen:
		return "FULL_SCREEN"
	case SurfaceMini:
		return "MINI"
	case SurfaceBackground:
		return "BACKGROUND"
	case SurfacePictureInPicture:
		return "PIP"
	default:
		return "UNKNOWN"
	}
}

// ParseSurface converts a surface name back into a Surface.
func ParseSurface(s string) (Surface, bool) {
	for _, cand := range []Surface{SurfaceNone, SurfaceFullScreen, SurfaceMini, SurfaceBackground, SurfacePictureInPicture} {
		if cand.String() == s {
			return cand, true
		}
	}
	return SurfaceNone, false
}

var (
	// ErrHandoffConflict is returned when a transfer is already in flight for
	// the handle, or the caller holds an outdated generation. Callers retry
	// with a fresh handle.
	ErrHandoffConflict = errors.New("handoff conflict")

	// ErrStaleGeneration wraps ErrHandoffConflict for outdated handles.
	ErrStaleGeneration = fmt.Errorf("%w: stale generation", ErrHandoffConflict)

	// ErrHandleReleased is returned when transferring a released handle.
	ErrHandleReleased = errors.New("handle released")

	// ErrUnknownHandle is returned for handles this registry never issued.
	ErrUnknownHandle = errors.New("unknown handle")
)

// Releaser is the part of an engine the registry needs.
type Releaser interface {
	Release() error
}

// Handle is a point-in-time view of one engine's ownership.
type Handle struct {
	ID         uint64  `json:"id"`
	Owner      Surface `json:"owner"`
	Generation uint64  `json:"generation"`
	Borrowed   bool    `json:"borrowed"`
}

// Valid reports whether h was issued by a registry.
func (h Handle) Valid() bool {
	return h.ID != 0
}

// TransferHook runs while a transfer is in flight, before the owner changes.
// Returning an error aborts the transfer.
type TransferHook func(ctx context.Context, h Handle, to Surface) error

// Option configures a Registry.
type Option func(*Registry)

// WithTransferHook installs a hook invoked during every transfer.
func WithTransferHook(hook TransferHook) Option {
	return func(r *Registry) {
		r.hook = hook
	}
}

type entry struct {
	engine       Releaser
	owner        Surface
	generation   uint64
	borrowed     bool
	released     bool
	transferring bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	nextID  uint64
	entries map[uint64]*entry
	hook    TransferHook
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[uint64]*entry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AcquireOwned registers an engine the registry will release.
func (r *Registry) AcquireOwned(engine Releaser, surface Surface) Handle {
	return r.register(engine, surface, false)
}

// Adopt registers an engine the caller keeps ownership of. The registry
// never releases it.
func (r *Registry) Adopt(engine Releaser, surface Surface) Handle {
	return r.register(engine, surface, true)
}

func (r *Registry) register(engine Releaser, surface Surface, borrowed bool) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	e := &entry{
		engine:     engine,
		owner:      surface,
		generation: 1,
		borrowed:   borrowed,
	}
	r.entries[r.nextID] = e

	log.Info().
		Uint64("handle", r.nextID).
		Str("owner", surface.String()).
		Bool("borrowed", borrowed).
		Msg("Renderer registered")

	return e.view(r.nextID)
}

// Transfer moves ownership to a new surface and bumps the generation.
// Transfers on one handle are serialized: a second caller arriving while a
// transfer is in flight gets ErrHandoffConflict instead of waiting.
func (r *Registry) Transfer(ctx context.Context, h Handle, to Surface) (Handle, error) {
	r.mu.Lock()
	e, ok := r.entries[h.ID]
	switch {
	case !ok && r.issuedLocked(h.ID):
		r.mu.Unlock()
		metrics.HandoffTransfers.WithLabelValues("released").Inc()
		return Handle{ID: h.ID, Borrowed: h.Borrowed}, ErrHandleReleased
	case !ok:
		r.mu.Unlock()
		return Handle{}, ErrUnknownHandle
	case e.released:
		r.mu.Unlock()
		metrics.HandoffTransfers.WithLabelValues("released").Inc()
		return e.view(h.ID), ErrHandleReleased
	case e.transferring:
		r.mu.Unlock()
		metrics.HandoffTransfers.WithLabelValues("conflict").Inc()
		return e.view(h.ID), ErrHandoffConflict
	case e.generation != h.Generation:
		cur := e.view(h.ID)
		r.mu.Unlock()
		metrics.HandoffTransfers.WithLabelValues("stale").Inc()
		return cur, ErrStaleGeneration
	}
	if e.owner == to {
		cur := e.view(h.ID)
		r.mu.Unlock()
		return cur, nil
	}
	e.transferring = true
	from := e.owner
	pending := e.view(h.ID)
	r.mu.Unlock()

	var hookErr error
	if r.hook != nil {
		hookErr = r.hook(ctx, pending, to)
	}
	if hookErr == nil {
		hookErr = ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e.transferring = false

	if hookErr != nil {
		metrics.HandoffTransfers.WithLabelValues("aborted").Inc()
		log.Warn().Err(hookErr).Uint64("handle", h.ID).Str("to", to.String()).Msg("Renderer transfer aborted")
		return e.view(h.ID), fmt.Errorf("transfer to %s: %w", to, hookErr)
	}
	if e.released {
		// Released while the hook ran; ownership is gone.
		metrics.HandoffTransfers.WithLabelValues("released").Inc()
		return e.view(h.ID), ErrHandleReleased
	}

	e.owner = to
	e.generation++
	metrics.HandoffTransfers.WithLabelValues("ok").Inc()
	log.Info().
		Uint64("handle", h.ID).
		Str("from", from.String()).
		Str("to", to.String()).
		Uint64("generation", e.generation).
		Msg("Renderer transferred")

	return e.view(h.ID), nil
}

// Release releases the engine exactly once, whatever generation h carries.
// Later calls are no-ops, also after Forget, and borrowed engines are only
// detached.
func (r *Registry) Release(h Handle) error {
	r.mu.Lock()
	e, ok := r.entries[h.ID]
	if !ok {
		issued := r.issuedLocked(h.ID)
		r.mu.Unlock()
		if issued {
			return nil
		}
		return ErrUnknownHandle
	}
	if e.released {
		r.mu.Unlock()
		return nil
	}
	e.released = true
	e.owner = SurfaceNone
	engine, borrowed := e.engine, e.borrowed
	r.mu.Unlock()

	if borrowed {
		log.Info().Uint64("handle", h.ID).Msg("Borrowed renderer detached")
		return nil
	}

	metrics.RendererReleases.Inc()
	log.Info().Uint64("handle", h.ID).Msg("Renderer released")
	if err := engine.Release(); err != nil {
		return fmt.Errorf("release renderer %d: %w", h.ID, err)
	}
	return nil
}

// Current returns the latest view of a handle.
func (r *Registry) Current(h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.ID]
	if !ok {
		return Handle{}, false
	}
	return e.view(h.ID), true
}

// Owner returns the surface currently owning the handle's engine.
func (r *Registry) Owner(h Handle) Surface {
	cur, ok := r.Current(h)
	if !ok {
		return SurfaceNone
	}
	return cur.Owner
}

// Released reports whether the handle's engine has been released or detached.
func (r *Registry) Released(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[h.ID]
	return !ok || e.released
}

// issuedLocked reports whether id was handed out by this registry. Only
// released entries are ever forgotten, so an issued id with no entry is a
// released one.
func (r *Registry) issuedLocked(id uint64) bool {
	return id != 0 && id <= r.nextID
}

// Forget drops bookkeeping for released handles.
func (r *Registry) Forget(h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[h.ID]; ok && e.released {
		delete(r.entries, h.ID)
	}
}

// Len returns the number of live (unreleased) handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, e := range r.entries {
		if !e.released {
			n++
		}
	}
	return n
}

func (e *entry) view(id uint64) Handle {
	return Handle{
		ID:         id,
		Owner:      e.owner,
		Generation: e.generation,
		Borrowed:   e.borrowed,
	}
}
