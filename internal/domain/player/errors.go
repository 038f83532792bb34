package player

import (
	"errors"
	"fmt"

	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
)

// ErrorKind classifies operation failures.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindSourceUnavailable
	KindUnplayableQuality
	KindRendererCreationFailed
	KindSessionDisposed
	KindHandoffConflict
)

func (k ErrorKind) String() string {
	switch k {
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindUnplayableQuality:
		return "UnplayableQuality"
	case KindRendererCreationFailed:
		return "RendererCreationFailed"
	case KindSessionDisposed:
		return "SessionDisposed"
	case KindHandoffConflict:
		return "HandoffConflict"
	default:
		return "Unknown"
	}
}

// Recoverable reports whether the caller can retry or pick another option
// and keep using the session.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindSourceUnavailable, KindUnplayableQuality, KindHandoffConflict:
		return true
	default:
		return false
	}
}

// Error is the error type returned by session operations.
type Error struct {
	Kind   ErrorKind
	Op     string
	ItemID string
	Err    error
}

func (e *Error) Error() string {
	msg := "player"
	if e.Op != "" {
		msg += " " + e.Op
	}
	if e.ItemID != "" {
		msg += " " + e.ItemID
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches kind sentinels, so errors.Is(err, ErrSourceUnavailable) holds
// for any *Error of that kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Op == "" && t.ItemID == "" && t.Err == nil {
		return e.Kind == t.Kind
	}
	return e == t
}

// Kind sentinels.
var (
	ErrSourceUnavailable      = &Error{Kind: KindSourceUnavailable}
	ErrUnplayableQuality      = &Error{Kind: KindUnplayableQuality}
	ErrRendererCreationFailed = &Error{Kind: KindRendererCreationFailed}
	ErrSessionDisposed        = &Error{Kind: KindSessionDisposed}
	ErrHandoffConflict        = &Error{Kind: KindHandoffConflict}
)

// Report-only rejections and service-level conditions.
var (
	ErrQualitySwitchInProgress = errors.New("quality switch already in progress")
	ErrInvalidRequest          = errors.New("invalid load request")
	ErrNotRetryable            = errors.New("no failed session to retry")
	ErrNoActiveSession         = errors.New("no active session")
	ErrQueueEnd                = errors.New("no more items in queue")
	ErrSuperseded              = errors.New("superseded by a newer request")
	ErrEmptySource             = errors.New("resolver returned no playable url")
)

func newError(kind ErrorKind, op, itemID string, err error) *Error {
	return &Error{Kind: kind, Op: op, ItemID: itemID, Err: err}
}

// KindOf classifies any error returned by this package.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, handoff.ErrHandoffConflict) {
		return KindHandoffConflict
	}
	return KindUnknown
}

// Recoverable reports whether err leaves the session usable.
func Recoverable(err error) bool {
	return KindOf(err).Recoverable()
}

func disposedError(op, itemID string) error {
	return newError(KindSessionDisposed, op, itemID, nil)
}

func wrapHandoff(op, itemID string, err error) error {
	if errors.Is(err, handoff.ErrHandoffConflict) {
		return newError(KindHandoffConflict, op, itemID, err)
	}
	if errors.Is(err, handoff.ErrHandleReleased) {
		return newError(KindSessionDisposed, op, itemID, err)
	}
	return fmt.Errorf("%s %s: %w", op, itemID, err)
}
