package mpd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"
)

// DefaultWatchRetry is the delay before re-subscribing after a watcher error.
const DefaultWatchRetry = 2 * time.Second

// Watcher follows MPD's player subsystem and reports when playback stops on
// its own, which for a single-item playlist means the item reached its end.
type Watcher struct {
	addr     string
	password string
	retry    time.Duration
	status   func() (Status, error)
	conn     *Client

	last string
}

// NewWatcher creates a watcher for the MPD daemon at host:port. Status is
// read over a separate connection.
func NewWatcher(host string, port int, password string) *Watcher {
	c := NewClient(host, port, password)
	return &Watcher{
		addr:     fmt.Sprintf("%s:%d", host, port),
		password: password,
		retry:    DefaultWatchRetry,
		status:   c.Status,
		conn:     c,
	}
}

// Run calls onEnd every time MPD moves from play to stop, until ctx is done.
// Connection failures are logged and retried.
func (w *Watcher) Run(ctx context.Context, onEnd func()) error {
	log.Info().Str("addr", w.addr).Msg("MPD watcher started")
	defer func() {
		if w.conn != nil {
			w.conn.Close()
		}
		log.Info().Msg("MPD watcher stopped")
	}()

	for {
		if err := w.watch(ctx, onEnd); err != nil {
			log.Warn().Err(err).Str("addr", w.addr).Msg("MPD watcher error")
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.retry):
		}
	}
}

func (w *Watcher) watch(ctx context.Context, onEnd func()) error {
	mw, err := mpd.NewWatcher("tcp", w.addr, w.password, "player")
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	defer mw.Close()

	w.observe(nil)
	for {
		select {
		case <-ctx.Done():
			return nil
		case subsystem, ok := <-mw.Event:
			if !ok {
				return errors.New("event channel closed")
			}
			log.Debug().Str("subsystem", subsystem).Msg("MPD subsystem changed")
			w.observe(onEnd)
		case err := <-mw.Error:
			return err
		}
	}
}

// observe reads the current status and calls onEnd on a play to stop edge.
// A nil onEnd only records the state.
func (w *Watcher) observe(onEnd func()) {
	st, err := w.status()
	if err != nil {
		log.Debug().Err(err).Msg("MPD status unavailable")
		return
	}
	ended := w.last == "play" && st.State == "stop"
	w.last = st.State
	if ended && onEnd != nil {
		onEnd()
	}
}
