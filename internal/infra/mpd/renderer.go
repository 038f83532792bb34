package mpd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
)

// ErrReleased is returned by calls on a released renderer.
var ErrReleased = errors.New("renderer released")

// Conn is the MPD command surface the renderer needs. *Client implements it.
type Conn interface {
	Status() (Status, error)
	Play(pos int) error
	Pause(pause bool) error
	Stop() error
	SeekCur(pos time.Duration) error
	Clear() error
	Add(uri string) error
	Close() error
}

// Renderer plays one item through MPD's queue.
type Renderer struct {
	conn Conn

	mu       sync.Mutex
	last     Status // last status MPD answered with
	released bool
}

// NewRenderer wraps an MPD connection. The renderer owns conn and closes it
// on Release.
func NewRenderer(conn Conn) *Renderer {
	return &Renderer{conn: conn}
}

// Attach replaces MPD's queue with url, seeks to start and leaves it paused.
func (r *Renderer) Attach(ctx context.Context, url string, start time.Duration) error {
	if err := r.usable(); err != nil {
		return err
	}

	type step struct {
		name string
		run  func() error
	}
	steps := []step{
		{"clear", r.conn.Clear},
		{"add", func() error { return r.conn.Add(url) }},
		{"play", func() error { return r.conn.Play(0) }},
		{"pause", func() error { return r.conn.Pause(true) }},
	}
	if start > 0 {
		steps = append(steps, step{"seek", func() error { return r.conn.SeekCur(start) }})
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := st.run(); err != nil {
			return fmt.Errorf("mpd %s %s: %w", st.name, url, err)
		}
	}

	r.mu.Lock()
	r.last = Status{State: "pause", Elapsed: start}
	r.mu.Unlock()

	log.Debug().Str("url", url).Dur("start", start).Msg("MPD renderer attached")
	return nil
}

// Play resumes playback.
func (r *Renderer) Play() error {
	if err := r.usable(); err != nil {
		return err
	}
	if err := r.conn.Pause(false); err != nil {
		return fmt.Errorf("mpd resume: %w", err)
	}
	r.mu.Lock()
	r.last.State = "play"
	r.mu.Unlock()
	return nil
}

// Pause pauses playback.
func (r *Renderer) Pause() error {
	if err := r.usable(); err != nil {
		return err
	}
	if err := r.conn.Pause(true); err != nil {
		return fmt.Errorf("mpd pause: %w", err)
	}
	r.mu.Lock()
	r.last.State = "pause"
	r.mu.Unlock()
	return nil
}

// CurrentPosition returns MPD's elapsed time, or the last known value when
// MPD cannot be reached.
func (r *Renderer) CurrentPosition() time.Duration {
	return r.refresh().Elapsed
}

// IsPlaying reports whether MPD is playing.
func (r *Renderer) IsPlaying() bool {
	return r.refresh().Playing()
}

// Release stops MPD, clears its queue and closes the connection.
func (r *Renderer) Release() error {
	r.mu.Lock()
	if r.released {
		r.mu.Unlock()
		return nil
	}
	r.released = true
	r.last.State = "stop"
	r.mu.Unlock()

	var firstErr error
	for _, fn := range []func() error{r.conn.Stop, r.conn.Clear, r.conn.Close} {
		if err := fn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("mpd release: %w", firstErr)
	}
	return nil
}

func (r *Renderer) refresh() Status {
	r.mu.Lock()
	released := r.released
	last := r.last
	r.mu.Unlock()
	if released {
		return last
	}

	st, err := r.conn.Status()
	if err != nil {
		log.Debug().Err(err).Msg("MPD status unavailable, using last known")
		return last
	}

	r.mu.Lock()
	r.last = st
	r.mu.Unlock()
	return st
}

func (r *Renderer) usable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return ErrReleased
	}
	return nil
}

// Factory dials a fresh MPD connection for every renderer.
type Factory struct {
	Host     string
	Port     int
	Password string

	// dial is replaced in tests.
	dial func(host string, port int, password string) (Conn, error)
}

// NewFactory creates a renderer factory for the MPD daemon at host:port.
func NewFactory(host string, port int, password string) *Factory {
	return &Factory{Host: host, Port: port, Password: password}
}

// NewRenderer connects to MPD and returns a renderer that owns the connection.
func (f *Factory) NewRenderer(ctx context.Context) (player.Renderer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dial := f.dial
	if dial == nil {
		dial = dialClient
	}
	conn, err := dial(f.Host, f.Port, f.Password)
	if err != nil {
		return nil, err
	}
	return NewRenderer(conn), nil
}

func dialClient(host string, port int, password string) (Conn, error) {
	c := NewClient(host, port, password)
	if err := c.Connect(); err != nil {
		return nil, err
	}
	return c, nil
}
