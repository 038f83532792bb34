// Package mpd drives an MPD daemon as a playback engine.
package mpd

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/fhs/gompd/v2/mpd"
	"github.com/rs/zerolog/log"
)

// Status is the subset of MPD's status the renderer reads.
type Status struct {
	State    string // play, pause or stop
	Elapsed  time.Duration
	Duration time.Duration
}

// Playing reports whether MPD is actively playing.
func (s Status) Playing() bool {
	return s.State == "play"
}

// Client wraps one MPD connection with reconnection logic.
type Client struct {
	mu       sync.Mutex
	client   *mpd.Client
	addr     string
	password string
}

// NewClient creates a client for host:port. It does not dial.
func NewClient(host string, port int, password string) *Client {
	return &Client{
		addr:     fmt.Sprintf("%s:%d", host, port),
		password: password,
	}
}

// Connect establishes the connection to MPD.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.connectLocked()
}

func (c *Client) connectLocked() error {
	log.Debug().Str("addr", c.addr).Msg("Connecting to MPD")

	var (
		client *mpd.Client
		err    error
	)
	if c.password != "" {
		client, err = mpd.DialAuthenticated("tcp", c.addr, c.password)
	} else {
		client, err = mpd.Dial("tcp", c.addr)
	}
	if err != nil {
		return fmt.Errorf("connect to MPD at %s: %w", c.addr, err)
	}

	c.client = client
	return nil
}

// do runs fn on a live connection, reconnecting once if the ping fails.
func (c *Client) do(fn func(*mpd.Client) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		if err := c.connectLocked(); err != nil {
			return err
		}
	} else if err := c.client.Ping(); err != nil {
		log.Warn().Err(err).Str("addr", c.addr).Msg("MPD connection lost, reconnecting")
		c.client.Close()
		c.client = nil
		if err := c.connectLocked(); err != nil {
			return err
		}
	}
	return fn(c.client)
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// Status returns the parsed player status.
func (c *Client) Status() (Status, error) {
	var attrs mpd.Attrs
	err := c.do(func(cl *mpd.Client) error {
		var err error
		attrs, err = cl.Status()
		return err
	})
	if err != nil {
		return Status{}, err
	}
	return parseStatus(attrs), nil
}

// Play starts the song at queue position pos.
func (c *Client) Play(pos int) error {
	return c.do(func(cl *mpd.Client) error { return cl.Play(pos) })
}

// Pause pauses or resumes playback.
func (c *Client) Pause(pause bool) error {
	return c.do(func(cl *mpd.Client) error { return cl.Pause(pause) })
}

// Stop stops playback.
func (c *Client) Stop() error {
	return c.do(func(cl *mpd.Client) error { return cl.Stop() })
}

// SeekCur seeks within the current song to an absolute position.
func (c *Client) SeekCur(pos time.Duration) error {
	return c.do(func(cl *mpd.Client) error { return cl.SeekCur(pos, false) })
}

// Clear empties the MPD queue.
func (c *Client) Clear() error {
	return c.do(func(cl *mpd.Client) error { return cl.Clear() })
}

// Add appends uri to the MPD queue.
func (c *Client) Add(uri string) error {
	return c.do(func(cl *mpd.Client) error { return cl.Add(uri) })
}

func parseStatus(attrs map[string]string) Status {
	return Status{
		State:    attrs["state"],
		Elapsed:  parseSeconds(attrs["elapsed"]),
		Duration: parseSeconds(attrs["duration"]),
	}
}

// parseSeconds reads MPD's fractional-second fields ("12.345").
func parseSeconds(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second)).Round(time.Millisecond)
}
