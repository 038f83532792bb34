// Package queue owns the play queue and decides what plays next.
package queue

import (
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Mode is the queue advance mode.
type Mode int

const (
	ModeSequential Mode = iota
	ModeShuffle
	ModeRepeatOne
)

func (m Mode) String() string {
	switch m {
	case ModeSequential:
		return "SEQUENTIAL"
	case ModeShuffle:
		return "SHUFFLE"
	case ModeRepeatOne:
		return "REPEAT_ONE"
	default:
		return "UNKNOWN"
	}
}

// ParseMode converts a mode name back into a Mode.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "SEQUENTIAL", "sequential":
		return ModeSequential, true
	case "SHUFFLE", "shuffle":
		return ModeShuffle, true
	case "REPEAT_ONE", "repeat_one":
		return ModeRepeatOne, true
	}
	return ModeSequential, false
}

// Item is one queue entry.
type Item struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Subtitle     string        `json:"subtitle,omitempty"`
	ThumbnailURL string        `json:"thumbnailUrl,omitempty"`
	DurationHint time.Duration `json:"durationHint,omitempty"`
}

// Snapshot is a copy of the queue state for readers.
type Snapshot struct {
	Items   []Item `json:"items"`
	Index   int    `json:"index"`
	Mode    Mode   `json:"mode"`
	History []int  `json:"history,omitempty"`
	Cursor  int    `json:"cursor"`
}

const (
	DefaultHistoryWindow = 5
	DefaultHistoryLimit  = 64
)

// Option configures a Manager.
type Option func(*Manager)

// WithHistoryWindow sets the upper bound of the shuffle avoid-repeat window.
// The effective window is min(n, len(queue)/2).
func WithHistoryWindow(n int) Option {
	return func(m *Manager) {
		if n >= 0 {
			m.window = n
		}
	}
}

// WithHistoryLimit bounds the number of shuffle history entries kept.
func WithHistoryLimit(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.limit = n
		}
	}
}

// WithRand sets the random source used for shuffle draws.
func WithRand(r *rand.Rand) Option {
	return func(m *Manager) {
		m.rng = r
	}
}

// Manager is the only writer of the queue. It is safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	items   []Item
	index   int
	mode    Mode
	history []int
	cursor  int

	window int
	limit  int
	rng    *rand.Rand
}

// NewManager creates an empty queue in sequential mode.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		index:  -1,
		cursor: -1,
		window: DefaultHistoryWindow,
		limit:  DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.rng == nil {
		m.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return m
}

// SetQueue replaces the queue and resets shuffle history to the start index.
func (m *Manager) SetQueue(items []Item, start int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = slices.Clone(items)
	m.history = m.history[:0]
	if len(m.items) == 0 {
		m.index = -1
		m.cursor = -1
		log.Info().Msg("Queue cleared by empty SetQueue")
		return
	}

	m.index = min(max(start, 0), len(m.items)-1)
	m.history = append(m.history, m.index)
	m.cursor = 0

	log.Info().Int("items", len(m.items)).Int("start", m.index).Msg("Queue set")
}

// Append adds item unless an item with the same id is already queued.
func (m *Manager) Append(item Item) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.indexOfLocked(item.ID) >= 0 {
		log.Debug().Str("id", item.ID).Msg("Queue append skipped, already present")
		return false
	}
	m.items = append(m.items, item)
	return true
}

// AppendAll adds every item not already queued and returns how many were added.
func (m *Manager) AppendAll(items []Item) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]struct{}, len(m.items)+len(items))
	for _, it := range m.items {
		seen[it.ID] = struct{}{}
	}

	added := 0
	for _, it := range items {
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		m.items = append(m.items, it)
		added++
	}
	if added > 0 {
		log.Info().Int("added", added).Msg("Queue appended")
	}
	return added
}

// Remove deletes the item with id. The current index is re-clamped and the
// shuffle history is remapped so it never points past the queue.
func (m *Manager) Remove(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOfLocked(id)
	if idx < 0 {
		return false
	}
	m.items = slices.Delete(m.items, idx, idx+1)

	switch {
	case len(m.items) == 0:
		m.index = -1
	case idx < m.index:
		m.index--
	case idx == m.index && m.index >= len(m.items):
		m.index = len(m.items) - 1
	}

	m.remapHistoryLocked(idx)
	log.Info().Str("id", id).Int("index", m.index).Msg("Queue item removed")
	return true
}

func (m *Manager) remapHistoryLocked(removed int) {
	kept := m.history[:0]
	newCursor := -1
	for i, h := range m.history {
		if h == removed {
			continue
		}
		if h > removed {
			h--
		}
		kept = append(kept, h)
		if i <= m.cursor {
			newCursor = len(kept) - 1
		}
	}
	m.history = kept
	m.cursor = newCursor
	if m.cursor < 0 && len(m.history) > 0 {
		m.cursor = 0
	}
}

// Clear empties the queue.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items = nil
	m.index = -1
	m.history = m.history[:0]
	m.cursor = -1
	log.Info().Msg("Queue cleared")
}

// SetMode changes the advance mode.
func (m *Manager) SetMode(mode Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setModeLocked(mode)
}

// ToggleMode cycles SEQUENTIAL -> SHUFFLE -> REPEAT_ONE -> SEQUENTIAL.
func (m *Manager) ToggleMode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.mode {
	case ModeSequential:
		m.setModeLocked(ModeShuffle)
	case ModeShuffle:
		m.setModeLocked(ModeRepeatOne)
	default:
		m.setModeLocked(ModeSequential)
	}
	return m.mode
}

func (m *Manager) setModeLocked(mode Mode) {
	if mode == ModeShuffle && m.mode != ModeShuffle && m.index >= 0 {
		// Entering shuffle starts a fresh history at the current item.
		m.history = append(m.history[:0], m.index)
		m.cursor = 0
	}
	m.mode = mode
	log.Info().Str("mode", mode.String()).Msg("Play mode changed")
}

// Mode returns the current advance mode.
func (m *Manager) Mode() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mode
}

// Current returns the item at the current index.
func (m *Manager) Current() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.index < 0 || m.index >= len(m.items) {
		return Item{}, false
	}
	return m.items[m.index], true
}

// Index returns the current index, or -1 when the queue is empty.
func (m *Manager) Index() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.index
}

// Len returns the number of queued items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Snapshot returns a copy of the queue state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Snapshot{
		Items:   slices.Clone(m.items),
		Index:   m.index,
		Mode:    m.mode,
		History: slices.Clone(m.history),
		Cursor:  m.cursor,
	}
}

// Next advances according to the mode. It returns false at the end of the queue.
func (m *Manager) Next() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false
	}

	next := -1
	switch m.mode {
	case ModeSequential:
		if m.index < len(m.items)-1 {
			next = m.index + 1
		}
	case ModeRepeatOne:
		next = m.index
	case ModeShuffle:
		next = m.nextShuffleLocked()
	}

	if next < 0 || next >= len(m.items) {
		log.Debug().Str("mode", m.mode.String()).Msg("Queue end reached")
		return Item{}, false
	}
	m.index = next
	log.Debug().Int("index", next).Str("id", m.items[next].ID).Msg("Queue next")
	return m.items[next], true
}

func (m *Manager) nextShuffleLocked() int {
	if m.cursor >= 0 && m.cursor < len(m.history)-1 {
		m.cursor++
		return m.history[m.cursor]
	}

	size := len(m.items)
	window := min(m.window, size/2)
	recent := m.history[max(len(m.history)-window, 0):]

	candidates := make([]int, 0, size)
	for i := 0; i < size; i++ {
		if i != m.index && !slices.Contains(recent, i) {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		for i := 0; i < size; i++ {
			if i != m.index {
				candidates = append(candidates, i)
			}
		}
	}
	if len(candidates) == 0 {
		return -1
	}

	next := candidates[m.rng.IntN(len(candidates))]
	m.pushHistoryLocked(next)
	return next
}

func (m *Manager) pushHistoryLocked(idx int) {
	if n := len(m.history); n > 0 && m.history[n-1] == idx {
		m.cursor = n - 1
		return
	}
	m.history = append(m.history, idx)
	if over := len(m.history) - m.limit; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	m.cursor = len(m.history) - 1
}

// Previous retreats according to the mode. Shuffle walks back through
// history only and never draws new indices.
func (m *Manager) Previous() (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.items) == 0 {
		return Item{}, false
	}

	prev := -1
	switch m.mode {
	case ModeSequential, ModeRepeatOne:
		if m.index > 0 {
			prev = m.index - 1
		}
	case ModeShuffle:
		if m.cursor > 0 {
			m.cursor--
			prev = m.history[m.cursor]
		}
	}

	if prev < 0 || prev >= len(m.items) {
		return Item{}, false
	}
	m.index = prev
	log.Debug().Int("index", prev).Str("id", m.items[prev].ID).Msg("Queue previous")
	return m.items[prev], true
}

// HasNext reports whether Next would return an item, without mutating state.
func (m *Manager) HasNext() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.mode {
	case ModeSequential:
		return m.index < len(m.items)-1
	case ModeShuffle:
		if m.cursor >= 0 && m.cursor < len(m.history)-1 {
			return true
		}
		// Any index other than the current one is a candidate.
		return len(m.items) > 1 || (len(m.items) == 1 && m.index < 0)
	default:
		return m.index >= 0
	}
}

// HasPrevious reports whether Previous would return an item, without mutating state.
func (m *Manager) HasPrevious() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.mode {
	case ModeShuffle:
		return m.cursor > 0
	default:
		return m.index > 0
	}
}

// PlayAt jumps to index. In shuffle mode the jump is appended to history.
func (m *Manager) PlayAt(index int) (Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.items) {
		return Item{}, false
	}
	m.index = index
	if m.mode == ModeShuffle {
		m.pushHistoryLocked(index)
	}
	log.Info().Int("index", index).Str("id", m.items[index].ID).Msg("Queue jump")
	return m.items[index], true
}

func (m *Manager) indexOfLocked(id string) int {
	return slices.IndexFunc(m.items, func(it Item) bool { return it.ID == id })
}
