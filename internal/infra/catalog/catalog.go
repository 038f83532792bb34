// Package catalog resolves items from a YAML media catalog.
package catalog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
)

// ErrNotFound is returned for item ids the catalog does not know.
var ErrNotFound = errors.New("item not found")

// File is the on-disk catalog layout.
type File struct {
	Items []Entry `yaml:"items"`
}

// Entry is one playable item with a URL per quality id.
type Entry struct {
	ID        string         `yaml:"id"`
	Title     string         `yaml:"title"`
	Subtitle  string         `yaml:"subtitle"`
	Thumbnail string         `yaml:"thumbnail"`
	Duration  string         `yaml:"duration"`
	Qualities map[int]string `yaml:"qualities"`
	Overlay   *OverlayEntry  `yaml:"overlay"`
}

// OverlayEntry describes the time-coded overlay stream of an item.
type OverlayEntry struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url"`
	Duration string `yaml:"duration"`
}

type item struct {
	entry    Entry
	ladder   []int // descending
	duration time.Duration
	overlay  *player.OverlayPayload
}

// Catalog is a MediaSourceResolver backed by an in-memory item table.
type Catalog struct {
	mu    sync.RWMutex
	items map[string]item
	path  string
}

// Parse decodes a catalog document. Unknown fields are rejected.
func Parse(data []byte) (*Catalog, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	return New(f.Items)
}

// Open reads the catalog at path. Reload re-reads the same file.
func Open(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	c, err := Parse(data)
	if err != nil {
		return nil, err
	}
	c.path = path
	log.Info().Str("path", path).Int("items", c.Len()).Msg("Catalog loaded")
	return c, nil
}

// New builds a catalog from entries.
func New(entries []Entry) (*Catalog, error) {
	items, err := index(entries)
	if err != nil {
		return nil, err
	}
	return &Catalog{items: items}, nil
}

func index(entries []Entry) (map[string]item, error) {
	items := make(map[string]item, len(entries))
	for i, e := range entries {
		if e.ID == "" {
			return nil, fmt.Errorf("catalog item %d: missing id", i)
		}
		if _, dup := items[e.ID]; dup {
			return nil, fmt.Errorf("catalog item %s: duplicate id", e.ID)
		}
		if len(e.Qualities) == 0 {
			return nil, fmt.Errorf("catalog item %s: no qualities", e.ID)
		}

		it := item{entry: e}
		for id, url := range e.Qualities {
			if url == "" {
				return nil, fmt.Errorf("catalog item %s: empty url for quality %d", e.ID, id)
			}
			it.ladder = append(it.ladder, id)
		}
		slices.SortFunc(it.ladder, func(a, b int) int { return b - a })

		var err error
		if it.duration, err = parseDuration(e.Duration); err != nil {
			return nil, fmt.Errorf("catalog item %s: %w", e.ID, err)
		}
		if e.Overlay != nil {
			d, err := parseDuration(e.Overlay.Duration)
			if err != nil {
				return nil, fmt.Errorf("catalog item %s overlay: %w", e.ID, err)
			}
			it.overlay = &player.OverlayPayload{ID: e.Overlay.ID, URL: e.Overlay.URL, Duration: d}
		}
		items[e.ID] = it
	}
	return items, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return d, nil
}

// Reload re-reads the file the catalog was opened from. On error the
// current items are kept.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return errors.New("catalog was not opened from a file")
	}
	fresh, err := Open(c.path)
	if err != nil {
		return err
	}

	fresh.mu.RLock()
	items := fresh.items
	fresh.mu.RUnlock()

	c.mu.Lock()
	c.items = items
	c.mu.Unlock()
	return nil
}

// Len returns the number of items.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Resolve returns the source of itemID at qualityID. When the item does not
// offer qualityID, the highest quality below it is served, or the lowest
// offered if none is below, and FallbackQualityID names it.
func (c *Catalog) Resolve(ctx context.Context, itemID string, qualityID int) (player.Source, error) {
	if err := ctx.Err(); err != nil {
		return player.Source{}, err
	}

	c.mu.RLock()
	it, ok := c.items[itemID]
	c.mu.RUnlock()
	if !ok {
		return player.Source{}, fmt.Errorf("resolve %s: %w", itemID, ErrNotFound)
	}

	served := qualityID
	fallback := 0
	if _, ok := it.entry.Qualities[qualityID]; !ok {
		served = pickFallback(it.ladder, qualityID)
		fallback = served
		log.Debug().
			Str("item", itemID).
			Int("requested", qualityID).
			Int("served", served).
			Msg("Catalog served fallback quality")
	}

	labels := make([]string, len(it.ladder))
	for i, id := range it.ladder {
		labels[i] = quality.Label(id)
	}

	src := player.Source{
		PlayableURL:            it.entry.Qualities[served],
		FallbackQualityID:      fallback,
		AvailableQualityIDs:    slices.Clone(it.ladder),
		AvailableQualityLabels: labels,
		Title:                  it.entry.Title,
		Subtitle:               it.entry.Subtitle,
		ThumbnailURL:           it.entry.Thumbnail,
		Duration:               it.duration,
	}
	if it.overlay != nil {
		ov := *it.overlay
		src.Overlay = &ov
	}
	return src, nil
}

// pickFallback returns the highest id not above requested, or the lowest id.
// ladder is sorted descending and non-empty.
func pickFallback(ladder []int, requested int) int {
	for _, id := range ladder {
		if id <= requested {
			return id
		}
	}
	return ladder[len(ladder)-1]
}
