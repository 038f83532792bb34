package player_test

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
)

type attachCall struct {
	URL   string
	Start time.Duration
}

type fakeRenderer struct {
	mu        sync.Mutex
	attaches  []attachCall
	playing   bool
	pos       time.Duration
	releases  int
	attachErr error
	playErr   error

	// failAttaches makes the next n Attach calls fail.
	failAttaches int
}

func (r *fakeRenderer) Attach(ctx context.Context, url string, start time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.attachErr != nil {
		return r.attachErr
	}
	if r.failAttaches > 0 {
		r.failAttaches--
		return errors.New("attach refused")
	}
	r.attaches = append(r.attaches, attachCall{URL: url, Start: start})
	r.pos = start
	r.playing = false
	return nil
}

func (r *fakeRenderer) Play() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.playErr != nil {
		return r.playErr
	}
	r.playing = true
	return nil
}

func (r *fakeRenderer) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.playing = false
	return nil
}

func (r *fakeRenderer) CurrentPosition() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pos
}

func (r *fakeRenderer) IsPlaying() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.playing
}

func (r *fakeRenderer) Release() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releases++
	return nil
}

func (r *fakeRenderer) seek(pos time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pos = pos
}

func (r *fakeRenderer) attachCalls() []attachCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]attachCall(nil), r.attaches...)
}

func (r *fakeRenderer) releaseCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.releases
}

type fakeFactory struct {
	mu      sync.Mutex
	created []*fakeRenderer
	err     error
}

func (f *fakeFactory) NewRenderer(context.Context) (player.Renderer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	r := &fakeRenderer{}
	f.created = append(f.created, r)
	return r, nil
}

func (f *fakeFactory) last() *fakeRenderer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type resolveCall struct {
	Item    string
	Quality int
}

type fakeResolver struct {
	mu        sync.Mutex
	available []int
	err       error
	empty     map[int]bool
	sameURL   bool
	overlay   *player.OverlayPayload
	thumbnail string
	calls     []resolveCall

	// hold, when it returns true, parks Resolve until release is closed
	// or the context ends.
	hold    func(item string, q int) bool
	entered chan struct{}
	release chan struct{}
}

func newFakeResolver(available ...int) *fakeResolver {
	return &fakeResolver{
		available: available,
		empty:     map[int]bool{},
		entered:   make(chan struct{}, 16),
		release:   make(chan struct{}),
	}
}

func (r *fakeResolver) Resolve(ctx context.Context, item string, q int) (player.Source, error) {
	r.mu.Lock()
	r.calls = append(r.calls, resolveCall{Item: item, Quality: q})
	hold, err, empty, sameURL := r.hold, r.err, r.empty[q], r.sameURL
	src := player.Source{
		AvailableQualityIDs: append([]int(nil), r.available...),
		Title:               "Title " + item,
		Subtitle:            "Uploader",
		ThumbnailURL:        r.thumbnail,
		Duration:            10 * time.Minute,
		Overlay:             r.overlay,
	}
	r.mu.Unlock()

	if hold != nil && hold(item, q) {
		r.entered <- struct{}{}
		select {
		case <-r.release:
		case <-ctx.Done():
			return player.Source{}, ctx.Err()
		}
	}
	if err != nil {
		return player.Source{}, err
	}
	if !empty {
		if sameURL {
			src.PlayableURL = "https://cdn.example/" + item + "/master.m3u8"
		} else {
			src.PlayableURL = fmt.Sprintf("https://cdn.example/%s/%d.m3u8", item, q)
		}
	}
	return src, nil
}

func (r *fakeResolver) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fakePublisher struct {
	mu   sync.Mutex
	seen []player.Notification
}

func (p *fakePublisher) Publish(n player.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, n)
}

func (p *fakePublisher) all() []player.Notification {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]player.Notification(nil), p.seen...)
}

type fakeOverlay struct {
	mu     sync.Mutex
	loads  []player.OverlayPayload
	pos    time.Duration
	paused bool
}

func (o *fakeOverlay) Load(p player.OverlayPayload) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loads = append(o.loads, p)
	o.pos = 0
	o.paused = true
	return nil
}

func (o *fakeOverlay) SeekTo(pos time.Duration) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pos = pos
	return nil
}

func (o *fakeOverlay) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = false
	return nil
}

func (o *fakeOverlay) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.paused = true
	return nil
}

func (o *fakeOverlay) CurrentTime() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pos
}

func (o *fakeOverlay) IsPaused() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.paused
}

func (o *fakeOverlay) loadCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.loads)
}

type fakeThumbnails struct {
	err error
}

func (f fakeThumbnails) Fetch(ctx context.Context, url string) (image.Image, error) {
	if f.err != nil {
		return nil, f.err
	}
	return image.NewRGBA(image.Rect(0, 0, 4, 4)), nil
}

type fakePositions struct {
	mu     sync.Mutex
	saved  map[string]time.Duration
	played []string
}

func newFakePositions() *fakePositions {
	return &fakePositions{saved: map[string]time.Duration{}}
}

func (p *fakePositions) SavePosition(ctx context.Context, item string, pos time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[item] = pos
	return nil
}

func (p *fakePositions) LoadPosition(ctx context.Context, item string) (time.Duration, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.saved[item]
	return pos, ok, nil
}

func (p *fakePositions) RecordPlay(ctx context.Context, item, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.played = append(p.played, item)
	return nil
}

func (p *fakePositions) get(item string) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.saved[item]
	return pos, ok
}

type harness struct {
	svc       *player.Service
	resolver  *fakeResolver
	factory   *fakeFactory
	publisher *fakePublisher
	overlay   *fakeOverlay
	positions *fakePositions
}

func newHarness(t *testing.T, resolver *fakeResolver, opts ...player.Option) *harness {
	t.Helper()

	h := &harness{
		resolver:  resolver,
		factory:   &fakeFactory{},
		publisher: &fakePublisher{},
		overlay:   &fakeOverlay{paused: true},
		positions: newFakePositions(),
	}
	svc, err := player.NewService(player.Dependencies{
		Resolver:   resolver,
		Renderers:  h.factory,
		Overlay:    h.overlay,
		Publisher:  h.publisher,
		Thumbnails: fakeThumbnails{err: errors.New("offline")},
		Positions:  h.positions,
	}, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	h.svc = svc
	t.Cleanup(func() { _ = svc.Close() })
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func authenticated(context.Context) player.Entitlement {
	return player.Entitlement{Authenticated: true}
}
