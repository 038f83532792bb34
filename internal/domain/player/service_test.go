package player_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/domain/queue"
)

func TestNewServiceRequiresCollaborators(t *testing.T) {
	_, err := player.NewService(player.Dependencies{Renderers: &fakeFactory{}})
	assert.Error(t, err)

	_, err = player.NewService(player.Dependencies{Resolver: newFakeResolver()})
	assert.Error(t, err)
}

func TestLoadRejectsEmptyItem(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	_, err := h.svc.Load(context.Background(), player.LoadRequest{})
	assert.ErrorIs(t, err, player.ErrInvalidRequest)
}

func TestLoadSameItemIsIdempotent(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	first := loadX(t, h)
	calls := h.resolver.callCount()

	again, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
	require.NoError(t, err)
	assert.Same(t, first, again)
	assert.Equal(t, calls, h.resolver.callCount())
	assert.Equal(t, 1, h.factory.count())

	// Paused counts too.
	_, err = first.TogglePlayPause(context.Background())
	require.NoError(t, err)
	again, err = h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
	require.NoError(t, err)
	assert.Same(t, first, again)
}

func TestForcedLoadCreatesFreshSession(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	first := loadX(t, h)

	second, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X", Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID(), second.ID())
	assert.Equal(t, player.StateDisposed, first.State())
	assert.Equal(t, player.StatePlaying, second.State())
}

func TestNewLoadDisposesPreviousSession(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	first := loadX(t, h)
	firstRenderer := h.factory.last()
	require.NoError(t, first.EnterSurface(context.Background(), handoff.SurfaceMini, nil))

	second, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "Y"})
	require.NoError(t, err)

	assert.Equal(t, player.StateDisposed, first.State())
	assert.Equal(t, 1, firstRenderer.releaseCount())
	assert.Same(t, second, h.svc.Active())
	assert.Equal(t, handoff.SurfaceMini, second.Handle().Owner, "surface carries over to the next item")

	_, err = first.TogglePlayPause(context.Background())
	assert.ErrorIs(t, err, player.ErrSessionDisposed)
}

func TestLoadFailureThenRetry(t *testing.T) {
	resolver := newFakeResolver(64)
	resolver.err = errors.New("upstream 503")
	h := newHarness(t, resolver)

	failed, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
	require.Error(t, err)
	assert.ErrorIs(t, err, player.ErrSourceUnavailable)
	assert.True(t, player.Recoverable(err))
	assert.Equal(t, player.StateError, failed.State())
	assert.Same(t, failed, h.svc.Active())

	snap := failed.Snapshot()
	assert.True(t, snap.Retryable)
	assert.Equal(t, "SourceUnavailable", snap.ErrorKind)

	resolver.setErr(nil)
	retried, err := h.svc.Retry(context.Background())
	require.NoError(t, err)
	assert.NotEqual(t, failed.ID(), retried.ID())
	assert.Equal(t, "X", retried.ItemID())
	assert.Equal(t, player.StatePlaying, retried.State())
	assert.Equal(t, player.StateDisposed, failed.State())

	_, err = h.svc.Retry(context.Background())
	assert.ErrorIs(t, err, player.ErrNotRetryable)
}

func TestRendererCreationFailureIsFatal(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	h.factory.err = errors.New("decoder unavailable")

	sess, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
	require.Error(t, err)
	assert.ErrorIs(t, err, player.ErrRendererCreationFailed)
	assert.False(t, player.Recoverable(err))
	assert.Equal(t, player.StateError, sess.State())
}

func TestAttachFailureReleasesRenderer(t *testing.T) {
	resolver := newFakeResolver(64)
	factory := &fakeFactory{}
	svc, err := player.NewService(player.Dependencies{
		Resolver: resolver,
		Renderers: player.RendererFactoryFunc(func(ctx context.Context) (player.Renderer, error) {
			r, _ := factory.NewRenderer(ctx)
			r.(*fakeRenderer).attachErr = errors.New("bad manifest")
			return r, nil
		}),
	})
	require.NoError(t, err)
	defer svc.Close()

	sess, err := svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
	assert.ErrorIs(t, err, player.ErrRendererCreationFailed)
	assert.Equal(t, player.StateError, sess.State())
	assert.Equal(t, 1, factory.last().releaseCount())
	assert.Equal(t, 0, svc.Registry().Len())
}

func TestDisposeCancelsInflightLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	resolver := newFakeResolver(64)
	resolver.hold = func(string, int) bool { return true }
	h := newHarness(t, resolver)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "X"})
		done <- err
	}()
	<-resolver.entered

	sess := h.svc.Active()
	require.NotNil(t, sess)
	require.NoError(t, h.svc.Dispose())

	err := <-done
	assert.ErrorIs(t, err, player.ErrSessionDisposed)
	assert.Equal(t, player.StateDisposed, sess.State())
	assert.Zero(t, h.factory.count(), "a cancelled load must not create a renderer")
	assert.Nil(t, h.svc.Active())
}

func TestNewLoadSupersedesInflightLoad(t *testing.T) {
	resolver := newFakeResolver(64)
	resolver.hold = func(item string, q int) bool { return item == "slow" }
	h := newHarness(t, resolver)

	done := make(chan error, 1)
	go func() {
		_, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "slow"})
		done <- err
	}()
	<-resolver.entered
	slow := h.svc.Active()

	fast, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "fast"})
	require.NoError(t, err)

	assert.ErrorIs(t, <-done, player.ErrSessionDisposed)
	assert.Equal(t, player.StateDisposed, slow.State())
	assert.Equal(t, player.StatePlaying, fast.State())
	assert.Same(t, fast, h.svc.Active())
	assert.Equal(t, 1, h.factory.count())
}

func TestSingleActiveSession(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))

	var sessions []*player.Session
	for i := 0; i < 5; i++ {
		s, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: fmt.Sprintf("BV%d", i)})
		require.NoError(t, err)
		sessions = append(sessions, s)
	}

	live := 0
	for _, s := range sessions {
		if s.State() != player.StateDisposed {
			live++
		}
	}
	assert.Equal(t, 1, live)
	assert.Equal(t, 1, h.svc.Registry().Len())
}

func TestServiceCloseRejectsLoads(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	sess := loadX(t, h)

	require.NoError(t, h.svc.Close())
	assert.Equal(t, player.StateDisposed, sess.State())

	_, err := h.svc.Load(context.Background(), player.LoadRequest{ItemID: "Y"})
	assert.ErrorIs(t, err, player.ErrSessionDisposed)

	_, err = h.svc.Snapshot()
	assert.ErrorIs(t, err, player.ErrNoActiveSession)
}

func queueItems(n int) []queue.Item {
	items := make([]queue.Item, n)
	for i := range items {
		items[i] = queue.Item{ID: fmt.Sprintf("BV%d", i), Title: fmt.Sprintf("Video %d", i)}
	}
	return items
}

func TestQueuePlayback(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	ctx := context.Background()

	sess, err := h.svc.PlayQueue(ctx, queueItems(3), 0)
	require.NoError(t, err)
	assert.Equal(t, "BV0", sess.ItemID())

	sess, err = h.svc.PlayNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BV1", sess.ItemID())

	sess, err = h.svc.PlayPrevious(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BV0", sess.ItemID())

	sess, err = h.svc.PlayAt(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "BV2", sess.ItemID())

	_, err = h.svc.PlayNext(ctx)
	assert.ErrorIs(t, err, player.ErrQueueEnd)
	assert.Equal(t, "BV2", h.svc.Active().ItemID())
}

func TestCompletionAdvancesThenPausesAtEnd(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	ctx := context.Background()

	_, err := h.svc.PlayQueue(ctx, queueItems(2), 0)
	require.NoError(t, err)

	sess, err := h.svc.HandleCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BV1", sess.ItemID())
	assert.Equal(t, player.StatePlaying, sess.State())

	last, err := h.svc.HandleCompletion(ctx)
	require.NoError(t, err)
	assert.Same(t, sess, last)
	assert.Equal(t, player.StatePaused, last.State())
}

func TestCompletionRepeatOneReplaysFromStart(t *testing.T) {
	h := newHarness(t, newFakeResolver(64))
	ctx := context.Background()

	first, err := h.svc.PlayQueue(ctx, queueItems(3), 1)
	require.NoError(t, err)
	h.svc.Queue().SetMode(queue.ModeRepeatOne)
	h.factory.last().seek(8 * time.Minute)

	replay, err := h.svc.HandleCompletion(ctx)
	require.NoError(t, err)
	assert.Equal(t, "BV1", replay.ItemID())
	assert.NotEqual(t, first.ID(), replay.ID())
	assert.Equal(t, time.Duration(0), h.factory.last().attachCalls()[0].Start)
}

func TestQueueKeepsPreferredQuality(t *testing.T) {
	h := newHarness(t, newFakeResolver(64, 32))
	ctx := context.Background()

	sess, err := h.svc.PlayQueue(ctx, queueItems(2), 0)
	require.NoError(t, err)
	_, err = sess.ChangeQuality(ctx, 32, 0)
	require.NoError(t, err)

	next, err := h.svc.PlayNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, 32, next.Decision().GrantedID)
}
