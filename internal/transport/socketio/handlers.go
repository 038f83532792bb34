package socketio

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/handoff"
	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/domain/queue"
)

// Reply events.
const (
	EventSnapshot = "pushSessionState"
	EventQueue    = "pushQueue"
	EventError    = "pushError"
)

// errNotReady is returned for commands received before Bind.
var errNotReady = errors.New("player service not ready")

// reply is what a command sends back to the client that issued it. A zero
// reply sends nothing.
type reply struct {
	event string
	data  any
}

type command func(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error)

// commands is the remote-control surface.
var commands = map[string]command{
	"load":            cmdLoad,
	"togglePlayPause": cmdTogglePlayPause,
	"changeQuality":   cmdChangeQuality,
	"enterSurface":    cmdEnterSurface,
	"leaveSurface":    cmdLeaveSurface,
	"setOverlay":      cmdSetOverlay,
	"next":            cmdNext,
	"prev":            cmdPrev,
	"playQueue":       cmdPlayQueue,
	"getQueue":        cmdGetQueue,
	"setPlayMode":     cmdSetPlayMode,
	"dispose":         cmdDispose,
	"retry":           cmdRetry,
	"getSession":      cmdGetSession,
}

// queueCommands change the queue and trigger a queue broadcast.
var queueCommands = map[string]bool{
	"next":        true,
	"prev":        true,
	"playQueue":   true,
	"setPlayMode": true,
}

func snapshotReply(sess *player.Session) reply {
	return reply{event: EventSnapshot, data: sess.Snapshot().ToJSON()}
}

func queueReply(q *queue.Manager) reply {
	snap := q.Snapshot()
	return reply{event: EventQueue, data: map[string]interface{}{
		"items": snap.Items,
		"index": snap.Index,
		"mode":  snap.Mode.String(),
	}}
}

func errorPayload(event string, err error) map[string]interface{} {
	return map[string]interface{}{
		"event":     event,
		"error":     err.Error(),
		"kind":      player.KindOf(err).String(),
		"retryable": player.Recoverable(err),
	}
}

func active(svc *player.Service) (*player.Session, error) {
	sess := svc.Active()
	if sess == nil {
		return nil, player.ErrNoActiveSession
	}
	return sess, nil
}

func cmdLoad(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	surface := handoff.SurfaceNone
	if name := getStringFromMap(p, "surface", ""); name != "" {
		var ok bool
		if surface, ok = handoff.ParseSurface(name); !ok {
			return reply{}, fmt.Errorf("%w: unknown surface %q", player.ErrInvalidRequest, name)
		}
	}

	req := player.LoadRequest{
		ItemID:        getStringFromMap(p, "itemId", ""),
		QualityID:     getIntFromMap(p, "quality", 0),
		StartPosition: getSecondsFromMap(p, "position", player.NoPosition),
		StartPaused:   getBoolFromMap(p, "paused", false),
		Surface:       surface,
		Force:         getBoolFromMap(p, "force", false),
	}
	sess, err := svc.Load(ctx, req)
	if err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdTogglePlayPause(ctx context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	sess, err := active(svc)
	if err != nil {
		return reply{}, err
	}
	if _, err := sess.TogglePlayPause(ctx); err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdChangeQuality(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	id := getIntFromMap(p, "quality", 0)
	if id <= 0 {
		return reply{}, fmt.Errorf("%w: missing quality", player.ErrInvalidRequest)
	}
	sess, err := active(svc)
	if err != nil {
		return reply{}, err
	}
	if _, err := sess.ChangeQuality(ctx, id, getSecondsFromMap(p, "position", player.NoPosition)); err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func surfaceFromPayload(p map[string]interface{}) (handoff.Surface, error) {
	name := getStringFromMap(p, "surface", "")
	surface, ok := handoff.ParseSurface(name)
	if !ok || surface == handoff.SurfaceNone {
		return handoff.SurfaceNone, fmt.Errorf("%w: unknown surface %q", player.ErrInvalidRequest, name)
	}
	return surface, nil
}

func cmdEnterSurface(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	surface, err := surfaceFromPayload(p)
	if err != nil {
		return reply{}, err
	}
	sess, err := active(svc)
	if err != nil {
		return reply{}, err
	}
	if err := sess.EnterSurface(ctx, surface, nil); err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdLeaveSurface(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	surface, err := surfaceFromPayload(p)
	if err != nil {
		return reply{}, err
	}
	sess, err := active(svc)
	if err != nil {
		return reply{}, err
	}
	if err := sess.LeaveSurface(ctx, surface); err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdSetOverlay(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	sess, err := active(svc)
	if err != nil {
		return reply{}, err
	}
	if err := sess.SetOverlayEnabled(ctx, getBoolFromMap(p, "enabled", true)); err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdNext(ctx context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	sess, err := svc.PlayNext(ctx)
	if err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdPrev(ctx context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	sess, err := svc.PlayPrevious(ctx)
	if err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdPlayQueue(ctx context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	raw, _ := p["items"].([]interface{})
	items := make([]queue.Item, 0, len(raw))
	for _, r := range raw {
		m, ok := r.(map[string]interface{})
		if !ok {
			continue
		}
		item := queue.Item{
			ID:           getStringFromMap(m, "id", ""),
			Title:        getStringFromMap(m, "title", ""),
			Subtitle:     getStringFromMap(m, "subtitle", ""),
			ThumbnailURL: getStringFromMap(m, "thumbnail", ""),
		}
		if item.ID != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return reply{}, fmt.Errorf("%w: empty queue", player.ErrInvalidRequest)
	}

	sess, err := svc.PlayQueue(ctx, items, getIntFromMap(p, "start", 0))
	if err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdGetQueue(_ context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	return queueReply(svc.Queue()), nil
}

func cmdSetPlayMode(_ context.Context, svc *player.Service, p map[string]interface{}) (reply, error) {
	q := svc.Queue()
	name := getStringFromMap(p, "mode", "")
	if name == "" {
		q.ToggleMode()
		return queueReply(q), nil
	}
	mode, ok := queue.ParseMode(name)
	if !ok {
		return reply{}, fmt.Errorf("%w: unknown play mode %q", player.ErrInvalidRequest, name)
	}
	q.SetMode(mode)
	return queueReply(q), nil
}

func cmdDispose(_ context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	return reply{}, svc.Dispose()
}

func cmdRetry(ctx context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	sess, err := svc.Retry(ctx)
	if err != nil {
		return reply{}, err
	}
	return snapshotReply(sess), nil
}

func cmdGetSession(_ context.Context, svc *player.Service, _ map[string]interface{}) (reply, error) {
	snap, err := svc.Snapshot()
	if err != nil {
		return reply{}, err
	}
	return reply{event: EventSnapshot, data: snap.ToJSON()}, nil
}

// payloadOf returns the first argument of an event when it is an object.
func payloadOf(args []any) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	m, _ := args[0].(map[string]interface{})
	return m
}

func getIntFromMap(m map[string]interface{}, key string, defaultVal int) int {
	if m == nil {
		return defaultVal
	}
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case int64:
		return int(v)
	}
	return defaultVal
}

func getStringFromMap(m map[string]interface{}, key, defaultVal string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return defaultVal
}

func getBoolFromMap(m map[string]interface{}, key string, defaultVal bool) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return defaultVal
}

// getSecondsFromMap reads a position given in (fractional) seconds.
func getSecondsFromMap(m map[string]interface{}, key string, defaultVal time.Duration) time.Duration {
	var secs float64
	switch v := m[key].(type) {
	case float64:
		secs = v
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	default:
		return defaultVal
	}
	if secs < 0 {
		return defaultVal
	}
	return time.Duration(secs * float64(time.Second))
}

func logCommand(clientID, event string, err error) {
	if err != nil {
		if player.Recoverable(err) || errors.Is(err, player.ErrInvalidRequest) {
			log.Warn().Err(err).Str("id", clientID).Str("event", event).Msg("Command failed")
		} else {
			log.Error().Err(err).Str("id", clientID).Str("event", event).Msg("Command failed")
		}
		return
	}
	log.Debug().Str("id", clientID).Str("event", event).Msg("Command handled")
}
