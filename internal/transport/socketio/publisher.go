package socketio

import (
	"bytes"
	"encoding/base64"
	"image"
	"image/jpeg"
	"reflect"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
	"github.com/edumarques81/stellar-playback/internal/metrics"
)

// EventSession carries session notifications to clients.
const EventSession = "pushSession"

// Emitter sends one event to every connected client.
type Emitter func(event string, payload any)

// Publisher coalesces session notifications and emits the latest one per
// session token.
type Publisher struct {
	emit    Emitter
	trigger func()

	mu      sync.Mutex
	pending map[string]player.Notification
	order   []string

	thumbMu  sync.Mutex
	lastImg  image.Image
	lastData string
}

// NewPublisher creates a publisher. trigger is called after every Publish
// and is expected to schedule a Flush; Server wires it to its debouncer.
func NewPublisher(emit Emitter, trigger func()) *Publisher {
	return &Publisher{
		emit:    emit,
		trigger: trigger,
		pending: make(map[string]player.Notification),
	}
}

// Publish records n, replacing any pending notification with the same token.
func (p *Publisher) Publish(n player.Notification) {
	p.mu.Lock()
	if _, ok := p.pending[n.SessionToken]; !ok {
		p.order = append(p.order, n.SessionToken)
	}
	p.pending[n.SessionToken] = n
	p.mu.Unlock()

	if p.trigger != nil {
		p.trigger()
	}
}

// Pending returns the number of notifications waiting to be emitted.
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush emits every pending notification in arrival order.
func (p *Publisher) Flush() {
	p.mu.Lock()
	batch := make([]player.Notification, 0, len(p.order))
	for _, token := range p.order {
		batch = append(batch, p.pending[token])
	}
	clear(p.pending)
	p.order = p.order[:0]
	p.mu.Unlock()

	for _, n := range batch {
		p.emit(EventSession, p.payload(n))
		metrics.NotificationsPublished.Inc()
	}
	if len(batch) > 0 {
		log.Debug().Int("notifications", len(batch)).Msg("Published session notifications")
	}
}

func (p *Publisher) payload(n player.Notification) map[string]interface{} {
	return map[string]interface{}{
		"sessionToken": n.SessionToken,
		"itemId":       n.ItemID,
		"title":        n.Title,
		"subtitle":     n.Subtitle,
		"thumbnail":    p.thumbnail(n.Thumbnail),
		"isPlaying":    n.IsPlaying,
		"state":        n.State.String(),
		"position":     n.Position.Milliseconds(),
		"duration":     n.Duration.Milliseconds(),
		"quality":      n.QualityLabel,
	}
}

// thumbnail encodes img as a JPEG data URI. The last encoding is reused while
// the session keeps the same image.
func (p *Publisher) thumbnail(img image.Image) string {
	if img == nil {
		return ""
	}

	p.thumbMu.Lock()
	defer p.thumbMu.Unlock()

	if reflect.TypeOf(img).Comparable() && img == p.lastImg {
		return p.lastData
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 85}); err != nil {
		log.Warn().Err(err).Msg("Failed to encode notification thumbnail")
		return ""
	}
	p.lastImg = img
	p.lastData = "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
	return p.lastData
}
