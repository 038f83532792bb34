// Package socketio pushes session notifications to clients over Socket.IO and
// accepts remote-control commands.
package socketio

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zishang520/socket.io/servers/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/edumarques81/stellar-playback/internal/domain/player"
)

const (
	// DefaultPublishWindow is how long notifications are coalesced.
	DefaultPublishWindow = 100 * time.Millisecond
	// DefaultMaxExternalClients caps remote clients not on this host.
	DefaultMaxExternalClients = 4
)

// Server handles Socket.IO connections and events.
type Server struct {
	io        *socket.Server
	publisher *Publisher
	debouncer *BroadcastDebouncer
	limiter   *ConnectionLimiter

	mu      sync.RWMutex
	svc     *player.Service
	clients map[string]*socket.Socket
	closed  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type serverConfig struct {
	window      time.Duration
	maxExternal int
}

// Option configures a Server.
type Option func(*serverConfig)

// WithPublishWindow sets the notification coalescing window.
func WithPublishWindow(d time.Duration) Option {
	return func(c *serverConfig) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithMaxExternalClients caps concurrent clients that are not on this host.
// Zero removes the cap.
func WithMaxExternalClients(n int) Option {
	return func(c *serverConfig) {
		c.maxExternal = n
	}
}

// NewServer creates a Socket.IO server. Commands are rejected until Bind is
// called with the player service.
func NewServer(opts ...Option) (*Server, error) {
	cfg := serverConfig{
		window:      DefaultPublishWindow,
		maxExternal: DefaultMaxExternalClients,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	sopts := socket.DefaultServerOptions()
	sopts.SetPingTimeout(20 * time.Second)
	sopts.SetPingInterval(25 * time.Second)
	sopts.SetCors(&types.Cors{
		Origin:      "*",
		Credentials: true,
	})

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		io:      socket.NewServer(nil, sopts),
		limiter: NewConnectionLimiter(cfg.maxExternal),
		clients: make(map[string]*socket.Socket),
		ctx:     ctx,
		cancel:  cancel,
	}
	s.debouncer = NewBroadcastDebouncer(cfg.window,
		[]string{TopicSession, TopicQueue},
		map[string]func(){
			TopicSession: func() { s.publisher.Flush() },
			TopicQueue:   s.BroadcastQueue,
		},
	)
	s.publisher = NewPublisher(s.emitAll, func() { s.debouncer.Trigger(TopicSession) })

	s.setupHandlers()
	return s, nil
}

// Publisher is the NotificationPublisher to hand to the player service.
func (s *Server) Publisher() *Publisher {
	return s.publisher
}

// Bind attaches the player service that commands operate on.
func (s *Server) Bind(svc *player.Service) {
	s.mu.Lock()
	s.svc = svc
	s.mu.Unlock()
}

func (s *Server) service() *player.Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.svc
}

func (s *Server) setupHandlers() {
	s.io.On("connection", func(clients ...any) {
		client := clients[0].(*socket.Socket)
		clientID := string(client.Id())
		addr := client.Handshake().Address

		log.Info().Str("id", clientID).Str("addr", addr).Msg("Client connected")

		s.mu.Lock()
		s.clients[clientID] = client
		s.mu.Unlock()

		if evicted := s.limiter.TryAdd(clientID, addr); evicted != "" {
			s.evict(evicted)
		}

		s.run(client, "getSession", nil)
		s.run(client, "getQueue", nil)

		client.On("disconnect", func(args ...any) {
			reason := ""
			if len(args) > 0 {
				if r, ok := args[0].(string); ok {
					reason = r
				}
			}
			log.Info().Str("id", clientID).Str("reason", reason).Msg("Client disconnected")

			s.mu.Lock()
			delete(s.clients, clientID)
			s.mu.Unlock()
			s.limiter.Remove(clientID)
		})

		for event := range commands {
			client.On(event, func(args ...any) {
				s.run(client, event, args)
			})
		}
	})
}

func (s *Server) evict(clientID string) {
	s.mu.RLock()
	old := s.clients[clientID]
	s.mu.RUnlock()
	if old == nil {
		return
	}
	log.Info().Str("id", clientID).Msg("Evicting oldest remote client")
	old.Disconnect(true)
}

// run executes a command off the socket's event loop so a slow load never
// blocks the next command from the same client.
func (s *Server) run(client *socket.Socket, event string, args []any) {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return
	}
	s.wg.Add(1)
	s.mu.RUnlock()

	clientID := string(client.Id())
	go func() {
		defer s.wg.Done()
		r, err := s.dispatch(s.ctx, event, payloadOf(args))
		logCommand(clientID, event, err)
		if err != nil {
			client.Emit(EventError, errorPayload(event, err))
			return
		}
		if r.event != "" {
			client.Emit(r.event, r.data)
		}
	}()
}

// dispatch runs one command against the bound service.
func (s *Server) dispatch(ctx context.Context, event string, payload map[string]interface{}) (reply, error) {
	cmd, ok := commands[event]
	if !ok {
		return reply{}, player.ErrInvalidRequest
	}
	svc := s.service()
	if svc == nil {
		return reply{}, errNotReady
	}

	r, err := cmd(ctx, svc, payload)
	if queueCommands[event] {
		s.debouncer.Trigger(TopicQueue)
	}
	return r, err
}

func (s *Server) emitAll(event string, payload any) {
	s.io.Emit(event, payload)
}

// BroadcastQueue sends the queue to all connected clients.
func (s *Server) BroadcastQueue() {
	svc := s.service()
	if svc == nil {
		return
	}
	r := queueReply(svc.Queue())
	s.emitAll(r.event, r.data)
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// ServeHTTP implements http.Handler for the Socket.IO server.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.io.ServeHandler(nil).ServeHTTP(w, r)
}

// Close stops accepting commands, waits for running ones, flushes pending
// notifications and closes the Socket.IO server.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	s.debouncer.Flush()
	s.debouncer.Stop()
	s.io.Close(nil)
	return nil
}
