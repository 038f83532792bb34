package socketio

import (
	"net"
	"net/netip"
	"slices"
	"sync"
)

// ConnectionLimiter caps concurrent remote-control clients that are not on
// this host. Loopback clients are never limited. When a new remote client
// exceeds the cap the oldest remote client is evicted.
type ConnectionLimiter struct {
	mu          sync.Mutex
	maxExternal int
	external    []string          // oldest first
	connections map[string]string // client id -> address
}

// NewConnectionLimiter creates a limiter. maxExternal <= 0 disables the cap.
func NewConnectionLimiter(maxExternal int) *ConnectionLimiter {
	return &ConnectionLimiter{
		maxExternal: maxExternal,
		connections: make(map[string]string),
	}
}

// TryAdd registers a client and returns the id of the client it evicted, if
// any. addr may be "ip" or "ip:port".
func (cl *ConnectionLimiter) TryAdd(clientID, addr string) (evictedID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.connections[clientID]; exists {
		return ""
	}
	cl.connections[clientID] = addr

	if isLoopback(addr) {
		return ""
	}
	cl.external = append(cl.external, clientID)

	if cl.maxExternal > 0 && len(cl.external) > cl.maxExternal {
		evictedID = cl.external[0]
		cl.external = cl.external[1:]
		delete(cl.connections, evictedID)
	}
	return evictedID
}

// Remove unregisters a client when it disconnects.
func (cl *ConnectionLimiter) Remove(clientID string) {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	if _, exists := cl.connections[clientID]; !exists {
		return
	}
	delete(cl.connections, clientID)

	if i := slices.Index(cl.external, clientID); i >= 0 {
		cl.external = slices.Delete(cl.external, i, i+1)
	}
}

// Counts returns the number of tracked clients and how many are remote.
func (cl *ConnectionLimiter) Counts() (total, external int) {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return len(cl.connections), len(cl.external)
}

func isLoopback(addr string) bool {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return host == "localhost"
	}
	return ip.Unmap().IsLoopback()
}
