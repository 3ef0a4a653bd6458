package web

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

// WebSocketSecurityConfig holds limits applied to every socket.
type WebSocketSecurityConfig struct {
	// MaxMessageSize is the largest accepted inbound frame, in bytes.
	MaxMessageSize int64
	// MaxConnectionsPerIP caps concurrent sockets per client IP.
	MaxConnectionsPerIP int
	// PongWait is how long to wait for a pong before dropping the socket.
	PongWait time.Duration
	// PingPeriod is the keepalive interval; must be below PongWait.
	PingPeriod time.Duration
	// WriteWait is the per-write deadline.
	WriteWait time.Duration
}

// DefaultWebSocketSecurityConfig returns sensible defaults.
func DefaultWebSocketSecurityConfig() WebSocketSecurityConfig {
	return WebSocketSecurityConfig{
		MaxMessageSize:      64 * 1024,
		MaxConnectionsPerIP: 10,
		PongWait:            60 * time.Second,
		PingPeriod:          54 * time.Second,
		WriteWait:           10 * time.Second,
	}
}

// ConnectionTracker enforces the per-IP socket cap and rate-limits
// upgrade attempts so a reconnect loop cannot hammer the server.
type ConnectionTracker struct {
	mu          sync.Mutex
	connections map[string]int
	limiters    map[string]*rate.Limiter
	maxPerIP    int
}

// upgradesPerSecond bounds how fast one IP may open new sockets.
const upgradesPerSecond = 5

// NewConnectionTracker creates a tracker allowing maxPerIP concurrent
// sockets per client IP.
func NewConnectionTracker(maxPerIP int) *ConnectionTracker {
	return &ConnectionTracker{
		connections: make(map[string]int),
		limiters:    make(map[string]*rate.Limiter),
		maxPerIP:    maxPerIP,
	}
}

// TryAdd reserves a connection slot for ip. It fails when the IP is at
// its concurrent cap or opening sockets too fast.
func (ct *ConnectionTracker) TryAdd(ip string) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	limiter, ok := ct.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(rate.Limit(upgradesPerSecond), upgradesPerSecond)
		ct.limiters[ip] = limiter
	}
	if !limiter.Allow() {
		return false
	}

	if ct.connections[ip] >= ct.maxPerIP {
		return false
	}
	ct.connections[ip]++
	return true
}

// Remove releases a connection slot for ip.
func (ct *ConnectionTracker) Remove(ip string) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.connections[ip] <= 1 {
		delete(ct.connections, ip)
		delete(ct.limiters, ip)
	} else {
		ct.connections[ip]--
	}
}

// Count returns the live socket count for ip.
func (ct *ConnectionTracker) Count(ip string) int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.connections[ip]
}

// Total returns the number of tracked sockets across all IPs.
func (ct *ConnectionTracker) Total() int {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	total := 0
	for _, n := range ct.connections {
		total += n
	}
	return total
}

// clientIP extracts the client address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// configureConn applies read limits and keepalive deadlines to a socket.
func configureConn(conn *websocket.Conn, cfg WebSocketSecurityConfig) {
	conn.SetReadLimit(cfg.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})
}
