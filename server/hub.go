package server

import (
	"sync"

	"llmbenchstudio/internal/logging"
)

const (
	// DefaultMaxConnectionsPerUser caps simultaneous push connections per user.
	DefaultMaxConnectionsPerUser = 5

	// CloseTooManyConnections is the close code sent to a rejected connection.
	CloseTooManyConnections = 4008

	RoleAdmin = "admin"
)

// Conn is a push connection the hub writes to. Implementations must be safe
// for concurrent use and comparable (pointer types).
type Conn interface {
	WriteJSON(v interface{}) error
	Close(code int, reason string) error
}

type userConns struct {
	role  string
	conns map[Conn]struct{}
}

// HubStats summarizes the hub for health reporting.
type HubStats struct {
	Users       int `json:"users"`
	Connections int `json:"connections"`
	Admins      int `json:"admins"`
}

// Hub tracks every live push connection per user.
type Hub struct {
	mu         sync.RWMutex
	users      map[string]*userConns
	maxPerUser int
	logger     *logging.Logger
}

// NewHub returns a hub allowing maxPerUser connections per user.
func NewHub(maxPerUser int, logger *logging.Logger) *Hub {
	if maxPerUser <= 0 {
		maxPerUser = DefaultMaxConnectionsPerUser
	}
	if logger == nil {
		logger = logging.AppLogger
	}
	return &Hub{
		users:      make(map[string]*userConns),
		maxPerUser: maxPerUser,
		logger:     logger,
	}
}

// Connect registers conn for userID. When the user is already at the cap the
// connection is closed with CloseTooManyConnections and false is returned.
func (h *Hub) Connect(userID, role string, conn Conn) bool {
	h.mu.Lock()
	uc := h.users[userID]
	if uc == nil {
		uc = &userConns{conns: make(map[Conn]struct{})}
		h.users[userID] = uc
	}
	if len(uc.conns) >= h.maxPerUser {
		h.mu.Unlock()
		h.logger.WarnWithContext(&logging.LogContext{UserID: userID, Operation: "connect"},
			"connection rejected, %d already open", h.maxPerUser)
		_ = conn.Close(CloseTooManyConnections, "too many connections")
		return false
	}
	uc.conns[conn] = struct{}{}
	uc.role = role
	count := len(uc.conns)
	h.mu.Unlock()

	h.logger.DebugWithContext(&logging.LogContext{UserID: userID, Operation: "connect"}, "connection opened (%d open)", count)
	return true
}

// Disconnect forgets conn. Unknown connections are ignored.
func (h *Hub) Disconnect(userID string, conn Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(userID, conn)
}

func (h *Hub) removeLocked(userID string, conn Conn) {
	uc := h.users[userID]
	if uc == nil {
		return
	}
	delete(uc.conns, conn)
	if len(uc.conns) == 0 {
		delete(h.users, userID)
	}
}

// SendToUser writes msg to every connection of userID. Connections that fail
// are dropped. Sending to a user with no connections does nothing.
func (h *Hub) SendToUser(userID string, msg interface{}) {
	h.mu.RLock()
	uc := h.users[userID]
	var conns []Conn
	if uc != nil {
		conns = make([]Conn, 0, len(uc.conns))
		for c := range uc.conns {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	h.deliver(map[string][]Conn{userID: conns}, msg)
}

// BroadcastToAdmins writes msg to every connection whose user holds the admin
// role.
func (h *Hub) BroadcastToAdmins(msg interface{}) {
	targets := make(map[string][]Conn)
	h.mu.RLock()
	for userID, uc := range h.users {
		if uc.role != RoleAdmin {
			continue
		}
		for c := range uc.conns {
			targets[userID] = append(targets[userID], c)
		}
	}
	h.mu.RUnlock()

	h.deliver(targets, msg)
}

// deliver writes outside the hub lock so one slow client cannot stall others.
func (h *Hub) deliver(targets map[string][]Conn, msg interface{}) {
	type failure struct {
		userID string
		conn   Conn
	}
	var failed []failure
	for userID, conns := range targets {
		for _, c := range conns {
			if err := c.WriteJSON(msg); err != nil {
				h.logger.DebugWithContext(&logging.LogContext{UserID: userID, Operation: "push"}, "dropping connection: %v", err)
				failed = append(failed, failure{userID, c})
			}
		}
	}
	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	for _, f := range failed {
		h.removeLocked(f.userID, f.conn)
	}
	h.mu.Unlock()
	for _, f := range failed {
		_ = f.conn.Close(1011, "write failed")
	}
}

// ConnectionCount returns the number of open connections of userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if uc := h.users[userID]; uc != nil {
		return len(uc.conns)
	}
	return 0
}

// ForgetUser closes and drops every connection of userID.
func (h *Hub) ForgetUser(userID string) {
	h.mu.Lock()
	uc := h.users[userID]
	delete(h.users, userID)
	h.mu.Unlock()
	if uc == nil {
		return
	}
	for c := range uc.conns {
		_ = c.Close(1000, "user removed")
	}
}

// Stats returns connection totals.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var s HubStats
	for _, uc := range h.users {
		s.Users++
		s.Connections += len(uc.conns)
		if uc.role == RoleAdmin {
			s.Admins++
		}
	}
	return s
}

// CloseAll closes every connection, used on shutdown.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	users := h.users
	h.users = make(map[string]*userConns)
	h.mu.Unlock()
	for _, uc := range users {
		for c := range uc.conns {
			_ = c.Close(1001, "server shutting down")
		}
	}
}
