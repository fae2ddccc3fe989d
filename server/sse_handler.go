package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"llmbenchstudio/internal/logging"
)

const (
	sseBuffer        = 32
	sseKeepAlive     = 30 * time.Second
	closeEventFormat = "event: close\ndata: {\"code\":%d,\"reason\":%q}\n\n"
)

var errSSEBackpressure = errors.New("sse client is not keeping up")

// sseConn adapts a Server-Sent Events stream to the hub's Conn. Messages are
// queued and written by the request goroutine; a full queue drops the client.
type sseConn struct {
	messages chan []byte
	done     chan struct{}

	mu        sync.Mutex
	closed    bool
	closeCode int
	reason    string
}

func newSSEConn() *sseConn {
	return &sseConn{
		messages: make(chan []byte, sseBuffer),
		done:     make(chan struct{}),
	}
}

func (c *sseConn) WriteJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("sse connection closed")
	}
	select {
	case c.messages <- data:
		return nil
	default:
		return errSSEBackpressure
	}
}

func (c *sseConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.reason = reason
	close(c.done)
	return nil
}

// EventsHandler streams the caller's pushes over SSE on GET /api/events.
func (h *Handlers) EventsHandler(c *gin.Context) {
	userID := c.GetString(ContextUserID)
	role := c.GetString(ContextUserRole)
	log := &logging.LogContext{UserID: userID, Operation: "sse"}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	conn := newSSEConn()
	if !h.hub.Connect(userID, role, conn) {
		c.Writer.WriteString(fmt.Sprintf(closeEventFormat, conn.closeCode, conn.reason))
		c.Writer.Flush()
		return
	}
	defer h.hub.Disconnect(userID, conn)

	initial, _ := json.Marshal(NewMessage(MessageTypeStatus, "", gin.H{"connected": true}))
	c.Writer.WriteString("data: " + string(initial) + "\n\n")
	c.Writer.Flush()

	ctx := c.Request.Context()
	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.DebugWithContext(log, "SSE connection closed by client")
			_ = conn.Close(1000, "")
			return
		case <-conn.done:
			c.Writer.WriteString(fmt.Sprintf(closeEventFormat, conn.closeCode, conn.reason))
			c.Writer.Flush()
			return
		case <-ticker.C:
			ping, _ := json.Marshal(NewMessage(MessageTypePing, "", nil))
			if _, err := c.Writer.WriteString("data: " + string(ping) + "\n\n"); err != nil {
				return
			}
			c.Writer.Flush()
		case data := <-conn.messages:
			if _, err := c.Writer.WriteString("data: " + string(data) + "\n\n"); err != nil {
				h.logger.DebugWithContext(log, "SSE write failed: %v", err)
				return
			}
			c.Writer.Flush()
		}
	}
}
