package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"llmbenchstudio/internal/logging"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsReadLimit  = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// wsConn serializes writes to one websocket; gorilla allows a single
// concurrent writer.
type wsConn struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	closeOnce sync.Once
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait))
}

func (c *wsConn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason), time.Now().Add(wsWriteWait))
		c.mu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// WebSocketHandler upgrades GET /ws and registers the connection in the hub.
func (h *Handlers) WebSocketHandler(c *gin.Context) {
	userID := c.GetString(ContextUserID)
	role := c.GetString(ContextUserRole)
	log := &logging.LogContext{UserID: userID, Operation: "websocket"}

	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.WarnWithContext(log, "upgrade failed: %v", err)
		return
	}
	conn := newWSConn(raw)
	if !h.hub.Connect(userID, role, conn) {
		return
	}
	defer func() {
		h.hub.Disconnect(userID, conn)
		_ = conn.Close(websocket.CloseNormalClosure, "")
	}()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := conn.ping(); err != nil {
					return
				}
			}
		}
	}()

	raw.SetReadLimit(wsReadLimit)
	_ = raw.SetReadDeadline(time.Now().Add(wsPongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.DebugWithContext(log, "connection closed: %v", err)
			}
			return
		}
		msg, err := FromJSON(data)
		if err != nil {
			continue
		}
		if msg.Type == MessageTypePing {
			if err := conn.WriteJSON(NewMessage(MessageTypePong, "", nil)); err != nil {
				return
			}
		}
	}
}
