package activation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/scienceserver/internal/model/request"
)

// ServeHTTP upgrades a browser request to WebSocket and runs the activation
// protocol over it, one text message per line.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer ws.Close()
	if h.maxLine > 0 {
		ws.SetReadLimit(int64(h.maxLine))
	}

	h.log.WithField("remote", r.RemoteAddr).Debug("websocket activation connected")
	h.Serve(r.Context(), NewWSConn(ws, h.writeTimeout))
}

// WSConn carries activation lines as WebSocket text messages.
type WSConn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu sync.Mutex
}

// NewWSConn wraps an upgraded connection.
func NewWSConn(ws *websocket.Conn, writeTimeout time.Duration) *WSConn {
	return &WSConn{ws: ws, writeTimeout: writeTimeout}
}

// ReadLine returns the next text message, trimmed of a trailing CRLF. A
// message over the read limit fails with request.ErrLineTooLong.
func (c *WSConn) ReadLine() (string, error) {
	_, data, err := c.ws.ReadMessage()
	if errors.Is(err, websocket.ErrReadLimit) {
		return "", fmt.Errorf("%w: %v", request.ErrLineTooLong, err)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

// Send writes line as one text message. gorilla allows a single concurrent
// writer, hence the lock.
func (c *WSConn) Send(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(line))
}
