package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
)

// WSDialer dials the server's WebSocket endpoint with the session token
// passed as a query parameter.
type WSDialer struct{}

// Dial opens a WebSocket connection to rawURL.
func (WSDialer) Dial(ctx context.Context, rawURL, token string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse websocket url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial websocket: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial websocket: %w", err)
	}
	return &wsConn{ws: ws}, nil
}

// wsConn adapts a gorilla connection to Conn. Writes are serialized with a
// mutex; gorilla allows at most one concurrent writer.
type wsConn struct {
	writeMu sync.Mutex
	ws      *websocket.Conn
}

func (c *wsConn) Send(op ClientOp) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(op); err != nil {
		return fmt.Errorf("write %s op: %w", op.Op, err)
	}
	return nil
}

func (c *wsConn) Receive() (ServerEvent, error) {
	var evt ServerEvent
	if err := c.ws.ReadJSON(&evt); err != nil {
		return ServerEvent{}, fmt.Errorf("read event: %w", err)
	}
	return evt, nil
}

func (c *wsConn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.ws.Close()
}
