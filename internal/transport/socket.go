// internal/transport/socket.go
package transport

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// Socket is the thin seam between the Manager and the wire. The production
// implementation wraps a coder/websocket connection; tests script it.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer establishes a Socket. Injectable so the reconnection machinery can
// be exercised without a live server.
type Dialer func(ctx context.Context, url string) (Socket, error)

// wsSocket adapts *websocket.Conn to Socket.
type wsSocket struct {
	conn *websocket.Conn
}

// DialWebsocket is the production Dialer.
func DialWebsocket(ctx context.Context, url string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{"game"},
	})
	if err != nil {
		return nil, fmt.Errorf("websocket dial %s: %w", url, err)
	}
	return &wsSocket{conn: conn}, nil
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	// Binary frames are not part of the protocol; skip to the next text frame.
	for {
		msgType, data, err := s.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Close(code websocket.StatusCode, reason string) error {
	return s.conn.Close(code, reason)
}
