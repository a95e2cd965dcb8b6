// internal/transport/socket_test.go
package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebsocketReadSkipsBinaryFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols: []string{"game"},
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		// A long run of binary frames ahead of the text frame the client
		// actually wants.
		for i := 0; i < 64; i++ {
			if err := conn.Write(r.Context(), websocket.MessageBinary, []byte{0xde, 0xad}); err != nil {
				return
			}
		}
		_ = conn.Write(r.Context(), websocket.MessageText, []byte(`{"type":"hello"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sock, err := DialWebsocket(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"))
	require.NoError(t, err)
	defer sock.Close(websocket.StatusNormalClosure, "")

	data, err := sock.Read(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"hello"}`, string(data))
}
