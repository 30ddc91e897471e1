package gateway

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// dialStream connects to a stream endpoint and pipes decoded frames into a
// channel until the connection drops.
func dialStream(t *testing.T, ctx context.Context, url string) (*websocket.Conn, <-chan streamFrame) {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)

	frames := make(chan streamFrame, 8)
	go func() {
		defer close(frames)
		for {
			var frame streamFrame
			if err := wsjson.Read(ctx, conn, &frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()
	return conn, frames
}
