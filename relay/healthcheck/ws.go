package healthcheck

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
)

// dialWS opens and closes a WebSocket session. The relay releases a transport that never asked for a
// resource without side effects.
func dialWS(ctx context.Context, wsURL string) error {
	conn, resp, err := websocket.Dial(ctx, wsURL, nil)
	if resp != nil {
		defer func() {
			if resp.Body != nil {
				_ = resp.Body.Close()
			}
		}()
	}
	if err != nil {
		return fmt.Errorf("failed to connect to websocket: %w", err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "")
	return nil
}
