package api

import (
	"fmt"
	"time"

	"github.com/gorilla/websocket"

	"crabcity/internal/wire"
)

// wsTransport adapts a gorilla/websocket connection to session.Transport.
// Crab City's WebSocket messages ARE frames: one gorilla WriteMessage call
// per ServerMessage, no additional length-prefixing (that framing, see
// internal/wire, is for transports that don't already frame messages).
type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) WriteMessage(msg wire.ServerMessage, timeout time.Duration) error {
	payload, err := wire.EncodeServer(msg)
	if err != nil {
		return err
	}
	if len(payload) > wire.MaxServerFrameBytes {
		return fmt.Errorf("wsTransport: encoded %s frame is %d bytes, over the %d limit", msg.Type, len(payload), wire.MaxServerFrameBytes)
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(timeout))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}
