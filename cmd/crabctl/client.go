package main

import (
	"time"

	"github.com/gorilla/websocket"

	"crabcity/internal/wire"
)

const dialTimeout = 10 * time.Second

// dial opens a WebSocket connection to the daemon and reads off the initial
// Snapshot frame every new connection receives, per the wire protocol.
func dial() (*websocket.Conn, wire.ServerMessage, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.Dial(wsURL(), nil)
	if err != nil {
		return nil, wire.ServerMessage{}, err
	}

	_, raw, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, wire.ServerMessage{}, err
	}
	snap, err := wire.DecodeServer(raw)
	if err != nil {
		conn.Close()
		return nil, wire.ServerMessage{}, err
	}
	return conn, snap, nil
}

func send(conn *websocket.Conn, msg wire.ClientMessage) error {
	payload, err := wire.EncodeClient(msg)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func recv(conn *websocket.Conn) (wire.ServerMessage, error) {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return wire.ServerMessage{}, err
	}
	return wire.DecodeServer(raw)
}
