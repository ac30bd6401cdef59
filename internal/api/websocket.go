package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"crabcity/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS upgrades the connection, registers a Client Session with the
// Multiplexer, and pumps frames in both directions until the socket dies.
func (s *Server) handleWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(wire.MaxClientFrameBytes)

	clientID := uuid.New().String()
	sess := s.mux.Connect(clientID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.mux.Disconnect(context.Background(), clientID)

	writerDone := make(chan error, 1)
	go func() { writerDone <- sess.Run(ctx, &wsTransport{conn: conn}) }()

	sess.Deliver(s.mux.Snapshot(ctx))

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if isReadLimitExceeded(err) {
				// Best effort: the peer has already been sent a close frame
				// by gorilla/websocket at this point, but try to get an
				// Error frame out before we tear the session down.
				_ = conn.WriteMessage(websocket.TextMessage, mustEncodeBadFrame("frame exceeds maximum size"))
			}
			cancel()
			break
		}

		cmsg, err := wire.DecodeClient(raw)
		if err != nil {
			sess.Deliver(wire.ServerMessage{Type: wire.TypeError, Code: wire.ErrCodeBadFrame, Message: err.Error()})
			continue
		}

		reply, err := s.mux.Dispatch(ctx, clientID, cmsg)
		if err != nil {
			sess.Deliver(wire.ServerMessage{Type: wire.TypeError, Code: wire.ErrCodeInternal, Message: err.Error()})
			continue
		}
		if reply != nil {
			sess.Deliver(*reply)
		}
	}

	<-writerDone
}

// isReadLimitExceeded reports whether err came from gorilla/websocket
// aborting a read because the frame exceeded conn.SetReadLimit.
func isReadLimitExceeded(err error) bool {
	return strings.Contains(err.Error(), "read limit exceeded")
}

// mustEncodeBadFrame builds the raw payload for a bad_frame Error message.
// Encoding a small, fixed ServerMessage cannot fail.
func mustEncodeBadFrame(msg string) []byte {
	payload, err := wire.EncodeServer(wire.ServerMessage{Type: wire.TypeError, Code: wire.ErrCodeBadFrame, Message: msg})
	if err != nil {
		panic(err)
	}
	return payload
}
