// Package wire defines the JSON message shapes exchanged between Crab City
// clients (web UI, TUI, CLI) and the daemon, and the length-prefixed framing
// those messages travel in.
//
// Normal traffic is bidirectional: the client sends ClientMessage values and
// the server sends ServerMessage values, each independently framed.
// WriteFrame/ReadFrame implement a 4-byte big-endian length prefix followed
// by a UTF-8 JSON payload; the WebSocket transport (internal/api,
// cmd/crabctl) does not use them and sends each bare JSON payload as one
// WebSocket message. Binary payloads embedded in JSON (input bytes, output bytes,
// history snapshots) are base64-encoded at this layer so no other package
// touches base64 directly.
package wire

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Frame size limits from spec.md §6.
const (
	MaxClientFrameBytes = 1 << 20       // 1 MiB, client -> server
	MaxServerFrameBytes = 16 << 20      // 16 MiB, server -> client (history bursts)
	frameHeaderBytes    = 4
)

// MailboxTimeout bounds how long any single request is willing to wait on an
// Instance Actor's mailbox before giving up and surfacing ErrCodeBusy
// (spec.md §4.D/§7).
const MailboxTimeout = 5 * time.Second

// ErrFrameTooLarge is returned by ReadFrame when the declared length exceeds
// the caller-supplied cap.
var ErrFrameTooLarge = fmt.Errorf("wire: frame exceeds maximum size")

// WriteFrame writes a single 4-byte-length-prefixed JSON payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	var hdr [frameHeaderBytes]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads a single framed payload from r, rejecting frames larger
// than maxBytes.
func ReadFrame(r io.Reader, maxBytes int) ([]byte, error) {
	var hdr [frameHeaderBytes]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if int(n) > maxBytes {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}
	return payload, nil
}

// EncodeClient marshals a ClientMessage to its framed JSON payload.
func EncodeClient(msg ClientMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeClient unmarshals a framed payload into a ClientMessage.
func DecodeClient(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ClientMessage{}, err
	}
	return msg, nil
}

// EncodeServer marshals a ServerMessage to its framed JSON payload.
func EncodeServer(msg ServerMessage) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeServer unmarshals a framed payload into a ServerMessage. Exposed for
// client-side reference implementations (cmd/crabctl) and tests.
func DecodeServer(payload []byte) (ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ServerMessage{}, err
	}
	return msg, nil
}

// B64 and UnB64 centralize the base64 codec used for all binary fields on
// the wire (data, history_bytes).
func B64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func UnB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(s)
}
