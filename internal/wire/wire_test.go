package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	msg := ClientMessage{Type: TypeInput, InstanceID: "abc", Data: B64([]byte("hello\n"))}
	payload, err := EncodeClient(msg)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, MaxClientFrameBytes)
	require.NoError(t, err)

	decoded, err := DecodeClient(got)
	require.NoError(t, err)
	assert.Equal(t, msg.Type, decoded.Type)
	assert.Equal(t, msg.InstanceID, decoded.InstanceID)

	data, err := UnB64(decoded.Data)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello\n"), data)
}

func TestReadFrameRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, make([]byte, 128)))

	_, err := ReadFrame(&buf, 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestB64RoundTripEmpty(t *testing.T) {
	assert.Equal(t, "", B64(nil))
	decoded, err := UnB64("")
	require.NoError(t, err)
	assert.Nil(t, decoded)
}
