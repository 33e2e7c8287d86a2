package netdelegate

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/raskyld/warren"
)

func TestEncodeDecodeMessageRoundTrips(t *testing.T) {
	msg := warren.NewMessage(24, 5, 32)
	copy(msg.Payload, []byte("hello"))

	var buf bytes.Buffer
	require.NoError(t, encodeMessage(&buf, msg))

	decoded, err := decodeMessage(&buf)
	require.NoError(t, err)
	require.Equal(t, msg.Header, decoded.Header)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.Equal(t, msg.Ports, decoded.Ports)
}

func TestEncodeDecodeEmptyRegions(t *testing.T) {
	msg := warren.NewMessage(0, 0, 0)

	var buf bytes.Buffer
	require.NoError(t, encodeMessage(&buf, msg))

	decoded, err := decodeMessage(&buf)
	require.NoError(t, err)
	require.Empty(t, decoded.Header)
	require.Empty(t, decoded.Payload)
	require.Empty(t, decoded.Ports)
}
