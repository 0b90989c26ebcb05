package quicbus

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, []byte(`{"type":"heartbeat"}`)))
	require.NoError(t, writeFrame(&buf, []byte(`{"type":"presence"}`)))

	first, err := readFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.Equal(t, `{"type":"heartbeat"}`, string(first))

	second, err := readFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.Equal(t, `{"type":"presence"}`, string(second))

	_, err = readFrame(&buf, DefaultMaxFrameBytes)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, bytes.Repeat([]byte("x"), 64)))

	_, err := readFrame(&buf, 16)
	require.ErrorIs(t, err, errFrameTooLarge)
}

func TestFrameZeroLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, nil))
	payload, err := readFrame(&buf, DefaultMaxFrameBytes)
	require.NoError(t, err)
	require.Nil(t, payload)
}

func TestHelloValidation(t *testing.T) {
	var hi hello
	require.NoError(t, unmarshalHello([]byte(`{"channel":"stratum_coordination_appdb"}`), &hi))
	require.Equal(t, "stratum_coordination_appdb", hi.Channel)

	var empty hello
	require.Error(t, unmarshalHello([]byte(`{}`), &empty))
	var malformed hello
	require.Error(t, unmarshalHello([]byte(`not json`), &malformed))
}
