package framing

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteFrameThenReadFrame_RoundTrips(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello, worker")

	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, DefaultMaxPayloadBytes)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil))

	got, err := ReadFrame(&buf, DefaultMaxPayloadBytes)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestReadFrame_ExactlyMaxPayloadBytesAccepted(t *testing.T) {
	var maxPayload uint32 = 16
	payload := bytes.Repeat([]byte{0x7f}, int(maxPayload))

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, payload))

	got, err := ReadFrame(&buf, maxPayload)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadFrame_OversizedFrameRejectedBeforeAllocation(t *testing.T) {
	var maxPayload uint32 = 16
	declaredLength := maxPayload + 1

	var lengthBuf [4]byte
	binary.BigEndian.PutUint32(lengthBuf[:], declaredLength)
	// Deliberately do not supply the declared payload bytes: if ReadFrame
	// allocated and then tried to read, it would hang or fail on EOF; it
	// must instead reject based on the length prefix alone.
	buf := bytes.NewBuffer(lengthBuf[:])

	_, err := ReadFrame(buf, maxPayload)
	require.Error(t, err)
}

func TestReadFrame_ShortReadBeforeLengthIsEOFError(t *testing.T) {
	buf := bytes.NewBuffer([]byte{0x00, 0x00})

	_, err := ReadFrame(buf, DefaultMaxPayloadBytes)
	require.Error(t, err)
}

func TestReadFrame_LoopsUntilPayloadFullyConsumed(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 5000)
	var framed bytes.Buffer
	require.NoError(t, WriteFrame(&framed, payload))

	// A reader that only ever returns a handful of bytes per Read call,
	// forcing ReadFrame's payload read to loop rather than complete in one
	// call (spec section 4.1: "Reads must loop until L bytes are consumed").
	r := &trickleReader{r: &framed, chunk: 7}

	got, err := ReadFrame(r, DefaultMaxPayloadBytes)
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

type trickleReader struct {
	r     io.Reader
	chunk int
}

func (t *trickleReader) Read(p []byte) (int, error) {
	if len(p) > t.chunk {
		p = p[:t.chunk]
	}
	return t.r.Read(p)
}

func TestWriteFrame_PrependsBigEndianLength(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, []byte("abc")))

	length := binary.BigEndian.Uint32(buf.Bytes()[:4])
	require.Equal(t, uint32(3), length)
	require.Equal(t, []byte("abc"), buf.Bytes()[4:])
}
