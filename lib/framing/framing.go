// Package framing implements the one wire-level primitive every byte stream
// in this system shares (spec section 4.1): a 4-byte unsigned big-endian
// length prefix followed by exactly that many payload bytes. The pattern is
// the same length-prefix-plus-io.ReadFull idiom used throughout the
// retrieved corpus for daemon<->worker and local-socket protocols.
package framing

import (
	"encoding/binary"
	"fmt"
	"io"

	liberrors "github.com/b7s/parallited/lib/errors"
)

// DefaultMaxPayloadBytes is the frame size ceiling applied when a caller
// does not configure one explicitly (spec section 4.1).
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

const lengthPrefixSize = 4

// ReadFrame reads one length-prefixed frame from r. maxPayloadBytes bounds
// the accepted frame size; a frame whose declared length exceeds it is
// rejected before any payload allocation occurs, per spec section 4.1.
func ReadFrame(r io.Reader, maxPayloadBytes uint32) ([]byte, error) {
	var lengthBuf [lengthPrefixSize]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, liberrors.Framing("failed to read frame length prefix", err)
	}

	length := binary.BigEndian.Uint32(lengthBuf[:])
	if length > maxPayloadBytes {
		return nil, liberrors.Framing(
			fmt.Sprintf("frame length %d exceeds max payload bytes %d", length, maxPayloadBytes),
			nil,
		)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, liberrors.Framing("failed to read frame payload", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame to w as a single coordinated
// write, so that it cannot be interleaved with a frame written concurrently
// by another goroutine sharing the same underlying stream (spec section 4.1).
func WriteFrame(w io.Writer, payload []byte) error {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return liberrors.Framing(fmt.Sprintf("frame payload of %d bytes exceeds uint32 length prefix", len(payload)), nil)
	}

	full := make([]byte, lengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(full[:lengthPrefixSize], uint32(len(payload)))
	copy(full[lengthPrefixSize:], payload)

	if _, err := w.Write(full); err != nil {
		return liberrors.Framing("failed to write frame", err)
	}
	return nil
}
