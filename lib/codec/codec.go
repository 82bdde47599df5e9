// Package codec implements the compact binary encoding used for submission
// payloads and contexts, and for response results (spec section 5). Values
// are one of: nil, bool, int64, float64, string, []byte, []any, map[string]any
// or map[int64]any. Each value is a one-byte tag followed by its payload; the
// pack carries no single third-party library covering exactly this
// value-union shape, so this format follows the general
// tag-plus-length-prefix idiom used throughout the retrieved corpus (see
// lib/framing and the wire helpers in the other_examples ipc bridges) rather
// than reusing framing's own protocol.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	liberrors "github.com/b7s/parallited/lib/errors"
)

type tag byte

const (
	tagNull tag = iota
	tagBoolTrue
	tagBoolFalse
	tagInt64
	tagFloat64
	tagString
	tagBytes
	tagArray
	tagMapString
	tagMapInt
)

// Encode appends the binary encoding of v to dst and returns the result.
// Supported v types: nil, bool, int64, int, float64, string, []byte, []any,
// map[string]any, map[int64]any.
func Encode(dst []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(dst, byte(tagNull)), nil
	case bool:
		if val {
			return append(dst, byte(tagBoolTrue)), nil
		}
		return append(dst, byte(tagBoolFalse)), nil
	case int:
		return encodeInt64(dst, int64(val)), nil
	case int64:
		return encodeInt64(dst, val), nil
	case float64:
		return encodeFloat64(dst, val), nil
	case string:
		return encodeString(dst, val), nil
	case []byte:
		return encodeBytes(dst, val), nil
	case []any:
		return encodeArray(dst, val)
	case map[string]any:
		return encodeMapString(dst, val)
	case map[int64]any:
		return encodeMapInt(dst, val)
	default:
		return nil, liberrors.Decode(fmt.Sprintf("codec: unsupported value type %T", v), nil)
	}
}

func encodeInt64(dst []byte, v int64) []byte {
	dst = append(dst, byte(tagInt64))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	return append(dst, buf[:]...)
}

// encodeFloat64 collapses NaN and +/-Inf to the Null tag, per the policy
// that non-finite values have no representation on the wire (spec section 5).
func encodeFloat64(dst []byte, v float64) []byte {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return append(dst, byte(tagNull))
	}
	dst = append(dst, byte(tagFloat64))
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], math.Float64bits(v))
	return append(dst, buf[:]...)
}

func encodeString(dst []byte, v string) []byte {
	dst = append(dst, byte(tagString))
	dst = appendLength(dst, len(v))
	return append(dst, v...)
}

func encodeBytes(dst []byte, v []byte) []byte {
	dst = append(dst, byte(tagBytes))
	dst = appendLength(dst, len(v))
	return append(dst, v...)
}

func encodeArray(dst []byte, v []any) ([]byte, error) {
	dst = append(dst, byte(tagArray))
	dst = appendLength(dst, len(v))
	var err error
	for _, elem := range v {
		dst, err = Encode(dst, elem)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func encodeMapString(dst []byte, v map[string]any) ([]byte, error) {
	dst = append(dst, byte(tagMapString))
	dst = appendLength(dst, len(v))
	var err error
	for k, elem := range v {
		dst = encodeString(dst, k)
		dst, err = Encode(dst, elem)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func encodeMapInt(dst []byte, v map[int64]any) ([]byte, error) {
	dst = append(dst, byte(tagMapInt))
	dst = appendLength(dst, len(v))
	var err error
	for k, elem := range v {
		dst = encodeInt64(dst, k)
		dst, err = Encode(dst, elem)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func appendLength(dst []byte, n int) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(n))
	return append(dst, buf[:]...)
}

// decoder reads values sequentially from an in-memory buffer.
type decoder struct {
	buf []byte
	pos int
}

// Decode parses a single value from the head of data and returns it along
// with the number of bytes consumed.
func Decode(data []byte) (any, int, error) {
	d := &decoder{buf: data}
	v, err := d.decodeValue()
	if err != nil {
		return nil, 0, err
	}
	return v, d.pos, nil
}

func (d *decoder) readByte() (byte, error) {
	if d.pos >= len(d.buf) {
		return 0, io.ErrUnexpectedEOF
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

func (d *decoder) readN(n int) ([]byte, error) {
	if n < 0 || d.pos+n > len(d.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	out := d.buf[d.pos : d.pos+n]
	d.pos += n
	return out, nil
}

func (d *decoder) readLength() (int, error) {
	raw, err := d.readN(4)
	if err != nil {
		return 0, err
	}
	return int(binary.BigEndian.Uint32(raw)), nil
}

// remaining reports how many undecoded bytes are left in the buffer.
func (d *decoder) remaining() int {
	return len(d.buf) - d.pos
}

// checkCount rejects an element/entry count that could not possibly fit in
// the bytes left in the buffer (every array element or map entry consumes at
// least one byte), before the caller sizes an allocation off of it. Without
// this, a handful of bytes on the wire could declare a count near
// math.MaxUint32 and force a multi-gigabyte `make` on a malformed frame.
func (d *decoder) checkCount(count int) error {
	if count > d.remaining() {
		return liberrors.Decode("codec: element count exceeds remaining buffer", nil)
	}
	return nil
}

func (d *decoder) decodeValue() (any, error) {
	t, err := d.readByte()
	if err != nil {
		return nil, liberrors.Decode("codec: truncated value tag", err)
	}

	switch tag(t) {
	case tagNull:
		return nil, nil
	case tagBoolTrue:
		return true, nil
	case tagBoolFalse:
		return false, nil
	case tagInt64:
		raw, err := d.readN(8)
		if err != nil {
			return nil, liberrors.Decode("codec: truncated int64", err)
		}
		return int64(binary.BigEndian.Uint64(raw)), nil
	case tagFloat64:
		raw, err := d.readN(8)
		if err != nil {
			return nil, liberrors.Decode("codec: truncated float64", err)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(raw)), nil
	case tagString:
		return d.decodeString()
	case tagBytes:
		length, err := d.readLength()
		if err != nil {
			return nil, liberrors.Decode("codec: truncated bytes length", err)
		}
		raw, err := d.readN(length)
		if err != nil {
			return nil, liberrors.Decode("codec: truncated bytes", err)
		}
		out := make([]byte, length)
		copy(out, raw)
		return out, nil
	case tagArray:
		return d.decodeArray()
	case tagMapString:
		return d.decodeMapString()
	case tagMapInt:
		return d.decodeMapInt()
	default:
		return nil, liberrors.Decode(fmt.Sprintf("codec: unknown tag %d", t), nil)
	}
}

func (d *decoder) decodeString() (string, error) {
	length, err := d.readLength()
	if err != nil {
		return "", liberrors.Decode("codec: truncated string length", err)
	}
	raw, err := d.readN(length)
	if err != nil {
		return "", liberrors.Decode("codec: truncated string", err)
	}
	return string(raw), nil
}

func (d *decoder) decodeArray() ([]any, error) {
	length, err := d.readLength()
	if err != nil {
		return nil, liberrors.Decode("codec: truncated array length", err)
	}
	if err := d.checkCount(length); err != nil {
		return nil, err
	}
	out := make([]any, 0, length)
	for i := 0; i < length; i++ {
		elem, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		out = append(out, elem)
	}
	return out, nil
}

func (d *decoder) decodeMapString() (map[string]any, error) {
	length, err := d.readLength()
	if err != nil {
		return nil, liberrors.Decode("codec: truncated map length", err)
	}
	if err := d.checkCount(length); err != nil {
		return nil, err
	}
	out := make(map[string]any, length)
	for i := 0; i < length; i++ {
		t, err := d.readByte()
		if err != nil {
			return nil, liberrors.Decode("codec: truncated map key tag", err)
		}
		if tag(t) != tagString {
			return nil, liberrors.Decode(fmt.Sprintf("codec: expected string map key tag, got %d", t), nil)
		}
		key, err := d.decodeString()
		if err != nil {
			return nil, err
		}
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}

func (d *decoder) decodeMapInt() (map[int64]any, error) {
	length, err := d.readLength()
	if err != nil {
		return nil, liberrors.Decode("codec: truncated map length", err)
	}
	if err := d.checkCount(length); err != nil {
		return nil, err
	}
	out := make(map[int64]any, length)
	for i := 0; i < length; i++ {
		t, err := d.readByte()
		if err != nil {
			return nil, liberrors.Decode("codec: truncated map key tag", err)
		}
		if tag(t) != tagInt64 {
			return nil, liberrors.Decode(fmt.Sprintf("codec: expected int64 map key tag, got %d", t), nil)
		}
		raw, err := d.readN(8)
		if err != nil {
			return nil, liberrors.Decode("codec: truncated map key", err)
		}
		key := int64(binary.BigEndian.Uint64(raw))
		val, err := d.decodeValue()
		if err != nil {
			return nil, err
		}
		out[key] = val
	}
	return out, nil
}
