// Package proto implements the structural message codec: little-endian
// fixed-width integers, length-prefixed UTF-8 strings and byte arrays,
// presence-byte options, and length-prefixed arrays. Both the client/server
// message tagged unions (messages.go) and the internal CRDT sync payload
// format (internal/crdt) are built out of the primitives in this file.
package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrTruncated is returned when a buffer ends before a value can be fully read.
var ErrTruncated = errors.New("proto: truncated buffer")

// Writer accumulates structurally-encoded values into a byte slice.
type Writer struct {
	buf []byte
}

// NewWriter returns a Writer with capacity hinted by size.
func NewWriter(size int) *Writer {
	return &Writer{buf: make([]byte, 0, size)}
}

// Bytes returns the accumulated buffer.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) PutU8(v uint8) { w.buf = append(w.buf, v) }

func (w *Writer) PutU16(v uint16) {
	var tmp [2]byte
	binary.LittleEndian.PutUint16(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutU32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutU64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) PutI64(v int64) { w.PutU64(uint64(v)) }

func (w *Writer) PutBool(v bool) {
	if v {
		w.PutU8(1)
	} else {
		w.PutU8(0)
	}
}

// PutBytes writes a u32 LE length prefix followed by raw bytes.
func (w *Writer) PutBytes(v []byte) {
	w.PutU32(uint32(len(v)))
	w.buf = append(w.buf, v...)
}

// PutString writes a u32 LE length prefix followed by UTF-8 bytes.
func (w *Writer) PutString(v string) {
	w.PutBytes([]byte(v))
}

// PutOptionPresent writes the presence byte for a populated option; the
// caller writes the value itself immediately afterward.
func (w *Writer) PutOptionPresent() { w.PutU8(1) }

// PutOptionAbsent writes the presence byte for an empty option.
func (w *Writer) PutOptionAbsent() { w.PutU8(0) }

// PutOptionString writes an optional string as a presence byte plus value.
func (w *Writer) PutOptionString(v *string) {
	if v == nil {
		w.PutOptionAbsent()
		return
	}
	w.PutOptionPresent()
	w.PutString(*v)
}

// Reader consumes structurally-encoded values from a byte slice.
type Reader struct {
	buf []byte
	pos int
}

// NewReader wraps buf for sequential structural decoding.
func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Remaining reports how many bytes are left unread.
func (r *Reader) Remaining() int { return len(r.buf) - r.pos }

func (r *Reader) need(n int) error {
	if r.Remaining() < n {
		return fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, n, r.Remaining())
	}
	return nil
}

func (r *Reader) GetU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) GetU16() (uint16, error) {
	if err := r.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(r.buf[r.pos:])
	r.pos += 2
	return v, nil
}

func (r *Reader) GetU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) GetU64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) GetI64() (int64, error) {
	v, err := r.GetU64()
	return int64(v), err
}

func (r *Reader) GetBool() (bool, error) {
	v, err := r.GetU8()
	return v != 0, err
}

func (r *Reader) GetBytes() ([]byte, error) {
	n, err := r.GetU32()
	if err != nil {
		return nil, err
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	v := r.buf[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return v, nil
}

func (r *Reader) GetString() (string, error) {
	b, err := r.GetBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// GetOptionPresent reads the presence byte and reports whether a value follows.
func (r *Reader) GetOptionPresent() (bool, error) {
	v, err := r.GetU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

func (r *Reader) GetOptionString() (*string, error) {
	present, err := r.GetOptionPresent()
	if err != nil || !present {
		return nil, err
	}
	s, err := r.GetString()
	if err != nil {
		return nil, err
	}
	return &s, nil
}
