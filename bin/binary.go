package bin

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Simple binary parsing/serialization library for fixed-layout index pages.
//
// Integers are little endian. Index keys are not encoded here; they are
// already fixed-width byte strings and are copied with Bytes.

// ErrShortBuffer is reported by a Decoder that ran past the end of its input.
var ErrShortBuffer = errors.New("bin: short buffer")

// Decoder streams binary data from a byte buffer.
//
// Errors are sticky: after the first short read every later call returns
// zero values and Err reports the failure.
type Decoder struct {
	buf []byte
	err error
}

// NewDecoder creates a decoder that parses data from buffer b.
//
// Retains b, which the caller should not use afterward.
func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

// RemainingBytes gives the number of bytes remaining in the buffer.
func (r Decoder) RemainingBytes() int {
	return len(r.buf)
}

// Err returns the first decoding error, if any.
func (r Decoder) Err() error {
	return r.err
}

// Bytes is a primitive decoder that reads a fixed number of bytes.
//
// The result aliases the decoder's buffer.
func (r *Decoder) Bytes(n int) []byte {
	if r.err != nil || n > len(r.buf) {
		if r.err == nil {
			r.err = errors.Wrapf(ErrShortBuffer, "need %d bytes, have %d", n, len(r.buf))
		}
		r.buf = nil
		return make([]byte, n)
	}
	d := r.buf[:n]
	r.buf = r.buf[n:]
	return d
}

// Copy reads n bytes into a fresh slice.
func (r *Decoder) Copy(n int) []byte {
	b := make([]byte, n)
	copy(b, r.Bytes(n))
	return b
}

// Skip discards n bytes.
func (r *Decoder) Skip(n int) {
	r.Bytes(n)
}

// Uint64 decodes a uint64 (in little endian format).
func (r *Decoder) Uint64() uint64 {
	return binary.LittleEndian.Uint64(r.Bytes(8))
}

// Uint32 decodes a uint32 (in little endian format).
func (r *Decoder) Uint32() uint32 {
	return binary.LittleEndian.Uint32(r.Bytes(4))
}

// Uint16 decodes a uint16 (in little endian format).
func (r *Decoder) Uint16() uint16 {
	return binary.LittleEndian.Uint16(r.Bytes(2))
}

// Uint8 decodes a uint8
func (r *Decoder) Uint8() uint8 {
	return r.Bytes(1)[0]
}

// Encoder builds a binary buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with room for size bytes.
func NewEncoder(size int) *Encoder {
	return &Encoder{buf: make([]byte, 0, size)}
}

// BytesWritten returns the number of bytes written to the encoder since this
// encoder was created.
func (w Encoder) BytesWritten() int {
	return len(w.buf)
}

// Finish returns the encoded bytes.
func (w Encoder) Finish() []byte {
	return w.buf
}

// Bytes is a primitive encoder that copies bytes.
func (w *Encoder) Bytes(b []byte) {
	w.buf = append(w.buf, b...)
}

// Zeros appends n zero bytes.
func (w *Encoder) Zeros(n int) {
	for i := 0; i < n; i++ {
		w.buf = append(w.buf, 0)
	}
}

// PadTo zero-fills the buffer up to size bytes.
//
// Panics if more than size bytes were already written, since that means a
// page layout computation is wrong.
func (w *Encoder) PadTo(size int) {
	if len(w.buf) > size {
		panic(errors.Errorf("bin: encoded %d bytes into a %d byte page", len(w.buf), size))
	}
	w.Zeros(size - len(w.buf))
}

// Uint64 encodes a uint64 (in little endian format).
func (w *Encoder) Uint64(v uint64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, v)
}

// Uint32 encodes a uint32 (in little endian format).
func (w *Encoder) Uint32(v uint32) {
	w.buf = binary.LittleEndian.AppendUint32(w.buf, v)
}

// Uint16 encodes a uint16 (in little endian format).
func (w *Encoder) Uint16(v uint16) {
	w.buf = binary.LittleEndian.AppendUint16(w.buf, v)
}

// Uint8 encodes a uint8
func (w *Encoder) Uint8(b uint8) {
	w.buf = append(w.buf, b)
}
