package wire

import (
	"encoding/binary"
	"errors"
	"math"
	"unicode/utf8"
)

var ErrTruncated = errors.New("wire: truncated data")
var ErrUnsupportedType = errors.New("wire: unsupported type")
var ErrInvalidLength = errors.New("wire: invalid length")
var ErrInvalidUTF8 = errors.New("wire: string is not valid utf-8")

// Writer appends little-endian values to a growing buffer.
type Writer struct {
	buf []byte
}

// NewWriter with capacity hint.
func NewWriter(capHint int) *Writer {
	return &Writer{buf: make([]byte, 0, capHint)}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) U8(v uint8)   { w.buf = append(w.buf, v) }
func (w *Writer) U16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *Writer) U32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *Writer) U64(v uint64) { w.buf = binary.LittleEndian.AppendUint64(w.buf, v) }
func (w *Writer) I8(v int8)    { w.U8(uint8(v)) }
func (w *Writer) I16(v int16)  { w.U16(uint16(v)) }
func (w *Writer) I32(v int32)  { w.U32(uint32(v)) }
func (w *Writer) I64(v int64)  { w.U64(uint64(v)) }
func (w *Writer) F32(v float32) {
	w.U32(math.Float32bits(v))
}
func (w *Writer) F64(v float64) {
	w.U64(math.Float64bits(v))
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
		return
	}
	w.U8(0)
}

// Raw appends b without a length prefix.
func (w *Writer) Raw(b []byte) { w.buf = append(w.buf, b...) }

// Str writes i32 len + UTF-8 bytes.
func (w *Writer) Str(s string) {
	w.I32(int32(len(s)))
	w.buf = append(w.buf, s...)
}

// Blob writes i32 len + bytes.
func (w *Writer) Blob(b []byte) {
	w.I32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// Reader consumes little-endian values; every short read is ErrTruncated.
type Reader struct {
	b   []byte
	off int
}

func NewReader(b []byte) *Reader { return &Reader{b: b} }

// Remaining bytes not yet consumed.
func (r *Reader) Remaining() int { return len(r.b) - r.off }

// Rest returns the unconsumed tail and moves to the end.
func (r *Reader) Rest() []byte {
	out := r.b[r.off:]
	r.off = len(r.b)
	return out
}

func (r *Reader) take(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, ErrTruncated
	}
	out := r.b[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *Reader) U8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) U16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) U32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) U64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) I8() (int8, error) {
	v, err := r.U8()
	return int8(v), err
}

func (r *Reader) I16() (int16, error) {
	v, err := r.U16()
	return int16(v), err
}

func (r *Reader) I32() (int32, error) {
	v, err := r.U32()
	return int32(v), err
}

func (r *Reader) I64() (int64, error) {
	v, err := r.U64()
	return int64(v), err
}

func (r *Reader) F32() (float32, error) {
	v, err := r.U32()
	return math.Float32frombits(v), err
}

func (r *Reader) F64() (float64, error) {
	v, err := r.U64()
	return math.Float64frombits(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.U8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// Len reads an i32 length; negative is ErrInvalidLength, beyond buffer is ErrTruncated.
func (r *Reader) Len() (int, error) {
	n, err := r.I32()
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, ErrInvalidLength
	}
	return int(n), nil
}

func (r *Reader) Str() (string, error) {
	n, err := r.Len()
	if err != nil {
		return "", err
	}
	b, err := r.take(n)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrInvalidUTF8
	}
	return string(b), nil
}

// Blob returns a copy of an i32-len-prefixed byte buffer.
func (r *Reader) Blob() ([]byte, error) {
	n, err := r.Len()
	if err != nil {
		return nil, err
	}
	b, err := r.take(n)
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

// Raw reads exactly n bytes (no copy).
func (r *Reader) Raw(n int) ([]byte, error) { return r.take(n) }
