// Package wire implements the primitive binary codec shared by the framed
// network protocol and the on-disk record format: little-endian fixed-width
// integers and floats, and length-prefixed byte strings with per-field
// maximum lengths.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrCorrupted is returned when a decoded value violates a documented bound
// (an oversized string, a record shorter than its own header, ...).
var ErrCorrupted = errors.New("wire: corrupted data")

// Reader wraps a byte slice with a cursor and bounds-checked primitive reads.
// It never panics on truncated input; every method reports io.ErrUnexpectedEOF.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

// Pos returns the current cursor offset into the underlying buffer.
func (r *Reader) Pos() int { return r.pos }

// Len returns the number of unread bytes remaining.
func (r *Reader) Len() int { return len(r.buf) - r.pos }

// Seek moves the cursor to an absolute offset. Used by the record codec to
// skip trailing bytes written by a newer writer.
func (r *Reader) Seek(pos int) error {
	if pos < 0 || pos > len(r.buf) {
		return fmt.Errorf("wire: seek %d out of range [0,%d]: %w", pos, len(r.buf), ErrCorrupted)
	}
	r.pos = pos
	return nil
}

func (r *Reader) need(n int) error {
	if r.pos+n > len(r.buf) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (r *Reader) ReadUint32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadUint64() (uint64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.ReadUint32()
	return int32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.ReadUint64()
	return int64(v), err
}

func (r *Reader) ReadFloat32() (float32, error) {
	v, err := r.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math32frombits(v), nil
}

func (r *Reader) ReadFloat64() (float64, error) {
	v, err := r.ReadUint64()
	if err != nil {
		return 0, err
	}
	return math64frombits(v), nil
}

func (r *Reader) ReadVec3f() ([3]float32, error) {
	var v [3]float32
	for i := range v {
		f, err := r.ReadFloat32()
		if err != nil {
			return v, err
		}
		v[i] = f
	}
	return v, nil
}

func (r *Reader) ReadVec3d() ([3]float64, error) {
	var v [3]float64
	for i := range v {
		f, err := r.ReadFloat64()
		if err != nil {
			return v, err
		}
		v[i] = f
	}
	return v, nil
}

// ReadString reads a u32 length prefix followed by that many raw bytes,
// rejecting strings longer than maxLen with ErrCorrupted.
func (r *Reader) ReadString(maxLen int) (string, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return "", err
	}
	if int(n) > maxLen {
		return "", fmt.Errorf("wire: string length %d exceeds max %d: %w", n, maxLen, ErrCorrupted)
	}
	if err := r.need(int(n)); err != nil {
		return "", err
	}
	s := string(r.buf[r.pos : r.pos+int(n)])
	r.pos += int(n)
	return s, nil
}

// ReadBytes reads a u32 length prefix followed by that many raw bytes.
func (r *Reader) ReadBytes(maxLen int) ([]byte, error) {
	n, err := r.ReadUint32()
	if err != nil {
		return nil, err
	}
	if int(n) > maxLen {
		return nil, fmt.Errorf("wire: byte blob length %d exceeds max %d: %w", n, maxLen, ErrCorrupted)
	}
	if err := r.need(int(n)); err != nil {
		return nil, err
	}
	b := make([]byte, n)
	copy(b, r.buf[r.pos:r.pos+int(n)])
	r.pos += int(n)
	return b, nil
}

// Writer accumulates encoded primitives into a growable byte buffer.
type Writer struct {
	buf []byte
}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Bytes() []byte { return w.buf }
func (w *Writer) Len() int      { return len(w.buf) }

func (w *Writer) WriteUint32(v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteUint64(v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	w.buf = append(w.buf, tmp[:]...)
}

func (w *Writer) WriteInt32(v int32) { w.WriteUint32(uint32(v)) }
func (w *Writer) WriteInt64(v int64) { w.WriteUint64(uint64(v)) }

func (w *Writer) WriteFloat32(v float32) { w.WriteUint32(math32bits(v)) }
func (w *Writer) WriteFloat64(v float64) { w.WriteUint64(math64bits(v)) }

func (w *Writer) WriteVec3f(v [3]float32) {
	for _, f := range v {
		w.WriteFloat32(f)
	}
}

func (w *Writer) WriteVec3d(v [3]float64) {
	for _, f := range v {
		w.WriteFloat64(f)
	}
}

func (w *Writer) WriteString(s string) {
	w.WriteUint32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteBytes(b []byte) {
	w.WriteUint32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// WriteUint32At overwrites four bytes at a previously reserved offset. Used
// by the record codec to back-patch the size field after the payload has
// been written.
func (w *Writer) WriteUint32At(offset int, v uint32) {
	binary.LittleEndian.PutUint32(w.buf[offset:offset+4], v)
}

// ReserveUint32 appends a placeholder u32 and returns its offset.
func (w *Writer) ReserveUint32() int {
	offset := len(w.buf)
	w.WriteUint32(0)
	return offset
}
