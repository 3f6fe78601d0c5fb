package wire

import (
	"bufio"
	"bytes"
	"testing"
)

func TestPrimitiveRoundTrip(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(42)
	w.WriteUint64(1 << 40)
	w.WriteFloat32(3.5)
	w.WriteFloat64(-12.25)
	w.WriteVec3f([3]float32{1, 2, 3})
	w.WriteString("hello")
	w.WriteBytes([]byte{1, 2, 3, 4})

	r := NewReader(w.Bytes())
	if v, err := r.ReadUint32(); err != nil || v != 42 {
		t.Fatalf("ReadUint32 = %d, %v", v, err)
	}
	if v, err := r.ReadUint64(); err != nil || v != 1<<40 {
		t.Fatalf("ReadUint64 = %d, %v", v, err)
	}
	if v, err := r.ReadFloat32(); err != nil || v != 3.5 {
		t.Fatalf("ReadFloat32 = %v, %v", v, err)
	}
	if v, err := r.ReadFloat64(); err != nil || v != -12.25 {
		t.Fatalf("ReadFloat64 = %v, %v", v, err)
	}
	if v, err := r.ReadVec3f(); err != nil || v != [3]float32{1, 2, 3} {
		t.Fatalf("ReadVec3f = %v, %v", v, err)
	}
	if s, err := r.ReadString(100); err != nil || s != "hello" {
		t.Fatalf("ReadString = %q, %v", s, err)
	}
	if b, err := r.ReadBytes(100); err != nil || !bytes.Equal(b, []byte{1, 2, 3, 4}) {
		t.Fatalf("ReadBytes = %v, %v", b, err)
	}
	if r.Len() != 0 {
		t.Fatalf("expected reader exhausted, %d bytes remain", r.Len())
	}
}

func TestReadStringRejectsOversize(t *testing.T) {
	w := NewWriter()
	w.WriteString("this string is too long")
	r := NewReader(w.Bytes())
	if _, err := r.ReadString(4); err == nil {
		t.Fatal("expected error for oversize string")
	}
}

func TestReadTruncatedInputReturnsEOF(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(7)
	buf := w.Bytes()[:2]
	r := NewReader(buf)
	if _, err := r.ReadUint32(); err == nil {
		t.Fatal("expected error reading truncated uint32")
	}
}

// TestVersionedForwardSkip verifies property 2: decoding a payload whose
// declared size exceeds the fields this version knows leaves the read
// cursor at start+size.
func TestVersionedForwardSkip(t *testing.T) {
	w := NewWriter()
	rw := BeginRecord(w, 3)
	w.WriteUint32(111)  // a field version 3 knows about
	w.WriteString("future field unknown to this reader")
	w.WriteUint64(999) // more unknown trailing data
	rw.Finish()

	// Append a second record after the first, to prove the skip lands
	// exactly on its boundary and not short/long of it.
	marker := NewWriter()
	marker.WriteUint32(0xDEADBEEF)
	w.buf = append(w.buf, marker.Bytes()...)

	r := NewReader(w.Bytes())
	hdr, err := ReadRecordHeader(r, 1<<20)
	if err != nil {
		t.Fatalf("ReadRecordHeader: %v", err)
	}
	// Simulate an older reader that only knows about the first uint32 field.
	if v, err := r.ReadUint32(); err != nil || v != 111 {
		t.Fatalf("ReadUint32 = %d, %v", v, err)
	}
	if err := hdr.SkipToEnd(r); err != nil {
		t.Fatalf("SkipToEnd: %v", err)
	}
	marker2, err := r.ReadUint32()
	if err != nil || marker2 != 0xDEADBEEF {
		t.Fatalf("expected marker after skip, got %x, %v", marker2, err)
	}
}

func TestReadRecordHeaderRejectsUndersizedRecord(t *testing.T) {
	w := NewWriter()
	w.WriteUint32(1) // version
	w.WriteUint32(4) // size < MinRecordSize(8)
	r := NewReader(w.Bytes())
	if _, err := ReadRecordHeader(r, 1<<20); err == nil {
		t.Fatal("expected error for undersized record")
	}
}

func TestReadRecordHeaderRejectsOversizedRecord(t *testing.T) {
	w := NewWriter()
	rw := BeginRecord(w, 1)
	w.WriteBytes(make([]byte, 100))
	rw.Finish()
	r := NewReader(w.Bytes())
	if _, err := ReadRecordHeader(r, 16); err == nil {
		t.Fatal("expected error for oversized record")
	}
}

func TestFrameRoundTrip(t *testing.T) {
	f := NewFrame(7, []byte("payload bytes"))
	var buf bytes.Buffer
	if err := WriteFrame(&buf, f); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}

	got, err := ReadFrame(bufio.NewReader(&buf))
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if got.ID != f.ID || !bytes.Equal(got.Payload, f.Payload) {
		t.Fatalf("ReadFrame = %+v, want %+v", got, f)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	hdr := make([]byte, FrameHeaderSize)
	hdr[4] = 0xFF
	hdr[5] = 0xFF
	hdr[6] = 0xFF
	hdr[7] = 0xFF
	buf.Write(hdr)
	if _, err := ReadFrame(bufio.NewReader(&buf)); err == nil {
		t.Fatal("expected error for oversize frame length")
	}
}
