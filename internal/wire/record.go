package wire

import "fmt"

// recordHeaderSize is the byte length of the version+size header that
// precedes every versioned record's payload.
const recordHeaderSize = 8

// RecordWriter writes a `version:u32, size:u32, payload...` envelope. Create
// one per record with BeginRecord, write the version-specific fields, then
// call Finish to back-patch the size.
type RecordWriter struct {
	w          *Writer
	sizeOffset int
	start      int
}

// BeginRecord reserves the version+size header and writes the version.
func BeginRecord(w *Writer, version uint32) *RecordWriter {
	start := w.Len()
	w.WriteUint32(version)
	sizeOffset := w.ReserveUint32()
	return &RecordWriter{w: w, sizeOffset: sizeOffset, start: start}
}

// Finish back-patches the size field with the total envelope length
// (header + payload).
func (rw *RecordWriter) Finish() {
	total := uint32(rw.w.Len() - rw.start)
	rw.w.WriteUint32At(rw.sizeOffset, total)
}

// RecordHeader is the decoded version+size header of one record envelope.
type RecordHeader struct {
	Version uint32
	Size    uint32
	// Start is the offset, within the Reader's buffer, of the first byte of
	// this record's header (i.e. where Version was read from).
	Start int
}

// MinRecordSize is the smallest valid record size (the header alone);
// ReadRecordHeader reports ErrCorrupted below it, and above the maxSize its
// caller passes as the per-entity-type maximum (§4.A: 10MB for a world
// object, 64KB for a material, ...).
const MinRecordSize = recordHeaderSize

// ReadRecordHeader reads the version+size header at the reader's current
// position. Per §4.A a record is Corrupted if size < 8 or size exceeds
// maxSize.
func ReadRecordHeader(r *Reader, maxSize uint32) (RecordHeader, error) {
	start := r.Pos()
	version, err := r.ReadUint32()
	if err != nil {
		return RecordHeader{}, err
	}
	size, err := r.ReadUint32()
	if err != nil {
		return RecordHeader{}, err
	}
	if size < MinRecordSize {
		return RecordHeader{}, fmt.Errorf("wire: record size %d below minimum %d: %w", size, MinRecordSize, ErrCorrupted)
	}
	if size > maxSize {
		return RecordHeader{}, fmt.Errorf("wire: record size %d exceeds max %d: %w", size, maxSize, ErrCorrupted)
	}
	return RecordHeader{Version: version, Size: size, Start: start}, nil
}

// SkipToEnd advances the reader's cursor to the end of the record described
// by hdr, discarding any trailing bytes a newer writer appended. This is the
// forward-compatibility mechanism described in §4.A.
func (h RecordHeader) SkipToEnd(r *Reader) error {
	return r.Seek(h.Start + int(h.Size))
}
