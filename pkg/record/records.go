package record

import (
	"github.com/pkg/errors"

	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

// Kind discriminates the wire encoding of a Record within a batch.
type Kind byte

const (
	KindChunkAdded       Kind = 1
	KindTruncation       Kind = 2
	KindSegmentSnapshot  Kind = 3
	KindSystemSnapshot   Kind = 4
)

// Record is anything that can appear inside a SystemJournalRecordBatch.
type Record interface {
	Kind() Kind
	encode(w *Writer)
}

// ChunkAddedRecord states that at Offset in SegmentName a new chunk
// NewChunkName was linked immediately after OldChunkName (nil means it
// became the segment's first chunk).
type ChunkAddedRecord struct {
	SegmentName  string
	NewChunkName string
	OldChunkName *string
	Offset       int64
}

func (r *ChunkAddedRecord) Kind() Kind { return KindChunkAdded }

func (r *ChunkAddedRecord) encode(w *Writer) {
	w.PutString(r.SegmentName)
	w.PutString(r.NewChunkName)
	w.PutNullableString(r.OldChunkName)
	w.PutInt64(r.Offset)
}

func decodeChunkAdded(r *Reader) (*ChunkAddedRecord, error) {
	rec := &ChunkAddedRecord{}
	var err error
	if rec.SegmentName, err = r.GetString(); err != nil {
		return nil, err
	}
	if rec.NewChunkName, err = r.GetString(); err != nil {
		return nil, err
	}
	if rec.OldChunkName, err = r.GetNullableString(); err != nil {
		return nil, err
	}
	if rec.Offset, err = r.GetInt64(); err != nil {
		return nil, err
	}
	return rec, nil
}

// TruncationRecord states the new StartOffset and identifies the new first
// chunk, with its own start offset within the segment.
type TruncationRecord struct {
	SegmentName    string
	Offset         int64
	FirstChunkName string
	StartOffset    int64
}

func (r *TruncationRecord) Kind() Kind { return KindTruncation }

func (r *TruncationRecord) encode(w *Writer) {
	w.PutString(r.SegmentName)
	w.PutInt64(r.Offset)
	w.PutString(r.FirstChunkName)
	w.PutInt64(r.StartOffset)
}

func decodeTruncation(r *Reader) (*TruncationRecord, error) {
	rec := &TruncationRecord{}
	var err error
	if rec.SegmentName, err = r.GetString(); err != nil {
		return nil, err
	}
	if rec.Offset, err = r.GetInt64(); err != nil {
		return nil, err
	}
	if rec.FirstChunkName, err = r.GetString(); err != nil {
		return nil, err
	}
	if rec.StartOffset, err = r.GetInt64(); err != nil {
		return nil, err
	}
	return rec, nil
}

// SegmentSnapshotRecord is a complete point-in-time image of one segment's
// metadata, plus every chunk belonging to it, needing nothing external to
// reconstruct the segment's layout.
type SegmentSnapshotRecord struct {
	Segment metastore.SegmentMetadata
	Chunks  []metastore.ChunkMetadata
}

func (r *SegmentSnapshotRecord) Kind() Kind { return KindSegmentSnapshot }

func putSegmentMetadata(w *Writer, s *metastore.SegmentMetadata) {
	w.PutString(s.Name)
	w.PutInt64(s.Length)
	w.PutInt64(s.StartOffset)
	w.PutInt32(s.ChunkCount)
	w.PutString(s.FirstChunk)
	w.PutString(s.LastChunk)
	w.PutInt64(s.FirstChunkStartOffset)
	w.PutInt64(s.LastChunkStartOffset)
	w.PutInt64(s.MaxRollingLength)
	w.PutBool(s.Sealed)
	w.PutInt64(s.OwnerEpoch)
	w.PutInt64(s.LastModified)
}

func getSegmentMetadata(r *Reader) (metastore.SegmentMetadata, error) {
	var s metastore.SegmentMetadata
	var err error
	if s.Name, err = r.GetString(); err != nil {
		return s, err
	}
	if s.Length, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.StartOffset, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.ChunkCount, err = r.GetInt32(); err != nil {
		return s, err
	}
	if s.FirstChunk, err = r.GetString(); err != nil {
		return s, err
	}
	if s.LastChunk, err = r.GetString(); err != nil {
		return s, err
	}
	if s.FirstChunkStartOffset, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.LastChunkStartOffset, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.MaxRollingLength, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.Sealed, err = r.GetBool(); err != nil {
		return s, err
	}
	if s.OwnerEpoch, err = r.GetInt64(); err != nil {
		return s, err
	}
	if s.LastModified, err = r.GetInt64(); err != nil {
		return s, err
	}
	return s, nil
}

func (r *SegmentSnapshotRecord) encode(w *Writer) {
	putSegmentMetadata(w, &r.Segment)
	w.PutInt32(int32(len(r.Chunks)))
	for _, c := range r.Chunks {
		w.PutString(c.Name)
		w.PutInt64(c.Length)
		w.PutString(c.NextChunk)
	}
}

func decodeSegmentSnapshot(r *Reader) (*SegmentSnapshotRecord, error) {
	seg, err := getSegmentMetadata(r)
	if err != nil {
		return nil, err
	}
	count, err := r.GetInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrTruncated
	}
	chunks := make([]metastore.ChunkMetadata, 0, count)
	for i := int32(0); i < count; i++ {
		var c metastore.ChunkMetadata
		if c.Name, err = r.GetString(); err != nil {
			return nil, err
		}
		if c.Length, err = r.GetInt64(); err != nil {
			return nil, err
		}
		if c.NextChunk, err = r.GetString(); err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return &SegmentSnapshotRecord{Segment: seg, Chunks: chunks}, nil
}

// SystemSnapshotRecord is the authoritative image of every system segment
// at Epoch, the starting point bootstrap replays journal batches onto.
type SystemSnapshotRecord struct {
	Epoch    int64
	Segments []SegmentSnapshotRecord
}

func (r *SystemSnapshotRecord) Kind() Kind { return KindSystemSnapshot }

func (r *SystemSnapshotRecord) encode(w *Writer) {
	w.PutInt64(r.Epoch)
	w.PutInt32(int32(len(r.Segments)))
	for i := range r.Segments {
		r.Segments[i].encode(w)
	}
}

func decodeSystemSnapshot(r *Reader) (*SystemSnapshotRecord, error) {
	epoch, err := r.GetInt64()
	if err != nil {
		return nil, err
	}
	count, err := r.GetInt32()
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrTruncated
	}
	segs := make([]SegmentSnapshotRecord, 0, count)
	for i := int32(0); i < count; i++ {
		seg, err := decodeSegmentSnapshot(r)
		if err != nil {
			return nil, err
		}
		segs = append(segs, *seg)
	}
	return &SystemSnapshotRecord{Epoch: epoch, Segments: segs}, nil
}

// Encode wraps a single Record with the version byte and discriminator used
// by both standalone records and batch members.
func Encode(rec Record) []byte {
	w := NewWriter()
	w.PutByte(FormatVersion)
	w.PutByte(byte(rec.Kind()))
	payload := NewWriter()
	rec.encode(payload)
	w.PutBytes(payload.Bytes())
	return w.Bytes()
}

// Decode reverses Encode. A version mismatch or truncated payload is
// reported as an error rather than a panic, since both are expected
// failure modes when reading a crash-truncated or zombie-garbled journal.
func Decode(data []byte) (Record, error) {
	r := NewReader(data)
	version, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	if version != FormatVersion {
		return nil, ErrUnsupportedVersion
	}
	kindByte, err := r.GetByte()
	if err != nil {
		return nil, err
	}
	payload, err := r.GetBytes()
	if err != nil {
		return nil, err
	}
	pr := NewReader(payload)
	switch Kind(kindByte) {
	case KindChunkAdded:
		return decodeChunkAdded(pr)
	case KindTruncation:
		return decodeTruncation(pr)
	case KindSegmentSnapshot:
		return decodeSegmentSnapshot(pr)
	case KindSystemSnapshot:
		return decodeSystemSnapshot(pr)
	default:
		return nil, errors.Errorf("record: unknown discriminator %d", kindByte)
	}
}
