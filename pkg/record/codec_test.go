package record

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusfs/chunklayer/pkg/metastore"
)

func TestWriterReaderPrimitives(t *testing.T) {
	w := NewWriter()
	w.PutByte(7)
	w.PutInt32(-12345)
	w.PutInt64(9876543210)
	w.PutBool(true)
	w.PutString("hello chunk")
	w.PutBytes([]byte{1, 2, 3, 4})

	r := NewReader(w.Bytes())
	b, err := r.GetByte()
	require.NoError(t, err)
	require.Equal(t, byte(7), b)

	i32, err := r.GetInt32()
	require.NoError(t, err)
	require.Equal(t, int32(-12345), i32)

	i64, err := r.GetInt64()
	require.NoError(t, err)
	require.Equal(t, int64(9876543210), i64)

	flag, err := r.GetBool()
	require.NoError(t, err)
	require.True(t, flag)

	s, err := r.GetString()
	require.NoError(t, err)
	require.Equal(t, "hello chunk", s)

	bs, err := r.GetBytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4}, bs)
	require.Zero(t, r.Remaining())
}

func TestNullableString(t *testing.T) {
	w := NewWriter()
	w.PutNullableString(nil)
	s := "present"
	w.PutNullableString(&s)

	r := NewReader(w.Bytes())
	got, err := r.GetNullableString()
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = r.GetNullableString()
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "present", *got)
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader([]byte{0, 0})
	_, err := r.GetInt64()
	require.Error(t, err)
}

func TestEncodeDecodeChunkAdded(t *testing.T) {
	old := "chunk-old"
	rec := &ChunkAddedRecord{
		SegmentName:  "seg-1",
		NewChunkName: "chunk-new",
		OldChunkName: &old,
		Offset:       4096,
	}
	data := Encode(rec)
	decoded, err := Decode(data)
	require.NoError(t, err)
	got, ok := decoded.(*ChunkAddedRecord)
	require.True(t, ok)
	require.Equal(t, rec.SegmentName, got.SegmentName)
	require.Equal(t, rec.NewChunkName, got.NewChunkName)
	require.Equal(t, *rec.OldChunkName, *got.OldChunkName)
	require.Equal(t, rec.Offset, got.Offset)
}

func TestEncodeDecodeChunkAddedFirstChunk(t *testing.T) {
	rec := &ChunkAddedRecord{SegmentName: "seg-1", NewChunkName: "chunk-0", Offset: 0}
	decoded, err := Decode(Encode(rec))
	require.NoError(t, err)
	got := decoded.(*ChunkAddedRecord)
	require.Nil(t, got.OldChunkName)
}

func TestEncodeDecodeTruncation(t *testing.T) {
	rec := &TruncationRecord{
		SegmentName:    "seg-2",
		Offset:         2048,
		FirstChunkName: "chunk-7",
		StartOffset:    1024,
	}
	decoded, err := Decode(Encode(rec))
	require.NoError(t, err)
	got := decoded.(*TruncationRecord)
	require.Equal(t, *rec, *got)
}

func TestEncodeDecodeSegmentSnapshot(t *testing.T) {
	rec := &SegmentSnapshotRecord{
		Segment: metastore.SegmentMetadata{
			Name:             "seg-3",
			Length:           100,
			ChunkCount:       2,
			FirstChunk:       "c0",
			LastChunk:        "c1",
			MaxRollingLength: 64,
			OwnerEpoch:       3,
		},
		Chunks: []metastore.ChunkMetadata{
			{Name: "c0", Length: 60, NextChunk: "c1"},
			{Name: "c1", Length: 40, NextChunk: ""},
		},
	}
	decoded, err := Decode(Encode(rec))
	require.NoError(t, err)
	got := decoded.(*SegmentSnapshotRecord)
	require.Equal(t, rec.Segment, got.Segment)
	require.Equal(t, rec.Chunks, got.Chunks)
}

func TestEncodeDecodeSystemSnapshot(t *testing.T) {
	rec := &SystemSnapshotRecord{
		Epoch: 9,
		Segments: []SegmentSnapshotRecord{
			{Segment: metastore.SegmentMetadata{Name: "s0"}},
			{Segment: metastore.SegmentMetadata{Name: "s1"}, Chunks: []metastore.ChunkMetadata{{Name: "c0"}}},
		},
	}
	decoded, err := Decode(Encode(rec))
	require.NoError(t, err)
	got := decoded.(*SystemSnapshotRecord)
	require.Equal(t, rec.Epoch, got.Epoch)
	require.Len(t, got.Segments, 2)
	require.Equal(t, "s1", got.Segments[1].Segment.Name)
}

func TestDecodeUnsupportedVersion(t *testing.T) {
	data := Encode(&TruncationRecord{SegmentName: "x"})
	data[0] = FormatVersion + 1
	_, err := Decode(data)
	require.ErrorIs(t, err, ErrUnsupportedVersion)
}
