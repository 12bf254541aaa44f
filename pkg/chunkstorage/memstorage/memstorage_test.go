package memstorage

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
)

func TestCreateWriteReadAppendCapable(t *testing.T) {
	ctx := context.Background()
	s := New(true)

	h, err := s.Create(ctx, "c0")
	require.NoError(t, err)

	n, err := s.Write(ctx, h, 0, 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	n, err = s.Write(ctx, h, 5, 6, bytes.NewReader([]byte(" world")))
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	info, err := s.GetInfo(ctx, "c0")
	require.NoError(t, err)
	require.True(t, info.Exists)
	require.Equal(t, int64(11), info.Length)

	buf := make([]byte, 11)
	n, err = s.Read(ctx, h, 0, 11, buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(11), n)
	require.Equal(t, "hello world", string(buf))
}

func TestNonAppendChunkAcceptsOneWrite(t *testing.T) {
	ctx := context.Background()
	s := New(false)

	h, err := s.Create(ctx, "c0")
	require.NoError(t, err)

	_, err = s.Write(ctx, h, 0, 4, bytes.NewReader([]byte("data")))
	require.NoError(t, err)

	_, err = s.Write(ctx, h, 4, 4, bytes.NewReader([]byte("more")))
	require.Error(t, err)
	kind, ok := chunkerrors.KindOf(err)
	require.True(t, ok)
	require.Equal(t, chunkerrors.InvalidOffset, kind)
}

func TestAppendCapableRejectsNonContiguousWrite(t *testing.T) {
	ctx := context.Background()
	s := New(true)
	h, err := s.Create(ctx, "c0")
	require.NoError(t, err)
	_, err = s.Write(ctx, h, 4, 2, bytes.NewReader([]byte("xx")))
	require.Error(t, err)
}

func TestCreateDuplicateFails(t *testing.T) {
	ctx := context.Background()
	s := New(true)
	_, err := s.Create(ctx, "c0")
	require.NoError(t, err)
	_, err = s.Create(ctx, "c0")
	require.Error(t, err)
	kind, _ := chunkerrors.KindOf(err)
	require.Equal(t, chunkerrors.ChunkAlreadyExists, kind)
}

func TestOpenMissingChunkFails(t *testing.T) {
	s := New(true)
	_, err := s.Open(context.Background(), "missing")
	require.Error(t, err)
}

func TestReadOutOfBounds(t *testing.T) {
	ctx := context.Background()
	s := New(true)
	h, err := s.Create(ctx, "c0")
	require.NoError(t, err)
	_, err = s.Write(ctx, h, 0, 3, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)

	buf := make([]byte, 10)
	_, err = s.Read(ctx, h, 0, 10, buf, 0)
	require.Error(t, err)
}

func TestConcatAppendsAndDeletesSources(t *testing.T) {
	ctx := context.Background()
	s := New(true)
	target, _ := s.Create(ctx, "target")
	_, err := s.Write(ctx, target, 0, 3, bytes.NewReader([]byte("abc")))
	require.NoError(t, err)

	src, _ := s.Create(ctx, "src")
	_, err = s.Write(ctx, src, 0, 3, bytes.NewReader([]byte("def")))
	require.NoError(t, err)

	n, err := s.Concat(ctx, target, []chunkstorage.Handle{src})
	require.NoError(t, err)
	require.Equal(t, int64(6), n)

	info, err := s.GetInfo(ctx, "src")
	require.NoError(t, err)
	require.False(t, info.Exists)

	buf := make([]byte, 6)
	_, err = s.Read(ctx, target, 0, 6, buf, 0)
	require.NoError(t, err)
	require.Equal(t, "abcdef", string(buf))
}

func TestListFiltersByPrefix(t *testing.T) {
	ctx := context.Background()
	s := New(true)
	_, _ = s.Create(ctx, "seg-a/chunk-0")
	_, _ = s.Create(ctx, "seg-a/chunk-1")
	_, _ = s.Create(ctx, "seg-b/chunk-0")

	names, err := s.List(ctx, "seg-a/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"seg-a/chunk-0", "seg-a/chunk-1"}, names)
}
