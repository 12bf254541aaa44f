package chunkstorage_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage/memstorage"
)

func TestWithRateLimitPassesThroughReadsAndWrites(t *testing.T) {
	ctx := context.Background()
	backing := memstorage.New(true)
	// Generous limits so Wait never actually blocks the test.
	limited := chunkstorage.WithRateLimit(backing, 1<<30, 1<<30)

	h, err := limited.Create(ctx, "c0")
	require.NoError(t, err)

	n, err := limited.Write(ctx, h, 0, 5, bytes.NewReader([]byte("hello")))
	require.NoError(t, err)
	require.Equal(t, int64(5), n)

	buf := make([]byte, 5)
	n, err = limited.Read(ctx, h, 0, 5, buf, 0)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
	require.Equal(t, "hello", string(buf))
}

func TestWithRateLimitZeroDisablesThrottling(t *testing.T) {
	ctx := context.Background()
	backing := memstorage.New(true)
	limited := chunkstorage.WithRateLimit(backing, 0, 0)

	h, err := limited.Create(ctx, "c0")
	require.NoError(t, err)
	n, err := limited.Write(ctx, h, 0, 4, bytes.NewReader([]byte("data")))
	require.NoError(t, err)
	require.Equal(t, int64(4), n)
}
