package chunkstorage

import (
	"context"
	"io"

	"github.com/juju/ratelimit"
)

// limitedReader wraps a reader and blocks until the bucket has capacity for
// each read, grounded on the teacher's object.limitedReader.
type limitedReader struct {
	io.Reader
	bucket *ratelimit.Bucket
}

func (l *limitedReader) Read(buf []byte) (int, error) {
	n, err := l.Reader.Read(buf)
	if l.bucket != nil && n > 0 {
		l.bucket.Wait(int64(n))
	}
	return n, err
}

type rateLimited struct {
	Storage
	up   *ratelimit.Bucket
	down *ratelimit.Bucket
}

// WithRateLimit wraps a Storage so that Write and Read are throttled to
// approximately upBytesPerSec/downBytesPerSec. A limit of 0 disables
// throttling in that direction. Grounded on the teacher's
// pkg/object.NewLimited decorator over ObjectStorage.
func WithRateLimit(s Storage, upBytesPerSec, downBytesPerSec int64) Storage {
	rl := &rateLimited{Storage: s}
	if upBytesPerSec > 0 {
		rl.up = ratelimit.NewBucketWithRate(float64(upBytesPerSec)*0.85, upBytesPerSec)
	}
	if downBytesPerSec > 0 {
		rl.down = ratelimit.NewBucketWithRate(float64(downBytesPerSec)*0.85, downBytesPerSec)
	}
	return rl
}

func (r *rateLimited) Write(ctx context.Context, h Handle, offset int64, length int64, source io.Reader) (int64, error) {
	return r.Storage.Write(ctx, h, offset, length, &limitedReader{source, r.up})
}

func (r *rateLimited) Read(ctx context.Context, h Handle, offset int64, length int64, dest []byte, destOffset int64) (int64, error) {
	n, err := r.Storage.Read(ctx, h, offset, length, dest, destOffset)
	if r.down != nil && n > 0 {
		r.down.Wait(n)
	}
	return n, err
}
