// Package memstorage implements an in-memory chunkstorage.Storage used by
// the chunk manager and journal test suites. It is not a production
// backend (concrete chunk storage backends are out of scope for this
// module) but it is the shared ground truth the recovery and rolling tests
// replay against, and it can simulate both append-capable and
// non-append-capable behaviour so the same test scenarios run against
// either rolling strategy.
package memstorage

import (
	"context"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/nimbusfs/chunklayer/pkg/chunkerrors"
	"github.com/nimbusfs/chunklayer/pkg/chunkstorage"
	"github.com/nimbusfs/chunklayer/pkg/logging"
)

var logger = logging.GetLogger("memstorage")

type chunk struct {
	mu     sync.Mutex
	data   []byte
	sealed bool // a non-append chunk becomes sealed after its first write
}

type handle struct {
	name string
}

func (h *handle) Name() string { return h.name }

// Storage is a goroutine-safe, all-in-memory chunkstorage.Storage.
type Storage struct {
	mu             sync.Mutex
	chunks         map[string]*chunk
	supportAppend  bool
	supportConcat  bool
}

// New creates an in-memory Storage. appendCapable selects whether Write may
// be called repeatedly against one chunk (true) or each chunk accepts
// exactly one write (false), mirroring the two backend classes described in
// the chunk storage contract.
func New(appendCapable bool) *Storage {
	return &Storage{
		chunks:        make(map[string]*chunk),
		supportAppend: appendCapable,
		supportConcat: true,
	}
}

func (s *Storage) SupportsAppend() bool { return s.supportAppend }
func (s *Storage) SupportsConcat() bool { return s.supportConcat }

func (s *Storage) Create(_ context.Context, name string) (chunkstorage.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[name]; ok {
		return nil, chunkerrors.New(chunkerrors.ChunkAlreadyExists, name)
	}
	s.chunks[name] = &chunk{}
	return &handle{name}, nil
}

func (s *Storage) Open(_ context.Context, name string) (chunkstorage.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.chunks[name]; !ok {
		return nil, chunkerrors.New(chunkerrors.ChunkNotFound, name)
	}
	return &handle{name}, nil
}

func (s *Storage) lookup(name string) (*chunk, error) {
	s.mu.Lock()
	c, ok := s.chunks[name]
	s.mu.Unlock()
	if !ok {
		return nil, chunkerrors.New(chunkerrors.ChunkNotFound, name)
	}
	return c, nil
}

func (s *Storage) Write(_ context.Context, h chunkstorage.Handle, offset int64, length int64, source io.Reader) (int64, error) {
	c, err := s.lookup(h.Name())
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if !s.supportAppend {
		if len(c.data) != 0 || c.sealed {
			return 0, chunkerrors.New(chunkerrors.InvalidOffset, "chunk accepts exactly one write")
		}
		if offset != 0 {
			return 0, chunkerrors.New(chunkerrors.InvalidOffset, "non-append chunk write must start at 0")
		}
	} else if offset != int64(len(c.data)) {
		return 0, chunkerrors.Wrapf(nil, chunkerrors.InvalidOffset, "non-contiguous write at %d, chunk length %d", offset, len(c.data))
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(source, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, chunkerrors.Wrap(err, chunkerrors.ChunkStorageFail, "read source")
	}
	c.data = append(c.data, buf[:n]...)
	if !s.supportAppend {
		c.sealed = true
	}
	return int64(n), nil
}

func (s *Storage) Read(_ context.Context, h chunkstorage.Handle, offset int64, length int64, dest []byte, destOffset int64) (int64, error) {
	c, err := s.lookup(h.Name())
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if offset < 0 || offset+length > int64(len(c.data)) {
		return 0, chunkerrors.New(chunkerrors.OutOfBounds, "read out of chunk bounds")
	}
	n := copy(dest[destOffset:destOffset+length], c.data[offset:offset+length])
	return int64(n), nil
}

func (s *Storage) Concat(_ context.Context, target chunkstorage.Handle, sources []chunkstorage.Handle) (int64, error) {
	tc, err := s.lookup(target.Name())
	if err != nil {
		return 0, err
	}
	tc.mu.Lock()
	for _, src := range sources {
		sc, err := s.lookup(src.Name())
		if err != nil {
			tc.mu.Unlock()
			return 0, err
		}
		sc.mu.Lock()
		tc.data = append(tc.data, sc.data...)
		sc.mu.Unlock()
	}
	length := int64(len(tc.data))
	tc.mu.Unlock()

	for _, src := range sources {
		if err := s.Delete(context.Background(), src.Name()); err != nil {
			logger.Warnf("concat: failed to delete source %s: %v", src.Name(), err)
		}
	}
	return length, nil
}

func (s *Storage) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, name)
	return nil
}

func (s *Storage) GetInfo(_ context.Context, name string) (chunkstorage.Info, error) {
	s.mu.Lock()
	c, ok := s.chunks[name]
	s.mu.Unlock()
	if !ok {
		return chunkstorage.Info{Name: name, Exists: false}, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return chunkstorage.Info{Name: name, Length: int64(len(c.data)), Exists: true}, nil
}

func (s *Storage) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for name := range s.chunks {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}
