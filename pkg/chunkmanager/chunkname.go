package chunkmanager

import "github.com/google/uuid"

// newChunkName derives a fresh, unique chunk name for segmentName. Chunk
// names are implementation-chosen but must be stable once allocated (spec
// §6); a uuid suffix avoids any chance of collision across concurrent
// writers to different segments sharing a storage namespace.
func newChunkName(segmentName string) string {
	return segmentName + "/" + uuid.NewString()
}
