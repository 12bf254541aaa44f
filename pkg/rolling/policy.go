// Package rolling implements the chunk-rolling policy: the rule bounding
// how large any one chunk in a segment may grow before ChunkManager seals
// it and opens a new one.
package rolling

// Policy is fixed per segment at create time (segment.maxRollingLength)
// and never changes for the lifetime of that segment.
type Policy struct {
	// MaxLength bounds the length of any chunk written under this policy.
	MaxLength int64
}

// Default is used when a segment is created without an explicit policy.
var Default = Policy{MaxLength: 64 * 1024 * 1024}

// Step describes one chunk-level write to perform as part of splitting a
// single logical segment write across chunk boundaries.
type Step struct {
	// NewChunk is true if a new chunk must be created (sealing the
	// previous one first, if any) before this step's write.
	NewChunk bool
	// Length is this step's write size; always <= MaxLength.
	Length int64
}

// Plan splits a pending write of writeLength bytes into one or more Steps,
// given the length of the segment's current last chunk and whether the
// backend can append to a chunk more than once. currentChunkLength is
// ignored (treated as 0, i.e. every step opens a new chunk) when
// supportsAppend is false, since a non-append backend finishes and seals a
// chunk on its first write.
func (p Policy) Plan(currentChunkLength int64, hasCurrentChunk bool, supportsAppend bool, writeLength int64) []Step {
	if writeLength == 0 {
		return nil
	}
	maxLength := p.MaxLength
	if maxLength <= 0 {
		maxLength = Default.MaxLength
	}

	var steps []Step
	remaining := writeLength
	cur := currentChunkLength
	haveChunk := hasCurrentChunk && supportsAppend

	for remaining > 0 {
		if haveChunk && cur < maxLength {
			avail := maxLength - cur
			n := min64(avail, remaining)
			steps = append(steps, Step{NewChunk: false, Length: n})
			cur += n
			remaining -= n
			continue
		}
		n := min64(maxLength, remaining)
		steps = append(steps, Step{NewChunk: true, Length: n})
		cur = n
		remaining -= n
		haveChunk = supportsAppend
	}
	return steps
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
