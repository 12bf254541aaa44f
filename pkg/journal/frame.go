package journal

import "encoding/binary"

// frame wraps a single batch's bytes with a 4-byte big-endian length prefix
// so several batches can share one growing chunk on an append-capable
// backend and still be split back apart on replay. Grounded on the
// length-prefixed frame idiom used across the retrieval pack's WAL
// implementations (e.g. frame-oriented segment formats) for packing
// variable-length records into a single append-only blob.
func frameEncode(payload []byte) []byte {
	out := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(out[:4], uint32(len(payload)))
	copy(out[4:], payload)
	return out
}

// frameSplit walks data splitting it into the payloads framed by
// frameEncode, stopping (without error) at the first incomplete or
// malformed frame so a crash-truncated tail or zombie-appended garbage
// simply ends the sequence rather than aborting the whole file.
func frameSplit(data []byte) [][]byte {
	var out [][]byte
	for len(data) >= 4 {
		n := binary.BigEndian.Uint32(data[:4])
		data = data[4:]
		if uint64(n) > uint64(len(data)) {
			break
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
