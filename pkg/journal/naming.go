package journal

import (
	"fmt"
	"strconv"
	"strings"
)

// Reserved chunk-name prefixes for journal and snapshot objects, scoped per
// container so a single List(prefix) call on chunk storage enumerates
// everything bootstrap needs and nothing from another container.
func journalPrefix(containerID string) string {
	return "_journal/" + containerID + "/"
}

func snapshotPrefix(containerID string) string {
	return "_snapshot/" + containerID + "/"
}

// journalFileName names the chunk backing file fileIndex of epoch. On an
// append-capable backend this one chunk accumulates every batch of that
// file via repeated Write calls; on a non-append backend batchIndex
// distinguishes the otherwise-identical single-write chunks that make up
// the same virtual file.
func journalFileName(containerID string, epoch int64, fileIndex int64) string {
	return fmt.Sprintf("%se%020d/f%020d", journalPrefix(containerID), epoch, fileIndex)
}

func journalBatchChunkName(containerID string, epoch int64, fileIndex int64, batchIndex int64) string {
	return fmt.Sprintf("%se%020d/f%020d-b%020d", journalPrefix(containerID), epoch, fileIndex, batchIndex)
}

func snapshotChunkName(containerID string, epoch int64, snapshotIndex int64) string {
	return fmt.Sprintf("%se%020d/s%020d", snapshotPrefix(containerID), epoch, snapshotIndex)
}

// parsedJournalName is the decomposition of a journal chunk name produced by
// journalFileName or journalBatchChunkName.
type parsedJournalName struct {
	epoch      int64
	fileIndex  int64
	batchIndex int64
	hasBatch   bool
}

func parseJournalName(containerID, name string) (parsedJournalName, bool) {
	rest := strings.TrimPrefix(name, journalPrefix(containerID))
	if rest == name {
		return parsedJournalName{}, false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parsedJournalName{}, false
	}
	epoch, ok := parseTag(parts[0], "e")
	if !ok {
		return parsedJournalName{}, false
	}
	fileStr, batchStr, hasBatch := strings.Cut(parts[1], "-b")
	fileIndex, ok := parseTag(fileStr, "f")
	if !ok {
		return parsedJournalName{}, false
	}
	p := parsedJournalName{epoch: epoch, fileIndex: fileIndex}
	if hasBatch {
		batchIndex, err := strconv.ParseInt(batchStr, 10, 64)
		if err != nil {
			return parsedJournalName{}, false
		}
		p.batchIndex = batchIndex
		p.hasBatch = true
	}
	return p, true
}

type parsedSnapshotName struct {
	epoch         int64
	snapshotIndex int64
}

func parseSnapshotName(containerID, name string) (parsedSnapshotName, bool) {
	rest := strings.TrimPrefix(name, snapshotPrefix(containerID))
	if rest == name {
		return parsedSnapshotName{}, false
	}
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return parsedSnapshotName{}, false
	}
	epoch, ok := parseTag(parts[0], "e")
	if !ok {
		return parsedSnapshotName{}, false
	}
	idx, ok := parseTag(parts[1], "s")
	if !ok {
		return parsedSnapshotName{}, false
	}
	return parsedSnapshotName{epoch: epoch, snapshotIndex: idx}, true
}

func parseTag(s, tag string) (int64, bool) {
	if !strings.HasPrefix(s, tag) {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimPrefix(s, tag), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
