package simplestorage

import (
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/sstable"
)

// mergeResult is the outcome of compacting one source file into a tier:
// freshly written temporary outputs plus the overlapped files they replace.
type mergeResult struct {
	newFiles     []*sstable.SSTFile
	removedPaths []string
}

// fileLevel is the shared surface of the two on-disk tier kinds. The tier
// set is closed (level 0 and general); the engine addresses tiers by index
// and pattern-matches where identity matters, such as never merging out of
// the memtable and shrinking only the terminal tier.
type fileLevel interface {
	Get(key []byte) (entry.Value, bool, error)
	Status(key []byte) (entry.Status, error)
	Remove(key []byte, maxSeqNum uint64) (bool, error)
	KeysWithPrefix(prefix []byte, max int) ([][]byte, error)
	ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) (bool, error)

	// FilelistToMerge selects source files for the next compaction step, or
	// nothing while the tier is under its file budget.
	FilelistToMerge(maxSeqNum uint64) []string

	// MergeToTmp merges the file at srcPath into this tier's temporary
	// files without touching the tier's in-memory state.
	MergeToTmp(srcPath string, blockSize uint32) (mergeResult, error)

	AddSST(files []*sstable.SSTFile) error
	RemoveSSTs(paths []string)
	MaxSeqNum() uint64
	Count() int
	ClearCache()
	Close()
}
