package simplestorage

import (
	"cmp"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/sstable"
)

const (
	levelZeroFilePrefix = "L0_"
)

// LevelZero is the tier fed directly by memtable flushes. Its files may
// overlap in key range; a higher sequence number always shadows a lower one,
// so every read scans newest-first.
type LevelZero struct {
	path        string
	maxNumFiles int

	// sstFiles is sorted by sequence number, oldest first.
	sstFiles []*sstable.SSTFile
}

func newLevelZero(path string, maxNumFiles int) (*LevelZero, error) {
	out := &LevelZero{
		path:        path,
		maxNumFiles: maxNumFiles,
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create level directory %q", path)
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "scan level directory %q", path)
	}
	for _, dirent := range dirents {
		if dirent.IsDir() || !strings.HasSuffix(dirent.Name(), sstable.FileExtension) {
			continue
		}
		file, err := sstable.Open(filepath.Join(path, dirent.Name()))
		if err != nil {
			return nil, err
		}
		out.sstFiles = append(out.sstFiles, file)
	}

	slices.SortFunc(out.sstFiles, func(a, b *sstable.SSTFile) int {
		return cmp.Compare(a.SeqNum(), b.SeqNum())
	})
	return out, nil
}

// Get scans newest-first; the first file containing the key decides, even
// when it holds a tombstone.
func (me *LevelZero) Get(key []byte) (out entry.Value, exists bool, _ error) {
	for _, file := range slices.Backward(me.sstFiles) {
		value, exists, err := file.Get(key)
		if err != nil {
			return out, false, err
		}
		if exists {
			return value, true, nil
		}
	}
	return out, false, nil
}

func (me *LevelZero) Status(key []byte) (entry.Status, error) {
	for _, file := range slices.Backward(me.sstFiles) {
		status, err := file.Status(key)
		if err != nil {
			return entry.StatusNotFound, err
		}
		if status != entry.StatusNotFound {
			return status, nil
		}
	}
	return entry.StatusNotFound, nil
}

// Remove flips the tombstone in the newest file with seq <= maxSeqNum that
// actually contains the key. Older duplicates are left for compaction to
// shadow.
func (me *LevelZero) Remove(key []byte, maxSeqNum uint64) (bool, error) {
	for _, file := range slices.Backward(me.sstFiles) {
		if file.SeqNum() > maxSeqNum {
			continue
		}
		removed, err := file.Remove(key)
		if err != nil {
			return false, err
		}
		if removed {
			return true, nil
		}
	}
	return false, nil
}

// KeysWithPrefix unions newest-first; the engine layer deduplicates.
func (me *LevelZero) KeysWithPrefix(prefix []byte, max int) (result [][]byte, _ error) {
	for _, file := range slices.Backward(me.sstFiles) {
		if len(result) >= max {
			break
		}
		keys, err := file.KeysWithPrefix(prefix, max-len(result))
		if err != nil {
			return nil, err
		}
		result = append(result, keys...)
	}
	return result, nil
}

func (me *LevelZero) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) (bool, error) {
	for _, file := range slices.Backward(me.sstFiles) {
		completed, err := file.ForEachKeyWithPrefix(prefix, callback)
		if err != nil {
			return false, err
		}
		if !completed {
			return false, nil
		}
	}
	return true, nil
}

// FilelistToMerge returns every file with seq <= maxSeqNum once the tier has
// reached its file threshold, oldest first.
func (me *LevelZero) FilelistToMerge(maxSeqNum uint64) (result []string) {
	if len(me.sstFiles) < me.maxNumFiles {
		return nil
	}
	for _, file := range me.sstFiles {
		if file.SeqNum() <= maxSeqNum {
			result = append(result, file.Path())
		}
	}
	return result
}

// MergeToTmp is unsupported: level 0 only sources merges, it never receives
// them.
func (me *LevelZero) MergeToTmp(string, uint32) (mergeResult, error) {
	return mergeResult{}, errors.New("level 0 does not receive merges")
}

func (me *LevelZero) AddSST(files []*sstable.SSTFile) error {
	for _, file := range files {
		name := fmt.Sprintf("%s%d%s", levelZeroFilePrefix, file.SeqNum(), sstable.FileExtension)
		if err := file.Rename(filepath.Join(me.path, name)); err != nil {
			return err
		}
		me.sstFiles = append(me.sstFiles, file)
	}
	slices.SortFunc(me.sstFiles, func(a, b *sstable.SSTFile) int {
		return cmp.Compare(a.SeqNum(), b.SeqNum())
	})
	return nil
}

func (me *LevelZero) RemoveSSTs(paths []string) {
	for _, path := range paths {
		me.sstFiles = slices.DeleteFunc(me.sstFiles, func(file *sstable.SSTFile) bool {
			if file.Path() != path {
				return false
			}
			_ = file.Close()
			return true
		})
	}
}

func (me *LevelZero) MaxSeqNum() uint64 {
	if len(me.sstFiles) == 0 {
		return 0
	}
	return me.sstFiles[len(me.sstFiles)-1].SeqNum()
}

func (me *LevelZero) Count() int {
	return len(me.sstFiles)
}

func (me *LevelZero) ClearCache() {
	for _, file := range me.sstFiles {
		file.ClearCache()
	}
}

func (me *LevelZero) Close() {
	for _, file := range me.sstFiles {
		_ = file.Close()
	}
	me.sstFiles = nil
}
