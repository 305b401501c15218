package simplestorage

import (
	"bytes"
	"cmp"
	"container/list"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/sstable"
)

const (
	generalFilePrefix = "general_"
)

// GeneralLevel is a tier above level 0: its files never overlap in key
// range, so any key maps to at most one file. Handles are kept on an
// LRU-ordered list; lookups splice the chosen file to the MRU position.
type GeneralLevel struct {
	path        string
	maxFileSize uint64

	// maxNumFiles gates compaction out of this tier; the terminal tier is
	// unbounded.
	maxNumFiles int
	isLast      bool

	// maxFileIndex generates unique canonical file names.
	maxFileIndex uint64

	// lruMu guards ordering mutations of lruFiles; reads under the engine's
	// shared lock still splice the list.
	lruMu    sync.Mutex
	lruFiles *list.List

	byMinKey []*list.Element
	bySeqNum []*list.Element
	byPath   map[string]*list.Element
}

func newGeneralLevel(path string, maxFileSize uint64, maxNumFiles int, isLast bool) (*GeneralLevel, error) {
	out := &GeneralLevel{
		path:        path,
		maxFileSize: maxFileSize,
		maxNumFiles: maxNumFiles,
		isLast:      isLast,
		lruFiles:    list.New(),
		byPath:      map[string]*list.Element{},
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create level directory %q", path)
	}

	dirents, err := os.ReadDir(path)
	if err != nil {
		return nil, errors.Wrapf(err, "scan level directory %q", path)
	}
	var files []*sstable.SSTFile
	for _, dirent := range dirents {
		if dirent.IsDir() || !strings.HasSuffix(dirent.Name(), sstable.FileExtension) {
			continue
		}
		file, err := sstable.Open(filepath.Join(path, dirent.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, file)
		if fileIndex, ok := generalFileIndex(dirent.Name()); ok {
			out.maxFileIndex = max(out.maxFileIndex, fileIndex)
		}
	}
	if err := out.AddSST(files); err != nil {
		return nil, err
	}
	return out, nil
}

func elementFile(element *list.Element) *sstable.SSTFile {
	return element.Value.(*sstable.SSTFile)
}

// findSST locates the single file whose key range can contain key, and
// marks it most recently used.
func (me *GeneralLevel) findSST(key []byte) *sstable.SSTFile {
	idx, _ := slices.BinarySearchFunc(me.byMinKey, key, func(element *list.Element, target []byte) int {
		comp := bytes.Compare(elementFile(element).MinKey(), target)
		if comp == 0 {
			// upper bound: treat an exact min-key match as smaller
			return -1
		}
		return comp
	})
	if idx == 0 {
		return nil
	}
	element := me.byMinKey[idx-1]
	file := elementFile(element)
	if bytes.Compare(file.MaxKey(), key) < 0 {
		return nil
	}

	me.lruMu.Lock()
	me.lruFiles.MoveToBack(element)
	me.lruMu.Unlock()
	return file
}

func (me *GeneralLevel) Get(key []byte) (out entry.Value, exists bool, _ error) {
	file := me.findSST(key)
	if file == nil {
		return out, false, nil
	}
	return file.Get(key)
}

func (me *GeneralLevel) Status(key []byte) (entry.Status, error) {
	file := me.findSST(key)
	if file == nil {
		return entry.StatusNotFound, nil
	}
	return file.Status(key)
}

func (me *GeneralLevel) Remove(key []byte, _ uint64) (bool, error) {
	file := me.findSST(key)
	if file == nil {
		return false, nil
	}
	return file.Remove(key)
}

func (me *GeneralLevel) KeysWithPrefix(prefix []byte, max int) (result [][]byte, _ error) {
	if max <= 0 {
		return nil, nil
	}
	_, err := me.ForEachKeyWithPrefix(prefix, func(key []byte) bool {
		result = append(result, key)
		return len(result) < max
	})
	return result, err
}

func (me *GeneralLevel) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) (bool, error) {
	// the file whose range straddles the prefix comes first, then every
	// file whose min key still matches
	startIdx, _ := slices.BinarySearchFunc(me.byMinKey, prefix, func(element *list.Element, target []byte) int {
		comp := bytes.Compare(elementFile(element).MinKey(), target)
		if comp == 0 {
			return -1
		}
		return comp
	})
	if startIdx > 0 {
		startIdx--
	}
	for _, element := range me.byMinKey[startIdx:] {
		file := elementFile(element)
		minKey := file.MinKey()
		if bytes.Compare(prefix, minKey) < 0 && !bytes.HasPrefix(minKey, prefix) {
			return true, nil
		}
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

// FilelistToMerge returns the oldest third of files by sequence number once
// the tier has reached its file budget. The bound is a scheduling
// heuristic, not an invariant.
func (me *GeneralLevel) FilelistToMerge(uint64) (result []string) {
	if len(me.bySeqNum) < me.maxNumFiles {
		return nil
	}
	for _, element := range me.bySeqNum[:len(me.bySeqNum)/3] {
		result = append(result, elementFile(element).Path())
	}
	return result
}

// MergeToTmp merges the file at srcPath with every file of this tier whose
// key range intersects it, writing temporary outputs into the tier
// directory. The tier's indexes are not touched; the engine applies the
// swap under its writer lock after committing the journal.
func (me *GeneralLevel) MergeToTmp(srcPath string, blockSize uint32) (out mergeResult, _ error) {
	src, err := sstable.Open(srcPath)
	if err != nil {
		return out, err
	}
	minKey, maxKey := src.MinKey(), src.MaxKey()
	if err := src.Close(); err != nil {
		return out, errors.Wrapf(err, "close merge source %q", srcPath)
	}

	for _, element := range me.byMinKey {
		file := elementFile(element)
		if bytes.Compare(file.MaxKey(), minKey) < 0 {
			continue
		}
		if bytes.Compare(file.MinKey(), maxKey) > 0 {
			break
		}
		out.removedPaths = append(out.removedPaths, file.Path())
	}

	out.newFiles, err = sstable.Merge(sstable.MergeArgs{
		SrcPath:     srcPath,
		DstPaths:    out.removedPaths,
		OutDir:      me.path,
		MaxFileSize: me.maxFileSize,
		BlockSize:   blockSize,
		KeepRemoved: !me.isLast,
	})
	if err != nil {
		return mergeResult{}, err
	}
	return out, nil
}

func (me *GeneralLevel) AddSST(files []*sstable.SSTFile) error {
	for _, file := range files {
		name := fmt.Sprintf("%s%d_%d%s",
			generalFilePrefix, file.SeqNum(), me.maxFileIndex, sstable.FileExtension)
		fpath := filepath.Join(me.path, name)
		if fpath != file.Path() {
			if err := file.Rename(fpath); err != nil {
				return err
			}
		}

		me.lruMu.Lock()
		element := me.lruFiles.PushBack(file)
		me.lruMu.Unlock()

		idx, _ := slices.BinarySearchFunc(me.byMinKey, file.MinKey(), func(e *list.Element, target []byte) int {
			return bytes.Compare(elementFile(e).MinKey(), target)
		})
		me.byMinKey = slices.Insert(me.byMinKey, idx, element)

		idx, _ = slices.BinarySearchFunc(me.bySeqNum, file.SeqNum(), func(e *list.Element, target uint64) int {
			return cmp.Compare(elementFile(e).SeqNum(), target)
		})
		me.bySeqNum = slices.Insert(me.bySeqNum, idx, element)

		me.byPath[file.Path()] = element
		me.maxFileIndex++
	}
	return nil
}

func (me *GeneralLevel) RemoveSSTs(paths []string) {
	for _, path := range paths {
		element, ok := me.byPath[path]
		if !ok {
			continue
		}
		me.byMinKey = slices.DeleteFunc(me.byMinKey, func(e *list.Element) bool { return e == element })
		me.bySeqNum = slices.DeleteFunc(me.bySeqNum, func(e *list.Element) bool { return e == element })
		delete(me.byPath, path)

		me.lruMu.Lock()
		me.lruFiles.Remove(element)
		me.lruMu.Unlock()

		_ = elementFile(element).Close()
	}
}

// Shrink rewrites every file, physically dropping tombstones and expired
// entries. Only meaningful on the terminal tier, where nothing below can be
// shadowed.
func (me *GeneralLevel) Shrink(blockSize uint32) (out mergeResult, _ error) {
	for _, element := range me.byMinKey {
		file := elementFile(element)
		newFile, err := file.Shrink(blockSize)
		if err != nil {
			return mergeResult{}, err
		}
		if newFile != nil {
			out.newFiles = append(out.newFiles, newFile)
		}
		out.removedPaths = append(out.removedPaths, file.Path())
	}
	return out, nil
}

func (me *GeneralLevel) MaxSeqNum() uint64 {
	if len(me.bySeqNum) == 0 {
		return 0
	}
	return elementFile(me.bySeqNum[len(me.bySeqNum)-1]).SeqNum()
}

func (me *GeneralLevel) Count() int {
	return len(me.byPath)
}

func (me *GeneralLevel) ClearCache() {
	for _, element := range me.byMinKey {
		elementFile(element).ClearCache()
	}
}

func (me *GeneralLevel) Close() {
	for _, element := range me.byMinKey {
		_ = elementFile(element).Close()
	}
	me.byMinKey = nil
	me.bySeqNum = nil
	me.byPath = map[string]*list.Element{}
	me.lruFiles = list.New()
}

// generalFileIndex extracts the trailing uniqueness index from a canonical
// general-tier file name, general_<seq>_<index>.vsst.
func generalFileIndex(basename string) (uint64, bool) {
	withoutExtension, ok := strings.CutSuffix(basename, sstable.FileExtension)
	if !ok {
		return 0, false
	}
	withoutPrefix, ok := strings.CutPrefix(withoutExtension, generalFilePrefix)
	if !ok {
		return 0, false
	}
	parts := strings.Split(withoutPrefix, "_")
	if len(parts) != 2 {
		return 0, false
	}
	var index uint64
	if _, err := fmt.Sscanf(parts[1], "%d", &index); err != nil {
		return 0, false
	}
	return index, true
}
