package sstable

import (
	"bytes"
	"io"
	"iter"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/datablock"
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/util"
)

const maxCachedBlocks = 10

// Item is one record yielded by SST iteration.
type Item struct {
	Key    []byte
	Stored entry.Stored
}

// SSTFile is an open, read-mostly sorted string table. The only mutation it
// permits after construction is flipping an entry's type byte to the
// tombstone tag (Remove) and whole-file Rename.
//
// Reads share one descriptor through offset-independent ReadAt wrappers, so
// any number of goroutines may call the read operations concurrently; the
// block cache carries its own mutex.
type SSTFile struct {
	path             string
	file             *os.File
	index            []IndexEntry
	indexBlockOffset uint64
	seqNum           uint64
	maxKey           []byte

	cacheMu    sync.Mutex
	blockCache map[uint64][]byte
}

// Open reads and validates an existing .vsst file: header, trailing index
// size, index block, and the last data block (for the max key).
func Open(path string) (out *SSTFile, err error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open SST %q", path)
	}
	defer func() {
		if err != nil {
			_ = file.Close()
		}
	}()

	wrapper := util.NewFileWrapper(file)
	fileSize, err := wrapper.Size()
	if err != nil {
		return nil, errors.Wrapf(err, "stat SST %q", path)
	}
	if fileSize < HeaderSize+FooterSize {
		return nil, errors.Wrapf(ErrCorrupted, "%q: %d bytes is too small for an SST", path, fileSize)
	}

	var header Header
	if _, err := header.ReadFrom(&wrapper); err != nil {
		return nil, errors.Wrapf(err, "read SST header of %q", path)
	}

	footer := util.NewFileWrapperAt(file, fileSize-FooterSize)
	indexSize, _, err := util.ReadUint32(&footer)
	if err != nil {
		return nil, errors.Wrapf(err, "read SST footer of %q", path)
	}
	if uint64(indexSize)+HeaderSize+FooterSize > fileSize {
		return nil, errors.Wrapf(ErrCorrupted, "%q: index size %d exceeds file size %d", path, indexSize, fileSize)
	}
	indexBlockOffset := fileSize - FooterSize - uint64(indexSize)

	indexBuf := make([]byte, indexSize)
	indexReader := util.NewFileWrapperAt(file, indexBlockOffset)
	if _, err := io.ReadFull(&indexReader, indexBuf); err != nil {
		return nil, errors.Wrapf(err, "read SST index of %q", path)
	}
	index, err := parseIndex(indexBuf, indexBlockOffset)
	if err != nil {
		return nil, errors.Wrapf(err, "parse SST index of %q", path)
	}

	out = &SSTFile{
		path:             path,
		file:             file,
		index:            index,
		indexBlockOffset: indexBlockOffset,
		seqNum:           header.SeqNum,
		blockCache:       map[uint64][]byte{},
	}

	lastBlock, err := out.loadBlock(len(index) - 1)
	if err != nil {
		return nil, err
	}
	lastKey, _, err := lastBlock.GetAt(lastBlock.Count() - 1)
	if err != nil {
		return nil, errors.Wrapf(err, "read max key of %q", path)
	}
	out.maxKey = bytes.Clone(lastKey)
	return out, nil
}

func (me *SSTFile) Close() error {
	return me.file.Close()
}

func (me *SSTFile) Path() string {
	return me.path
}

func (me *SSTFile) SeqNum() uint64 {
	return me.seqNum
}

func (me *SSTFile) MinKey() []byte {
	return me.index[0].MinKey
}

func (me *SSTFile) MaxKey() []byte {
	return me.maxKey
}

func (me *SSTFile) NumBlocks() int {
	return len(me.index)
}

// Index returns a deep copy of the in-memory index block.
func (me *SSTFile) Index() []IndexEntry {
	return util.CloneSliceFunc(me.index, func(e IndexEntry) IndexEntry {
		return IndexEntry{
			MinKey: bytes.Clone(e.MinKey),
			Offset: e.Offset,
		}
	})
}

// Rename moves the file to a new path, keeping the handle open.
func (me *SSTFile) Rename(newPath string) error {
	if err := os.Rename(me.path, newPath); err != nil {
		return errors.Wrapf(err, "rename SST %q", me.path)
	}
	me.path = newPath
	return nil
}

// Get returns the stored entry for key. A TTL-expired entry reads as a
// tombstone; callers interpret the removed type.
func (me *SSTFile) Get(key []byte) (out entry.Value, exists bool, _ error) {
	blockIdx := findBlock(me.index, key)
	if blockIdx < 0 {
		return out, false, nil
	}
	block, err := me.loadBlock(blockIdx)
	if err != nil {
		return out, false, err
	}
	return block.Get(key)
}

// Status classifies key without decoding its value.
func (me *SSTFile) Status(key []byte) (entry.Status, error) {
	blockIdx := findBlock(me.index, key)
	if blockIdx < 0 {
		return entry.StatusNotFound, nil
	}
	block, err := me.loadBlock(blockIdx)
	if err != nil {
		return entry.StatusNotFound, err
	}
	return block.Status(key)
}

// Remove flips the entry's type byte to the tombstone tag and writes the
// containing block back at its original offset. Not safe to run
// concurrently with other operations on the same file.
func (me *SSTFile) Remove(key []byte) (bool, error) {
	blockIdx := findBlock(me.index, key)
	if blockIdx < 0 {
		return false, nil
	}
	raw, err := me.readDatablock(me.index[blockIdx].Offset, blockSize(me.index, blockIdx, me.indexBlockOffset))
	if err != nil {
		return false, err
	}
	raw = bytes.Clone(raw)

	block, err := datablock.New(raw)
	if err != nil {
		return false, errors.Wrapf(err, "decode block of %q", me.path)
	}
	removed, err := block.Remove(key)
	if err != nil || !removed {
		return false, err
	}
	offset := me.index[blockIdx].Offset
	if _, err := me.file.WriteAt(block.Data(), int64(offset)); err != nil {
		return false, errors.Wrapf(err, "write block back to %q", me.path)
	}
	me.cacheMu.Lock()
	me.blockCache[offset] = block.Data()
	me.cacheMu.Unlock()
	return true, nil
}

// KeysWithPrefix collects up to max live keys sharing prefix, in key order.
func (me *SSTFile) KeysWithPrefix(prefix []byte, max int) (result [][]byte, _ error) {
	if max <= 0 {
		return nil, nil
	}
	_, err := me.ForEachKeyWithPrefix(prefix, func(key []byte) bool {
		result = append(result, key)
		return len(result) < max
	})
	return result, err
}

// ForEachKeyWithPrefix walks live keys sharing prefix in order until the
// callback returns false or the prefix range ends. The bool result reports
// whether the walk ran to completion.
func (me *SSTFile) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) (bool, error) {
	if bytes.Compare(prefix, me.maxKey) > 0 {
		return true, nil
	}
	minKey := me.MinKey()
	if bytes.Compare(prefix, minKey) < 0 && !bytes.HasPrefix(minKey, prefix) {
		return true, nil
	}

	blockIdx := findBlock(me.index, prefix)
	if blockIdx < 0 {
		// The prefix sorts before the first block but may still match keys
		// inside it.
		blockIdx = 0
	}
	for ; blockIdx < len(me.index); blockIdx++ {
		blockMin := me.index[blockIdx].MinKey
		if bytes.Compare(prefix, blockMin) < 0 && !bytes.HasPrefix(blockMin, prefix) {
			return true, nil
		}
		block, err := me.loadBlock(blockIdx)
		if err != nil {
			return false, err
		}
		completed, err := block.ForEachKeyWithPrefix(prefix, callback)
		if err != nil {
			return false, err
		}
		if !completed {
			return false, nil
		}
	}
	return true, nil
}

// Entries yields every record in key order, one data block at a time.
// Unlike point lookups, entries are yielded exactly as stored; expired
// records keep their original type and deadline.
func (me *SSTFile) Entries() iter.Seq2[Item, error] {
	return func(yield func(Item, error) bool) {
		for blockIdx := 0; blockIdx < len(me.index); blockIdx++ {
			block, err := me.loadBlock(blockIdx)
			if err != nil {
				yield(Item{}, err)
				return
			}
			for slot := uint32(0); slot < block.Count(); slot++ {
				key, stored, err := block.GetAt(slot)
				if err != nil {
					yield(Item{}, err)
					return
				}
				if !yield(Item{Key: key, Stored: stored}, nil) {
					return
				}
			}
		}
	}
}

// Shrink rewrites the file without tombstones or expired entries, into a
// fresh temporary path next to the original. The result is nil when nothing
// survives.
func (me *SSTFile) Shrink(blockSize uint32) (*SSTFile, error) {
	outPath := me.path + "_cleaned_" + uuid.NewString() + ".tmp"
	builder, err := NewBuilder(outPath, blockSize, me.seqNum)
	if err != nil {
		return nil, err
	}
	defer builder.Abort()

	for item, err := range me.Entries() {
		if err != nil {
			return nil, err
		}
		if item.Stored.IsTombstone() || entry.IsExpired(item.Stored.ExpirationMS) {
			continue
		}
		if err := builder.AddEntry(item.Key, item.Stored); err != nil {
			return nil, err
		}
	}
	return builder.Finalize()
}

// ClearCache drops every cached block.
func (me *SSTFile) ClearCache() {
	me.cacheMu.Lock()
	defer me.cacheMu.Unlock()
	me.blockCache = map[uint64][]byte{}
}

func (me *SSTFile) loadBlock(blockIdx int) (*datablock.Block, error) {
	raw, err := me.readDatablock(me.index[blockIdx].Offset, blockSize(me.index, blockIdx, me.indexBlockOffset))
	if err != nil {
		return nil, err
	}
	block, err := datablock.New(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "decode block %d of %q", blockIdx, me.path)
	}
	return block, nil
}

// readDatablock returns the raw bytes of the block at the given offset,
// serving from the bounded cache when possible. At capacity an arbitrary
// entry is evicted.
func (me *SSTFile) readDatablock(offset, size uint64) ([]byte, error) {
	me.cacheMu.Lock()
	defer me.cacheMu.Unlock()

	if data, ok := me.blockCache[offset]; ok {
		return data, nil
	}
	if len(me.blockCache) >= maxCachedBlocks {
		for victim := range me.blockCache {
			delete(me.blockCache, victim)
			break
		}
	}

	data := make([]byte, size)
	reader := util.NewFileWrapperAt(me.file, offset)
	if _, err := io.ReadFull(&reader, data); err != nil {
		return nil, errors.Wrapf(err, "read block at %d of %q", offset, me.path)
	}
	me.blockCache[offset] = data
	return data, nil
}
