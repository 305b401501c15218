package sstable

import (
	"bytes"
	"os"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/datablock"
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/util"
)

// Builder streams sorted entries into a new SST file. The header is written
// lazily on the first entry; Finalize flushes the trailing data block,
// appends the index region and footer, and returns an open reader that
// reuses the in-memory index.
type Builder struct {
	path         string
	file         *os.File
	writer       util.FileWrapper
	dataBuilder  *datablock.Builder
	indexBuilder IndexBlockBuilder
	index        []IndexEntry
	seqNum       uint64
	lastKey      []byte
	started      bool
	finished     bool
}

func NewBuilder(path string, maxBlockSize uint32, seqNum uint64) (*Builder, error) {
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "create SST %q", path)
	}
	return &Builder{
		path:        path,
		file:        file,
		writer:      util.NewFileWrapper(file),
		dataBuilder: datablock.NewBuilder(maxBlockSize),
		seqNum:      seqNum,
	}, nil
}

// CurrentSize is the size the file would have if finalized now.
func (me *Builder) CurrentSize() uint64 {
	return me.writer.Offset() + me.dataBuilder.Size() + me.indexBuilder.Size()
}

func (me *Builder) SeqNum() uint64 {
	return me.seqNum
}

// AddEntry appends one entry; keys must arrive in strictly increasing
// order.
func (me *Builder) AddEntry(key []byte, stored entry.Stored) error {
	if bytes.Compare(key, me.lastKey) != 1 {
		return errors.Errorf("out of order entry append attempt: %q after %q", key, me.lastKey)
	}
	if err := me.start(key); err != nil {
		return err
	}
	if !me.dataBuilder.Add(key, stored) {
		if err := me.flushDataBlock(); err != nil {
			return err
		}
		me.recordBlockStart(key)
		if !me.dataBuilder.Add(key, stored) {
			return errors.Errorf("entry %q does not fit an empty data block", key)
		}
	}
	me.lastKey = bytes.Clone(key)
	return nil
}

// AddDataBlock appends an already-serialized data block whose keys are all
// greater than anything added so far. maxKey may be nil when the block is
// known not to be the last one.
func (me *Builder) AddDataBlock(minKey []byte, raw []byte, maxKey []byte) error {
	if err := me.start(minKey); err != nil {
		return err
	}
	if !me.dataBuilder.Empty() {
		return errors.New("cannot append a whole block mid-block")
	}
	me.recordBlockStartIfNeeded(minKey)
	if _, err := me.writer.Write(raw); err != nil {
		return errors.Wrapf(err, "write data block to %q", me.path)
	}
	if len(maxKey) > 0 {
		me.lastKey = bytes.Clone(maxKey)
	} else {
		me.lastKey = bytes.Clone(minKey)
	}
	return nil
}

// Finalize flushes the trailing block, writes the index region and footer,
// syncs, and reopens the result for reading. It returns nil when no entry
// was ever added; the empty file is removed.
func (me *Builder) Finalize() (*SSTFile, error) {
	me.finished = true
	if !me.started {
		_ = me.file.Close()
		_ = os.Remove(me.path)
		return nil, nil
	}

	if !me.dataBuilder.Empty() {
		if err := me.flushDataBlock(); err != nil {
			return nil, err
		}
	}

	indexBlockOffset := me.writer.Offset()
	indexData := me.indexBuilder.Build()
	if _, err := me.writer.Write(indexData); err != nil {
		return nil, errors.Wrapf(err, "write index block to %q", me.path)
	}
	if err := me.file.Sync(); err != nil {
		return nil, errors.Wrapf(err, "sync SST %q", me.path)
	}
	if err := me.file.Close(); err != nil {
		return nil, errors.Wrapf(err, "close SST %q", me.path)
	}

	file, err := os.OpenFile(me.path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "reopen SST %q", me.path)
	}
	return &SSTFile{
		path:             me.path,
		file:             file,
		index:            me.index,
		indexBlockOffset: indexBlockOffset,
		seqNum:           me.seqNum,
		maxKey:           me.lastKey,
		blockCache:       map[uint64][]byte{},
	}, nil
}

// Abort discards the partially built file. Calling it after a successful
// Finalize is a no-op.
func (me *Builder) Abort() {
	if me.finished {
		return
	}
	me.finished = true
	_ = me.file.Close()
	_ = os.Remove(me.path)
}

func (me *Builder) start(firstKey []byte) error {
	if me.started {
		return nil
	}
	header := Header{SeqNum: me.seqNum}
	if _, err := header.WriteTo(&me.writer); err != nil {
		return errors.Wrapf(err, "write SST header to %q", me.path)
	}
	me.started = true
	me.recordBlockStart(firstKey)
	return nil
}

func (me *Builder) recordBlockStart(key []byte) {
	offset := me.writer.Offset()
	me.indexBuilder.AddKey(key, offset)
	me.index = append(me.index, IndexEntry{MinKey: bytes.Clone(key), Offset: offset})
}

// recordBlockStartIfNeeded starts a new index entry unless the current file
// position is already the recorded start of a block.
func (me *Builder) recordBlockStartIfNeeded(key []byte) {
	if len(me.index) > 0 && me.index[len(me.index)-1].Offset == me.writer.Offset() {
		return
	}
	me.recordBlockStart(key)
}

func (me *Builder) flushDataBlock() error {
	raw := me.dataBuilder.Build()
	if _, err := me.writer.Write(raw); err != nil {
		return errors.Wrapf(err, "write data block to %q", me.path)
	}
	return nil
}
