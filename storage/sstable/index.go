package sstable

import (
	"bytes"
	"slices"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/util"
)

// IndexEntry locates one data block: the block's first key and its absolute
// file offset.
type IndexEntry struct {
	MinKey []byte
	Offset uint64
}

// findBlock returns the position of the last index entry whose MinKey is
// <= key, or -1 when every block starts past key.
func findBlock(index []IndexEntry, key []byte) int {
	idx, _ := slices.BinarySearchFunc(index, key, func(e IndexEntry, target []byte) int {
		return bytes.Compare(e.MinKey, target)
	})
	if idx < len(index) && bytes.Equal(index[idx].MinKey, key) {
		return idx
	}
	return idx - 1
}

// blockSize computes the serialized size of block i given the offset where
// the index region begins.
func blockSize(index []IndexEntry, i int, indexBlockOffset uint64) uint64 {
	if i == len(index)-1 {
		return indexBlockOffset - index[i].Offset
	}
	return index[i+1].Offset - index[i].Offset
}

// parseIndex decodes the index region: per block a length-prefixed min key
// followed by a 64-bit offset.
func parseIndex(buf []byte, indexBlockOffset uint64) (out []IndexEntry, _ error) {
	pos := uint64(0)
	var prevOffset uint64
	for pos+IndexKeyLenSize < uint64(len(buf)) {
		keyLen := uint64(util.Uint16At(buf[pos:]))
		if keyLen == 0 || pos+IndexKeyLenSize+keyLen+IndexOffsetSize > uint64(len(buf)) {
			return nil, errors.Wrapf(ErrCorrupted, "invalid key length %d in index block", keyLen)
		}
		pos += IndexKeyLenSize
		minKey := make([]byte, keyLen)
		copy(minKey, buf[pos:pos+keyLen])
		pos += keyLen
		offset := util.Uint64At(buf[pos:])
		pos += IndexOffsetSize

		if offset < HeaderSize || offset >= indexBlockOffset {
			return nil, errors.Wrapf(ErrCorrupted, "index offset %d outside data region", offset)
		}
		if len(out) > 0 {
			if offset <= prevOffset {
				return nil, errors.Wrap(ErrCorrupted, "index offsets not increasing")
			}
			if bytes.Compare(minKey, out[len(out)-1].MinKey) <= 0 {
				return nil, errors.Wrap(ErrCorrupted, "index keys not increasing")
			}
		}
		out = append(out, IndexEntry{MinKey: minKey, Offset: offset})
		prevOffset = offset
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrCorrupted, "empty index block")
	}
	return out, nil
}

// IndexBlockBuilder serializes the index region plus its trailing size
// footer.
type IndexBlockBuilder struct {
	rawData []byte
}

func (me *IndexBlockBuilder) AddKey(key []byte, offset uint64) {
	me.rawData = util.AppendUint16(me.rawData, uint16(len(key)))
	me.rawData = append(me.rawData, key...)
	me.rawData = util.AppendUint64(me.rawData, offset)
}

// Size is the serialized size of the index region including the footer.
func (me *IndexBlockBuilder) Size() uint64 {
	return uint64(len(me.rawData)) + FooterSize
}

// Build appends the footer and returns the finalized bytes, resetting the
// builder.
func (me *IndexBlockBuilder) Build() []byte {
	me.rawData = util.AppendUint32(me.rawData, uint32(len(me.rawData)))
	out := me.rawData
	me.rawData = nil
	return out
}
