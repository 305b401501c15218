package datablock

import (
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/util"
)

// Builder accumulates sorted entries into a packed block. Callers are
// responsible for feeding keys in strictly increasing order; the builder
// only enforces the size bound.
type Builder struct {
	maxBlockSize uint32
	offsetTable  []uint32
	rawData      []byte
	count        uint32
}

func NewBuilder(maxBlockSize uint32) *Builder {
	return &Builder{
		maxBlockSize: maxBlockSize,
		rawData:      make([]byte, 0, maxBlockSize),
	}
}

// Add appends one entry to the block under construction. It returns false,
// leaving the builder untouched, when the finalized block would exceed the
// block size budget.
func (me *Builder) Add(key []byte, stored entry.Stored) bool {
	offsetTableSize := uint64(len(me.offsetTable)) * OffsetSize
	newSize := uint64(len(me.rawData)) + EntrySize(key, stored.Value) + offsetTableSize + CountSize
	if newSize > uint64(me.maxBlockSize) {
		return false
	}

	me.offsetTable = append(me.offsetTable, uint32(len(me.rawData)))
	me.rawData = util.AppendUint16(me.rawData, uint16(len(key)))
	me.rawData = append(me.rawData, key...)
	me.rawData = util.AppendUint64(me.rawData, stored.ExpirationMS)
	me.rawData = append(me.rawData, byte(stored.Value.Type()))
	me.rawData = stored.Value.AppendPayload(me.rawData)
	me.count++
	return true
}

func (me *Builder) Empty() bool {
	return me.count == 0
}

// Size is the serialized size the block would have if built now.
func (me *Builder) Size() uint64 {
	return uint64(len(me.rawData)) + uint64(len(me.offsetTable))*OffsetSize + CountSize
}

// Build appends the offset table and count, returns the finalized block
// bytes, and resets the builder for the next block.
func (me *Builder) Build() []byte {
	for _, offset := range me.offsetTable {
		me.rawData = util.AppendUint32(me.rawData, offset)
	}
	me.rawData = util.AppendUint32(me.rawData, me.count)

	out := me.rawData
	me.rawData = make([]byte, 0, me.maxBlockSize)
	me.offsetTable = me.offsetTable[:0]
	me.count = 0
	return out
}
