package datablock

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/util"
)

const (
	KeyLenSize     = 2
	ExpirationSize = 8
	ValueTypeSize  = 1
	OffsetSize     = 4
	CountSize      = 4

	// MinEntrySize is the smallest possible serialized entry: an empty-ish
	// key header plus expiration and type fields.
	MinEntrySize = KeyLenSize + ExpirationSize + ValueTypeSize

	MaxKeyLength = 1024
)

// ErrCorrupted is wrapped by every decode failure; callers treat the
// affected block or file as unreadable.
var ErrCorrupted = errors.New("data block corrupted")

// EntrySize returns the on-disk footprint of one entry, including its slot
// in the block's offset table.
func EntrySize(key []byte, value entry.Value) uint64 {
	return uint64(KeyLenSize+len(key)+ExpirationSize+ValueTypeSize+value.PayloadSize()) + OffsetSize
}

// Block is a decoded data block: packed sorted entries, an offset table,
// and a trailing count. The only permitted mutation is flipping an entry's
// type byte to the tombstone tag.
type Block struct {
	data           []byte
	count          uint32
	offsetTablePos uint32

	// maxEntryPos is the first byte past the entry region; no entry field
	// may reach it.
	maxEntryPos uint32
}

func New(data []byte) (*Block, error) {
	if len(data) < CountSize {
		return nil, errors.Wrapf(ErrCorrupted, "block of %d bytes cannot hold a count", len(data))
	}
	count := util.Uint32At(data[len(data)-CountSize:])
	if count == 0 {
		return nil, errors.Wrap(ErrCorrupted, "block contains no entries")
	}
	offsetTableSize := uint64(count) * OffsetSize
	if uint64(len(data)) < CountSize+offsetTableSize {
		return nil, errors.Wrapf(ErrCorrupted,
			"block of %d bytes cannot hold an offset table of %d entries", len(data), count)
	}
	tablePos := uint32(uint64(len(data)) - CountSize - offsetTableSize)
	return &Block{
		data:           data,
		count:          count,
		offsetTablePos: tablePos,
		maxEntryPos:    tablePos,
	}, nil
}

func (me *Block) Count() uint32 {
	return me.count
}

func (me *Block) Data() []byte {
	return me.data
}

// Get returns the entry stored under key, demoting a TTL-expired entry to a
// tombstone. The returned value may be of the removed type; callers decide
// how to interpret that.
func (me *Block) Get(key []byte) (out entry.Value, exists bool, _ error) {
	slot, err := me.lowerBoundSlot(key)
	if err != nil {
		return out, false, err
	}
	if slot >= me.count {
		return out, false, nil
	}
	pos, err := me.posBySlot(slot)
	if err != nil {
		return out, false, err
	}
	entryKey, err := me.parseKey(pos)
	if err != nil {
		return out, false, err
	}
	if !bytes.Equal(entryKey, key) {
		return out, false, nil
	}
	typ, err := me.parseLiveType(pos, uint16(len(entryKey)))
	if err != nil {
		return out, false, err
	}
	if typ == entry.TypeRemoved {
		return entry.Removed(), true, nil
	}
	value, err := me.parseValue(pos, uint16(len(entryKey)), typ)
	if err != nil {
		return out, false, err
	}
	return value, true, nil
}

// GetAt returns the entry in the given slot exactly as stored, without the
// TTL demotion applied by point lookups.
func (me *Block) GetAt(slot uint32) (key []byte, stored entry.Stored, _ error) {
	pos, err := me.posBySlot(slot)
	if err != nil {
		return nil, stored, err
	}
	key, err = me.parseKey(pos)
	if err != nil {
		return nil, stored, err
	}
	cursor := pos + KeyLenSize + uint64(len(key))
	if cursor+ExpirationSize+ValueTypeSize > uint64(me.maxEntryPos) {
		return nil, stored, errors.Wrapf(ErrCorrupted, "entry at %d overruns entry region", pos)
	}
	expirationMS := util.Uint64At(me.data[cursor:])
	typ := entry.Type(me.data[cursor+ExpirationSize])
	if typ == entry.TypeRemoved {
		return key, entry.Stored{Value: entry.Removed(), ExpirationMS: expirationMS}, nil
	}
	value, err := me.parseValue(pos, uint16(len(key)), typ)
	if err != nil {
		return nil, stored, err
	}
	return key, entry.Stored{Value: value, ExpirationMS: expirationMS}, nil
}

// Status classifies a key as existing, removed, or absent. TTL-expired
// entries classify as removed.
func (me *Block) Status(key []byte) (entry.Status, error) {
	slot, err := me.lowerBoundSlot(key)
	if err != nil {
		return entry.StatusNotFound, err
	}
	if slot >= me.count {
		return entry.StatusNotFound, nil
	}
	pos, err := me.posBySlot(slot)
	if err != nil {
		return entry.StatusNotFound, err
	}
	entryKey, err := me.parseKey(pos)
	if err != nil {
		return entry.StatusNotFound, err
	}
	if !bytes.Equal(entryKey, key) {
		return entry.StatusNotFound, nil
	}
	typ, err := me.parseLiveType(pos, uint16(len(entryKey)))
	if err != nil {
		return entry.StatusNotFound, err
	}
	if typ == entry.TypeRemoved {
		return entry.StatusRemoved, nil
	}
	return entry.StatusExists, nil
}

// KeysWithPrefix collects up to max live keys sharing prefix, in order.
func (me *Block) KeysWithPrefix(prefix []byte, max int) (result [][]byte, _ error) {
	if max <= 0 {
		return nil, nil
	}
	_, err := me.ForEachKeyWithPrefix(prefix, func(key []byte) bool {
		result = append(result, key)
		return len(result) < max
	})
	return result, err
}

// ForEachKeyWithPrefix walks live keys sharing prefix in order, stopping
// early if the callback returns false. The bool result reports whether the
// walk ran to the end of the prefix range.
func (me *Block) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) (bool, error) {
	slot, err := me.lowerBoundSlot(prefix)
	if err != nil {
		return false, err
	}
	for ; slot < me.count; slot++ {
		pos, err := me.posBySlot(slot)
		if err != nil {
			return false, err
		}
		key, err := me.parseKey(pos)
		if err != nil {
			return false, err
		}
		if !bytes.HasPrefix(key, prefix) {
			return true, nil
		}
		typ, err := me.parseLiveType(pos, uint16(len(key)))
		if err != nil {
			return false, err
		}
		if typ == entry.TypeRemoved {
			continue
		}
		if !callback(key) {
			return false, nil
		}
	}
	return true, nil
}

// Remove flips the entry's type byte to the tombstone tag in place.
// It reports whether the key is present (already-removed counts) and is
// idempotent.
func (me *Block) Remove(key []byte) (bool, error) {
	slot, err := me.lowerBoundSlot(key)
	if err != nil {
		return false, err
	}
	if slot >= me.count {
		return false, nil
	}
	pos, err := me.posBySlot(slot)
	if err != nil {
		return false, err
	}
	entryKey, err := me.parseKey(pos)
	if err != nil {
		return false, err
	}
	if !bytes.Equal(entryKey, key) {
		return false, nil
	}
	typ, err := me.parseLiveType(pos, uint16(len(entryKey)))
	if err != nil {
		return false, err
	}
	if typ == entry.TypeRemoved {
		return true, nil
	}
	me.data[pos+KeyLenSize+uint64(len(entryKey))+ExpirationSize] = byte(entry.TypeRemoved)
	return true, nil
}

func (me *Block) posBySlot(slot uint32) (uint64, error) {
	if slot >= me.count {
		return 0, errors.Wrapf(ErrCorrupted, "slot %d out of range (count %d)", slot, me.count)
	}
	tableEntry := uint64(me.offsetTablePos) + uint64(slot)*OffsetSize
	pos := uint64(util.Uint32At(me.data[tableEntry:]))
	if pos >= uint64(me.maxEntryPos) {
		return 0, errors.Wrapf(ErrCorrupted, "offset %d points outside the entry region", pos)
	}
	return pos, nil
}

func (me *Block) parseKey(pos uint64) ([]byte, error) {
	if pos+KeyLenSize > uint64(me.maxEntryPos) {
		return nil, errors.Wrapf(ErrCorrupted, "key length at %d overruns entry region", pos)
	}
	keyLen := util.Uint16At(me.data[pos:])
	if keyLen == 0 || keyLen > MaxKeyLength {
		return nil, errors.Wrapf(ErrCorrupted, "invalid key length %d", keyLen)
	}
	if pos+KeyLenSize+uint64(keyLen) > uint64(me.maxEntryPos) {
		return nil, errors.Wrapf(ErrCorrupted, "key of %d bytes at %d overruns entry region", keyLen, pos)
	}
	return me.data[pos+KeyLenSize : pos+KeyLenSize+uint64(keyLen)], nil
}

// parseLiveType reads the type tag, demoting a TTL-expired entry to the
// tombstone tag.
func (me *Block) parseLiveType(pos uint64, keyLen uint16) (entry.Type, error) {
	cursor := pos + KeyLenSize + uint64(keyLen)
	if cursor+ExpirationSize+ValueTypeSize > uint64(me.maxEntryPos) {
		return 0, errors.Wrapf(ErrCorrupted, "entry at %d overruns entry region", pos)
	}
	expirationMS := util.Uint64At(me.data[cursor:])
	if entry.IsExpired(expirationMS) {
		return entry.TypeRemoved, nil
	}
	typ := entry.Type(me.data[cursor+ExpirationSize])
	if !typ.IsValid() {
		return 0, errors.Wrapf(ErrCorrupted, "unknown value type tag 0x%02x", uint8(typ))
	}
	return typ, nil
}

func (me *Block) parseValue(pos uint64, keyLen uint16, typ entry.Type) (entry.Value, error) {
	cursor := pos + KeyLenSize + uint64(keyLen) + ExpirationSize + ValueTypeSize
	if cursor > uint64(me.maxEntryPos) {
		return entry.Value{}, errors.Wrapf(ErrCorrupted, "entry at %d overruns entry region", pos)
	}
	value, _, err := entry.DecodePayload(typ, me.data[cursor:me.maxEntryPos])
	if err != nil {
		return entry.Value{}, errors.Wrapf(ErrCorrupted, "value at %d: %s", cursor, err)
	}
	return value, nil
}

// lowerBoundSlot returns the first slot whose key is >= target, or count if
// every key is smaller.
func (me *Block) lowerBoundSlot(target []byte) (uint32, error) {
	left, right := uint32(0), me.count
	for left < right {
		mid := left + (right-left)/2
		pos, err := me.posBySlot(mid)
		if err != nil {
			return 0, err
		}
		key, err := me.parseKey(pos)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(target, key) <= 0 {
			right = mid
		} else {
			left = mid + 1
		}
	}
	return left, nil
}
