package simplestorage

import (
	"bytes"
	"iter"
	"sync/atomic"

	"github.com/navijation/vsst/storage/datablock"
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/sstable"
)

// MemTable adapts the lock-free skiplist with TTL awareness and an
// approximate on-disk size accounting used to decide when to flush.
type MemTable struct {
	maxSizeBytes     uint64
	currentSizeBytes atomic.Uint64
	data             *skiplist
}

func newMemTable(maxSizeBytes uint64) *MemTable {
	out := &MemTable{
		maxSizeBytes: maxSizeBytes,
		data:         newSkiplist(),
	}
	// approximate fixed overhead of the SST this table will flush into
	out.currentSizeBytes.Store(sstable.HeaderSize + sstable.IndexKeyLenSize + sstable.IndexOffsetSize)
	return out
}

// Put inserts or replaces an entry. Size is accumulated additively on the
// first insertion of a key; replacements are not re-counted.
func (me *MemTable) Put(key []byte, stored entry.Stored) {
	_, existed := me.data.Find(key)
	me.data.Insert(bytes.Clone(key), stored)
	if !existed {
		me.currentSizeBytes.Add(datablock.EntrySize(key, stored.Value))
	}
}

// Get returns the entry stored under key; a TTL-expired entry reads as a
// tombstone.
func (me *MemTable) Get(key []byte) (out entry.Value, exists bool) {
	stored, exists := me.data.Find(key)
	if !exists {
		return out, false
	}
	if entry.IsExpired(stored.ExpirationMS) {
		return entry.Removed(), true
	}
	return stored.Value, true
}

// Remove replaces the entry under key with a tombstone iff the key is
// present, reporting whether it was.
func (me *MemTable) Remove(key []byte) bool {
	if _, exists := me.data.Find(key); !exists {
		return false
	}
	me.data.Insert(bytes.Clone(key), entry.Tombstone())
	return true
}

func (me *MemTable) Status(key []byte) entry.Status {
	stored, exists := me.data.Find(key)
	switch {
	case !exists:
		return entry.StatusNotFound
	case entry.IsExpired(stored.ExpirationMS) || stored.IsTombstone():
		return entry.StatusRemoved
	default:
		return entry.StatusExists
	}
}

// KeysWithPrefix collects up to max live keys sharing prefix, in order.
func (me *MemTable) KeysWithPrefix(prefix []byte, max int) (result [][]byte) {
	if max <= 0 {
		return nil
	}
	me.ForEachKeyWithPrefix(prefix, func(key []byte) bool {
		result = append(result, key)
		return len(result) < max
	})
	return result
}

// ForEachKeyWithPrefix walks live, unexpired keys sharing prefix in order
// until the callback returns false. The result reports whether the walk ran
// to the end of the prefix range.
func (me *MemTable) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) bool {
	for key, stored := range me.data.From(prefix) {
		if !bytes.HasPrefix(key, prefix) {
			return true
		}
		if stored.IsTombstone() || entry.IsExpired(stored.ExpirationMS) {
			continue
		}
		if !callback(key) {
			return false
		}
	}
	return true
}

// Full reports whether the accumulated approximate on-disk footprint has
// reached the memtable budget.
func (me *MemTable) Full() bool {
	return me.currentSizeBytes.Load() >= me.maxSizeBytes
}

func (me *MemTable) Count() int64 {
	return me.data.Count()
}

// All yields every entry, tombstones included, in key order.
func (me *MemTable) All() iter.Seq2[[]byte, entry.Stored] {
	return me.data.All()
}
