package simplestorage

import (
	"bytes"
	"iter"
	"math/rand/v2"
	"sync/atomic"

	"github.com/navijation/vsst/storage/entry"
)

const (
	skiplistMaxLevel = 20
	skiplistP        = 0.5
)

// skiplistNode carries a full-height forward-pointer array regardless of the
// level drawn at insertion; the level only bounds how many pointers get
// linked.
type skiplistNode struct {
	key     []byte
	stored  entry.Stored
	next    [skiplistMaxLevel]atomic.Pointer[skiplistNode]
	removed atomic.Bool
}

// skiplist is a lock-free ordered map from keys to stored entries. Inserts
// of an existing key logically remove the prior node (CAS on its removed
// flag) before linking the replacement; there is no physical erase, the
// garbage collector reclaims superseded nodes once unreachable.
type skiplist struct {
	head  *skiplistNode
	count atomic.Int64
}

func newSkiplist() *skiplist {
	return &skiplist{head: &skiplistNode{}}
}

func skiplistRandomLevel() int {
	lvl := 1
	for rand.Float32() < skiplistP && lvl < skiplistMaxLevel {
		lvl++
	}
	return lvl
}

// findNodes fills preds and succs for levels [minLevel, skiplistMaxLevel)
// such that preds[lvl].key <= key < succs[lvl].key, traversing from
// startNode. Removed nodes participate in the ordering so that a
// same-keyed predecessor is always the most recently linked node.
func (me *skiplist) findNodes(
	key []byte, minLevel int, startNode *skiplistNode,
	preds, succs *[skiplistMaxLevel]*skiplistNode,
) {
	curr := startNode
	for lvl := skiplistMaxLevel - 1; lvl >= minLevel; lvl-- {
		next := curr.next[lvl].Load()
		for next != nil && bytes.Compare(next.key, key) <= 0 {
			curr = next
			next = curr.next[lvl].Load()
		}
		preds[lvl] = curr
		succs[lvl] = next
	}
}

// Insert links a new node for key, first marking any live node with the
// same key as removed. The level-0 CAS is the commit point: once it
// succeeds, every subsequent Find observes the new entry. Upper levels are
// linked best-effort with restart on conflict.
func (me *skiplist) Insert(key []byte, stored entry.Stored) {
	var preds, succs [skiplistMaxLevel]*skiplistNode

	lvl := skiplistRandomLevel()
	node := &skiplistNode{key: key, stored: stored}
	wasRemoved := false
	startNode := me.head
	for {
		me.findNodes(key, 0, startNode, &preds, &succs)
		startNode = preds[0]
		if !wasRemoved && preds[0] != me.head && bytes.Equal(preds[0].key, key) {
			if !preds[0].removed.CompareAndSwap(false, true) {
				// a concurrent insert of the same key won the removal; retry
				// against the node it is about to link
				continue
			}
			wasRemoved = true
		}
		node.next[0].Store(succs[0])
		if preds[0].next[0].CompareAndSwap(succs[0], node) {
			break
		}
	}

	for i := 1; i < lvl; i++ {
		for {
			node.next[i].Store(succs[i])
			if preds[i].next[i].CompareAndSwap(succs[i], node) {
				break
			}
			me.findNodes(key, i, startNode, &preds, &succs)
		}
	}

	if !wasRemoved {
		me.count.Add(1)
	}
}

// lowerBoundNode returns the first live node with key >= target, or nil.
func (me *skiplist) lowerBoundNode(key []byte) *skiplistNode {
	curr := me.head
	for lvl := skiplistMaxLevel - 1; lvl >= 0; lvl-- {
		next := curr.next[lvl].Load()
		for next != nil && bytes.Compare(next.key, key) < 0 {
			curr = next
			next = curr.next[lvl].Load()
		}
	}
	curr = curr.next[0].Load()
	for curr != nil && curr.removed.Load() {
		curr = curr.next[0].Load()
	}
	return curr
}

// Find returns the live entry stored under key.
func (me *skiplist) Find(key []byte) (out entry.Stored, exists bool) {
	node := me.lowerBoundNode(key)
	if node != nil && bytes.Equal(node.key, key) {
		return node.stored, true
	}
	return out, false
}

// Count is eventually consistent with the number of live nodes; it is not
// a strong invariant between threads.
func (me *skiplist) Count() int64 {
	return me.count.Load()
}

// All yields live entries in key order. Iteration holds no locks; entries
// inserted or replaced concurrently may or may not be observed.
func (me *skiplist) All() iter.Seq2[[]byte, entry.Stored] {
	return me.From(nil)
}

// From yields live entries with key >= start, in key order.
func (me *skiplist) From(start []byte) iter.Seq2[[]byte, entry.Stored] {
	return func(yield func([]byte, entry.Stored) bool) {
		node := me.lowerBoundNode(start)
		for node != nil {
			if !node.removed.Load() {
				if !yield(node.key, node.stored) {
					return
				}
			}
			node = node.next[0].Load()
		}
	}
}
