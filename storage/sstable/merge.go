package sstable

import (
	"bytes"
	"fmt"
	"iter"
	"path/filepath"
	"slices"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/util/heap"
)

type MergeArgs struct {
	SrcPath string

	// DstPaths are pairwise non-overlapping and sorted by min key. Src may
	// overlap any subset of them or be disjoint.
	DstPaths []string

	OutDir      string
	MaxFileSize uint64
	BlockSize   uint32

	// KeepRemoved carries tombstones into the output; merges into the
	// terminal tier drop them instead.
	KeepRemoved bool
}

// Merge combines one source SST with the ordered destination SSTs of the
// next tier, producing at most len(DstPaths)+1 outputs in the out
// directory. Equal keys resolve to the entry with the larger sequence
// number; outputs reuse the sorted input sequence numbers smallest-first.
func Merge(args MergeArgs) (result []*SSTFile, err error) {
	src, err := Open(args.SrcPath)
	if err != nil {
		return nil, err
	}
	defer src.Close()

	if len(args.DstPaths) == 0 {
		out, err := copyFiltered(src, args)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return nil, nil
		}
		return []*SSTFile{out}, nil
	}

	dsts := make([]*SSTFile, 0, len(args.DstPaths))
	defer func() {
		for _, dst := range dsts {
			_ = dst.Close()
		}
	}()
	for _, path := range args.DstPaths {
		dst, err := Open(path)
		if err != nil {
			return nil, err
		}
		dsts = append(dsts, dst)
	}

	srcBefore := bytes.Compare(src.MaxKey(), dsts[0].MinKey()) < 0
	srcAfter := bytes.Compare(src.MinKey(), dsts[len(dsts)-1].MaxKey()) > 0
	if len(dsts) == 1 && (srcBefore || srcAfter) {
		out, err := concatenate(src, dsts[0], srcBefore, args)
		if err != nil {
			return nil, err
		}
		return []*SSTFile{out}, nil
	}

	return mergeOrdered(src, dsts, args)
}

// copyFiltered rewrites src alone, applying the tombstone and expiration
// policy. The result is nil when nothing survives.
func copyFiltered(src *SSTFile, args MergeArgs) (*SSTFile, error) {
	builder, err := NewBuilder(mergedPath(args.OutDir, src.SeqNum()), args.BlockSize, src.SeqNum())
	if err != nil {
		return nil, err
	}
	defer builder.Abort()

	for item, err := range src.Entries() {
		if err != nil {
			return nil, err
		}
		stored, keep := mergePolicy(item.Stored, args.KeepRemoved)
		if !keep {
			continue
		}
		if err := builder.AddEntry(item.Key, stored); err != nil {
			return nil, err
		}
	}
	return builder.Finalize()
}

// concatenate is the disjoint-range fast path: whole data blocks of both
// inputs are appended in order with no per-entry re-encoding.
func concatenate(src, dst *SSTFile, srcFirst bool, args MergeArgs) (*SSTFile, error) {
	seqNum := min(src.SeqNum(), dst.SeqNum())
	builder, err := NewBuilder(mergedPath(args.OutDir, seqNum), args.BlockSize, seqNum)
	if err != nil {
		return nil, err
	}
	defer builder.Abort()

	copyBlocks := func(file *SSTFile) error {
		for i := range file.index {
			raw, err := file.readDatablock(file.index[i].Offset, blockSize(file.index, i, file.indexBlockOffset))
			if err != nil {
				return err
			}
			var maxKey []byte
			if i == len(file.index)-1 {
				maxKey = file.MaxKey()
			}
			if err := builder.AddDataBlock(file.index[i].MinKey, raw, maxKey); err != nil {
				return err
			}
		}
		return nil
	}

	first, second := dst, src
	if srcFirst {
		first, second = src, dst
	}
	if err := copyBlocks(first); err != nil {
		return nil, err
	}
	if err := copyBlocks(second); err != nil {
		return nil, err
	}
	return builder.Finalize()
}

func mergeOrdered(src *SSTFile, dsts []*SSTFile, args MergeArgs) (result []*SSTFile, _ error) {
	seqNums := make([]uint64, 0, len(dsts)+1)
	seqNums = append(seqNums, src.SeqNum())
	for _, dst := range dsts {
		seqNums = append(seqNums, dst.SeqNum())
	}
	slices.Sort(seqNums)

	mux := newTableMux()
	for _, file := range append([]*SSTFile{src}, dsts...) {
		next, stop := iter.Pull2(file.Entries())
		defer stop()
		if err := mux.AddIterator(next, file.SeqNum()); err != nil {
			return nil, err
		}
	}

	abortAll := func() {
		for _, out := range result {
			_ = out.Close()
		}
	}

	seqIdx := 0
	builder, err := NewBuilder(mergedPath(args.OutDir, seqNums[seqIdx]), args.BlockSize, seqNums[seqIdx])
	if err != nil {
		return nil, err
	}
	defer func() { builder.Abort() }()

	for {
		item, hasNext, err := mux.NextEntry()
		if err != nil {
			abortAll()
			return nil, err
		}
		if !hasNext {
			break
		}

		stored, keep := mergePolicy(item.Stored, args.KeepRemoved)
		if !keep {
			continue
		}

		if builder.CurrentSize() >= args.MaxFileSize-uint64(args.BlockSize) {
			out, err := builder.Finalize()
			if err != nil {
				abortAll()
				return nil, err
			}
			if out != nil {
				result = append(result, out)
			}
			seqIdx++
			if seqIdx >= len(seqNums) {
				abortAll()
				return nil, errors.Errorf("merge produced more than %d outputs", len(seqNums))
			}
			builder, err = NewBuilder(mergedPath(args.OutDir, seqNums[seqIdx]), args.BlockSize, seqNums[seqIdx])
			if err != nil {
				abortAll()
				return nil, err
			}
		}

		if err := builder.AddEntry(item.Key, stored); err != nil {
			abortAll()
			return nil, err
		}
	}

	out, err := builder.Finalize()
	if err != nil {
		abortAll()
		return nil, err
	}
	if out != nil {
		result = append(result, out)
	}
	return result, nil
}

// mergePolicy decides whether one record crosses a merge: expired entries
// never do, whatever KeepRemoved says, and tombstones survive only while
// KeepRemoved holds.
func mergePolicy(stored entry.Stored, keepRemoved bool) (entry.Stored, bool) {
	if !stored.IsTombstone() && entry.IsExpired(stored.ExpirationMS) {
		return stored, false
	}
	if stored.IsTombstone() && !keepRemoved {
		return stored, false
	}
	return stored, true
}

func mergedPath(outDir string, seqNum uint64) string {
	return filepath.Join(outDir, fmt.Sprintf("merged_%d.tmp", seqNum))
}

type tableMuxEntry struct {
	current Item
	seqNum  uint64
	next    func() (Item, error, bool)
}

type tableMux struct {
	heap         heap.Heap[tableMuxEntry]
	lastKey      []byte
	lastKeyIsSet bool
}

func newTableMux() tableMux {
	return tableMux{
		heap: heap.NewHeap(func(a, b tableMuxEntry) int {
			// pick lower keys first, and upon ties pick the file with the
			// larger sequence number first; this makes the newest write win

			bytesComp := bytes.Compare(a.current.Key, b.current.Key)
			if bytesComp != 0 {
				return bytesComp
			}
			switch {
			case a.seqNum > b.seqNum:
				return -1
			case a.seqNum < b.seqNum:
				return 1
			default:
				return 0
			}
		}),
	}
}

func (me *tableMux) AddIterator(next func() (Item, error, bool), seqNum uint64) error {
	item, err, exists := next()
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	me.heap.Push(tableMuxEntry{
		current: item,
		seqNum:  seqNum,
		next:    next,
	})
	return nil
}

func (me *tableMux) NextEntry() (out Item, hasNext bool, _ error) {
	for me.heap.Size() > 0 {
		muxEntry := me.heap.Pop()

		item, err, hasNext := muxEntry.next()
		if err != nil {
			return muxEntry.current, false, err
		}
		if hasNext {
			me.heap.Push(tableMuxEntry{
				current: item,
				seqNum:  muxEntry.seqNum,
				next:    muxEntry.next,
			})
		}

		// don't re-emit keys that were already resolved to a newer entry
		if me.lastKeyIsSet && bytes.Equal(muxEntry.current.Key, me.lastKey) {
			continue
		}

		me.lastKey = muxEntry.current.Key
		me.lastKeyIsSet = true
		return muxEntry.current, true, nil
	}

	return out, false, nil
}
