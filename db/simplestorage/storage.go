// Package simplestorage implements an embedded log-structured merge
// key-value store: a lock-free memtable, an overlapping level-0 tier fed by
// flushes, and non-overlapping general tiers compacted by a background
// worker with a crash-safe merge journal.
package simplestorage

import (
	"fmt"
	"io/fs"
	"log"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/navijation/vsst/storage/datablock"
	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/mergelog"
	"github.com/navijation/vsst/storage/sstable"
	"github.com/navijation/vsst/util"
)

const (
	level0DirName     = "level0"
	levelDirPrefix    = "level"
	memtableFlushName = "memtable.vsst.tmp"
	tmpFileExtension  = ".tmp"
)

// SimpleStorage is the engine: tier 0 is the memtable, tier 1 is level 0,
// tiers 2+ are general levels, the last of which is terminal. A
// readers-writer lock guards the tier vector; one worker goroutine owns
// merge, async-remove, and shrink tasks.
type SimpleStorage struct {
	config  Config
	dataDir string

	memtable   *MemTable
	fileLevels []fileLevel

	rwLock sync.RWMutex

	taskChan chan any
	pending  atomic.Int64
	done     chan struct{}
	wg       sync.WaitGroup
	stopped  atomic.Bool

	seqNum atomic.Uint64
	lock   *lockFile
}

type OpenArgs struct {
	Path string

	// Config applies only when the data directory has no manifest yet; an
	// existing manifest is binding.
	Config util.Optional[Config]
}

func Open(args OpenArgs) (out *SimpleStorage, err error) {
	if err := os.MkdirAll(args.Path, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create data directory %q", args.Path)
	}

	lock, err := acquireLockFile(filepath.Join(args.Path, lockFileName))
	if err != nil {
		return nil, err
	}

	built := &SimpleStorage{
		dataDir:  args.Path,
		taskChan: make(chan any, 128),
		done:     make(chan struct{}),
		lock:     lock,
	}
	out = built

	defer func() {
		if err != nil {
			for _, level := range built.fileLevels {
				level.Close()
			}
			_ = lock.Release()
		}
	}()

	config, err := loadOrCreateManifest(args.Path, args.Config.Or(DefaultConfig()))
	if err != nil {
		return nil, err
	}
	out.config = config
	out.memtable = newMemTable(config.MemtableSizeBytes)

	levelZero, err := newLevelZero(filepath.Join(args.Path, level0DirName), config.L0MaxFiles)
	if err != nil {
		return nil, err
	}
	out.fileLevels = append(out.fileLevels, levelZero)

	for i, params := range generalTierParams(config) {
		dirName := fmt.Sprintf("%s%d", levelDirPrefix, i+1)
		level, err := newGeneralLevel(filepath.Join(args.Path, dirName),
			params.maxFileSize, params.maxNumFiles, params.isLast)
		if err != nil {
			return nil, err
		}
		out.fileLevels = append(out.fileLevels, level)
	}

	if err := out.completeMerge(); err != nil {
		return nil, err
	}
	if err := out.removeAllTemporaryFiles(); err != nil {
		return nil, err
	}

	var maxSeq uint64
	for _, level := range out.fileLevels {
		maxSeq = max(maxSeq, level.MaxSeqNum())
	}
	out.seqNum.Store(maxSeq)

	out.runWorker()
	if config.ShrinkTimerMinutes > 0 {
		out.runShrinkTimer(time.Duration(config.ShrinkTimerMinutes) * time.Minute)
	}
	return out, nil
}

// Close stops the worker, closes every tier's file handles, and releases
// the directory lock. In-flight tasks run to completion first.
func (me *SimpleStorage) Close() error {
	if me.stopped.Swap(true) {
		return nil
	}
	close(me.done)
	me.wg.Wait()

	me.rwLock.Lock()
	for _, level := range me.fileLevels {
		level.Close()
	}
	me.rwLock.Unlock()

	return me.lock.Release()
}

// Put inserts or replaces the value stored under key.
func (me *SimpleStorage) Put(key []byte, value entry.Value) error {
	return me.putStored(key, entry.Stored{Value: value, ExpirationMS: entry.ExpirationNone})
}

// PutWithTTL inserts the value with an absolute deadline of now + ttl.
func (me *SimpleStorage) PutWithTTL(key []byte, value entry.Value, ttl time.Duration) error {
	return me.putStored(key, entry.Stored{Value: value, ExpirationMS: entry.Deadline(ttl)})
}

func (me *SimpleStorage) putStored(key []byte, stored entry.Stored) error {
	if err := me.checkState(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}
	if stored.Value.IsRemoved() {
		return ErrValueRemoved
	}
	if datablock.EntrySize(key, stored.Value)+datablock.CountSize > uint64(me.config.BlockSize) {
		return errors.Wrapf(ErrEntryTooLarge, "%d bytes exceed block size %d",
			datablock.EntrySize(key, stored.Value), me.config.BlockSize)
	}

	me.rwLock.Lock()
	me.memtable.Put(key, stored)
	var task any
	var err error
	if me.memtable.Full() {
		task, err = me.flushImpl()
	}
	me.rwLock.Unlock()

	if task != nil {
		me.enqueueTask(task)
	}
	return err
}

// Get returns the live value stored under key; a tombstone or TTL-expired
// entry reads as absent.
func (me *SimpleStorage) Get(key []byte) (out entry.Value, exists bool, _ error) {
	if err := me.checkState(); err != nil {
		return out, false, err
	}

	me.rwLock.RLock()
	defer me.rwLock.RUnlock()

	if value, ok := me.memtable.Get(key); ok {
		if value.IsRemoved() {
			return out, false, nil
		}
		return value, true, nil
	}
	for _, level := range me.fileLevels {
		value, ok, err := level.Get(key)
		if err != nil {
			return out, false, err
		}
		if ok {
			if value.IsRemoved() {
				return out, false, nil
			}
			return value, true, nil
		}
	}
	return out, false, nil
}

// Exists reports whether key currently maps to a live value.
func (me *SimpleStorage) Exists(key []byte) (bool, error) {
	if err := me.checkState(); err != nil {
		return false, err
	}

	me.rwLock.RLock()
	defer me.rwLock.RUnlock()

	switch me.memtable.Status(key) {
	case entry.StatusExists:
		return true, nil
	case entry.StatusRemoved:
		return false, nil
	}
	for _, level := range me.fileLevels {
		status, err := level.Status(key)
		if err != nil {
			return false, err
		}
		switch status {
		case entry.StatusExists:
			return true, nil
		case entry.StatusRemoved:
			return false, nil
		}
	}
	return false, nil
}

// Remove writes a deletion tombstone for key. It shadows every older
// version regardless of which tier holds it.
func (me *SimpleStorage) Remove(key []byte) error {
	if err := me.checkState(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	me.rwLock.Lock()
	me.memtable.Put(key, entry.Tombstone())
	var task any
	var err error
	if me.memtable.Full() {
		task, err = me.flushImpl()
	}
	me.rwLock.Unlock()

	if task != nil {
		me.enqueueTask(task)
	}
	return err
}

// RemoveAsync tombstones key in the memtable when present; otherwise it
// schedules an in-place tombstone flip in the on-disk tiers; level-0 files
// created after this call are left untouched.
func (me *SimpleStorage) RemoveAsync(key []byte) error {
	if err := me.checkState(); err != nil {
		return err
	}
	if err := validateKey(key); err != nil {
		return err
	}

	me.rwLock.Lock()
	if me.memtable.Remove(key) {
		me.rwLock.Unlock()
		return nil
	}
	maxSeqNum := me.seqNum.Load()
	me.rwLock.Unlock()

	me.enqueueTask(removeSSTTask{key: append([]byte(nil), key...), maxSeqNum: maxSeqNum})
	return nil
}

// KeysWithPrefix unions live keys across all tiers in order of tier
// recency, deduplicating by key, up to max results.
func (me *SimpleStorage) KeysWithPrefix(prefix []byte, max int) (result [][]byte, _ error) {
	if err := me.checkState(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	err := me.forEachKeyWithPrefixLocked(prefix, func(key []byte) bool {
		result = append(result, key)
		return len(result) < max
	})
	return result, err
}

// ForEachKeyWithPrefix streams deduplicated live keys to the callback until
// it returns false.
func (me *SimpleStorage) ForEachKeyWithPrefix(prefix []byte, callback func(key []byte) bool) error {
	if err := me.checkState(); err != nil {
		return err
	}
	return me.forEachKeyWithPrefixLocked(prefix, callback)
}

func (me *SimpleStorage) forEachKeyWithPrefixLocked(prefix []byte, callback func(key []byte) bool) error {
	me.rwLock.RLock()
	defer me.rwLock.RUnlock()

	seen := map[string]struct{}{}
	dedup := func(key []byte) bool {
		if _, ok := seen[string(key)]; ok {
			return true
		}
		seen[string(key)] = struct{}{}
		return callback(key)
	}

	if completed := me.memtable.ForEachKeyWithPrefix(prefix, dedup); !completed {
		return nil
	}
	for _, level := range me.fileLevels {
		completed, err := level.ForEachKeyWithPrefix(prefix, dedup)
		if err != nil {
			return err
		}
		if !completed {
			return nil
		}
	}
	return nil
}

// Flush serializes the memtable into a level-0 SST if it holds anything.
func (me *SimpleStorage) Flush() error {
	if err := me.checkState(); err != nil {
		return err
	}

	me.rwLock.Lock()
	var task any
	var err error
	if me.memtable.Count() != 0 {
		task, err = me.flushImpl()
	}
	me.rwLock.Unlock()

	if task != nil {
		me.enqueueTask(task)
	}
	return err
}

// Shrink schedules a rewrite of the terminal tier that physically drops
// tombstones and expired entries.
func (me *SimpleStorage) Shrink() error {
	if err := me.checkState(); err != nil {
		return err
	}
	me.enqueueTask(shrinkTask{})
	return nil
}

// WaitAllAsync blocks until the background task queue is fully drained,
// including tasks enqueued by the tasks it waits on.
func (me *SimpleStorage) WaitAllAsync() {
	for {
		if me.stopped.Load() {
			return
		}
		token := waitTask{done: make(chan struct{})}
		me.enqueueTask(token)
		select {
		case <-token.done:
		case <-me.done:
			return
		}
		if me.pending.Load() == 0 {
			return
		}
	}
}

// LevelFileCounts reports the number of SST files per on-disk tier, level 0
// first.
func (me *SimpleStorage) LevelFileCounts() (out []int) {
	me.rwLock.RLock()
	defer me.rwLock.RUnlock()
	for _, level := range me.fileLevels {
		out = append(out, level.Count())
	}
	return out
}

// flushImpl serializes the memtable into a fresh level-0 SST. Callers hold
// the writer lock and enqueue the returned compaction task after releasing
// it; enqueueing under the lock could deadlock against a worker waiting to
// acquire it.
func (me *SimpleStorage) flushImpl() (task any, _ error) {
	seqNum := me.seqNum.Add(1)
	builder, err := sstable.NewBuilder(
		filepath.Join(me.dataDir, memtableFlushName), me.config.BlockSize, seqNum)
	if err != nil {
		return nil, err
	}
	defer builder.Abort()

	for key, stored := range me.memtable.All() {
		if err := builder.AddEntry(key, stored); err != nil {
			return nil, err
		}
	}
	file, err := builder.Finalize()
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, nil
	}

	levelZero := me.fileLevels[0]
	if err := levelZero.AddSST([]*sstable.SSTFile{file}); err != nil {
		return nil, err
	}
	me.memtable = newMemTable(me.config.MemtableSizeBytes)

	return mergeTask{level: 1, maxSeqNum: levelZero.MaxSeqNum()}, nil
}

// completeMerge re-applies the last committed compaction step after a
// crash: every journaled output is registered into its tier, then the
// journaled removals run.
func (me *SimpleStorage) completeMerge() error {
	mlog, err := mergelog.Open(me.mergeLogPath())
	if err != nil {
		return err
	}

	// the tier bootstrap scans loaded every on-disk file, including the
	// ones this step replaces; detach those first so the tiers land in the
	// post-merge state, not a union of both
	if paths := mlog.FilesToRemove(); len(paths) > 0 {
		for _, level := range me.fileLevels {
			level.RemoveSSTs(paths)
		}
	}

	for level, paths := range mlog.FilesToRegister() {
		if level < 1 || level >= me.levelCount() {
			log.Printf("Merge log references unknown level %d; skipping", level)
			continue
		}
		var files []*sstable.SSTFile
		for _, path := range paths {
			exists, err := util.FileExists(path)
			if err != nil {
				return err
			}
			if !exists {
				// already renamed into the tier by a recovery that crashed
				// mid-cleanup
				continue
			}
			file, err := sstable.Open(path)
			if err != nil {
				return err
			}
			files = append(files, file)
		}
		if err := me.fileLevelAt(level).AddSST(files); err != nil {
			return err
		}
	}
	return mlog.RemoveFiles()
}

// removeAllTemporaryFiles deletes orphaned *.tmp files anywhere in the data
// directory; anything the merge journal referenced was renamed away by
// recovery first.
func (me *SimpleStorage) removeAllTemporaryFiles() error {
	return filepath.WalkDir(me.dataDir, func(path string, dirent fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if dirent.IsDir() || !strings.HasSuffix(dirent.Name(), tmpFileExtension) {
			return nil
		}
		return os.Remove(path)
	})
}

func (me *SimpleStorage) checkState() error {
	if me.stopped.Load() {
		return ErrStopped
	}
	return nil
}

// levelCount counts tiers including the memtable, matching the level
// indexes used by tasks and the merge journal.
func (me *SimpleStorage) levelCount() int {
	return 1 + len(me.fileLevels)
}

func (me *SimpleStorage) fileLevelAt(level int) fileLevel {
	return me.fileLevels[level-1]
}

func (me *SimpleStorage) mergeLogPath() string {
	return filepath.Join(me.dataDir, mergelog.FileName)
}

func validateKey(key []byte) error {
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > datablock.MaxKeyLength {
		return errors.Wrapf(ErrKeyTooLarge, "%d bytes exceed %d", len(key), datablock.MaxKeyLength)
	}
	return nil
}

type tierParams struct {
	maxFileSize uint64
	maxNumFiles int
	isLast      bool
}

// generalTierParams derives the general tiers from the memtable size and
// level-0 threshold: each tier quintuples the file size and doubles the
// file budget until the maximum SST size is reached; the final tier is
// unbounded and terminal.
func generalTierParams(config Config) (out []tierParams) {
	fileSize := config.MemtableSizeBytes * 5
	numFiles := config.L0MaxFiles * 2
	for fileSize < sstable.MaxFileSize {
		out = append(out, tierParams{maxFileSize: fileSize, maxNumFiles: numFiles})
		fileSize *= 5
		numFiles *= 2
	}
	out = append(out, tierParams{maxFileSize: sstable.MaxFileSize, maxNumFiles: math.MaxInt, isLast: true})
	return out
}
