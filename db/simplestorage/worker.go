package simplestorage

import (
	"log"
	"time"

	"github.com/navijation/vsst/storage/mergelog"
)

// mergeTask compacts files of one level into the next. Level indexes count
// the memtable as level 0, so the smallest mergeable level is 1.
type mergeTask struct {
	level     int
	maxSeqNum uint64
}

// removeSSTTask tombstones a key directly inside the on-disk tiers. Level 0
// skips files with sequence numbers above maxSeqNum; a general tier flips the
// key in the one file whose range holds it, whatever that file's sequence.
type removeSSTTask struct {
	key       []byte
	maxSeqNum uint64
}

type shrinkTask struct{}

// waitTask is a drain token for WaitAllAsync; it does not count as pending
// work.
type waitTask struct {
	done chan struct{}
}

func (me *SimpleStorage) enqueueTask(task any) {
	_, isWait := task.(waitTask)
	if !isWait {
		me.pending.Add(1)
	}
	select {
	case me.taskChan <- task:
	case <-me.done:
		if !isWait {
			me.pending.Add(-1)
		}
		if wait, ok := task.(waitTask); ok {
			close(wait.done)
		}
	}
}

// enqueueChained schedules a follow-up task from inside the worker itself.
// The send happens off the worker goroutine: the worker is the queue's only
// consumer, so a direct send on a full queue would never complete. Pending
// is counted before returning so WaitAllAsync cannot slip past the chain.
func (me *SimpleStorage) enqueueChained(task mergeTask) {
	me.pending.Add(1)
	go func() {
		select {
		case me.taskChan <- task:
		case <-me.done:
			me.pending.Add(-1)
		}
	}()
}

func (me *SimpleStorage) runWorker() {
	me.wg.Add(1)
	go func() {
		defer me.wg.Done()
		for {
			select {
			case task := <-me.taskChan:
				me.handleTask(task)
			case <-me.done:
				return
			}
		}
	}()
}

func (me *SimpleStorage) runShrinkTimer(interval time.Duration) {
	me.wg.Add(1)
	go func() {
		defer me.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				me.enqueueTask(shrinkTask{})
			case <-me.done:
				return
			}
		}
	}()
}

// handleTask dispatches one task. Recoverable errors are logged and the
// task dropped; the merge journal keeps any half-applied step safe.
func (me *SimpleStorage) handleTask(task any) {
	switch task := task.(type) {
	case mergeTask:
		if err := me.handleMergeTask(task); err != nil {
			log.Printf("Failed to merge level %d: %s", task.level, err)
		}
		me.pending.Add(-1)
	case removeSSTTask:
		if err := me.handleRemoveSSTTask(task); err != nil {
			log.Printf("Failed to remove %q from SST levels: %s", task.key, err)
		}
		me.pending.Add(-1)
	case shrinkTask:
		if err := me.handleShrinkTask(); err != nil {
			log.Printf("Failed to shrink terminal level: %s", err)
		}
		me.pending.Add(-1)
	case waitTask:
		close(task.done)
	}
}

// handleMergeTask merges the selected files of a source level into the next
// level, one source file per journaled step: write outputs, commit the
// journal, swap tier state under the writer lock, then clean up.
func (me *SimpleStorage) handleMergeTask(task mergeTask) error {
	// never merge out of the memtable or the terminal tier
	if task.level <= 0 || task.level >= me.levelCount()-1 {
		return nil
	}
	srcLevel := me.fileLevelAt(task.level)
	dstLevel := me.fileLevelAt(task.level + 1)

	me.rwLock.RLock()
	filesToMerge := srcLevel.FilelistToMerge(task.maxSeqNum)
	me.rwLock.RUnlock()

	if len(filesToMerge) == 0 {
		return nil
	}

	mlog, err := mergelog.Open(me.mergeLogPath())
	if err != nil {
		return err
	}

	var lastSeqNum uint64
	for _, srcPath := range filesToMerge {
		// the merge itself runs without the writer lock; readers keep going
		result, err := dstLevel.MergeToTmp(srcPath, me.config.BlockSize)
		if err != nil {
			return err
		}

		mlog.AddToRemove(srcPath)
		for _, file := range result.newFiles {
			mlog.AddToRegister(task.level+1, file.Path())
		}
		for _, path := range result.removedPaths {
			mlog.AddToRemove(path)
		}
		if err := mlog.Commit(); err != nil {
			return err
		}

		me.rwLock.Lock()
		dstLevel.RemoveSSTs(result.removedPaths)
		addErr := dstLevel.AddSST(result.newFiles)
		srcLevel.RemoveSSTs([]string{srcPath})
		lastSeqNum = srcLevel.MaxSeqNum()
		me.rwLock.Unlock()
		if addErr != nil {
			return addErr
		}

		if err := mlog.RemoveFiles(); err != nil {
			return err
		}
	}

	// the surviving destination files were read against pre-merge
	// neighbors; drop their cached blocks, and release the source tier's
	// now-cold cache memory along the way
	dstLevel.ClearCache()
	srcLevel.ClearCache()

	if task.level+1 < me.levelCount()-1 {
		me.enqueueChained(mergeTask{level: task.level + 1, maxSeqNum: lastSeqNum})
	}
	return nil
}

func (me *SimpleStorage) handleRemoveSSTTask(task removeSSTTask) error {
	me.rwLock.Lock()
	defer me.rwLock.Unlock()

	for level := 1; level < me.levelCount(); level++ {
		removed, err := me.fileLevelAt(level).Remove(task.key, task.maxSeqNum)
		if err != nil {
			return err
		}
		if removed {
			return nil
		}
	}
	return nil
}

// handleShrinkTask rewrites the terminal tier without tombstones or expired
// entries, with the same journal protocol as a merge step.
func (me *SimpleStorage) handleShrinkTask() error {
	terminalLevel := me.levelCount() - 1
	terminal, ok := me.fileLevelAt(terminalLevel).(*GeneralLevel)
	if !ok || terminal.Count() == 0 {
		return nil
	}

	result, err := terminal.Shrink(me.config.BlockSize)
	if err != nil {
		return err
	}
	if len(result.removedPaths) == 0 {
		return nil
	}

	mlog, err := mergelog.Open(me.mergeLogPath())
	if err != nil {
		return err
	}
	for _, file := range result.newFiles {
		mlog.AddToRegister(terminalLevel, file.Path())
	}
	for _, path := range result.removedPaths {
		mlog.AddToRemove(path)
	}
	if err := mlog.Commit(); err != nil {
		return err
	}

	me.rwLock.Lock()
	terminal.RemoveSSTs(result.removedPaths)
	addErr := terminal.AddSST(result.newFiles)
	me.rwLock.Unlock()
	if addErr != nil {
		return addErr
	}

	if err := mlog.RemoveFiles(); err != nil {
		return err
	}
	terminal.ClearCache()
	return nil
}
