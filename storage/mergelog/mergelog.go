// Package mergelog implements the crash-safety journal for compaction
// steps. A step writes its new output files first, commits the journal, and
// only then deletes old files and mutates in-memory state; recovery replays
// any committed journal found at startup.
package mergelog

import (
	"encoding/json"
	"os"
	"strconv"

	"github.com/pkg/errors"
)

// FileName is the journal's fixed name inside the data directory.
const FileName = "merge_log.sstlog"

type document struct {
	FilesToRemove   []string            `json:"files_to_remove"`
	FilesToRegister map[string][]string `json:"files_to_register"`
}

type MergeLog struct {
	path            string
	filesToRemove   []string
	filesToRegister map[int][]string
}

// Open loads the journal at path, or returns an empty one when the file
// does not exist.
func Open(path string) (*MergeLog, error) {
	out := &MergeLog{
		path:            path,
		filesToRegister: map[int][]string{},
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return out, nil
	} else if err != nil {
		return nil, errors.Wrapf(err, "read merge log %q", path)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, errors.Wrapf(err, "parse merge log %q", path)
	}

	out.filesToRemove = doc.FilesToRemove
	for levelStr, paths := range doc.FilesToRegister {
		level, err := strconv.Atoi(levelStr)
		if err != nil {
			return nil, errors.Wrapf(err, "parse level %q in merge log", levelStr)
		}
		out.filesToRegister[level] = paths
	}
	return out, nil
}

func (me *MergeLog) AddToRemove(path string) {
	me.filesToRemove = append(me.filesToRemove, path)
}

func (me *MergeLog) AddToRegister(level int, path string) {
	me.filesToRegister[level] = append(me.filesToRegister[level], path)
}

func (me *MergeLog) Empty() bool {
	return len(me.filesToRemove) == 0 && len(me.filesToRegister) == 0
}

func (me *MergeLog) FilesToRemove() []string {
	return me.filesToRemove
}

func (me *MergeLog) FilesToRegister() map[int][]string {
	return me.filesToRegister
}

// Commit atomically persists the journal: the document is written to a
// temporary sibling, synced, and renamed over the real path.
func (me *MergeLog) Commit() error {
	doc := document{
		FilesToRemove:   me.filesToRemove,
		FilesToRegister: map[string][]string{},
	}
	for level, paths := range me.filesToRegister {
		doc.FilesToRegister[strconv.Itoa(level)] = paths
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode merge log")
	}

	tmpPath := me.path + ".tmp"
	_ = os.Remove(tmpPath)

	file, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "create merge log %q", tmpPath)
	}
	if _, err := file.Write(raw); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "write merge log %q", tmpPath)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "sync merge log %q", tmpPath)
	}
	if err := file.Close(); err != nil {
		return errors.Wrapf(err, "close merge log %q", tmpPath)
	}

	if err := os.Rename(tmpPath, me.path); err != nil {
		return errors.Wrapf(err, "rename merge log over %q", me.path)
	}
	return nil
}

// RemoveFiles deletes every recorded path from the filesystem (missing
// files are fine), then the journal itself, and resets the in-memory state.
func (me *MergeLog) RemoveFiles() error {
	for _, path := range me.filesToRemove {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrapf(err, "remove merged-away file %q", path)
		}
	}
	if err := os.Remove(me.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "remove merge log %q", me.path)
	}
	me.filesToRemove = nil
	me.filesToRegister = map[int][]string{}
	return nil
}
