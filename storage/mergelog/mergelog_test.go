package mergelog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navijation/vsst/util"
	testing_util "github.com/navijation/vsst/util/testing"
)

func TestMergeLog_CommitAndReload(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestMergeLog_CommitAndReload")
	defer cleanup()

	logPath := filepath.Join(dir, FileName)

	mlog, err := Open(logPath)
	require.NoError(t, err)
	assert.True(t, mlog.Empty())

	mlog.AddToRemove(filepath.Join(dir, "old_1.vsst"))
	mlog.AddToRemove(filepath.Join(dir, "old_2.vsst"))
	mlog.AddToRegister(2, filepath.Join(dir, "new_1.tmp"))
	mlog.AddToRegister(2, filepath.Join(dir, "new_2.tmp"))
	mlog.AddToRegister(3, filepath.Join(dir, "new_3.tmp"))
	require.NoError(t, mlog.Commit())

	exists, err := util.FileExists(logPath + ".tmp")
	require.NoError(t, err)
	assert.False(t, exists, "commit renames the temporary document away")

	reloaded, err := Open(logPath)
	require.NoError(t, err)
	assert.False(t, reloaded.Empty())
	assert.Equal(t, mlog.FilesToRemove(), reloaded.FilesToRemove())
	assert.Equal(t, mlog.FilesToRegister(), reloaded.FilesToRegister())
}

func TestMergeLog_RemoveFiles(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestMergeLog_RemoveFiles")
	defer cleanup()

	victim := filepath.Join(dir, "victim.vsst")
	require.NoError(t, os.WriteFile(victim, []byte("doomed"), 0o644))

	logPath := filepath.Join(dir, FileName)
	mlog, err := Open(logPath)
	require.NoError(t, err)

	mlog.AddToRemove(victim)
	mlog.AddToRemove(filepath.Join(dir, "already_gone.vsst"))
	require.NoError(t, mlog.Commit())

	require.NoError(t, mlog.RemoveFiles())

	exists, err := util.FileExists(victim)
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = util.FileExists(logPath)
	require.NoError(t, err)
	assert.False(t, exists, "the journal removes itself last")

	assert.True(t, mlog.Empty())
}

func TestMergeLog_OpenMissingIsEmpty(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestMergeLog_OpenMissingIsEmpty")
	defer cleanup()

	mlog, err := Open(filepath.Join(dir, FileName))
	require.NoError(t, err)
	assert.True(t, mlog.Empty())
	assert.Empty(t, mlog.FilesToRemove())
	assert.Empty(t, mlog.FilesToRegister())
}
