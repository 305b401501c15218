package simplestorage

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/navijation/vsst/storage/entry"
	"github.com/navijation/vsst/storage/mergelog"
	"github.com/navijation/vsst/storage/sstable"
	"github.com/navijation/vsst/util"
	testing_util "github.com/navijation/vsst/util/testing"
)

func openTestStorage(t *testing.T, dir string, config Config) *SimpleStorage {
	t.Helper()

	storage, err := Open(OpenArgs{
		Path:   filepath.Join(dir, "db"),
		Config: util.Some(config),
	})
	require.NoError(t, err)
	return storage
}

func smallConfig() Config {
	return Config{
		MemtableSizeBytes: MinMemtableSize,
		L0MaxFiles:        3,
		BlockSize:         4096,
	}
}

func TestSimpleStorage_PutGet(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_PutGet")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	require.NoError(t, storage.Put([]byte("my_key"), entry.Uint32(12345)))

	value, exists, err := storage.Get([]byte("my_key"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, entry.TypeUint32, value.Type())
	got, ok := value.AsUint32()
	require.True(t, ok)
	assert.Equal(t, uint32(12345), got)

	_, exists, err = storage.Get([]byte("unknown"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSimpleStorage_ExistsAndRemove(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_ExistsAndRemove")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	require.NoError(t, storage.Put([]byte("test_key"), entry.Uint64(123456789)))

	exists, err := storage.Exists([]byte("test_key"))
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, storage.Remove([]byte("test_key")))

	exists, err = storage.Exists([]byte("test_key"))
	require.NoError(t, err)
	assert.False(t, exists)

	_, exists, err = storage.Get([]byte("test_key"))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSimpleStorage_KeysWithPrefix(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_KeysWithPrefix")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	require.NoError(t, storage.Put([]byte("foo:1"), entry.Uint32(1)))
	require.NoError(t, storage.Put([]byte("foo:2"), entry.Uint32(2)))
	require.NoError(t, storage.Put([]byte("bar:1"), entry.Uint32(100)))

	keys, err := storage.KeysWithPrefix([]byte("foo:"), 1000)
	require.NoError(t, err)

	got := map[string]bool{}
	for _, key := range keys {
		got[string(key)] = true
	}
	assert.Equal(t, map[string]bool{"foo:1": true, "foo:2": true}, got)
}

func TestSimpleStorage_TTLPrefixScan(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_TTLPrefixScan")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	for _, key := range []string{"abc1", "abc2", "abc3"} {
		require.NoError(t, storage.PutWithTTL([]byte(key), entry.Uint8(1), 5*time.Millisecond))
	}
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, storage.Put([]byte("abc5"), entry.Uint8(5)))

	keys, err := storage.KeysWithPrefix([]byte("abc"), 1000)
	require.NoError(t, err)
	require.Len(t, keys, 1, "expired keys must not surface")
	assert.Equal(t, []byte("abc5"), keys[0])
}

func TestSimpleStorage_InvalidArguments(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_InvalidArguments")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	assert.ErrorIs(t, storage.Put(nil, entry.Uint8(1)), ErrKeyEmpty)
	assert.ErrorIs(t, storage.Put(make([]byte, 1025), entry.Uint8(1)), ErrKeyTooLarge)
	assert.ErrorIs(t, storage.Put([]byte("huge"), entry.Blob(make([]byte, 8192))), ErrEntryTooLarge)
	assert.ErrorIs(t, storage.Put([]byte("tomb"), entry.Removed()), ErrValueRemoved)
	assert.ErrorIs(t, storage.Remove(nil), ErrKeyEmpty)
}

func TestSimpleStorage_ConfigValidation(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_ConfigValidation")
	defer cleanup()

	for name, config := range map[string]Config{
		"memtable too small": {MemtableSizeBytes: 1024, L0MaxFiles: 4, BlockSize: 4096},
		"too few l0 files":   {MemtableSizeBytes: MinMemtableSize, L0MaxFiles: 1, BlockSize: 4096},
		"block too small":    {MemtableSizeBytes: MinMemtableSize, L0MaxFiles: 4, BlockSize: 512},
		"block too large":    {MemtableSizeBytes: MinMemtableSize, L0MaxFiles: 4, BlockSize: 4 * 1024 * 1024},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Open(OpenArgs{
				Path:   filepath.Join(dir, "db_"+name),
				Config: util.Some(config),
			})
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestSimpleStorage_LockHeld(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_LockHeld")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	_, err := Open(OpenArgs{
		Path:   filepath.Join(dir, "db"),
		Config: util.Some(smallConfig()),
	})
	assert.ErrorIs(t, err, ErrLockHeld)
}

func TestSimpleStorage_StoppedOperations(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_StoppedOperations")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	require.NoError(t, storage.Close())

	assert.ErrorIs(t, storage.Put([]byte("k"), entry.Uint8(1)), ErrStopped)
	_, _, err := storage.Get([]byte("k"))
	assert.ErrorIs(t, err, ErrStopped)
	assert.ErrorIs(t, storage.Flush(), ErrStopped)
	assert.NoError(t, storage.Close(), "repeated close is a no-op")
}

func TestSimpleStorage_FlushMakesDataDurable(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_FlushMakesDataDurable")
	defer cleanup()

	config := smallConfig()
	storage := openTestStorage(t, dir, config)

	for i := 0; i < 100; i++ {
		require.NoError(t, storage.Put(
			fmt.Appendf(nil, "key_%03d", i), entry.Uint64(uint64(i))))
	}
	require.NoError(t, storage.Remove([]byte("key_050")))
	require.NoError(t, storage.Flush())
	storage.WaitAllAsync()
	require.NoError(t, storage.Close())

	reopened := openTestStorage(t, dir, config)
	defer reopened.Close()

	for i := 0; i < 100; i++ {
		key := fmt.Appendf(nil, "key_%03d", i)
		value, exists, err := reopened.Get(key)
		require.NoError(t, err)
		if i == 50 {
			assert.False(t, exists, "the tombstone survives the flush")
			continue
		}
		require.True(t, exists, "key %q", key)
		assert.True(t, value.Equal(entry.Uint64(uint64(i))))
	}
}

func TestSimpleStorage_RemoveAsync(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_RemoveAsync")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	t.Run("memtable hit is synchronous", func(t *testing.T) {
		require.NoError(t, storage.Put([]byte("resident"), entry.Uint8(1)))
		require.NoError(t, storage.RemoveAsync([]byte("resident")))

		exists, err := storage.Exists([]byte("resident"))
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("flushed key is removed in place", func(t *testing.T) {
		require.NoError(t, storage.Put([]byte("flushed"), entry.Uint8(2)))
		require.NoError(t, storage.Flush())

		require.NoError(t, storage.RemoveAsync([]byte("flushed")))
		storage.WaitAllAsync()

		exists, err := storage.Exists([]byte("flushed"))
		require.NoError(t, err)
		assert.False(t, exists, "the level-0 tombstone flip must be visible")
	})
}

func TestSimpleStorage_FlushCompactReopen(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_FlushCompactReopen")
	defer cleanup()

	config := Config{
		MemtableSizeBytes: 4 * 1024 * 1024,
		L0MaxFiles:        3,
		BlockSize:         256 * 1024,
	}
	storage := openTestStorage(t, dir, config)

	const numEntries = 30_000
	payload := make([]byte, 1024)
	for i := range payload {
		payload[i] = byte(i)
	}

	for i := 0; i < numEntries; i++ {
		require.NoError(t, storage.Put(fmt.Appendf(nil, "key_%d", i), entry.Blob(payload)))
	}
	require.NoError(t, storage.Flush())
	storage.WaitAllAsync()

	checkContents := func(t *testing.T, storage *SimpleStorage) {
		for i := 0; i < numEntries; i += 17 {
			key := fmt.Appendf(nil, "key_%d", i)
			value, exists, err := storage.Get(key)
			require.NoError(t, err)
			require.True(t, exists, "key %q", key)
			blob, ok := value.AsBlob()
			require.True(t, ok)
			assert.Equal(t, payload, blob)
		}
		_, exists, err := storage.Get([]byte("unknown_key"))
		require.NoError(t, err)
		assert.False(t, exists)
	}
	checkContents(t, storage)

	counts := storage.LevelFileCounts()
	assert.Greater(t, counts[1], 0, "compaction must have filled the first general tier: %v", counts)

	require.NoError(t, storage.Close())

	reopened := openTestStorage(t, dir, config)
	defer reopened.Close()
	checkContents(t, reopened)
}

func TestSimpleStorage_ConcurrentStress(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_ConcurrentStress")
	defer cleanup()

	config := smallConfig()
	storage := openTestStorage(t, dir, config)

	const (
		numWriters    = 4
		opsPerWriter  = 2_000
		keysPerWriter = 200
	)

	// each writer owns a disjoint key space, so the final state per key is
	// the writer's last successful operation
	finals := make([]map[string]uint64, numWriters)
	var wg sync.WaitGroup
	for writer := 0; writer < numWriters; writer++ {
		wg.Add(1)
		go func(writer int) {
			defer wg.Done()
			rng := rand.New(rand.NewPCG(uint64(writer), 0))
			final := map[string]uint64{}
			for op := 0; op < opsPerWriter; op++ {
				key := fmt.Sprintf("w%d_key_%03d", writer, rng.IntN(keysPerWriter))
				switch rng.IntN(10) {
				case 0:
					require.NoError(t, storage.Remove([]byte(key)))
					delete(final, key)
				case 1:
					require.NoError(t, storage.RemoveAsync([]byte(key)))
					delete(final, key)
				case 2, 3:
					_, _, err := storage.Get([]byte(key))
					require.NoError(t, err)
				default:
					value := uint64(op)
					require.NoError(t, storage.Put([]byte(key), entry.Uint64(value)))
					final[key] = value
				}
			}
			finals[writer] = final
		}(writer)
	}
	wg.Wait()

	require.NoError(t, storage.Flush())
	storage.WaitAllAsync()
	require.NoError(t, storage.Close())

	reopened := openTestStorage(t, dir, config)
	defer reopened.Close()

	for writer := 0; writer < numWriters; writer++ {
		for i := 0; i < keysPerWriter; i++ {
			key := fmt.Sprintf("w%d_key_%03d", writer, i)
			value, exists, err := reopened.Get([]byte(key))
			require.NoError(t, err)
			expected, shouldExist := finals[writer][key]
			if !shouldExist {
				assert.False(t, exists, "key %q was removed or never written", key)
				continue
			}
			require.True(t, exists, "key %q", key)
			assert.True(t, value.Equal(entry.Uint64(expected)), "key %q", key)
		}
	}
}

// TestSimpleStorage_MergeJournalRecovery simulates a crash between a merge
// step's journal commit and its cleanup: the step's outputs sit at their
// temporary names, the replaced source and destination files are still on
// disk, and the journal records both. Opening the storage must land the
// tiers in the post-merge state.
func TestSimpleStorage_MergeJournalRecovery(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_MergeJournalRecovery")
	defer cleanup()

	dbPath := filepath.Join(dir, "db")
	level0Dir := filepath.Join(dbPath, "level0")
	level1Dir := filepath.Join(dbPath, "level1")
	require.NoError(t, os.MkdirAll(level0Dir, 0o755))
	require.NoError(t, os.MkdirAll(level1Dir, 0o755))

	writeSST := func(path string, seqNum uint64, add func(add func(key string, stored entry.Stored))) {
		t.Helper()
		builder, err := sstable.NewBuilder(path, 4096, seqNum)
		require.NoError(t, err)
		add(func(key string, stored entry.Stored) {
			require.NoError(t, builder.AddEntry([]byte(key), stored))
		})
		file, err := builder.Finalize()
		require.NoError(t, err)
		require.NotNil(t, file)
		require.NoError(t, file.Close())
	}

	// the merge step's source in level 0
	srcPath := filepath.Join(level0Dir, "L0_5.vsst")
	writeSST(srcPath, 5, func(add func(string, entry.Stored)) {
		add("fresh", entry.Stored{Value: entry.Uint32(222)})
		add("only_src", entry.Stored{Value: entry.Uint32(1)})
		add("zombie", entry.Tombstone())
	})

	// the overlapped destination file the step replaces
	oldDstPath := filepath.Join(level1Dir, "general_1_0.vsst")
	writeSST(oldDstPath, 1, func(add func(string, entry.Stored)) {
		add("fresh", entry.Stored{Value: entry.Uint32(111)})
		add("only_dst", entry.Stored{Value: entry.Uint32(7)})
		add("zombie", entry.Stored{Value: entry.Uint32(5)})
	})

	// the step's committed output, still at its temporary name
	mergedPath := filepath.Join(level1Dir, "merged_1.tmp")
	writeSST(mergedPath, 1, func(add func(string, entry.Stored)) {
		add("fresh", entry.Stored{Value: entry.Uint32(222)})
		add("only_dst", entry.Stored{Value: entry.Uint32(7)})
		add("only_src", entry.Stored{Value: entry.Uint32(1)})
		add("zombie", entry.Tombstone())
	})

	mlog, err := mergelog.Open(filepath.Join(dbPath, mergelog.FileName))
	require.NoError(t, err)
	mlog.AddToRemove(srcPath)
	mlog.AddToRemove(oldDstPath)
	mlog.AddToRegister(2, mergedPath)
	require.NoError(t, mlog.Commit())

	storage := openTestStorage(t, dir, smallConfig())

	checkPostMergeState := func(t *testing.T, storage *SimpleStorage) {
		value, exists, err := storage.Get([]byte("fresh"))
		require.NoError(t, err)
		require.True(t, exists)
		assert.True(t, value.Equal(entry.Uint32(222)))

		value, exists, err = storage.Get([]byte("only_dst"))
		require.NoError(t, err)
		require.True(t, exists)
		assert.True(t, value.Equal(entry.Uint32(7)))

		value, exists, err = storage.Get([]byte("only_src"))
		require.NoError(t, err)
		require.True(t, exists)
		assert.True(t, value.Equal(entry.Uint32(1)))

		_, exists, err = storage.Get([]byte("zombie"))
		require.NoError(t, err)
		assert.False(t, exists, "the carried tombstone keeps shadowing the old value")

		counts := storage.LevelFileCounts()
		assert.Equal(t, 0, counts[0], "the merged-away level-0 source must leave its tier")
		assert.Equal(t, 1, counts[1], "level 1 must hold exactly the merge output")
	}
	checkPostMergeState(t, storage)

	for _, path := range []string{srcPath, oldDstPath, mergedPath, filepath.Join(dbPath, mergelog.FileName)} {
		exists, err := util.FileExists(path)
		require.NoError(t, err)
		assert.False(t, exists, "%q must be cleaned up by recovery", path)
	}

	require.NoError(t, storage.Close())

	t.Run("recovery result is durable", func(t *testing.T) {
		reopened := openTestStorage(t, dir, smallConfig())
		defer reopened.Close()
		checkPostMergeState(t, reopened)
	})
}

func TestSimpleStorage_ShrinkDropsTombstones(t *testing.T) {
	t.Parallel()

	dir, cleanup := testing_util.MkdirTemp(t, "TestSimpleStorage_ShrinkDropsTombstones")
	defer cleanup()

	storage := openTestStorage(t, dir, smallConfig())
	defer storage.Close()

	for i := 0; i < 50; i++ {
		require.NoError(t, storage.Put(fmt.Appendf(nil, "key_%02d", i), entry.Uint64(uint64(i))))
	}
	require.NoError(t, storage.Remove([]byte("key_25")))
	require.NoError(t, storage.Flush())
	storage.WaitAllAsync()

	require.NoError(t, storage.Shrink())
	storage.WaitAllAsync()

	exists, err := storage.Exists([]byte("key_25"))
	require.NoError(t, err)
	assert.False(t, exists)

	value, exists, err := storage.Get([]byte("key_10"))
	require.NoError(t, err)
	require.True(t, exists)
	assert.True(t, value.Equal(entry.Uint64(10)))
}
