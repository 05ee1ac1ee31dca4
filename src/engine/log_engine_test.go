package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *LogStorageEngine {
	t.Helper()
	store, err := NewLogStore(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return store
}

func TestAppendLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)

	frames := [][]byte{
		[]byte(`{"_id":"a","n":1}`),
		[]byte(`{"_id":"b","n":2}`),
		[]byte(`{"_id":"c","n":3}`),
	}
	for _, frame := range frames {
		require.NoError(t, store.Append("users", frame))
	}

	loaded, err := store.LoadLog("users")
	require.NoError(t, err)
	require.Len(t, loaded, len(frames))
	for i := range frames {
		assert.Equal(t, frames[i], loaded[i], "frame %d must round-trip byte-exact", i)
	}
}

func TestLoadLogMissingCollection(t *testing.T) {
	store := newTestStore(t)

	loaded, err := store.LoadLog("ghost")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestLoadLogToleratesTornTail(t *testing.T) {
	for _, cut := range []int64{1, 2, 3} {
		store := newTestStore(t)

		payload := []byte(`{"_id":"x","payload":"0123456789"}`)
		for i := 0; i < 5; i++ {
			require.NoError(t, store.Append("crashy", payload))
		}

		path := filepath.Join(store.DataDirectory, "crashy.aev")
		info, err := os.Stat(path)
		require.NoError(t, err)
		require.NoError(t, os.Truncate(path, info.Size()-cut))

		loaded, err := store.LoadLog("crashy")
		require.NoError(t, err)
		assert.Len(t, loaded, 4, "cut of %d bytes must drop exactly the last frame", cut)
		for _, frame := range loaded {
			assert.Equal(t, payload, frame)
		}
	}
}

func TestLoadLogToleratesTruncatedHeader(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append("partial", []byte(`{"_id":"a"}`)))

	// Simulate a crash that tore the next frame's length header.
	path := filepath.Join(store.DataDirectory, "partial.aev")
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = file.Write([]byte{0x10, 0x00})
	require.NoError(t, err)
	require.NoError(t, file.Close())

	loaded, err := store.LoadLog("partial")
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestListCollections(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append("users", []byte(`{}`)))
	require.NoError(t, store.Append("_auth", []byte(`{}`)))

	// Stray non-log files must not be listed.
	require.NoError(t, os.WriteFile(filepath.Join(store.DataDirectory, "notes.txt"), []byte("x"), 0644))

	names, err := store.ListCollections()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"users", "_auth"}, names)
}

func TestCompactRewritesLog(t *testing.T) {
	store := newTestStore(t)

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Append("users", []byte(`{"_id":"a","v":1}`)))
	}

	snapshot := [][]byte{
		[]byte(`{"_id":"a","v":10}`),
		[]byte(`{"_id":"b","v":20}`),
	}
	require.NoError(t, store.Compact("users", snapshot))

	loaded, err := store.LoadLog("users")
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, snapshot[0], loaded[0])
	assert.Equal(t, snapshot[1], loaded[1])

	// No temp file may survive a successful compaction.
	_, err = os.Stat(filepath.Join(store.DataDirectory, "users.aev.tmp"))
	assert.True(t, os.IsNotExist(err))
}

func TestCompactEmptySnapshotTruncates(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.Append("users", []byte(`{"_id":"a"}`)))
	require.NoError(t, store.Compact("users", nil))

	loaded, err := store.LoadLog("users")
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestNewLogStoreCreatesDirectory(t *testing.T) {
	base := filepath.Join(t.TempDir(), "nested", "data")
	_, err := NewLogStore(base, zap.NewNop().Sugar())
	require.NoError(t, err)

	info, err := os.Stat(base)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
