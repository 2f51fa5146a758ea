package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "state.db")
	store, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func TestStore_SetGetDelete(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Set(ctx, "downloads/progress", []byte(`{"a":1}`)))
	require.NoError(t, store.Set(ctx, "downloads/progress", []byte(`{"a":2}`)))

	value, ok, err := store.Get(ctx, "downloads/progress")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"a":2}`, string(value))

	require.NoError(t, store.Delete(ctx, "downloads/progress"))
	require.NoError(t, store.Delete(ctx, "downloads/progress"))
	_, ok, err = store.Get(ctx, "downloads/progress")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_NilValueStoredAsEmpty(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", nil))
	value, ok, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Empty(t, value)
}

func TestStore_Apply(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "downloads/resume/1", []byte("old")))

	err := store.Apply(ctx,
		map[string][]byte{
			"downloads/progress": []byte("p"),
			"downloads/resume/2": []byte("blob"),
		},
		[]string{"downloads/resume/1", "never-existed"},
	)
	require.NoError(t, err)

	keys, err := store.Keys(ctx, "downloads/resume/")
	require.NoError(t, err)
	assert.Equal(t, []string{"downloads/resume/2"}, keys)

	value, ok, err := store.Get(ctx, "downloads/progress")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "p", string(value))
}

func TestStore_ApplyCancelledContextWritesNothing(t *testing.T) {
	store, _ := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := store.Apply(ctx, map[string][]byte{"a": []byte("1")}, nil)
	assert.Error(t, err)

	_, ok, err := store.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_SurvivesReopen(t *testing.T) {
	store, path := openTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, "downloads/pending", []byte(`{"1":{}}`)))
	require.NoError(t, store.Close())

	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	require.NoError(t, reopened.Ping())
	value, ok, err := reopened.Get(ctx, "downloads/pending")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"1":{}}`, string(value))
}
