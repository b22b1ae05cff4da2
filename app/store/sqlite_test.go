package store

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := NewSQLiteStore(filepath.Join(tmpDir, "gens.db"), filepath.Join(tmpDir, "gens"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestNewSQLiteStore(t *testing.T) {
	t.Run("successful creation", func(t *testing.T) {
		tmpDir := t.TempDir()
		st, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"), filepath.Join(tmpDir, "gens"))
		require.NoError(t, err)
		assert.NotNil(t, st)
		assert.DirExists(t, filepath.Join(tmpDir, "gens"))
		assert.True(t, filepath.IsAbs(st.GensDir()))
		require.NoError(t, st.Close())
	})

	t.Run("gens dir can't be created", func(t *testing.T) {
		tmpDir := t.TempDir()
		blocker := filepath.Join(tmpDir, "file")
		require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))
		st, err := NewSQLiteStore(filepath.Join(tmpDir, "test.db"), filepath.Join(blocker, "gens"))
		assert.Error(t, err)
		assert.Nil(t, st)
	})

	t.Run("empty gens dir", func(t *testing.T) {
		st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), " ")
		assert.Error(t, err)
		assert.Nil(t, st)
	})

	t.Run("invalid db path", func(t *testing.T) {
		tmpDir := t.TempDir()
		st, err := NewSQLiteStore(filepath.Join(tmpDir, "no", "such", "dir", "test.db"), filepath.Join(tmpDir, "gens"))
		assert.Error(t, err)
		assert.Nil(t, st)
	})
}

func TestSQLiteStore_WALMode(t *testing.T) {
	st := newTestStore(t)
	var mode string
	err := st.db.QueryRow("PRAGMA journal_mode").Scan(&mode)
	require.NoError(t, err)
	assert.Equal(t, "wal", mode)
}

func TestSQLiteStore_CreateAndGet(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	job, err := st.Create(ctx, "  a cat ")
	require.NoError(t, err)
	assert.Equal(t, int64(1), job.ID)
	assert.Equal(t, "a cat", job.Prompt)
	assert.DirExists(t, job.Folder)
	assert.Equal(t, st.GensDir(), filepath.Dir(job.Folder))
	assert.Equal(t, filepath.Join(job.Folder, "1.png"), job.ArtifactPath())
	assert.Equal(t, job.FolderName()+"/1.png", job.ArtifactKey())
	assert.WithinDuration(t, time.Now(), job.CreatedAt, time.Second)
	assert.NoFileExists(t, job.ArtifactPath(), "store never writes the artifact")

	got, err := st.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, job.Prompt, got.Prompt)
	assert.Equal(t, job.Folder, got.Folder)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt), "%v vs %v", job.CreatedAt, got.CreatedAt)

	job2, err := st.Create(ctx, "a dog")
	require.NoError(t, err)
	assert.Equal(t, int64(2), job2.ID)
	assert.NotEqual(t, job.Folder, job2.Folder)
}

func TestSQLiteStore_CreateEmptyPrompt(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Create(context.Background(), "   ")
	assert.ErrorIs(t, err, ErrEmptyPrompt)

	entries, err := os.ReadDir(st.GensDir())
	require.NoError(t, err)
	assert.Empty(t, entries, "no folder allocated for rejected prompt")
}

func TestSQLiteStore_CreateFailureRemovesFolder(t *testing.T) {
	st := newTestStore(t)
	_, err := st.db.Exec("DROP TABLE gens")
	require.NoError(t, err)

	_, err = st.Create(context.Background(), "a cat")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to insert job")

	entries, err := os.ReadDir(st.GensDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLiteStore_GetNotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.Get(context.Background(), 42)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_List(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	jobs, err := st.List(ctx, 10, true)
	require.NoError(t, err)
	assert.Empty(t, jobs)

	for _, p := range []string{"one", "two", "three", "four"} {
		_, err = st.Create(ctx, p)
		require.NoError(t, err)
	}

	t.Run("newest first", func(t *testing.T) {
		jobs, err := st.List(ctx, 3, true)
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, "four", jobs[0].Prompt)
		assert.Equal(t, "three", jobs[1].Prompt)
		assert.Equal(t, "two", jobs[2].Prompt)
	})

	t.Run("oldest first", func(t *testing.T) {
		jobs, err := st.List(ctx, 2, false)
		require.NoError(t, err)
		require.Len(t, jobs, 2)
		assert.Equal(t, int64(1), jobs[0].ID)
		assert.Equal(t, int64(2), jobs[1].ID)
	})

	t.Run("default limit", func(t *testing.T) {
		jobs, err := st.List(ctx, 0, true)
		require.NoError(t, err)
		assert.Len(t, jobs, 4)
	})
}

func TestSQLiteStore_ConcurrentCreate(t *testing.T) {
	st := newTestStore(t)
	const n = 50

	var mu sync.Mutex
	ids := map[int64]bool{}
	folders := map[string]bool{}

	var g errgroup.Group
	for i := range n {
		g.Go(func() error {
			job, err := st.Create(context.Background(), "prompt "+string(rune('a'+i%26)))
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			ids[job.ID] = true
			folders[job.ArtifactPath()] = true
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, ids, n, "ids must never collide")
	assert.Len(t, folders, n, "artifact locations must never collide")
	for id := int64(1); id <= n; id++ {
		assert.True(t, ids[id], "id %d allocated", id)
	}
}
