package tracker

import (
	"bytes"
	"context"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"

	"github.com/umputun/imggen/app/store"
)

// funcGen is a generator calling fn, handy for blocking and failing backends
type funcGen struct {
	fn          func(ctx context.Context, prompt string) ([]byte, error)
	unavailable bool
}

func (f *funcGen) Generate(ctx context.Context, prompt string) ([]byte, error) { return f.fn(ctx, prompt) }
func (f *funcGen) Available() bool                                            { return !f.unavailable }

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(8, 8, color.NRGBA{R: 200, G: 100, B: 50, A: 255})
	buf := bytes.Buffer{}
	require.NoError(t, imaging.Encode(&buf, img, imaging.PNG))
	return buf.Bytes()
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	st, err := store.NewSQLiteStore(filepath.Join(tmpDir, "gens.db"), filepath.Join(tmpDir, "gens"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// newTestJob makes a job with its folder without a store
func newTestJob(t *testing.T, id int64) store.Job {
	t.Helper()
	folder := filepath.Join(t.TempDir(), "f0b4d1a2-0000-4000-8000-000000000000")
	require.NoError(t, os.MkdirAll(folder, 0o750))
	return store.Job{ID: id, Prompt: "a cat", Folder: folder}
}

// tempFiles lists leftover temp files in the folder
func tempFiles(t *testing.T, folder string) []string {
	t.Helper()
	res, err := filepath.Glob(filepath.Join(folder, "*"+TempSuffix))
	require.NoError(t, err)
	return res
}
