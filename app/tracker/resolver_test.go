package tracker

import (
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolver_Resolve(t *testing.T) {
	r := NewResolver(0)

	t.Run("no artifact is pending", func(t *testing.T) {
		job := newTestJob(t, 1)
		res := r.Resolve(job)
		assert.Equal(t, Resolution{State: StatePending}, res)
	})

	t.Run("valid image is completed", func(t *testing.T) {
		job := newTestJob(t, 2)
		require.NoError(t, os.WriteFile(job.ArtifactPath(), testPNG(t), 0o600))
		res := r.Resolve(job)
		assert.Equal(t, StateCompleted, res.State)
		assert.Equal(t, job.ArtifactPath(), res.Path)
		assert.Empty(t, res.Reason)
	})

	t.Run("zero length file is failed", func(t *testing.T) {
		job := newTestJob(t, 3)
		require.NoError(t, os.WriteFile(job.ArtifactPath(), nil, 0o600))
		res := r.Resolve(job)
		assert.Equal(t, Resolution{State: StateFailed, Reason: ReasonEmpty}, res)
	})

	t.Run("garbage is failed", func(t *testing.T) {
		job := newTestJob(t, 4)
		require.NoError(t, os.WriteFile(job.ArtifactPath(), []byte("not an image"), 0o600))
		res := r.Resolve(job)
		assert.Equal(t, Resolution{State: StateFailed, Reason: ReasonCorrupt}, res)
	})

	t.Run("truncated image is failed", func(t *testing.T) {
		job := newTestJob(t, 5)
		data := testPNG(t)
		require.NoError(t, os.WriteFile(job.ArtifactPath(), data[:len(data)/2], 0o600))
		res := r.Resolve(job)
		assert.Equal(t, StateFailed, res.State)
		assert.Equal(t, ReasonCorrupt, res.Reason)
	})

	t.Run("directory at artifact path is failed", func(t *testing.T) {
		job := newTestJob(t, 6)
		require.NoError(t, os.Mkdir(job.ArtifactPath(), 0o750))
		res := r.Resolve(job)
		assert.Equal(t, Resolution{State: StateFailed, Reason: ReasonCorrupt}, res)
	})

	t.Run("temp file doesn't count", func(t *testing.T) {
		job := newTestJob(t, 7)
		require.NoError(t, os.WriteFile(job.ArtifactPath()+TempSuffix, testPNG(t), 0o600))
		assert.Equal(t, StatePending, r.Resolve(job).State)
	})
}

func TestResolver_Timeout(t *testing.T) {
	job := newTestJob(t, 1)
	job.CreatedAt = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

	t.Run("disabled keeps pending forever", func(t *testing.T) {
		r := NewResolver(0)
		r.now = func() time.Time { return job.CreatedAt.Add(240 * time.Hour) }
		assert.Equal(t, StatePending, r.Resolve(job).State)
	})

	t.Run("within timeout is pending", func(t *testing.T) {
		r := NewResolver(10 * time.Minute)
		r.now = func() time.Time { return job.CreatedAt.Add(5 * time.Minute) }
		assert.Equal(t, StatePending, r.Resolve(job).State)
	})

	t.Run("expired is failed", func(t *testing.T) {
		r := NewResolver(10 * time.Minute)
		r.now = func() time.Time { return job.CreatedAt.Add(11 * time.Minute) }
		assert.Equal(t, Resolution{State: StateFailed, Reason: ReasonTimeout}, r.Resolve(job))
	})

	t.Run("artifact wins over timeout", func(t *testing.T) {
		r := NewResolver(10 * time.Minute)
		r.now = func() time.Time { return job.CreatedAt.Add(11 * time.Minute) }
		require.NoError(t, os.WriteFile(job.ArtifactPath(), testPNG(t), 0o600))
		defer os.Remove(job.ArtifactPath())
		assert.Equal(t, StateCompleted, r.Resolve(job).State)
	})
}

func TestResolver_ConcurrentObservers(t *testing.T) {
	r := NewResolver(0)
	job := newTestJob(t, 1)

	resolveAll := func(n int) []State {
		states := make([]State, n)
		var wg sync.WaitGroup
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				states[i] = r.Resolve(job).State
			}()
		}
		wg.Wait()
		return states
	}

	for _, s := range resolveAll(100) {
		assert.Equal(t, StatePending, s)
	}
	assert.NoFileExists(t, job.ArtifactPath(), "resolve never writes")

	data := testPNG(t)
	err := writeArtifact(job, func(tmp *os.File) error {
		_, e := tmp.Write(data)
		return e
	})
	require.NoError(t, err)

	for _, s := range resolveAll(100) {
		assert.Equal(t, StateCompleted, s)
	}
}

func TestResolver_ObserversNeverSeePartialArtifact(t *testing.T) {
	r := NewResolver(0)
	job := newTestJob(t, 1)
	data := testPNG(t)

	done := make(chan struct{})
	var seen sync.Map
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
					seen.Store(r.Resolve(job).State, true)
				}
			}
		}()
	}

	err := writeArtifact(job, func(tmp *os.File) error {
		// write slowly in chunks, partial content lives in temp file only
		for i := 0; i < len(data); i += 16 {
			end := min(i+16, len(data))
			if _, e := tmp.Write(data[i:end]); e != nil {
				return e
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	close(done)
	wg.Wait()

	_, failed := seen.Load(StateFailed)
	assert.False(t, failed, "observers must never see a partial artifact")
	_, completed := seen.Load(StateCompleted)
	assert.True(t, completed)
	assert.Equal(t, StateCompleted, r.Resolve(job).State)
}
