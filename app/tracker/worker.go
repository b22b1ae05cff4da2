package tracker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/imggen/app/backend"
	"github.com/umputun/imggen/app/store"
)

// TempSuffix is the suffix of in-progress artifact files, the sweeper relies on it
const TempSuffix = ".tmp"

// Worker makes the artifact for a single job. Its only side effect is the artifact file.
type Worker struct {
	Backend backend.Generator
}

// Run calls backend and stores its result at the job's artifact path. Nothing is written on any failure,
// so the job stays pending. The artifact appears at once via rename, observers never see a partial file.
func (w *Worker) Run(ctx context.Context, job store.Job) error {
	if w.Backend == nil || !w.Backend.Available() {
		log.Printf("[WARN] backend unavailable, job %d left pending", job.ID)
		return backend.ErrUnavailable
	}

	st := time.Now()
	data, err := w.Backend.Generate(ctx, job.Prompt)
	if err != nil {
		log.Printf("[WARN] generation for job %d failed: %v", job.ID, err)
		return fmt.Errorf("failed to generate job %d: %w", job.ID, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		log.Printf("[WARN] backend returned non-image for job %d: %v", job.ID, err)
		return fmt.Errorf("%w: job %d, can't decode image: %w", backend.ErrCallFailed, job.ID, err)
	}

	if err := writeArtifact(job, func(tmp *os.File) error { return imaging.Encode(tmp, img, imaging.PNG) }); err != nil {
		log.Printf("[WARN] can't store artifact for job %d: %v", job.ID, err)
		return err
	}
	log.Printf("[INFO] job %d completed in %v, %s", job.ID, time.Since(st).Truncate(time.Millisecond), job.ArtifactKey())
	return nil
}

// writeArtifact writes to a temp file in the job folder and renames it to the artifact path.
// The temp file is removed on any failure.
func writeArtifact(job store.Job, write func(tmp *os.File) error) (err error) {
	tmp, err := os.CreateTemp(job.Folder, "."+strconv.FormatInt(job.ID, 10)+"-*"+TempSuffix)
	if err != nil {
		return fmt.Errorf("failed to make temp file for job %d: %w", job.ID, err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err == nil {
			return
		}
		_ = tmp.Close()
		if rmErr := os.Remove(tmpName); rmErr != nil && !os.IsNotExist(rmErr) {
			log.Printf("[WARN] can't remove temp file %s: %v", tmpName, rmErr)
		}
	}()

	if err = write(tmp); err != nil {
		return fmt.Errorf("failed to write temp file for job %d: %w", job.ID, err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file for job %d: %w", job.ID, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file for job %d: %w", job.ID, err)
	}
	if err = os.Rename(tmpName, job.ArtifactPath()); err != nil {
		return fmt.Errorf("failed to move artifact in place for job %d: %w", job.ID, err)
	}
	log.Printf("[DEBUG] artifact %s stored", filepath.Base(job.ArtifactPath()))
	return nil
}
