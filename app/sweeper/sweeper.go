// Package sweeper removes temp files left in job folders by workers interrupted in the middle of a write.
// Artifacts are never touched, the sweeper only deletes hidden temp files older than MaxAge.
package sweeper

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"
)

// Sweeper runs Sweep on cron schedule
type Sweeper struct {
	Dir      string        // gens directory with job folders
	Suffix   string        // temp file suffix
	MaxAge   time.Duration // temp files younger than this may belong to a running worker
	Schedule string        // cron spec, i.e. "@every 10m"

	now func() time.Time
}

// Run starts scheduled sweeps and blocks until ctx is done
func (s *Sweeper) Run(ctx context.Context) error {
	cr := cron.New()
	if _, err := cr.AddFunc(s.Schedule, func() {
		if _, err := s.Sweep(); err != nil {
			log.Printf("[WARN] sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule sweeper with %q: %w", s.Schedule, err)
	}
	log.Printf("[INFO] temp files sweeper started, schedule %q, max age %v", s.Schedule, s.MaxAge)
	cr.Start()
	<-ctx.Done()
	<-cr.Stop().Done()
	log.Printf("[DEBUG] sweeper stopped")
	return ctx.Err()
}

// Sweep removes stale temp files one level below Dir and returns the number of removed files
func (s *Sweeper) Sweep() (int, error) {
	folders, err := os.ReadDir(s.Dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s: %w", s.Dir, err)
	}

	removed := 0
	for _, folder := range folders {
		if !folder.IsDir() {
			continue
		}
		files, err := os.ReadDir(filepath.Join(s.Dir, folder.Name()))
		if err != nil {
			log.Printf("[WARN] can't read folder %s: %v", folder.Name(), err)
			continue
		}
		for _, f := range files {
			if !s.stale(f) {
				continue
			}
			path := filepath.Join(s.Dir, folder.Name(), f.Name())
			if err := os.Remove(path); err != nil {
				log.Printf("[WARN] can't remove %s: %v", path, err)
				continue
			}
			log.Printf("[DEBUG] removed stale temp file %s", path)
			removed++
		}
	}
	if removed > 0 {
		log.Printf("[INFO] removed %d stale temp files", removed)
	}
	return removed, nil
}

// stale checks if entry is a hidden temp file older than MaxAge
func (s *Sweeper) stale(f fs.DirEntry) bool {
	if f.IsDir() || !strings.HasPrefix(f.Name(), ".") || !strings.HasSuffix(f.Name(), s.Suffix) {
		return false
	}
	fi, err := f.Info()
	if err != nil {
		return false
	}
	return s.timeNow().Sub(fi.ModTime()) > s.MaxAge
}

func (s *Sweeper) timeNow() time.Time {
	if s.now == nil {
		return time.Now()
	}
	return s.now()
}
