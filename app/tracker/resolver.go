package tracker

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/disintegration/imaging"
	log "github.com/go-pkgz/lgr"

	"github.com/umputun/imggen/app/store"
)

// State of a job, derived from the artifact location every time it is asked for
type State string

// enum of job states
const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// reasons of failed state
const (
	ReasonEmpty   = "empty"
	ReasonCorrupt = "corrupt"
	ReasonTimeout = "timeout"
)

// Resolution is the result of a single Resolve call. Path set for completed jobs only.
type Resolution struct {
	State  State
	Path   string
	Reason string
}

// Resolver derives job state from the filesystem. It keeps no state between calls,
// so any number of observers may call Resolve concurrently.
type Resolver struct {
	// Timeout makes a missing artifact older than this failed. Zero keeps such jobs pending forever.
	Timeout time.Duration
	now     func() time.Time
}

// NewResolver makes resolver with optional timeout, zero disables timeout classification
func NewResolver(timeout time.Duration) *Resolver {
	return &Resolver{Timeout: timeout, now: time.Now}
}

// Resolve checks the artifact location of the job:
// missing file is pending, empty or undecodable file is failed, a valid image is completed.
func (r *Resolver) Resolve(job store.Job) Resolution {
	path := job.ArtifactPath()
	fi, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("[WARN] can't stat artifact %s: %v", path, err)
			return Resolution{State: StatePending}
		}
		if r.Timeout > 0 && r.timeNow().Sub(job.CreatedAt) > r.Timeout {
			return Resolution{State: StateFailed, Reason: ReasonTimeout}
		}
		return Resolution{State: StatePending}
	}

	if fi.IsDir() {
		return Resolution{State: StateFailed, Reason: ReasonCorrupt}
	}
	if fi.Size() == 0 {
		return Resolution{State: StateFailed, Reason: ReasonEmpty}
	}
	if !decodable(path) {
		return Resolution{State: StateFailed, Reason: ReasonCorrupt}
	}
	return Resolution{State: StateCompleted, Path: path}
}

// decodable reports if the file at path is a complete image
func decodable(path string) bool {
	fh, err := os.Open(path) // #nosec G304 - path is built from job record
	if err != nil {
		log.Printf("[WARN] can't open artifact %s: %v", path, err)
		return false
	}
	defer fh.Close()
	if _, err = imaging.Decode(fh); err != nil {
		log.Printf("[DEBUG] artifact %s is not an image: %v", path, err)
		return false
	}
	return true
}

func (r *Resolver) timeNow() time.Time {
	if r.now == nil {
		return time.Now()
	}
	return r.now()
}
