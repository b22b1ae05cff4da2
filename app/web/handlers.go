package web

import (
	"errors"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"

	"github.com/umputun/imggen/app/store"
	"github.com/umputun/imggen/app/tracker"
)

var artifactNameRe = regexp.MustCompile(`^\d+\.png$`)

// GenView is a job with its derived state, used by templates and JSON API
type GenView struct {
	ID        int64     `json:"id"`
	Prompt    string    `json:"prompt"`
	State     string    `json:"state"`
	Reason    string    `json:"reason,omitempty"`
	ImageURL  string    `json:"image_url,omitempty"`
	Terminal  bool      `json:"terminal"`
	CreatedAt time.Time `json:"created_at"`
}

// Pending reports if the card should keep polling
func (g GenView) Pending() bool {
	return !g.Terminal
}

// Failed reports if the job is failed, whether final or not yet
func (g GenView) Failed() bool {
	return g.State == string(tracker.StateFailed)
}

// TemplateData holds data for index page
type TemplateData struct {
	Gens        []GenView
	Hostname    string
	Degraded    bool // backend is not configured, new gens will stay pending
	AuthEnabled bool
	Version     string
	FullVersion string
	CurrentYear int
}

// view resolves job state and makes GenView
func (s *Server) view(job store.Job) GenView {
	res := s.observer.Resolve(job)
	v := GenView{
		ID:        job.ID,
		Prompt:    job.Prompt,
		State:     string(res.State),
		Reason:    res.Reason,
		Terminal:  s.observer.Terminal(job, res),
		CreatedAt: job.CreatedAt,
	}
	if res.State == tracker.StateCompleted {
		v.ImageURL = "/data/gens/" + job.ArtifactKey()
	}
	return v
}

// handleIndex renders the main page with recent gens, newest first
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.jobs.List(r.Context(), s.listLimit, true)
	if err != nil {
		log.Printf("[ERROR] failed to list gens: %v", err)
		http.Error(w, "Failed to load generations", http.StatusInternalServerError)
		return
	}

	data := TemplateData{
		Gens:        make([]GenView, 0, len(jobs)),
		Hostname:    s.hostname,
		Degraded:    s.dispatcher.Degraded(),
		AuthEnabled: s.passwordHash != "",
		Version:     shortVersion(s.version),
		FullVersion: s.version,
		CurrentYear: time.Now().Year(),
	}
	for _, job := range jobs {
		data.Gens = append(data.Gens, s.view(job))
	}
	s.render(w, "base.html", "base", data)
}

// handleGenerate creates a job from form prompt and returns its pending card
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form data", http.StatusBadRequest)
		return
	}

	job, err := s.dispatcher.Submit(r.Context(), r.FormValue("prompt"))
	if err != nil {
		if errors.Is(err, store.ErrEmptyPrompt) {
			http.Error(w, "Prompt is required", http.StatusBadRequest)
			return
		}
		log.Printf("[ERROR] failed to submit gen: %v", err)
		http.Error(w, "Failed to create generation", http.StatusInternalServerError)
		return
	}
	log.Printf("[INFO] gen %d submitted from %s", job.ID, r.RemoteAddr)
	s.render(w, "partials", "generated", s.view(job))
}

// handleGenCard returns the card of a single gen. Pending card polls this endpoint until the state is terminal.
func (s *Server) handleGenCard(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByPath(w, r, func(w http.ResponseWriter, status int, msg string) { http.Error(w, msg, status) })
	if !ok {
		return
	}
	s.render(w, "partials", "gen-card", s.view(job))
}

// handleArtifact serves generated image. Only uuid folders and <id>.png names are accepted.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	folder, file := r.PathValue("folder"), r.PathValue("file")
	if _, err := uuid.Parse(folder); err != nil || !artifactNameRe.MatchString(file) {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=86400, immutable")
	http.ServeFile(w, r, filepath.Join(s.jobs.GensDir(), folder, file))
}

// jobByPath loads job by {id} path value, reports errors with fail
func (s *Server) jobByPath(w http.ResponseWriter, r *http.Request, fail func(w http.ResponseWriter, status int, msg string)) (store.Job, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		fail(w, http.StatusBadRequest, "invalid generation id")
		return store.Job{}, false
	}

	job, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			fail(w, http.StatusNotFound, "generation not found")
			return store.Job{}, false
		}
		log.Printf("[ERROR] failed to get gen %d: %v", id, err)
		fail(w, http.StatusInternalServerError, "failed to load generation")
		return store.Job{}, false
	}
	return job, true
}
