package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/shirou/gopsutil/v4/disk"

	"github.com/umputun/imggen/app/store"
)

// maxAPIListLimit caps limit query parameter of gens list
const maxAPIListLimit = 100

// APIStatusResponse is the JSON response for /api/v1/status
type APIStatusResponse struct {
	Version   string       `json:"version"`
	Degraded  bool         `json:"degraded"`
	Inflight  int          `json:"inflight"`
	Disk      *APIDiskInfo `json:"disk,omitempty"`
	Uptime    string       `json:"uptime"`
	Timestamp time.Time    `json:"timestamp"`
}

// APIDiskInfo represents usage of the volume holding artifacts
type APIDiskInfo struct {
	Path        string  `json:"path"`
	Total       uint64  `json:"total"`
	Free        uint64  `json:"free"`
	UsedPercent float64 `json:"used_percent"`
}

// APIListResponse is the JSON response for gens list
type APIListResponse struct {
	Gens []GenView `json:"gens"`
}

// APISubmitRequest is the JSON request to create a gen
type APISubmitRequest struct {
	Prompt string `json:"prompt"`
}

// handleAPIStatus returns service status - backend availability, active workers and disk usage
func (s *Server) handleAPIStatus(w http.ResponseWriter, _ *http.Request) {
	resp := APIStatusResponse{
		Version:   s.version,
		Degraded:  s.dispatcher.Degraded(),
		Inflight:  s.dispatcher.Inflight(),
		Uptime:    time.Since(s.startedAt).Truncate(time.Second).String(),
		Timestamp: time.Now(),
	}

	gensDir := s.jobs.GensDir()
	usage, err := disk.Usage(gensDir)
	if err != nil {
		log.Printf("[WARN] can't get disk usage for %s: %v", gensDir, err)
	} else {
		resp.Disk = &APIDiskInfo{Path: gensDir, Total: usage.Total, Free: usage.Free, UsedPercent: usage.UsedPercent}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIList returns recent gens, newest first
func (s *Server) handleAPIList(w http.ResponseWriter, r *http.Request) {
	limit := s.listLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxAPIListLimit)
	}

	jobs, err := s.jobs.List(r.Context(), limit, true)
	if err != nil {
		log.Printf("[ERROR] failed to list gens: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to load generations")
		return
	}

	resp := APIListResponse{Gens: make([]GenView, 0, len(jobs))}
	for _, job := range jobs {
		resp.Gens = append(resp.Gens, s.view(job))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleAPIGen returns a single gen with its current state
func (s *Server) handleAPIGen(w http.ResponseWriter, r *http.Request) {
	job, ok := s.jobByPath(w, r, s.writeJSONError)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, s.view(job))
}

// handleAPISubmit creates a gen and returns it right away, clients poll Location for the result
func (s *Server) handleAPISubmit(w http.ResponseWriter, r *http.Request) {
	var req APISubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	job, err := s.dispatcher.Submit(r.Context(), req.Prompt)
	if err != nil {
		if errors.Is(err, store.ErrEmptyPrompt) {
			s.writeJSONError(w, http.StatusBadRequest, "prompt is required")
			return
		}
		log.Printf("[ERROR] failed to submit gen: %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "failed to create generation")
		return
	}
	log.Printf("[INFO] gen %d submitted via api from %s", job.ID, r.RemoteAddr)

	w.Header().Set("Location", "/api/v1/gens/"+strconv.FormatInt(job.ID, 10))
	s.writeJSON(w, http.StatusAccepted, s.view(job))
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]string{"error": message}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Printf("[WARN] failed to encode JSON error response: %v", err)
	}
}
