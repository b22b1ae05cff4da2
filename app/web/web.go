// Package web implements the web server for imggen application
package web

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"github.com/didip/tollbooth/v8"
	"github.com/didip/tollbooth/v8/limiter"
	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/rest"
	"github.com/go-pkgz/rest/logger"
	"github.com/go-pkgz/routegroup"

	"github.com/umputun/imggen/app/store"
	"github.com/umputun/imggen/app/tracker"
)

//go:embed templates/*.html templates/partials/*.html
var templatesFS embed.FS

// Server represents the web server
type Server struct {
	dispatcher     Dispatcher
	jobs           JobStore
	observer       Observer
	templates      map[string]*template.Template
	hostname       string // hostname to display in UI
	version        string
	passwordHash   string        // bcrypt hash for basic auth
	listLimit      int           // number of gens on index page
	pollInterval   time.Duration // htmx polling interval of pending cards
	submitLimiter  *limiter.Limiter
	csrfProtection *http.CrossOriginProtection // csrf protection for POST endpoints
	startedAt      time.Time
}

// Dispatcher submits new jobs
type Dispatcher interface {
	Submit(ctx context.Context, prompt string) (store.Job, error)
	Degraded() bool
	Inflight() int
}

// JobStore provides read access to job records
type JobStore interface {
	Get(ctx context.Context, id int64) (store.Job, error)
	List(ctx context.Context, limit int, newestFirst bool) ([]store.Job, error)
	GensDir() string
}

// Observer derives job state and tells if it is final
type Observer interface {
	Resolve(job store.Job) tracker.Resolution
	Terminal(job store.Job, res tracker.Resolution) bool
}

// Config holds server configuration
type Config struct {
	Dispatcher   Dispatcher
	Store        JobStore
	Observer     Observer
	Hostname     string // hostname to display in UI
	Version      string
	PasswordHash string        // bcrypt hash for basic auth (empty to disable)
	ListLimit    int           // number of gens on index page, defaults to 10
	PollInterval time.Duration // polling interval of pending cards, defaults to 2s
	RateLimit    float64       // max submits per second per client, 0 to disable
}

// New creates a new web server
func New(cfg Config) (*Server, error) {
	if cfg.Dispatcher == nil || cfg.Store == nil || cfg.Observer == nil {
		return nil, fmt.Errorf("web server initialization failed: dispatcher, store and observer are required")
	}

	s := &Server{
		dispatcher:     cfg.Dispatcher,
		jobs:           cfg.Store,
		observer:       cfg.Observer,
		hostname:       cfg.Hostname,
		version:        cfg.Version,
		passwordHash:   cfg.PasswordHash,
		listLimit:      cfg.ListLimit,
		pollInterval:   cfg.PollInterval,
		csrfProtection: http.NewCrossOriginProtection(),
		startedAt:      time.Now(),
	}
	if s.listLimit <= 0 {
		s.listLimit = store.DefaultListLimit
	}
	if s.pollInterval < time.Second {
		s.pollInterval = tracker.DefaultPollInterval
	}

	if cfg.RateLimit > 0 {
		s.submitLimiter = tollbooth.NewLimiter(cfg.RateLimit, &limiter.ExpirableOptions{DefaultExpirationTTL: time.Hour})
		s.submitLimiter.SetIPLookup(limiter.IPLookup{Name: "RemoteAddr"})
		s.submitLimiter.SetMessage(`{"error":"too many requests"}`)
		s.submitLimiter.SetMessageContentType("application/json")
	}

	templates, err := s.parseTemplates()
	if err != nil {
		return nil, fmt.Errorf("web server initialization failed: failed to parse HTML templates: %w", err)
	}
	s.templates = templates
	return s, nil
}

// Run starts the web server and blocks until ctx is done
func (s *Server) Run(ctx context.Context, address string) error {
	server := &http.Server{
		Addr:              address,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("[WARN] failed to shutdown server: %v", err)
		}
	}()

	log.Printf("[INFO] starting web server on %s", address)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server failed: %w", err)
	}
	return nil
}

// routes returns the http.Handler with all routes configured
func (s *Server) routes() http.Handler {
	router := routegroup.New(http.NewServeMux())

	// global middleware - applied to all routes
	router.Use(
		rest.RealIP,
		rest.Recoverer(log.Default()),
		rest.Throttle(1000),
		rest.AppInfo("imggen", "umputun", s.version),
		rest.Ping,
		rest.SizeLimit(64*1024), // prompts are small, 64KB is plenty
		logger.New(logger.Log(log.Default()), logger.Prefix("[DEBUG]")).Handler,
	)

	if s.passwordHash != "" {
		log.Printf("[INFO] authentication enabled for web UI")
		router.Use(s.authMiddleware)
	}

	router.HandleFunc("GET /{$}", s.handleIndex)
	router.With(s.submitMiddlewares()...).HandleFunc("POST /generate", s.handleGenerate)
	router.HandleFunc("GET /gens/{id}", s.handleGenCard)
	router.HandleFunc("GET /data/gens/{folder}/{file}", s.handleArtifact)

	// JSON API for CLI/programmatic access
	router.Mount("/api/v1").Route(func(api *routegroup.Bundle) {
		api.Use(rest.NoCache)
		api.HandleFunc("GET /status", s.handleAPIStatus)
		api.HandleFunc("GET /gens", s.handleAPIList)
		api.HandleFunc("GET /gens/{id}", s.handleAPIGen)
		api.With(s.submitMiddlewares()...).HandleFunc("POST /gens", s.handleAPISubmit)
	})

	return router
}

// submitMiddlewares returns middlewares for endpoints creating jobs
func (s *Server) submitMiddlewares() []func(http.Handler) http.Handler {
	res := []func(http.Handler) http.Handler{s.csrfProtection.Handler}
	if s.submitLimiter != nil {
		res = append(res, tollbooth.HTTPMiddleware(s.submitLimiter))
	}
	return res
}

// render renders a template
func (s *Server) render(w http.ResponseWriter, page, tmplName string, data any) {
	tmpl, ok := s.templates[page]
	if !ok {
		log.Printf("[WARN] template %s not found", page)
		http.Error(w, "Template not found", http.StatusInternalServerError)
		return
	}

	buf := new(bytes.Buffer)
	if err := tmpl.ExecuteTemplate(buf, tmplName, data); err != nil {
		log.Printf("[WARN] failed to execute template: %v", err)
		http.Error(w, "Template error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := buf.WriteTo(w); err != nil {
		log.Printf("[WARN] failed to write response: %v", err)
	}
}

// parseTemplates parses all templates
func (s *Server) parseTemplates() (map[string]*template.Template, error) {
	templates := make(map[string]*template.Template)

	funcMap := template.FuncMap{
		"humanTime":   s.humanTime,
		"pollSeconds": s.pollSeconds,
		"truncate":    s.truncate,
	}

	// parse base template with all partials
	base, err := template.New("base.html").Funcs(funcMap).ParseFS(templatesFS,
		"templates/base.html", "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse base template: %w", err)
	}
	templates["base.html"] = base

	// parse partials separately for HTMX requests
	partials, err := template.New("gen.html").Funcs(funcMap).ParseFS(templatesFS, "templates/partials/*.html")
	if err != nil {
		return nil, fmt.Errorf("failed to parse partials: %w", err)
	}
	templates["partials"] = partials

	return templates, nil
}

// template helper functions

func (s *Server) humanTime(t time.Time) string {
	if t.IsZero() {
		return "unknown"
	}
	return t.Format("Jan 2, 15:04:05")
}

func (s *Server) pollSeconds() int {
	return int(s.pollInterval / time.Second)
}

func (s *Server) truncate(str string, n int) string {
	if len([]rune(str)) <= n {
		return str
	}
	return string([]rune(str)[:n]) + "..."
}

// shortVersion extracts a short version string from full version
// for version like "v1.7.0-abc1234-20241225", returns "v1.7.0"
func shortVersion(fullVer string) string {
	if fullVer == "" || fullVer == "unknown" {
		return fullVer
	}
	if idx := strings.Index(fullVer, "-"); idx > 0 {
		return fullVer[:idx]
	}
	return fullVer
}
