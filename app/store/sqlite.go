package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// DefaultListLimit used by List when limit is not positive
const DefaultListLimit = 10

var (
	// ErrNotFound returned when a job with requested id doesn't exist
	ErrNotFound = errors.New("job not found")
	// ErrEmptyPrompt returned on attempt to create a job without prompt
	ErrEmptyPrompt = errors.New("prompt is empty")
)

// Job is an immutable generation record. Folder is the absolute directory holding the artifact.
type Job struct {
	ID        int64
	Prompt    string
	Folder    string
	CreatedAt time.Time
}

// FolderName returns the per-job directory name, unique for each job
func (j Job) FolderName() string {
	return filepath.Base(j.Folder)
}

// ArtifactName returns the file name of the expected image
func (j Job) ArtifactName() string {
	return strconv.FormatInt(j.ID, 10) + ".png"
}

// ArtifactPath returns the location where the worker is expected to put the image
func (j Job) ArtifactPath() string {
	return filepath.Join(j.Folder, j.ArtifactName())
}

// ArtifactKey returns slash-separated artifact path relative to the gens directory, used in urls
func (j Job) ArtifactKey() string {
	return j.FolderName() + "/" + j.ArtifactName()
}

// jobRow maps gens table
type jobRow struct {
	ID        int64  `db:"id"`
	Prompt    string `db:"prompt"`
	Folder    string `db:"folder"`
	CreatedAt int64  `db:"created_at"`
}

// SQLiteStore implements job records persistence with SQLite
type SQLiteStore struct {
	db      *sqlx.DB
	gensDir string
}

// NewSQLiteStore opens (or creates) database at dbPath. Artifact folders are allocated under gensDir.
func NewSQLiteStore(dbPath, gensDir string) (*SQLiteStore, error) {
	if strings.TrimSpace(gensDir) == "" {
		return nil, errors.New("gens directory is required")
	}
	if err := os.MkdirAll(gensDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to make gens directory %s: %w", gensDir, err)
	}
	absGens, err := filepath.Abs(gensDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve gens directory %s: %w", gensDir, err)
	}

	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// single writer connection serializes id allocation, busy_timeout makes other callers wait
	db.SetMaxOpenConns(1)

	pragmas := []string{"PRAGMA busy_timeout = 5000", "PRAGMA journal_mode=WAL"}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to set %q: %w (also failed to close db: %v)", p, err, closeErr)
			}
			return nil, fmt.Errorf("failed to set %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, gensDir: absGens}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// initialize creates the database schema
func (s *SQLiteStore) initialize() error {
	query := `CREATE TABLE IF NOT EXISTS gens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		prompt TEXT NOT NULL,
		folder TEXT NOT NULL UNIQUE,
		created_at INTEGER NOT NULL
	)`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create gens table: %w", err)
	}
	return nil
}

// GensDir returns absolute directory holding all artifact folders
func (s *SQLiteStore) GensDir() string {
	return s.gensDir
}

// Create allocates a new job with a fresh artifact folder and returns the stored record.
// The record is committed before Create returns, so the job is visible to any observer right away.
func (s *SQLiteStore) Create(ctx context.Context, prompt string) (Job, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return Job{}, ErrEmptyPrompt
	}

	folderName := uuid.NewString()
	folder := filepath.Join(s.gensDir, folderName)
	if err := os.MkdirAll(folder, 0o750); err != nil {
		return Job{}, fmt.Errorf("failed to make folder for job: %w", err)
	}

	createdAt := time.Now()
	res, err := s.db.ExecContext(ctx, `INSERT INTO gens (prompt, folder, created_at) VALUES (?, ?, ?)`,
		prompt, folderName, createdAt.UnixMilli())
	if err != nil {
		if rmErr := os.Remove(folder); rmErr != nil {
			log.Printf("[WARN] failed to remove unused folder %s: %v", folder, rmErr)
		}
		return Job{}, fmt.Errorf("failed to insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Job{}, fmt.Errorf("failed to get id of inserted job: %w", err)
	}

	job := Job{ID: id, Prompt: prompt, Folder: folder, CreatedAt: time.UnixMilli(createdAt.UnixMilli())}
	log.Printf("[DEBUG] created job %d, folder %s", job.ID, folderName)
	return job, nil
}

// Get returns job by id, ErrNotFound if missing
func (s *SQLiteStore) Get(ctx context.Context, id int64) (Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT id, prompt, folder, created_at FROM gens WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Job{}, ErrNotFound
		}
		return Job{}, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return s.toJob(row), nil
}

// List returns up to limit jobs ordered by id, newest first if requested
func (s *SQLiteStore) List(ctx context.Context, limit int, newestFirst bool) ([]Job, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	order := "ASC"
	if newestFirst {
		order = "DESC"
	}

	rows := []jobRow{}
	query := `SELECT id, prompt, folder, created_at FROM gens ORDER BY id ` + order + ` LIMIT ?` // #nosec G202
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	res := make([]Job, 0, len(rows))
	for _, r := range rows {
		res = append(res, s.toJob(r))
	}
	return res, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) toJob(r jobRow) Job {
	return Job{
		ID:        r.ID,
		Prompt:    r.Prompt,
		Folder:    filepath.Join(s.gensDir, r.Folder),
		CreatedAt: time.UnixMilli(r.CreatedAt),
	}
}
