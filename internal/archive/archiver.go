package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

var ErrArchiveNotFound = errors.New("archive not found")

// Pruner removes old terminal jobs from the live queue and returns them.
type Pruner interface {
	PruneTerminal(ctx context.Context, cutoff time.Time) ([]core.ItemRecord, error)
}

type Archiver struct {
	pruner      Pruner
	archivePath string
	archiveDays int
	now         func() time.Time
	stopCh      chan struct{}
	stopOnce    sync.Once
	mu          sync.Mutex
	log         *slog.Logger
}

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	JobCount  int       `json:"job_count"`
	DateRange string    `json:"date_range"`
}

type ArchiveConfig struct {
	ArchivePath string
	ArchiveDays int
}

func NewArchiver(pruner Pruner, config ArchiveConfig) (*Archiver, error) {
	if config.ArchivePath == "" {
		config.ArchivePath = "./data/archives"
	}
	if config.ArchiveDays <= 0 {
		config.ArchiveDays = 30
	}

	if err := os.MkdirAll(config.ArchivePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		pruner:      pruner,
		archivePath: config.ArchivePath,
		archiveDays: config.ArchiveDays,
		now:         time.Now,
		stopCh:      make(chan struct{}),
		log:         slog.Default().With("component", "archive"),
	}, nil
}

func (a *Archiver) Start() {
	go a.runDailyArchive()
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *Archiver) runDailyArchive() {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			n, err := a.RunArchive(context.Background())
			if err != nil {
				a.log.Error("archive run failed", "error", err)
				continue
			}
			if n > 0 {
				a.log.Info("archived jobs", "count", n)
			}
		}
	}
}

// RunArchive moves terminal jobs finished before the retention cutoff into
// this month's archive file and returns how many were moved.
func (a *Archiver) RunArchive(ctx context.Context) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	cutoff := now.AddDate(0, 0, -a.archiveDays)

	recs, err := a.pruner.PruneTerminal(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	filename := fmt.Sprintf("archive_%s.db", now.Format("2006_01"))
	if err := a.writeArchive(filepath.Join(a.archivePath, filename), recs, now); err != nil {
		return 0, fmt.Errorf("failed to write archive: %w", err)
	}

	for _, rec := range recs {
		if err := db.Archive.CreateArchiveJob(ctx, &db.ArchiveJob{OriginalItemID: rec.ID, ArchiveFile: filename}); err != nil {
			return len(recs), fmt.Errorf("failed to record archive job: %w", err)
		}
	}
	return len(recs), nil
}

func openArchiveDB(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}

	_, err = conn.Exec(`
		CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			src_path TEXT NOT NULL,
			state TEXT NOT NULL,
			finished_at DATETIME,
			record_json TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS archive_metadata (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			archived_at DATETIME,
			source_database TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_archive_items_finished_at ON queue_items(finished_at);
	`)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (a *Archiver) writeArchive(path string, recs []core.ItemRecord, now time.Time) error {
	conn, err := openArchiveDB(path)
	if err != nil {
		return err
	}
	defer conn.Close()

	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin archive transaction: %w", err)
	}

	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to encode item %s: %w", rec.ID, err)
		}
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO queue_items (id, src_path, state, finished_at, record_json)
			VALUES (?, ?, ?, ?, ?)
		`, rec.ID, rec.SrcPath, string(rec.State), rec.FinishedAt, string(data)); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to insert item to archive: %w", err)
		}
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO archive_metadata (id, archived_at, source_database)
		VALUES (1, ?, 'main')
	`, now); err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to update archive metadata: %w", err)
	}

	return tx.Commit()
}

// ReadArchive returns the job records stored in an archive file.
func (a *Archiver) ReadArchive(ctx context.Context, filename string) ([]core.ItemRecord, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}
	defer conn.Close()

	rows, err := conn.QueryContext(ctx, `SELECT record_json FROM queue_items ORDER BY finished_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query archive: %w", err)
	}
	defer rows.Close()

	var recs []core.ItemRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan archived item: %w", err)
		}
		var rec core.ItemRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode archived item: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	files, err := os.ReadDir(a.archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	var archives []*ArchiveFile
	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "archive_") || !strings.HasSuffix(file.Name(), ".db") {
			continue
		}
		info, err := file.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveFile{
			Filename:  file.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
			DateRange: dateRange(file.Name()),
		})
	}
	return archives, nil
}

func (a *Archiver) GetArchiveInfo(ctx context.Context, filename string) (*ArchiveFile, error) {
	path, err := a.resolve(filename)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	archiveFile := &ArchiveFile{
		Filename:  filename,
		Size:      info.Size(),
		CreatedAt: info.ModTime(),
		DateRange: dateRange(filename),
	}
	if n, err := db.Archive.CountByFile(ctx, filename); err == nil {
		archiveFile.JobCount = n
	}
	return archiveFile, nil
}

func (a *Archiver) DeleteArchive(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.resolve(filename)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (a *Archiver) SetArchiveDays(days int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archiveDays = days
}

func (a *Archiver) GetArchiveDays() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.archiveDays
}

// resolve rejects names that escape the archive directory.
func (a *Archiver) resolve(filename string) (string, error) {
	if filename == "" || filepath.Base(filename) != filename {
		return "", fmt.Errorf("invalid archive name %q", filename)
	}
	path := filepath.Join(a.archivePath, filename)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return "", ErrArchiveNotFound
	}
	return path, nil
}

func dateRange(filename string) string {
	return strings.TrimSuffix(strings.TrimPrefix(filename, "archive_"), ".db")
}
