package archive

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/orrn/tsfarm/internal/core"
	"github.com/orrn/tsfarm/internal/db"
)

type fakePruner struct {
	recs   []core.ItemRecord
	cutoff time.Time
}

func (p *fakePruner) PruneTerminal(ctx context.Context, cutoff time.Time) ([]core.ItemRecord, error) {
	p.cutoff = cutoff
	var out, keep []core.ItemRecord
	for _, r := range p.recs {
		if r.FinishedAt.Before(cutoff) {
			out = append(out, r)
		} else {
			keep = append(keep, r)
		}
	}
	p.recs = keep
	return out, nil
}

func newTestArchiver(t *testing.T, p Pruner) *Archiver {
	t.Helper()
	dir := t.TempDir()
	if err := db.Init(db.Config{Path: filepath.Join(dir, "main.db")}); err != nil {
		t.Fatalf("db.Init: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	a, err := NewArchiver(p, ArchiveConfig{ArchivePath: filepath.Join(dir, "archives"), ArchiveDays: 30})
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	return a
}

func TestRunArchive_MovesOldTerminalJobs(t *testing.T) {
	now := time.Date(2026, 4, 15, 3, 0, 0, 0, time.UTC)
	p := &fakePruner{recs: []core.ItemRecord{
		{ID: "old", SrcPath: "/rec/old.ts", State: core.StateComplete, FinishedAt: now.AddDate(0, 0, -40),
			Profile: &core.Profile{Name: "std", Version: 2}},
		{ID: "older", SrcPath: "/rec/older.ts", State: core.StateFailed, FailReason: "boom", FinishedAt: now.AddDate(0, 0, -60)},
		{ID: "fresh", SrcPath: "/rec/fresh.ts", State: core.StateComplete, FinishedAt: now.AddDate(0, 0, -1)},
	}}
	a := newTestArchiver(t, p)
	a.now = func() time.Time { return now }

	n, err := a.RunArchive(context.Background())
	if err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 archived, got %d", n)
	}
	if !p.cutoff.Equal(now.AddDate(0, 0, -30)) {
		t.Fatalf("cutoff = %v", p.cutoff)
	}

	archives, err := a.ListArchives()
	if err != nil || len(archives) != 1 {
		t.Fatalf("ListArchives = %d, %v", len(archives), err)
	}
	if archives[0].Filename != "archive_2026_04.db" || archives[0].DateRange != "2026_04" {
		t.Fatalf("unexpected archive %+v", archives[0])
	}

	info, err := a.GetArchiveInfo(context.Background(), "archive_2026_04.db")
	if err != nil || info.JobCount != 2 {
		t.Fatalf("GetArchiveInfo = %+v, %v", info, err)
	}

	recs, err := a.ReadArchive(context.Background(), "archive_2026_04.db")
	if err != nil {
		t.Fatalf("ReadArchive: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "older" || recs[0].FailReason != "boom" {
		t.Fatalf("unexpected archived records %+v", recs)
	}
	if recs[1].Profile == nil || recs[1].Profile.Version != 2 {
		t.Fatalf("profile snapshot lost: %+v", recs[1].Profile)
	}

	n, err = a.RunArchive(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second run = %d, %v", n, err)
	}
}

func TestArchiver_RejectsBadNames(t *testing.T) {
	a := newTestArchiver(t, &fakePruner{})
	if _, err := a.ReadArchive(context.Background(), "../main.db"); err == nil {
		t.Fatalf("expected error for path traversal")
	}
	if err := a.DeleteArchive("archive_1999_01.db"); !errors.Is(err, ErrArchiveNotFound) {
		t.Fatalf("expected ErrArchiveNotFound, got %v", err)
	}
}

func TestArchiver_DeleteArchive(t *testing.T) {
	now := time.Date(2026, 4, 15, 3, 0, 0, 0, time.UTC)
	p := &fakePruner{recs: []core.ItemRecord{
		{ID: "old", State: core.StateCanceled, FinishedAt: now.AddDate(0, 0, -90)},
	}}
	a := newTestArchiver(t, p)
	a.now = func() time.Time { return now }

	if _, err := a.RunArchive(context.Background()); err != nil {
		t.Fatalf("RunArchive: %v", err)
	}
	if err := a.DeleteArchive("archive_2026_04.db"); err != nil {
		t.Fatalf("DeleteArchive: %v", err)
	}
	archives, err := a.ListArchives()
	if err != nil || len(archives) != 0 {
		t.Fatalf("after delete: %d archives, %v", len(archives), err)
	}
}
