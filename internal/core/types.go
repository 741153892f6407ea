package core

import (
	"context"
	"errors"
	"time"
)

var (
	ErrItemNotFound    = errors.New("item not found")
	ErrDirNotFound     = errors.New("directory not found")
	ErrInvalidState    = errors.New("operation not allowed in current state")
	ErrProfileNotFound = errors.New("profile not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrStopped         = errors.New("queue manager stopped")
)

type ItemState string

const (
	StateLogoPending ItemState = "logo_pending"
	StateQueue       ItemState = "queue"
	StateEncoding    ItemState = "encoding"
	StateComplete    ItemState = "complete"
	StateFailed      ItemState = "failed"
	StatePreFailed   ItemState = "pre_failed"
	StateCanceled    ItemState = "canceled"
)

// IsActive reports whether the item may still run.
func (s ItemState) IsActive() bool {
	return s == StateLogoPending || s == StateQueue || s == StateEncoding
}

func (s ItemState) IsTerminal() bool {
	switch s {
	case StateComplete, StateFailed, StatePreFailed, StateCanceled:
		return true
	}
	return false
}

type ProcMode string

const (
	ModeBatch     ProcMode = "batch"
	ModeAutoBatch ProcMode = "auto_batch"
	ModeTest      ProcMode = "test"
	ModeDrcsCheck ProcMode = "drcs_check"
	ModeCMCheck   ProcMode = "cm_check"
)

func (m ProcMode) Valid() bool {
	switch m {
	case ModeBatch, ModeAutoBatch, ModeTest, ModeDrcsCheck, ModeCMCheck:
		return true
	}
	return false
}

// Priority bounds.
const (
	MinPriority     = 1
	MaxPriority     = 5
	DefaultPriority = 3
)

func ClampPriority(p int) int {
	return clampInt(p, MinPriority, MaxPriority)
}

// Program is one service found in a source container by the Prober.
type Program struct {
	ServiceID   int      `json:"service_id"`
	ServiceName string   `json:"service_name,omitempty"`
	EventName   string   `json:"event_name,omitempty"`
	Width       int      `json:"width"`
	Height      int      `json:"height"`
	Genres      []string `json:"genres,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

func (p Program) clone() Program {
	c := p
	c.Genres = append([]string(nil), p.Genres...)
	c.Tags = append([]string(nil), p.Tags...)
	return c
}

// ProfileRequest is what the submitter asked for: a named profile or an
// auto-select rule set. Exactly one is non-empty.
type ProfileRequest struct {
	Name       string `json:"name,omitempty"`
	AutoSelect string `json:"auto_select,omitempty"`
}

// Artifact describes a finished job's output.
type Artifact struct {
	OutPaths []string      `json:"out_paths,omitempty"`
	SrcSize  int64         `json:"src_size"`
	OutSize  int64         `json:"out_size"`
	Elapsed  time.Duration `json:"elapsed"`
}

// QueueItem is one job. It is owned by the QueueManager loop; collaborators
// only ever see ItemView or JobSpec copies.
type QueueItem struct {
	ID         string
	Dir        *QueueDirectory
	SrcPath    string
	DstPath    string
	Mode       ProcMode
	Priority   int
	State      ItemState
	FailReason string
	Request    ProfileRequest
	Resource   ReqResource
	Program    Program
	Order      int64
	AddedAt    time.Time
	StartedAt  time.Time
	FinishedAt time.Time
	Artifact   *Artifact

	// cancel stops an in-flight runner. It stays set from launch until the
	// runner returns, including after the item was canceled.
	cancel context.CancelFunc
	// removed marks a running item that was deleted from its directory.
	removed bool
}

// stopping reports whether a runner still owns it.
func (it *QueueItem) stopping() bool { return it.cancel != nil }

// cloneAsNew copies the submission fields of it for Duplicate.
func (it *QueueItem) cloneAsNew(id string, order int64, now time.Time) *QueueItem {
	return &QueueItem{
		ID:       id,
		SrcPath:  it.SrcPath,
		DstPath:  it.DstPath,
		Mode:     it.Mode,
		Priority: it.Priority,
		State:    StateLogoPending,
		Request:  it.Request,
		Resource: it.Resource,
		Program:  it.Program.clone(),
		Order:    order,
		AddedAt:  now,
	}
}

// QueueDirectory groups jobs sharing source folder, mode and profile.
type QueueDirectory struct {
	ID      string
	Path    string
	Mode    ProcMode
	Profile ProfileRef
	Items   []*QueueItem
}

func (d *QueueDirectory) indexOf(it *QueueItem) int {
	for i, x := range d.Items {
		if x == it {
			return i
		}
	}
	return -1
}

func (d *QueueDirectory) remove(it *QueueItem) bool {
	i := d.indexOf(it)
	if i < 0 {
		return false
	}
	d.Items = append(d.Items[:i], d.Items[i+1:]...)
	return true
}

type dirKey struct {
	path    string
	mode    ProcMode
	profile string
	version int
}

func (d *QueueDirectory) key() dirKey {
	k := dirKey{path: d.Path, mode: d.Mode}
	if p, ok := d.Profile.Get(); ok {
		k.profile, k.version = p.Name, p.Version
	}
	return k
}

// ItemView is a detached copy of a QueueItem.
type ItemView struct {
	ID         string         `json:"id"`
	DirID      string         `json:"dir_id"`
	SrcPath    string         `json:"src_path"`
	DstPath    string         `json:"dst_path"`
	Mode       ProcMode       `json:"mode"`
	Priority   int            `json:"priority"`
	State      ItemState      `json:"state"`
	FailReason string         `json:"fail_reason,omitempty"`
	Request    ProfileRequest `json:"request"`
	Resource   ReqResource    `json:"resource"`
	Program    Program        `json:"program"`
	Order      int64          `json:"order"`
	AddedAt    time.Time      `json:"added_at"`
	StartedAt  *time.Time     `json:"started_at,omitempty"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
	Artifact   *Artifact      `json:"artifact,omitempty"`
}

func (it *QueueItem) View() ItemView {
	v := ItemView{
		ID:         it.ID,
		SrcPath:    it.SrcPath,
		DstPath:    it.DstPath,
		Mode:       it.Mode,
		Priority:   it.Priority,
		State:      it.State,
		FailReason: it.FailReason,
		Request:    it.Request,
		Resource:   it.Resource,
		Program:    it.Program.clone(),
		Order:      it.Order,
		AddedAt:    it.AddedAt,
	}
	if it.Dir != nil {
		v.DirID = it.Dir.ID
	}
	if !it.StartedAt.IsZero() {
		t := it.StartedAt
		v.StartedAt = &t
	}
	if !it.FinishedAt.IsZero() {
		t := it.FinishedAt
		v.FinishedAt = &t
	}
	if it.Artifact != nil {
		a := *it.Artifact
		a.OutPaths = append([]string(nil), it.Artifact.OutPaths...)
		v.Artifact = &a
	}
	return v
}

type DirView struct {
	ID      string     `json:"id"`
	Path    string     `json:"path"`
	Mode    ProcMode   `json:"mode"`
	Pending bool       `json:"pending"`
	Profile *Profile   `json:"profile,omitempty"`
	Items   []ItemView `json:"items"`
}

func (d *QueueDirectory) View() DirView {
	v := DirView{
		ID:    d.ID,
		Path:  d.Path,
		Mode:  d.Mode,
		Items: make([]ItemView, 0, len(d.Items)),
	}
	if p, ok := d.Profile.Get(); ok {
		v.Profile = &p
	} else {
		v.Pending = true
	}
	for _, it := range d.Items {
		v.Items = append(v.Items, it.View())
	}
	return v
}

type QueueSnapshot struct {
	Dirs []DirView `json:"dirs"`
}

// JobSpec is what a Runner receives.
type JobSpec struct {
	ItemID  string
	SlotID  int
	SrcPath string
	DstPath string
	Mode    ProcMode
	Profile Profile
	Program Program
	GPU     int
	// Lease holds the job's resource ticket. A runner calls Acquire before a
	// phase that must fit the resource budget. Nil outside the scheduler.
	Lease   *Lease
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	// OutcomeRetry means the job could not start and goes back to pending.
	OutcomeRetry OutcomeKind = "retry"
)

type Outcome struct {
	Kind     OutcomeKind
	Reason   string
	Artifact *Artifact
}

// Prober resolves a source file into its programs. It must not touch the
// queue.
type Prober interface {
	Probe(ctx context.Context, path string) ([]Program, error)
}

// Runner executes one job. The context is canceled when the job is canceled.
type Runner interface {
	Run(ctx context.Context, job JobSpec) Outcome
}

// Store persists job metadata for resume.
type Store interface {
	SaveItem(ctx context.Context, rec ItemRecord) error
	DeleteItem(ctx context.Context, id string) error
	LoadItems(ctx context.Context) ([]ItemRecord, error)
}

// ItemRecord is the persisted form of a QueueItem. Profile is nil while the
// item sits in a pending directory.
type ItemRecord struct {
	ID         string
	DirPath    string
	Mode       ProcMode
	SrcPath    string
	DstPath    string
	Priority   int
	State      ItemState
	FailReason string
	Request    ProfileRequest
	Profile    *Profile
	Program    Program
	Order      int64
	AddedAt    time.Time
	FinishedAt time.Time
}

func (it *QueueItem) record() ItemRecord {
	rec := ItemRecord{
		ID:         it.ID,
		Mode:       it.Mode,
		SrcPath:    it.SrcPath,
		DstPath:    it.DstPath,
		Priority:   it.Priority,
		State:      it.State,
		FailReason: it.FailReason,
		Request:    it.Request,
		Program:    it.Program.clone(),
		Order:      it.Order,
		AddedAt:    it.AddedAt,
		FinishedAt: it.FinishedAt,
	}
	if it.Dir != nil {
		rec.DirPath = it.Dir.Path
		if p, ok := it.Dir.Profile.Get(); ok {
			rec.Profile = &p
		}
	}
	return rec
}
