package core

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Options are the scheduling settings applied at Start.
type Options struct {
	NumParallel              int
	EnableResourceScheduling bool
	NumGPU                   int
	MaxGPU                   []int
	MinImageWidth            int
	MinImageHeight           int
	Paused                   bool
}

type OutputRequest struct {
	DstPath    string `json:"dst_path"`
	Profile    string `json:"profile,omitempty"`
	AutoSelect string `json:"auto_select,omitempty"`
	Priority   int    `json:"priority"`
}

type AddQueueRequest struct {
	// DirPath defaults to the folder of each target.
	DirPath string          `json:"dir_path,omitempty"`
	Mode    ProcMode        `json:"mode"`
	Targets []string        `json:"targets"`
	Outputs []OutputRequest `json:"outputs"`
}

func (r AddQueueRequest) Validate() error {
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, r.Mode)
	}
	if len(r.Targets) == 0 {
		return fmt.Errorf("%w: no targets", ErrInvalidRequest)
	}
	if len(r.Outputs) == 0 {
		return fmt.Errorf("%w: no outputs", ErrInvalidRequest)
	}
	for _, o := range r.Outputs {
		if (o.Profile == "") == (o.AutoSelect == "") {
			return fmt.Errorf("%w: output must name exactly one of profile or auto_select", ErrInvalidRequest)
		}
	}
	return nil
}

// PoolState summarizes the scheduler for status displays.
type PoolState struct {
	NumParallel        int           `json:"num_parallel"`
	UserPause          bool          `json:"user_pause"`
	ScheduledPause     bool          `json:"scheduled_pause"`
	ResourceScheduling bool          `json:"resource_scheduling"`
	Queued             int           `json:"queued"`
	Running            int           `json:"running"`
	Slots              []SlotView    `json:"slots"`
	Resources          ResourceUsage `json:"resources"`
}

type persistOp struct {
	id     string
	rec    ItemRecord
	delete bool
}

// QueueManager owns the user-visible queue and the job state machine. All
// queue, directory, slot and bucket state is mutated by a single loop
// goroutine; public methods hand closures to it.
type QueueManager struct {
	opts     Options
	prober   Prober
	runner   Runner
	notifier Notifier
	store    Store
	catalog  *Catalog

	res   *ResourceManager
	sched *ScheduledQueue
	pool  *WorkerPool

	dirs      []*QueueDirectory
	items     map[string]*QueueItem
	nextOrder int64

	now   func() time.Time
	newID func() string

	cmdCh    chan func()
	stopCh   chan struct{}
	loopDone chan struct{}

	// Pending store writes, latest per item id. The loop only ever adds to
	// them; persistLoop drains them.
	persistMu    sync.Mutex
	persistOps   map[string]persistOp
	persistOrder []string
	persistWake  chan struct{}
	persistStop  chan struct{}
	persistDone  chan struct{}

	runners   sync.WaitGroup
	started   bool
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewQueueManager wires the scheduler. notifier and store may be nil.
func NewQueueManager(prober Prober, runner Runner, notifier Notifier, store Store, catalog *Catalog, opts Options) *QueueManager {
	if catalog == nil {
		catalog = NewCatalog()
	}
	m := &QueueManager{
		opts:        opts,
		prober:      prober,
		runner:      runner,
		notifier:    notifier,
		store:       store,
		catalog:     catalog,
		items:       make(map[string]*QueueItem),
		nextOrder:   1,
		now:         time.Now,
		newID:       uuid.NewString,
		cmdCh:       make(chan func()),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
		persistOps:  make(map[string]persistOp),
		persistWake: make(chan struct{}, 1),
		persistStop: make(chan struct{}),
		persistDone: make(chan struct{}),
	}
	m.res = NewResourceManager(opts.NumGPU, opts.MaxGPU)
	m.sched = NewScheduledQueue(m.res, opts.EnableResourceScheduling)
	m.pool = NewWorkerPool(m.sched, m.launch)
	return m
}

// Start restores persisted jobs, applies the initial settings and starts the
// scheduling loop.
func (m *QueueManager) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		if m.store != nil {
			go m.persistLoop()
			if err = m.restore(ctx); err != nil {
				err = fmt.Errorf("failed to restore queue: %w", err)
				close(m.persistStop)
				<-m.persistDone
				return
			}
		}
		m.pool.SetPause(m.opts.Paused, false)
		m.pool.SetNumParallel(m.opts.NumParallel)
		m.started = true
		go m.loop()
	})
	return err
}

// Stop ends the loop, cancels running jobs and flushes persistence. Jobs
// interrupted here are restored to pending on the next Start.
func (m *QueueManager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
		if !m.started {
			return
		}
		<-m.loopDone
		for _, it := range m.items {
			if it.cancel != nil {
				it.cancel()
			}
		}
		m.runners.Wait()
		if m.store != nil {
			close(m.persistStop)
			<-m.persistDone
		}
	})
}

func (m *QueueManager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case fn := <-m.cmdCh:
			fn()
		case <-m.stopCh:
			return
		}
	}
}

// exec runs fn on the loop and waits for it.
func (m *QueueManager) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	task := func() {
		defer close(done)
		fn()
	}
	select {
	case m.cmdCh <- task:
	case <-m.loopDone:
		return ErrStopped
	case <-m.stopCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-done
	return nil
}

// post queues fn on the loop without waiting.
func (m *QueueManager) post(fn func()) {
	select {
	case m.cmdCh <- fn:
	case <-m.loopDone:
	}
}

func (m *QueueManager) persistLoop() {
	defer close(m.persistDone)
	for {
		select {
		case <-m.persistWake:
			m.flushPersist()
		case <-m.persistStop:
			m.flushPersist()
			return
		}
	}
}

func (m *QueueManager) flushPersist() {
	m.persistMu.Lock()
	ops := make([]persistOp, 0, len(m.persistOrder))
	for _, id := range m.persistOrder {
		ops = append(ops, m.persistOps[id])
	}
	m.persistOps = make(map[string]persistOp)
	m.persistOrder = nil
	m.persistMu.Unlock()

	for _, op := range ops {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		var err error
		if op.delete {
			err = m.store.DeleteItem(ctx, op.id)
		} else {
			err = m.store.SaveItem(ctx, op.rec)
		}
		cancel()
		if err != nil {
			slog.Warn("failed to persist item", "component", "queue", "item", op.id, "error", err)
		}
	}
}

// enqueuePersist records op as the next write for its item, replacing any
// write not yet taken by persistLoop. It never blocks on the store.
func (m *QueueManager) enqueuePersist(op persistOp) {
	if m.store == nil {
		return
	}
	m.persistMu.Lock()
	if _, ok := m.persistOps[op.id]; !ok {
		m.persistOrder = append(m.persistOrder, op.id)
	}
	m.persistOps[op.id] = op
	m.persistMu.Unlock()
	select {
	case m.persistWake <- struct{}{}:
	default:
	}
}

func (m *QueueManager) persist(it *QueueItem) {
	m.enqueuePersist(persistOp{id: it.ID, rec: it.record()})
}

func (m *QueueManager) unpersist(it *QueueItem) {
	m.enqueuePersist(persistOp{id: it.ID, delete: true})
}

func (m *QueueManager) emit(ev Event) {
	if m.notifier == nil {
		return
	}
	ev.Time = m.now()
	m.notifier.Notify(ev)
}

func (m *QueueManager) emitItem(kind EventKind, it *QueueItem) {
	v := it.View()
	m.emit(Event{Kind: kind, Item: &v})
}

func (m *QueueManager) restore(ctx context.Context) error {
	recs, err := m.store.LoadItems(ctx)
	if err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Order < recs[j].Order })
	for _, rec := range recs {
		ref := PendingProfile()
		if rec.Profile != nil {
			ref = ResolvedProfile(*rec.Profile)
			m.catalog.reserveVersion(*rec.Profile)
		}
		it := &QueueItem{
			ID:         rec.ID,
			SrcPath:    rec.SrcPath,
			DstPath:    rec.DstPath,
			Mode:       rec.Mode,
			Priority:   ClampPriority(rec.Priority),
			State:      rec.State,
			FailReason: rec.FailReason,
			Request:    rec.Request,
			Program:    rec.Program.clone(),
			Order:      rec.Order,
			AddedAt:    rec.AddedAt,
			FinishedAt: rec.FinishedAt,
		}
		if rec.Profile != nil {
			it.Resource = rec.Profile.Resource
		}
		interrupted := it.State == StateQueue || it.State == StateEncoding
		if interrupted {
			it.State = StateLogoPending
			it.FailReason = ""
		}
		dir := m.getOrCreateDir(rec.DirPath, rec.Mode, ref)
		m.attach(dir, it)
		if interrupted {
			m.persist(it)
		}
		m.emitItem(EventItemAdded, it)
		if it.Order >= m.nextOrder {
			m.nextOrder = it.Order + 1
		}
	}
	slog.Info("restored queue", "component", "queue", "items", len(recs), "dirs", len(m.dirs))
	m.updateQueueItems()
	return nil
}

// ---- directories ----

func (m *QueueManager) getOrCreateDir(path string, mode ProcMode, ref ProfileRef) *QueueDirectory {
	want := dirKey{path: path, mode: mode}
	if p, ok := ref.Get(); ok {
		want.profile, want.version = p.Name, p.Version
	}
	for _, d := range m.dirs {
		if d.key() == want && d.Profile.IsPending() == ref.IsPending() {
			return d
		}
	}
	d := &QueueDirectory{ID: m.newID(), Path: path, Mode: mode, Profile: ref}
	m.dirs = append(m.dirs, d)
	v := d.View()
	m.emit(Event{Kind: EventDirAdded, Dir: &v})
	return d
}

func (m *QueueManager) findDir(id string) *QueueDirectory {
	for _, d := range m.dirs {
		if d.ID == id {
			return d
		}
	}
	return nil
}

func (m *QueueManager) attach(d *QueueDirectory, it *QueueItem) {
	it.Dir = d
	d.Items = append(d.Items, it)
	m.items[it.ID] = it
}

func (m *QueueManager) destroyDirIfEmpty(d *QueueDirectory) {
	if len(d.Items) > 0 {
		return
	}
	for i, x := range m.dirs {
		if x == d {
			m.dirs = append(m.dirs[:i], m.dirs[i+1:]...)
			break
		}
	}
	v := d.View()
	m.emit(Event{Kind: EventDirRemoved, Dir: &v})
}

// moveItem relocates it in one step; no observer can see it outside a
// directory because all readers go through the loop.
func (m *QueueManager) moveItem(it *QueueItem, to *QueueDirectory) {
	from := it.Dir
	if from == to {
		return
	}
	from.remove(it)
	it.Dir = to
	to.Items = append(to.Items, it)
	v := it.View()
	m.emit(Event{Kind: EventItemMoved, Item: &v, FromDirID: from.ID})
	m.persist(it)
	m.destroyDirIfEmpty(from)
}

// detach removes it from its directory and the item index.
func (m *QueueManager) detach(it *QueueItem) {
	if m.sched.Contains(it) {
		m.sched.RemoveQueue(it)
	}
	d := it.Dir
	d.remove(it)
	delete(m.items, it.ID)
	m.emitItem(EventItemRemoved, it)
	m.unpersist(it)
	m.destroyDirIfEmpty(d)
}

// ---- state machine ----

func (m *QueueManager) setState(it *QueueItem, s ItemState, reason string) {
	if it.State == s && it.FailReason == reason {
		return
	}
	old := it.State
	it.State = s
	it.FailReason = reason
	v := it.View()
	m.emit(Event{Kind: EventStateChanged, Item: &v, OldState: old})
	m.persist(it)
}

func (m *QueueManager) toQueue(it *QueueItem) {
	m.setState(it, StateQueue, "")
	m.sched.AddQueue(it)
	m.pool.NotifyAddQueue()
}

// pend parks it in LogoPending with a reason, leaving the ScheduledQueue.
func (m *QueueManager) pend(it *QueueItem, reason string) {
	if it.State == StateQueue {
		m.sched.RemoveQueue(it)
	}
	m.setState(it, StateLogoPending, reason)
}

// updateQueueItem resolves the profile of a pending item, runs the gating
// checks and queues it once everything passes. It is idempotent.
func (m *QueueManager) updateQueueItem(it *QueueItem) {
	if it.State != StateLogoPending && it.State != StateQueue {
		return
	}
	if it.Dir.Profile.IsPending() {
		prof, prio, reason, ok := m.catalog.Resolve(it.Request, it.SrcPath, it.Program)
		if !ok {
			m.pend(it, reason)
			return
		}
		if prio != 0 {
			it.Priority = ClampPriority(prio)
		}
		it.Resource = prof.Resource
		m.moveItem(it, m.getOrCreateDir(it.Dir.Path, it.Mode, ResolvedProfile(prof)))
	}
	prof, _ := it.Dir.Profile.Get()
	if reason := m.checkGates(it, prof); reason != "" {
		m.pend(it, reason)
		return
	}
	if it.State == StateQueue {
		return
	}
	m.toQueue(it)
}

func needsLogo(mode ProcMode) bool {
	switch mode {
	case ModeBatch, ModeAutoBatch, ModeTest, ModeCMCheck:
		return true
	}
	return false
}

func (m *QueueManager) checkGates(it *QueueItem, prof Profile) string {
	if it.Mode == ModeDrcsCheck {
		return ""
	}
	svc, ok := m.catalog.Service(it.Program.ServiceID)
	if !ok {
		return fmt.Sprintf("no settings for service %d", it.Program.ServiceID)
	}
	if needsLogo(it.Mode) && prof.EnableChapter && !prof.IgnoreNoLogo && !svc.hasLogo() {
		name := svc.Name
		if name == "" {
			name = strconv.Itoa(svc.ServiceID)
		}
		return fmt.Sprintf("no logo registered for service %s", name)
	}
	return ""
}

// updateQueueItems re-evaluates every pending or queued item in order.
func (m *QueueManager) updateQueueItems() {
	list := make([]*QueueItem, 0, len(m.items))
	for _, it := range m.items {
		if it.State == StateLogoPending || it.State == StateQueue {
			list = append(list, it)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Order < list[j].Order })
	for _, it := range list {
		m.updateQueueItem(it)
	}
}

// ---- ingestion ----

// AddQueue probes every target off the loop and then creates all jobs of one
// file in a single loop step.
func (m *QueueManager) AddQueue(ctx context.Context, req AddQueueRequest) ([]ItemView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	var out []ItemView
	for _, target := range req.Targets {
		progs, perr := m.prober.Probe(ctx, target)
		var views []ItemView
		err := m.exec(ctx, func() {
			views = m.addFile(req, target, progs, perr)
		})
		if err != nil {
			return out, err
		}
		out = append(out, views...)
	}
	return out, nil
}

func (m *QueueManager) addFile(req AddQueueRequest, src string, progs []Program, perr error) []ItemView {
	dirPath := req.DirPath
	if dirPath == "" {
		dirPath = filepath.Dir(src)
	}
	dir := m.getOrCreateDir(dirPath, req.Mode, PendingProfile())
	now := m.now()

	failReason := ""
	switch {
	case perr != nil:
		failReason = fmt.Sprintf("failed to read metadata: %v", perr)
	case len(progs) == 0:
		failReason = "no program found in source"
	}
	if failReason != "" {
		progs = []Program{{}}
	}

	var created []*QueueItem
	for _, prog := range progs {
		for _, out := range req.Outputs {
			it := &QueueItem{
				ID:       m.newID(),
				SrcPath:  src,
				DstPath:  dstPath(out.DstPath, src, prog, len(progs) > 1),
				Mode:     req.Mode,
				Priority: ClampPriority(out.Priority),
				State:    StateLogoPending,
				Request:  ProfileRequest{Name: out.Profile, AutoSelect: out.AutoSelect},
				Program:  prog.clone(),
				Order:    m.nextOrder,
				AddedAt:  now,
			}
			m.nextOrder++
			switch {
			case failReason != "":
				it.State, it.FailReason, it.FinishedAt = StatePreFailed, failReason, now
			case prog.Width < m.opts.MinImageWidth || prog.Height < m.opts.MinImageHeight:
				it.State, it.FinishedAt = StatePreFailed, now
				it.FailReason = fmt.Sprintf("image size %dx%d is below the minimum %dx%d",
					prog.Width, prog.Height, m.opts.MinImageWidth, m.opts.MinImageHeight)
			}
			m.attach(dir, it)
			m.emitItem(EventItemAdded, it)
			m.persist(it)
			created = append(created, it)
		}
	}
	for _, it := range created {
		m.updateQueueItem(it)
	}
	views := make([]ItemView, len(created))
	for i, it := range created {
		views[i] = it.View()
	}
	slog.Info("added source", "component", "queue", "path", src, "jobs", len(created))
	return views
}

func dstPath(outDir, src string, prog Program, multi bool) string {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	if multi {
		stem = fmt.Sprintf("%s-%d", stem, prog.ServiceID)
	}
	if outDir == "" {
		outDir = filepath.Dir(src)
	}
	return filepath.Join(outDir, stem)
}

// ---- execution ----

func (m *QueueManager) launch(slotID int, it *QueueItem, res *Resource) {
	prof, _ := it.Dir.Profile.Get()
	ctx, cancel := context.WithCancel(context.Background())
	it.cancel = cancel
	it.StartedAt = m.now()
	it.FinishedAt = time.Time{}
	it.Artifact = nil
	m.setState(it, StateEncoding, "")

	spec := JobSpec{
		ItemID:  it.ID,
		SlotID:  slotID,
		SrcPath: it.SrcPath,
		DstPath: it.DstPath,
		Mode:    it.Mode,
		Profile: prof,
		Program: it.Program.clone(),
		GPU:     res.GPUIndex,
		Lease:   m.sched.Lease(it),
	}
	m.runners.Add(1)
	go func() {
		defer m.runners.Done()
		out, crash := m.safeRun(ctx, spec)
		m.post(func() { m.finish(slotID, it, out, crash) })
	}()
}

func (m *QueueManager) safeRun(ctx context.Context, spec JobSpec) (out Outcome, crash string) {
	defer func() {
		if r := recover(); r != nil {
			crash = fmt.Sprintf("runner panic: %v", r)
			out = Outcome{Kind: OutcomeFailure, Reason: crash}
		}
	}()
	return m.runner.Run(ctx, spec), ""
}

func (m *QueueManager) finish(slotID int, it *QueueItem, out Outcome, crash string) {
	if it.cancel != nil {
		it.cancel()
		it.cancel = nil
	}
	m.sched.ReleaseItem(it)
	if it.removed || m.items[it.ID] != it {
		m.pool.SlotFinished(slotID)
		return
	}
	if crash != "" {
		v := it.View()
		m.emit(Event{Kind: EventWorkerError, Item: &v, Message: crash})
	}
	it.FinishedAt = m.now()
	switch {
	case it.State == StateCanceled:
		m.persist(it)
	case out.Kind == OutcomeSuccess:
		it.Artifact = out.Artifact
		m.setState(it, StateComplete, "")
	case out.Kind == OutcomeRetry:
		it.FinishedAt = time.Time{}
		m.setState(it, StateLogoPending, out.Reason)
	default:
		reason := out.Reason
		if reason == "" {
			reason = "transcode failed"
		}
		m.setState(it, StateFailed, reason)
	}
	m.pool.SlotFinished(slotID)
}

// ---- settings ----

func (m *QueueManager) poolState() PoolState {
	user, scheduled := m.pool.PauseFlags()
	st := PoolState{
		NumParallel:        m.pool.NumParallel(),
		UserPause:          user,
		ScheduledPause:     scheduled,
		ResourceScheduling: m.sched.ResourceAware(),
		Queued:             m.sched.Len(),
		Running:            m.sched.ActiveCount(),
		Slots:              m.pool.Slots(),
		Resources:          m.res.Usage(),
	}
	return st
}

func (m *QueueManager) emitSettings() {
	st := m.poolState()
	m.emit(Event{Kind: EventSettings, Status: &st})
}

func (m *QueueManager) SetNumParallel(ctx context.Context, n int) error {
	if n < 0 {
		return fmt.Errorf("%w: parallelism must be >= 0", ErrInvalidRequest)
	}
	return m.exec(ctx, func() {
		m.pool.SetNumParallel(n)
		m.emitSettings()
	})
}

// SetPause sets the user pause flag.
func (m *QueueManager) SetPause(ctx context.Context, paused bool) error {
	return m.exec(ctx, func() {
		_, scheduled := m.pool.PauseFlags()
		m.pool.SetPause(paused, scheduled)
		m.emitSettings()
	})
}

// SetScheduledPause sets the time-window pause flag.
func (m *QueueManager) SetScheduledPause(ctx context.Context, paused bool) error {
	return m.exec(ctx, func() {
		user, scheduled := m.pool.PauseFlags()
		if scheduled == paused {
			return
		}
		m.pool.SetPause(user, paused)
		m.emitSettings()
	})
}

func (m *QueueManager) SetResourceScheduling(ctx context.Context, enabled bool) error {
	return m.exec(ctx, func() {
		m.sched.SetResourceAware(enabled)
		m.pool.Rescan()
		m.emitSettings()
	})
}

func (m *QueueManager) SetGPUResources(ctx context.Context, numGPU int, maxGPU []int) error {
	if numGPU < 1 {
		return fmt.Errorf("%w: gpu count must be >= 1", ErrInvalidRequest)
	}
	return m.exec(ctx, func() {
		m.res.SetGPUResources(numGPU, maxGPU)
		m.pool.Rescan()
		m.emitSettings()
	})
}

// ---- catalog ----

func (m *QueueManager) SetProfile(ctx context.Context, p Profile) (Profile, error) {
	if p.Name == "" {
		return Profile{}, fmt.Errorf("%w: profile name is required", ErrInvalidRequest)
	}
	var saved Profile
	err := m.exec(ctx, func() {
		saved = m.catalog.SetProfile(p)
		m.updateQueueItems()
	})
	return saved, err
}

func (m *QueueManager) RemoveProfile(ctx context.Context, name string) error {
	var found bool
	err := m.exec(ctx, func() {
		found = m.catalog.RemoveProfile(name)
		m.updateQueueItems()
	})
	if err == nil && !found {
		return fmt.Errorf("remove profile %q: %w", name, ErrProfileNotFound)
	}
	return err
}

func (m *QueueManager) SetAutoSelect(ctx context.Context, r AutoSelectRule) error {
	if r.Name == "" {
		return fmt.Errorf("%w: auto-select rule name is required", ErrInvalidRequest)
	}
	return m.exec(ctx, func() {
		m.catalog.SetAutoSelect(r)
		m.updateQueueItems()
	})
}

func (m *QueueManager) SetService(ctx context.Context, s ServiceSetting) error {
	return m.exec(ctx, func() {
		m.catalog.SetService(s)
		m.updateQueueItems()
	})
}

func (m *QueueManager) Profiles(ctx context.Context) ([]Profile, error) {
	var out []Profile
	err := m.exec(ctx, func() { out = m.catalog.Profiles() })
	return out, err
}

// Catalog returns a copy of the live catalog.
func (m *QueueManager) Catalog(ctx context.Context) (CatalogFile, error) {
	var f CatalogFile
	err := m.exec(ctx, func() { f = m.catalog.Export() })
	return f, err
}

// UpdateQueueItems re-runs resolution over the live queue. Call it on any
// external event that might unblock a pending item.
func (m *QueueManager) UpdateQueueItems(ctx context.Context) error {
	return m.exec(ctx, m.updateQueueItems)
}

// ---- queries ----

func (m *QueueManager) Snapshot(ctx context.Context) (QueueSnapshot, error) {
	var snap QueueSnapshot
	err := m.exec(ctx, func() {
		snap.Dirs = make([]DirView, len(m.dirs))
		for i, d := range m.dirs {
			snap.Dirs[i] = d.View()
		}
	})
	return snap, err
}

func (m *QueueManager) Item(ctx context.Context, id string) (ItemView, error) {
	var (
		v     ItemView
		found bool
	)
	err := m.exec(ctx, func() {
		if it, ok := m.items[id]; ok {
			v, found = it.View(), true
		}
	})
	if err != nil {
		return ItemView{}, err
	}
	if !found {
		return ItemView{}, fmt.Errorf("item %s: %w", id, ErrItemNotFound)
	}
	return v, nil
}

func (m *QueueManager) Status(ctx context.Context) (PoolState, error) {
	var st PoolState
	err := m.exec(ctx, func() { st = m.poolState() })
	return st, err
}

// PruneTerminal removes terminal items that finished before cutoff and
// returns their records.
func (m *QueueManager) PruneTerminal(ctx context.Context, cutoff time.Time) ([]ItemRecord, error) {
	var out []ItemRecord
	err := m.exec(ctx, func() {
		var victims []*QueueItem
		for _, it := range m.items {
			if it.State.IsTerminal() && !it.stopping() && !it.FinishedAt.IsZero() && it.FinishedAt.Before(cutoff) {
				victims = append(victims, it)
			}
		}
		sort.Slice(victims, func(i, j int) bool { return victims[i].Order < victims[j].Order })
		for _, it := range victims {
			out = append(out, it.record())
			m.detach(it)
		}
	})
	return out, err
}
