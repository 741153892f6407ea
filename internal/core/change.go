package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

type ChangeType string

const (
	ChangeResetState          ChangeType = "reset_state"
	ChangeUpdateProfile       ChangeType = "update_profile"
	ChangeDuplicate           ChangeType = "duplicate"
	ChangeCancel              ChangeType = "cancel"
	ChangePriority            ChangeType = "priority"
	ChangeProfile             ChangeType = "profile"
	ChangeRemoveItem          ChangeType = "remove_item"
	ChangeForceStart          ChangeType = "force_start"
	ChangeRemoveCompletedItem ChangeType = "remove_completed_item"
	ChangeRemoveDir           ChangeType = "remove_dir"
	ChangeRemoveCompletedAll  ChangeType = "remove_completed_all"
)

// ChangeItemRequest is a user edit. ItemID is used by the per-item types,
// DirID by ChangeRemoveDir.
type ChangeItemRequest struct {
	Type     ChangeType     `json:"type"`
	ItemID   string         `json:"item_id,omitempty"`
	DirID    string         `json:"dir_id,omitempty"`
	Priority int            `json:"priority,omitempty"`
	Profile  ProfileRequest `json:"profile,omitempty"`
}

// ChangeItem applies one edit atomically with respect to the scheduler.
func (m *QueueManager) ChangeItem(ctx context.Context, req ChangeItemRequest) error {
	var opErr error
	err := m.exec(ctx, func() { opErr = m.changeItem(req) })
	if err != nil {
		return err
	}
	return opErr
}

func (m *QueueManager) changeItem(req ChangeItemRequest) error {
	switch req.Type {
	case ChangeRemoveDir:
		return m.removeDir(req.DirID)
	case ChangeRemoveCompletedAll:
		m.removeCompletedAll()
		return nil
	}

	it, ok := m.items[req.ItemID]
	if !ok {
		return fmt.Errorf("item %s: %w", req.ItemID, ErrItemNotFound)
	}
	switch req.Type {
	case ChangeResetState:
		return m.resetState(it)
	case ChangeUpdateProfile:
		if it.State == StateEncoding {
			return invalid(it, "update profile of")
		}
		return m.relocate(it, it.Request)
	case ChangeDuplicate:
		return m.duplicate(it)
	case ChangeCancel:
		return m.cancel(it)
	case ChangePriority:
		it.Priority = ClampPriority(req.Priority)
		if it.State == StateQueue {
			m.sched.MakeDirty()
		}
		m.emitItem(EventItemUpdated, it)
		m.persist(it)
		return nil
	case ChangeProfile:
		if it.State == StateEncoding || it.State == StatePreFailed {
			return invalid(it, "change profile of")
		}
		if (req.Profile.Name == "") == (req.Profile.AutoSelect == "") {
			return fmt.Errorf("%w: profile change must name exactly one of profile or auto_select", ErrInvalidRequest)
		}
		return m.relocate(it, req.Profile)
	case ChangeRemoveItem:
		m.removeItem(it)
		return nil
	case ChangeForceStart:
		if it.State != StateQueue {
			return invalid(it, "force start")
		}
		return m.pool.ForceStart(it)
	case ChangeRemoveCompletedItem:
		if it.State != StateComplete && it.State != StatePreFailed {
			return invalid(it, "remove completed")
		}
		m.detach(it)
		return nil
	}
	return fmt.Errorf("%w: unknown change type %q", ErrInvalidRequest, req.Type)
}

func invalid(it *QueueItem, op string) error {
	return fmt.Errorf("%s item %s in state %s: %w", op, it.ID, it.State, ErrInvalidState)
}

func (m *QueueManager) resetState(it *QueueItem) error {
	switch it.State {
	case StateComplete, StateFailed, StateCanceled:
	default:
		return invalid(it, "reset")
	}
	if it.stopping() {
		return fmt.Errorf("reset item %s while its runner is still stopping: %w", it.ID, ErrInvalidState)
	}
	it.StartedAt = time.Time{}
	it.FinishedAt = time.Time{}
	it.Artifact = nil
	m.setState(it, StateLogoPending, "")
	m.updateQueueItem(it)
	return nil
}

// relocate re-resolves it against req and moves it to the matching
// directory. Active items that cannot be resolved go back to a pending
// directory; terminal ones are left alone.
func (m *QueueManager) relocate(it *QueueItem, req ProfileRequest) error {
	active := it.State == StateLogoPending || it.State == StateQueue
	prof, prio, reason, ok := m.catalog.Resolve(req, it.SrcPath, it.Program)
	if !ok {
		if !active {
			return fmt.Errorf("%s: %w", reason, ErrProfileNotFound)
		}
		it.Request = req
		m.moveItem(it, m.getOrCreateDir(it.Dir.Path, it.Mode, PendingProfile()))
		m.pend(it, reason)
		return nil
	}
	it.Request = req
	if prio != 0 && active {
		it.Priority = ClampPriority(prio)
	}
	it.Resource = prof.Resource
	m.moveItem(it, m.getOrCreateDir(it.Dir.Path, it.Mode, ResolvedProfile(prof)))
	if it.State == StateQueue {
		m.sched.MakeDirty()
	}
	m.emitItem(EventItemUpdated, it)
	m.persist(it)
	if active {
		m.updateQueueItem(it)
	}
	return nil
}

func (m *QueueManager) duplicate(it *QueueItem) error {
	if it.Mode == ModeBatch && it.State.IsActive() {
		return invalid(it, "duplicate")
	}
	dup := it.cloneAsNew(m.newID(), m.nextOrder, m.now())
	m.nextOrder++
	m.attach(it.Dir, dup)
	m.emitItem(EventItemAdded, dup)
	m.persist(dup)
	m.updateQueueItem(dup)
	return nil
}

func (m *QueueManager) cancel(it *QueueItem) error {
	if !it.State.IsActive() {
		return invalid(it, "cancel")
	}
	m.cancelActive(it)
	return nil
}

// cancelActive moves an active item to Canceled. A running job keeps its
// resource ticket until the runner returns.
func (m *QueueManager) cancelActive(it *QueueItem) {
	switch it.State {
	case StateQueue:
		m.sched.RemoveQueue(it)
		it.FinishedAt = m.now()
	case StateEncoding:
		if it.cancel != nil {
			it.cancel()
		}
	default:
		it.FinishedAt = m.now()
	}
	m.setState(it, StateCanceled, "")
}

func (m *QueueManager) removeItem(it *QueueItem) {
	if it.State.IsActive() {
		m.cancelActive(it)
	}
	// A canceled job whose runner has not returned still holds its ticket;
	// finish must only release it.
	if it.stopping() {
		it.removed = true
	}
	m.detach(it)
}

func (m *QueueManager) removeDir(id string) error {
	d := m.findDir(id)
	if d == nil {
		return fmt.Errorf("directory %s: %w", id, ErrDirNotFound)
	}
	items := append([]*QueueItem(nil), d.Items...)
	for _, it := range items {
		m.removeItem(it)
	}
	slog.Info("removed directory", "component", "queue", "dir", id, "path", d.Path, "items", len(items))
	return nil
}

func (m *QueueManager) removeCompletedAll() {
	var victims []*QueueItem
	for _, d := range m.dirs {
		for _, it := range d.Items {
			if it.State == StateComplete || it.State == StatePreFailed {
				victims = append(victims, it)
			}
		}
	}
	for _, it := range victims {
		m.detach(it)
	}
}
