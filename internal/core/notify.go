package core

import (
	"log/slog"
	"time"
)

type EventKind string

const (
	EventDirAdded     EventKind = "dir_added"
	EventDirRemoved   EventKind = "dir_removed"
	EventItemAdded    EventKind = "item_added"
	EventItemRemoved  EventKind = "item_removed"
	EventItemUpdated  EventKind = "item_updated"
	EventItemMoved    EventKind = "item_moved"
	EventStateChanged EventKind = "state_changed"
	EventWorkerError  EventKind = "worker_error"
	EventSettings     EventKind = "settings_changed"
)

// Event is one scheduler change. Item and Dir are detached copies.
type Event struct {
	Kind      EventKind  `json:"kind"`
	Time      time.Time  `json:"time"`
	Item      *ItemView  `json:"item,omitempty"`
	Dir       *DirView   `json:"dir,omitempty"`
	FromDirID string     `json:"from_dir_id,omitempty"`
	OldState  ItemState  `json:"old_state,omitempty"`
	Message   string     `json:"message,omitempty"`
	Status    *PoolState `json:"status,omitempty"`
}

// Notifier receives events in the order they happened. Notify must not
// block; delivery failures are the notifier's concern.
type Notifier interface {
	Notify(ev Event)
}

type NotifierFunc func(ev Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ev Event) {
	for _, n := range m {
		n.Notify(ev)
	}
}

// LogNotifier writes every event to the default logger.
type LogNotifier struct{}

func (LogNotifier) Notify(ev Event) {
	attrs := []any{"component", "queue", "event", ev.Kind}
	if ev.Item != nil {
		attrs = append(attrs, "item", ev.Item.ID, "state", ev.Item.State)
		if ev.OldState != "" {
			attrs = append(attrs, "from", ev.OldState)
		}
		if ev.Item.FailReason != "" {
			attrs = append(attrs, "reason", ev.Item.FailReason)
		}
	}
	if ev.Dir != nil {
		attrs = append(attrs, "dir", ev.Dir.ID, "path", ev.Dir.Path)
	}
	if ev.Message != "" {
		attrs = append(attrs, "message", ev.Message)
	}
	switch ev.Kind {
	case EventWorkerError:
		slog.Error("scheduler event", attrs...)
	case EventItemUpdated, EventDirAdded, EventDirRemoved:
		slog.Debug("scheduler event", attrs...)
	default:
		slog.Info("scheduler event", attrs...)
	}
}
