package db

import (
	"encoding/json"
	"time"
)

type Webhook struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	URL        string    `json:"url"`
	Secret     string    `json:"secret,omitempty"`
	EventsJSON string    `json:"events_json"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Events decodes the event filter. An empty filter matches every event.
func (w *Webhook) Events() []string {
	var events []string
	if w.EventsJSON == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(w.EventsJSON), &events); err != nil {
		return nil
	}
	return events
}

func (w *Webhook) Accepts(event string) bool {
	events := w.Events()
	if len(events) == 0 {
		return true
	}
	for _, e := range events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

type Setting struct {
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	Encrypted bool      `json:"encrypted"`
	UpdatedAt time.Time `json:"updated_at"`
}

type AuditLog struct {
	ID          int64     `json:"id"`
	Action      string    `json:"action"`
	EntityType  string    `json:"entity_type"`
	EntityID    string    `json:"entity_id"`
	DetailsJSON string    `json:"details_json"`
	IPAddress   string    `json:"ip_address"`
	CreatedAt   time.Time `json:"created_at"`
}

type AuditFilter struct {
	Action     string
	EntityType string
	EntityID   string
}

// DailyCounter counts jobs that reached a terminal state on one day.
type DailyCounter struct {
	Date  time.Time `json:"date"`
	State string    `json:"state"`
	Count int64     `json:"count"`
}

type ArchiveJob struct {
	ID             int64     `json:"id"`
	OriginalItemID string    `json:"original_item_id"`
	ArchiveFile    string    `json:"archive_file"`
	ArchivedAt     time.Time `json:"archived_at"`
}
