package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/orrn/tsfarm/internal/core"
)

// ItemOperations persists queue items and implements core.Store.
type ItemOperations struct{}

func (o *ItemOperations) SaveItem(ctx context.Context, rec core.ItemRecord) error {
	request, err := json.Marshal(rec.Request)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	program, err := json.Marshal(rec.Program)
	if err != nil {
		return fmt.Errorf("failed to encode program: %w", err)
	}
	var profile sql.NullString
	if rec.Profile != nil {
		b, err := json.Marshal(rec.Profile)
		if err != nil {
			return fmt.Errorf("failed to encode profile: %w", err)
		}
		profile = sql.NullString{String: string(b), Valid: true}
	}
	var finished sql.NullTime
	if !rec.FinishedAt.IsZero() {
		finished = sql.NullTime{Time: rec.FinishedAt, Valid: true}
	}

	_, err = GetDB().ExecContext(ctx, UpsertQueueItem,
		rec.ID, rec.DirPath, string(rec.Mode), rec.SrcPath, rec.DstPath, rec.Priority,
		string(rec.State), rec.FailReason, string(request), profile, string(program),
		rec.Order, rec.AddedAt, finished)
	if err != nil {
		return fmt.Errorf("failed to save queue item: %w", err)
	}
	return nil
}

func (o *ItemOperations) DeleteItem(ctx context.Context, id string) error {
	_, err := GetDB().ExecContext(ctx, DeleteQueueItem, id)
	if err != nil {
		return fmt.Errorf("failed to delete queue item: %w", err)
	}
	return nil
}

func (o *ItemOperations) LoadItems(ctx context.Context) ([]core.ItemRecord, error) {
	rows, err := GetDB().QueryContext(ctx, ListQueueItems)
	if err != nil {
		return nil, fmt.Errorf("failed to list queue items: %w", err)
	}
	defer rows.Close()

	var recs []core.ItemRecord
	for rows.Next() {
		var (
			rec              core.ItemRecord
			mode, state      string
			request, program string
			profile          sql.NullString
			finished         sql.NullTime
		)
		if err := rows.Scan(
			&rec.ID, &rec.DirPath, &mode, &rec.SrcPath, &rec.DstPath, &rec.Priority,
			&state, &rec.FailReason, &request, &profile, &program,
			&rec.Order, &rec.AddedAt, &finished); err != nil {
			return nil, fmt.Errorf("failed to scan queue item: %w", err)
		}
		rec.Mode = core.ProcMode(mode)
		rec.State = core.ItemState(state)
		if finished.Valid {
			rec.FinishedAt = finished.Time
		}
		if err := json.Unmarshal([]byte(request), &rec.Request); err != nil {
			return nil, fmt.Errorf("queue item %s: bad request: %w", rec.ID, err)
		}
		if err := json.Unmarshal([]byte(program), &rec.Program); err != nil {
			return nil, fmt.Errorf("queue item %s: bad program: %w", rec.ID, err)
		}
		if profile.Valid {
			var p core.Profile
			if err := json.Unmarshal([]byte(profile.String), &p); err != nil {
				return nil, fmt.Errorf("queue item %s: bad profile: %w", rec.ID, err)
			}
			rec.Profile = &p
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (o *ItemOperations) CountByState(ctx context.Context, state core.ItemState) (int64, error) {
	var n int64
	if err := GetDB().QueryRowContext(ctx, CountQueueItemsByState, string(state)).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count queue items: %w", err)
	}
	return n, nil
}

type WebhookOperations struct{}

func (o *WebhookOperations) CreateWebhook(ctx context.Context, w *Webhook) error {
	if w.EventsJSON == "" {
		w.EventsJSON = "[]"
	}
	result, err := GetDB().ExecContext(ctx, InsertWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled)
	if err != nil {
		return fmt.Errorf("failed to create webhook: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get webhook id: %w", err)
	}
	w.ID = id
	return nil
}

func (o *WebhookOperations) GetWebhookByID(ctx context.Context, id int64) (*Webhook, error) {
	w := &Webhook{}
	err := GetDB().QueryRowContext(ctx, GetWebhookByID, id).Scan(
		&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get webhook: %w", err)
	}
	return w, nil
}

func (o *WebhookOperations) ListWebhooks(ctx context.Context) ([]*Webhook, error) {
	return o.list(ctx, ListWebhooks)
}

// ListActiveWebhooksForEvent returns enabled webhooks whose filter accepts
// event.
func (o *WebhookOperations) ListActiveWebhooksForEvent(ctx context.Context, event string) ([]*Webhook, error) {
	all, err := o.list(ctx, ListEnabledWebhooks)
	if err != nil {
		return nil, err
	}
	var out []*Webhook
	for _, w := range all {
		if w.Accepts(event) {
			out = append(out, w)
		}
	}
	return out, nil
}

func (o *WebhookOperations) list(ctx context.Context, query string) ([]*Webhook, error) {
	rows, err := GetDB().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	defer rows.Close()

	var webhooks []*Webhook
	for rows.Next() {
		w := &Webhook{}
		if err := rows.Scan(
			&w.ID, &w.Name, &w.URL, &w.Secret, &w.EventsJSON, &w.Enabled, &w.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook: %w", err)
		}
		webhooks = append(webhooks, w)
	}
	return webhooks, rows.Err()
}

func (o *WebhookOperations) UpdateWebhook(ctx context.Context, w *Webhook) error {
	_, err := GetDB().ExecContext(ctx, UpdateWebhook,
		w.Name, w.URL, w.Secret, w.EventsJSON, w.Enabled, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update webhook: %w", err)
	}
	return nil
}

func (o *WebhookOperations) DeleteWebhook(ctx context.Context, id int64) error {
	_, err := GetDB().ExecContext(ctx, DeleteWebhook, id)
	if err != nil {
		return fmt.Errorf("failed to delete webhook: %w", err)
	}
	return nil
}

// Runtime settings keys.
const (
	SettingNumParallel        = "num_parallel"
	SettingPaused             = "paused"
	SettingResourceScheduling = "enable_resource_scheduling"
	SettingGPU                = "gpu"
	SettingAdminPassword      = "admin_password"
	SettingJWTSecret          = "jwt_secret"
)

// GPUSetting is the persisted form of the GPU lane configuration.
type GPUSetting struct {
	NumGPU int   `json:"num_gpu"`
	MaxGPU []int `json:"max_gpu"`
}

type SettingsOperations struct{}

func (o *SettingsOperations) GetSetting(ctx context.Context, key string) (*Setting, error) {
	s := &Setting{Key: key}
	err := GetDB().QueryRowContext(ctx, GetSetting, key).Scan(&s.Value, &s.Encrypted)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return s, nil
}

func (o *SettingsOperations) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := GetDB().ExecContext(ctx, SetSetting, key, value, encrypted, value, encrypted)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

func (o *SettingsOperations) DeleteSetting(ctx context.Context, key string) error {
	_, err := GetDB().ExecContext(ctx, DeleteSetting, key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}

// GetInt reports ok=false when key is unset.
func (o *SettingsOperations) GetInt(ctx context.Context, key string) (int, bool, error) {
	s, err := o.GetSetting(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.Atoi(s.Value)
	if err != nil {
		return 0, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return n, true, nil
}

func (o *SettingsOperations) SetInt(ctx context.Context, key string, v int) error {
	return o.SetSetting(ctx, key, strconv.Itoa(v), false)
}

func (o *SettingsOperations) GetBool(ctx context.Context, key string) (bool, bool, error) {
	s, err := o.GetSetting(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	b, err := strconv.ParseBool(s.Value)
	if err != nil {
		return false, false, fmt.Errorf("setting %s: %w", key, err)
	}
	return b, true, nil
}

func (o *SettingsOperations) SetBool(ctx context.Context, key string, v bool) error {
	return o.SetSetting(ctx, key, strconv.FormatBool(v), false)
}

// GetJSON decodes key into v and reports whether it was set.
func (o *SettingsOperations) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	s, err := o.GetSetting(ctx, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(s.Value), v); err != nil {
		return false, fmt.Errorf("setting %s: %w", key, err)
	}
	return true, nil
}

func (o *SettingsOperations) SetJSON(ctx context.Context, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("setting %s: %w", key, err)
	}
	return o.SetSetting(ctx, key, string(b), false)
}

// LoadQueueOptions overlays persisted runtime settings onto opts.
func (o *SettingsOperations) LoadQueueOptions(ctx context.Context, opts *core.Options) error {
	if n, ok, err := o.GetInt(ctx, SettingNumParallel); err != nil {
		return err
	} else if ok {
		opts.NumParallel = n
	}
	if b, ok, err := o.GetBool(ctx, SettingPaused); err != nil {
		return err
	} else if ok {
		opts.Paused = b
	}
	if b, ok, err := o.GetBool(ctx, SettingResourceScheduling); err != nil {
		return err
	} else if ok {
		opts.EnableResourceScheduling = b
	}
	var gpu GPUSetting
	if ok, err := o.GetJSON(ctx, SettingGPU, &gpu); err != nil {
		return err
	} else if ok && gpu.NumGPU > 0 {
		opts.NumGPU = gpu.NumGPU
		opts.MaxGPU = gpu.MaxGPU
	}
	return nil
}

type AuditOperations struct{}

func (o *AuditOperations) CreateAuditLog(ctx context.Context, log *AuditLog) error {
	if log.DetailsJSON == "" {
		log.DetailsJSON = "{}"
	}
	result, err := GetDB().ExecContext(ctx, InsertAuditLog,
		log.Action, log.EntityType, log.EntityID, log.DetailsJSON, log.IPAddress)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit log id: %w", err)
	}
	log.ID = id
	return nil
}

func (o *AuditOperations) ListAuditLogs(ctx context.Context, filter AuditFilter, limit, offset int) ([]*AuditLog, error) {
	var conditions []string
	var args []interface{}

	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, filter.Action)
	}
	if filter.EntityType != "" {
		conditions = append(conditions, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}

	query := "SELECT id, action, entity_type, entity_id, details_json, ip_address, created_at FROM audit_log"
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := GetDB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", err)
	}
	defer rows.Close()

	var logs []*AuditLog
	for rows.Next() {
		log := &AuditLog{}
		if err := rows.Scan(
			&log.ID, &log.Action, &log.EntityType, &log.EntityID,
			&log.DetailsJSON, &log.IPAddress, &log.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan audit log: %w", err)
		}
		logs = append(logs, log)
	}
	return logs, rows.Err()
}

type CounterOperations struct{}

func (o *CounterOperations) IncrementDailyCounter(ctx context.Context, state core.ItemState, date time.Time) error {
	_, err := GetDB().ExecContext(ctx, IncrementDailyCounter, date.Format("2006-01-02"), string(state))
	if err != nil {
		return fmt.Errorf("failed to increment daily counter: %w", err)
	}
	return nil
}

func (o *CounterOperations) GetCounters(ctx context.Context, from, to time.Time) ([]*DailyCounter, error) {
	rows, err := GetDB().QueryContext(ctx, GetDailyCountersByDateRange,
		from.Format("2006-01-02"), to.Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to get counters: %w", err)
	}
	defer rows.Close()

	var counters []*DailyCounter
	for rows.Next() {
		c := &DailyCounter{}
		var dateStr string
		if err := rows.Scan(&dateStr, &c.State, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan counter: %w", err)
		}
		c.Date, _ = time.Parse("2006-01-02", dateStr)
		counters = append(counters, c)
	}
	return counters, rows.Err()
}

type ArchiveOperations struct{}

func (o *ArchiveOperations) CreateArchiveJob(ctx context.Context, a *ArchiveJob) error {
	result, err := GetDB().ExecContext(ctx, InsertArchiveJob, a.OriginalItemID, a.ArchiveFile)
	if err != nil {
		return fmt.Errorf("failed to create archive job: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get archive job id: %w", err)
	}
	a.ID = id
	return nil
}

func (o *ArchiveOperations) GetArchiveJobs(ctx context.Context, limit, offset int) ([]*ArchiveJob, error) {
	rows, err := GetDB().QueryContext(ctx, ListArchiveJobs, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get archive jobs: %w", err)
	}
	defer rows.Close()

	var archives []*ArchiveJob
	for rows.Next() {
		a := &ArchiveJob{}
		if err := rows.Scan(&a.ID, &a.OriginalItemID, &a.ArchiveFile, &a.ArchivedAt); err != nil {
			return nil, fmt.Errorf("failed to scan archive job: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

func (o *ArchiveOperations) CountByFile(ctx context.Context, file string) (int, error) {
	var n int
	if err := GetDB().QueryRowContext(ctx, CountArchiveJobsByFile, file).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count archive jobs: %w", err)
	}
	return n, nil
}

var (
	Items    = &ItemOperations{}
	Webhooks = &WebhookOperations{}
	Settings = &SettingsOperations{}
	Audit    = &AuditOperations{}
	Counters = &CounterOperations{}
	Archive  = &ArchiveOperations{}
)

var _ core.Store = Items
