package db

const (
	UpsertQueueItem = `
		INSERT INTO queue_items (id, dir_path, mode, src_path, dst_path, priority, state, fail_reason,
			request_json, profile_json, program_json, item_order, added_at, finished_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			dir_path = excluded.dir_path, mode = excluded.mode, src_path = excluded.src_path,
			dst_path = excluded.dst_path, priority = excluded.priority, state = excluded.state,
			fail_reason = excluded.fail_reason, request_json = excluded.request_json,
			profile_json = excluded.profile_json, program_json = excluded.program_json,
			item_order = excluded.item_order, added_at = excluded.added_at,
			finished_at = excluded.finished_at, updated_at = CURRENT_TIMESTAMP
	`

	ListQueueItems = `
		SELECT id, dir_path, mode, src_path, dst_path, priority, state, fail_reason,
			request_json, profile_json, program_json, item_order, added_at, finished_at
		FROM queue_items ORDER BY item_order ASC
	`

	DeleteQueueItem = `DELETE FROM queue_items WHERE id = ?`

	CountQueueItemsByState = `SELECT COUNT(*) FROM queue_items WHERE state = ?`
)

const (
	InsertWebhook = `
		INSERT INTO webhooks (name, url, secret, events_json, enabled)
		VALUES (?, ?, ?, ?, ?)
	`

	GetWebhookByID = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE id = ?
	`

	ListWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks ORDER BY name ASC
	`

	ListEnabledWebhooks = `
		SELECT id, name, url, secret, events_json, enabled, created_at
		FROM webhooks WHERE enabled = 1 ORDER BY id ASC
	`

	UpdateWebhook = `
		UPDATE webhooks SET name = ?, url = ?, secret = ?, events_json = ?, enabled = ? WHERE id = ?
	`

	DeleteWebhook = `DELETE FROM webhooks WHERE id = ?`
)

const (
	GetSetting = `SELECT value, encrypted FROM settings WHERE key = ?`

	SetSetting = `
		INSERT INTO settings (key, value, encrypted, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = ?, encrypted = ?, updated_at = CURRENT_TIMESTAMP
	`

	DeleteSetting = `DELETE FROM settings WHERE key = ?`
)

const (
	InsertAuditLog = `
		INSERT INTO audit_log (action, entity_type, entity_id, details_json, ip_address)
		VALUES (?, ?, ?, ?, ?)
	`
)

const (
	IncrementDailyCounter = `
		INSERT INTO daily_counters (date, state, count)
		VALUES (?, ?, 1)
		ON CONFLICT(date, state) DO UPDATE SET count = count + 1
	`

	GetDailyCountersByDateRange = `
		SELECT date, state, count
		FROM daily_counters WHERE date >= ? AND date <= ? ORDER BY date ASC, state ASC
	`
)

const (
	InsertArchiveJob = `
		INSERT INTO archive_jobs (original_item_id, archive_file)
		VALUES (?, ?)
	`

	ListArchiveJobs = `
		SELECT id, original_item_id, archive_file, archived_at
		FROM archive_jobs ORDER BY archived_at DESC LIMIT ? OFFSET ?
	`

	CountArchiveJobsByFile = `SELECT COUNT(*) FROM archive_jobs WHERE archive_file = ?`
)
