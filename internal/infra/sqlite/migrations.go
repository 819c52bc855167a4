package sqlite

import "fmt"

// ─── Schema ─────────────────────────────────────────────────────────────────

// Migrations returns the schema statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Accounts. balance caches sum(ledger_entries.delta) and is only
		// written by AppendEntry in the same transaction as the entry.
		`CREATE TABLE IF NOT EXISTS accounts (
			id         TEXT PRIMARY KEY,
			email      TEXT NOT NULL DEFAULT '',
			balance    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,

		// Append-only credit ledger
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			account_id TEXT NOT NULL REFERENCES accounts(id),
			delta      INTEGER NOT NULL,
			kind       TEXT NOT NULL CHECK(kind IN ('purchase','ai_summary','transcript_storage','admin_adjustment','refund')),
			reason     TEXT NOT NULL DEFAULT '',
			ref        TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_account ON ledger_entries(account_id, id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_ledger_kind_ref ON ledger_entries(kind, ref) WHERE ref IS NOT NULL`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_update
			BEFORE UPDATE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END`,
		`CREATE TRIGGER IF NOT EXISTS ledger_entries_no_delete
			BEFORE DELETE ON ledger_entries
			BEGIN SELECT RAISE(ABORT, 'ledger entries are immutable'); END`,

		// Stored transcripts
		`CREATE TABLE IF NOT EXISTS transcripts (
			id               TEXT PRIMARY KEY,
			account_id       TEXT NOT NULL REFERENCES accounts(id),
			title            TEXT NOT NULL DEFAULT '',
			transcript_text  TEXT NOT NULL,
			transcript_json  TEXT NOT NULL,
			meeting_metadata TEXT NOT NULL DEFAULT '',
			duration_minutes INTEGER NOT NULL DEFAULT 0,
			credits_charged  INTEGER NOT NULL DEFAULT 0,
			created_at       INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transcripts_account ON transcripts(account_id, created_at)`,

		// Billable jobs (AI summaries)
		`CREATE TABLE IF NOT EXISTS jobs (
			id           TEXT PRIMARY KEY,
			account_id   TEXT NOT NULL REFERENCES accounts(id),
			input_ref    TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','completed','failed')),
			cost_charged INTEGER NOT NULL DEFAULT 0,
			prompt       TEXT NOT NULL DEFAULT '',
			result       TEXT,
			error        TEXT NOT NULL DEFAULT '',
			attempts     INTEGER NOT NULL DEFAULT 0,
			refunded     INTEGER NOT NULL DEFAULT 0,
			claimed_at   INTEGER,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,
			finished_at  INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status, claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_input ON jobs(input_ref, created_at)`,
		`CREATE TRIGGER IF NOT EXISTS jobs_terminal
			BEFORE UPDATE OF status ON jobs
			WHEN OLD.status IN ('completed','failed')
			BEGIN SELECT RAISE(ABORT, 'job is terminal'); END`,

		// Product catalogue (mirrored from config)
		`CREATE TABLE IF NOT EXISTS products (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			price_cents INTEGER NOT NULL,
			credits     INTEGER NOT NULL,
			active      INTEGER NOT NULL DEFAULT 1
		)`,

		// Purchases awaiting settlement
		`CREATE TABLE IF NOT EXISTS payment_intents (
			intent_id       TEXT PRIMARY KEY,
			account_id      TEXT NOT NULL REFERENCES accounts(id),
			product_id      TEXT NOT NULL,
			amount_cents    INTEGER NOT NULL,
			currency        TEXT NOT NULL DEFAULT 'usd',
			credits_granted INTEGER NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','succeeded','failed')),
			created_at      INTEGER NOT NULL,
			settled_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_intents_account ON payment_intents(account_id, created_at)`,

		// Webhook inbox: durable record of every processor notification
		`CREATE TABLE IF NOT EXISTS webhook_events (
			event_id     TEXT PRIMARY KEY,
			event_type   TEXT NOT NULL,
			intent_id    TEXT NOT NULL DEFAULT '',
			payload      BLOB NOT NULL,
			received_at  INTEGER NOT NULL,
			processed_at INTEGER,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT NOT NULL DEFAULT '',
			outcome      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_webhook_unprocessed ON webhook_events(processed_at, received_at)`,
	}
}

func (db *DB) migrate() error {
	for i, stmt := range Migrations() {
		if _, err := db.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
