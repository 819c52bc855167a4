package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tutu-network/scribe/internal/domain"
)

const transcriptColumns = `id, account_id, title, transcript_text, transcript_json,
	meeting_metadata, duration_minutes, credits_charged, created_at`

// InsertTranscript stores a transcript inside the spend transaction that
// paid for it.
func (tx *Tx) InsertTranscript(t *domain.Transcript) error {
	t.CreatedAt = tx.now
	_, err := tx.exec(`
		INSERT INTO transcripts (`+transcriptColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.AccountID, t.Title, t.Text, t.JSON, t.Metadata, t.DurationMinutes,
		t.CreditsCharged, toMillis(tx.now))
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// GetTranscript retrieves a transcript by id.
func (db *DB) GetTranscript(ctx context.Context, id string) (*domain.Transcript, error) {
	return scanTranscript(db.db.QueryRowContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id))
}

// GetTranscript reads a transcript inside a transaction.
func (tx *Tx) GetTranscript(id string) (*domain.Transcript, error) {
	return scanTranscript(tx.queryRow(`SELECT `+transcriptColumns+` FROM transcripts WHERE id = ?`, id))
}

// ListTranscripts returns an account's transcripts newest first.
func (db *DB) ListTranscripts(ctx context.Context, accountID string, offset, limit int) ([]domain.Transcript, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT `+transcriptColumns+` FROM transcripts
		WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Transcript
	for rows.Next() {
		t, err := scanTranscript(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTranscript(row rowScanner) (*domain.Transcript, error) {
	var t domain.Transcript
	var created int64
	err := row.Scan(&t.ID, &t.AccountID, &t.Title, &t.Text, &t.JSON, &t.Metadata,
		&t.DurationMinutes, &t.CreditsCharged, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrTranscriptNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CreatedAt = fromMillis(created)
	return &t, nil
}
