package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/tutu-network/scribe/internal/domain"
)

// ─── Account Operations ─────────────────────────────────────────────────────

// InitialGrantReason is the ledger reason of an account's starting balance.
const InitialGrantReason = "Initial credit grant"

// EnsureAccount creates the account on first sight, granting startingBalance
// credits as an admin_adjustment entry. It is idempotent: an existing account
// is returned unchanged. created reports whether this call created it.
//
// Existing accounts are found with a plain read, so only the first request
// of a new account takes the write lock.
func (db *DB) EnsureAccount(ctx context.Context, accountID, email string, startingBalance int64) (acct *domain.Account, created bool, err error) {
	if strings.TrimSpace(accountID) == "" {
		return nil, false, &domain.ValidationError{Field: "account_id", Message: "required"}
	}

	acct, err = db.GetAccount(ctx, accountID)
	if err == nil {
		return acct, false, nil
	}
	if !errors.Is(err, domain.ErrAccountNotFound) {
		return nil, false, err
	}

	err = db.WithTx(ctx, "ensure_account", func(tx *Tx) error {
		res, err := tx.exec(`
			INSERT OR IGNORE INTO accounts (id, email, balance, created_at, updated_at)
			VALUES (?, ?, 0, ?, ?)
		`, accountID, email, toMillis(tx.now), toMillis(tx.now))
		if err != nil {
			return fmt.Errorf("insert account: %w", err)
		}
		n, _ := res.RowsAffected()
		created = n == 1
		if created && startingBalance != 0 {
			if _, err := tx.AppendEntry(accountID, startingBalance, domain.KindAdminAdjustment, InitialGrantReason, ""); err != nil {
				return err
			}
		}
		acct, err = tx.getAccount(accountID)
		return err
	})
	if err != nil {
		return nil, false, err
	}
	return acct, created, nil
}

// GetAccount retrieves an account by id.
func (db *DB) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return scanAccount(db.db.QueryRowContext(ctx, `
		SELECT id, email, balance, created_at, updated_at FROM accounts WHERE id = ?
	`, accountID))
}

// querier is satisfied by *sql.DB and *sql.Conn.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Balance returns the account's balance.
func (db *DB) Balance(ctx context.Context, accountID string) (int64, error) {
	return balance(ctx, db.db, accountID)
}

func balance(ctx context.Context, q querier, accountID string) (int64, error) {
	var balance int64
	err := q.QueryRowContext(ctx, `SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	return balance, err
}

// SumEntries returns sum(delta) over the account's ledger entries.
func (db *DB) SumEntries(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := db.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?
	`, accountID).Scan(&sum)
	return sum, err
}

func (tx *Tx) getAccount(accountID string) (*domain.Account, error) {
	return scanAccount(tx.queryRow(`
		SELECT id, email, balance, created_at, updated_at FROM accounts WHERE id = ?
	`, accountID))
}

func scanAccount(row *sql.Row) (*domain.Account, error) {
	var a domain.Account
	var created, updated int64
	err := row.Scan(&a.ID, &a.Email, &a.Balance, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	a.CreatedAt = fromMillis(created)
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

// ─── Ledger Append (transactional) ──────────────────────────────────────────

// LockAccount reads the account's balance inside the write transaction.
// The immediate write lock taken at BEGIN is held until commit or rollback,
// so the returned balance cannot change underneath the caller.
func (tx *Tx) LockAccount(accountID string) (int64, error) {
	var balance int64
	err := tx.queryRow(`SELECT balance FROM accounts WHERE id = ?`, accountID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrAccountNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock account: %w", err)
	}
	return balance, nil
}

// AppendEntry inserts a ledger entry and moves the cached balance by the same
// delta. It is the only code path that writes accounts.balance after creation.
// A non-empty ref must be unique per kind; a duplicate returns a ConflictError.
func (tx *Tx) AppendEntry(accountID string, delta int64, kind domain.EntryKind, reason, ref string) (*domain.LedgerEntry, error) {
	if !kind.Valid() {
		return nil, &domain.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown kind %q", kind)}
	}

	res, err := tx.exec(`
		INSERT INTO ledger_entries (account_id, delta, kind, reason, ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, accountID, delta, string(kind), reason, nullString(ref), toMillis(tx.now))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, &domain.ConflictError{Resource: "ledger entry", ID: ref, Message: fmt.Sprintf("%s already recorded", kind)}
		}
		return nil, fmt.Errorf("append ledger entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}

	upd, err := tx.exec(`
		UPDATE accounts SET balance = balance + ?, updated_at = ? WHERE id = ?
	`, delta, toMillis(tx.now), accountID)
	if err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}
	if n, _ := upd.RowsAffected(); n != 1 {
		return nil, domain.ErrAccountNotFound
	}

	return &domain.LedgerEntry{
		ID:        id,
		AccountID: accountID,
		Delta:     delta,
		Kind:      kind,
		Reason:    reason,
		Ref:       ref,
		CreatedAt: tx.now,
	}, nil
}

// ─── Ledger Queries ─────────────────────────────────────────────────────────

// ListEntries returns an account's entries newest first.
func (db *DB) ListEntries(ctx context.Context, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	return listEntries(ctx, db.db, accountID, offset, limit)
}

func listEntries(ctx context.Context, q querier, accountID string, offset, limit int) ([]domain.LedgerEntry, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, account_id, delta, kind, reason, COALESCE(ref, ''), created_at
		FROM ledger_entries
		WHERE account_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, accountID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]domain.LedgerEntry, 0, limit)
	for rows.Next() {
		var e domain.LedgerEntry
		var kind string
		var created int64
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Delta, &kind, &e.Reason, &e.Ref, &created); err != nil {
			return nil, err
		}
		e.Kind = domain.EntryKind(kind)
		e.CreatedAt = fromMillis(created)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// EntryTotals aggregates an account's ledger.
type EntryTotals struct {
	Credited int64
	Debited  int64 // positive number
	Count    int64
}

// EntryStats returns credited/debited totals and the entry count.
func (db *DB) EntryStats(ctx context.Context, accountID string) (EntryTotals, error) {
	return entryStats(ctx, db.db, accountID)
}

func entryStats(ctx context.Context, q querier, accountID string) (EntryTotals, error) {
	var t EntryTotals
	err := q.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN delta > 0 THEN delta ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN delta < 0 THEN -delta ELSE 0 END), 0),
			COUNT(*)
		FROM ledger_entries
		WHERE account_id = ?
	`, accountID).Scan(&t.Credited, &t.Debited, &t.Count)
	return t, err
}

// LedgerPage is an account's balance, totals and one page of entries read
// from a single snapshot.
type LedgerPage struct {
	Balance int64
	Totals  EntryTotals
	Entries []domain.LedgerEntry
}

// ReadLedgerPage reads the balance, totals and a page of entries inside one
// deferred read transaction. Under WAL the three reads see the same commit
// and never take the write lock.
func (db *DB) ReadLedgerPage(ctx context.Context, accountID string, offset, limit int) (*LedgerPage, error) {
	conn, err := db.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	// BEGIN is issued by hand: the DSN makes driver transactions IMMEDIATE.
	if _, err := conn.ExecContext(ctx, "BEGIN DEFERRED"); err != nil {
		return nil, fmt.Errorf("begin read: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "COMMIT")
	}()

	var page LedgerPage
	if page.Balance, err = balance(ctx, conn, accountID); err != nil {
		return nil, err
	}
	if page.Totals, err = entryStats(ctx, conn, accountID); err != nil {
		return nil, err
	}
	if page.Entries, err = listEntries(ctx, conn, accountID, offset, limit); err != nil {
		return nil, err
	}
	return &page, nil
}

// FindEntry returns the entry recorded for (kind, ref), if any.
func (db *DB) FindEntry(ctx context.Context, kind domain.EntryKind, ref string) (*domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var k string
	var created int64
	err := db.db.QueryRowContext(ctx, `
		SELECT id, account_id, delta, kind, reason, COALESCE(ref, ''), created_at
		FROM ledger_entries WHERE kind = ? AND ref = ?
	`, string(kind), ref).Scan(&e.ID, &e.AccountID, &e.Delta, &k, &e.Reason, &e.Ref, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.Kind = domain.EntryKind(k)
	e.CreatedAt = fromMillis(created)
	return &e, nil
}

// ─── Audit ──────────────────────────────────────────────────────────────────

// AuditBalances returns every account whose cached balance differs from the
// sum of its ledger entries. An empty result means the invariant holds.
func (db *DB) AuditBalances(ctx context.Context) ([]domain.BalanceDivergence, error) {
	rows, err := db.db.QueryContext(ctx, `
		SELECT a.id, a.balance, COALESCE(SUM(e.delta), 0) AS ledger_sum
		FROM accounts a
		LEFT JOIN ledger_entries e ON e.account_id = a.id
		GROUP BY a.id, a.balance
		HAVING a.balance != ledger_sum
		ORDER BY a.id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BalanceDivergence
	for rows.Next() {
		var d domain.BalanceDivergence
		if err := rows.Scan(&d.AccountID, &d.Cached, &d.LedgerSum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RebuildBalance resets the cached balance from the ledger sum. It never
// writes the ledger itself.
func (db *DB) RebuildBalance(ctx context.Context, accountID string) (int64, error) {
	var sum int64
	err := db.WithTx(ctx, "rebuild_balance", func(tx *Tx) error {
		if _, err := tx.LockAccount(accountID); err != nil {
			return err
		}
		if err := tx.queryRow(`
			SELECT COALESCE(SUM(delta), 0) FROM ledger_entries WHERE account_id = ?
		`, accountID).Scan(&sum); err != nil {
			return err
		}
		_, err := tx.exec(`UPDATE accounts SET balance = ?, updated_at = ? WHERE id = ?`,
			sum, toMillis(tx.now), accountID)
		return err
	})
	return sum, err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
