/**
 * @description
 * This file implements the data access layer for the action processor. It
 * contains all the SQL queries and logic for interacting with the accounts
 * table. Every balance mutation is a guarded single-statement UPDATE so the
 * ledger invariants (monotonic balances, one settlement in flight per
 * account) hold without any application-level locking.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cloudkserg/middleware-eth-nem-action-processor/internal/domain"
)

var (
	ErrAccountNotFound      = errors.New("account not found")
	ErrSettlementNotApplied = errors.New("settlement not applied")
)

const accountColumns = `eth_address, nem_address, accrued_amount, settled_amount, last_event_id, status, settling_at, created_at, updated_at`

// Repository handles database operations for the account ledger.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var acct domain.Account
	err := row.Scan(
		&acct.EthAddress,
		&acct.NemAddress,
		&acct.AccruedAmount,
		&acct.SettledAmount,
		&acct.LastEventID,
		&acct.Status,
		&acct.SettlingAt,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &acct, nil
}

// GetOrCreate returns the account for an ETH address, creating an empty
// PENDING record if this is the first deposit seen for the address.
func (r *Repository) GetOrCreate(ctx context.Context, ethAddress string) (*domain.Account, error) {
	insert := `
		INSERT INTO accounts (eth_address, status)
		VALUES ($1, 'PENDING')
		ON CONFLICT (eth_address) DO NOTHING
	`
	if _, err := r.db.Exec(ctx, insert, ethAddress); err != nil {
		return nil, err
	}
	return r.FindByAddress(ctx, ethAddress)
}

// CreditIfNewEvent applies a deposit credit if and only if the event id has
// not already been recorded for the account. A SETTLED account that accrues
// more goes back to PENDING so the scheduler picks it up again. Returns
// whether the credit was applied; false means a redelivered duplicate.
func (r *Repository) CreditIfNewEvent(ctx context.Context, ethAddress string, amount int64, eventID string) (bool, error) {
	query := `
		UPDATE accounts
		SET accrued_amount = accrued_amount + $2,
		    last_event_id = $3,
		    status = CASE WHEN status = 'SETTLED' THEN 'PENDING' ELSE status END,
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND last_event_id IS DISTINCT FROM $3
	`
	tag, err := r.db.Exec(ctx, query, ethAddress, amount, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListUnsettled fetches all accounts that are owed an unsettled amount and
// are not currently being settled. Accounts without a known NEM address are
// skipped; they keep accruing and become eligible once the mapping is set.
func (r *Repository) ListUnsettled(ctx context.Context) ([]domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE accrued_amount > settled_amount
		  AND status = 'PENDING'
		  AND nem_address <> ''
	`
	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// MarkSettling claims an account for settlement with a PENDING -> SETTLING
// compare-and-swap and returns the row as claimed. At most one caller can
// win the claim; a concurrent or overlapping tick observes acquired=false
// and skips the account. The settlement delta must be computed from the
// returned snapshot, never from the listing that led here: credits and
// other settlements may have landed in between.
func (r *Repository) MarkSettling(ctx context.Context, ethAddress string) (*domain.Account, bool, error) {
	query := `
		UPDATE accounts
		SET status = 'SETTLING',
		    settling_at = NOW(),
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND status = 'PENDING'
		RETURNING ` + accountColumns + `
	`
	acct, err := scanAccount(r.db.QueryRow(ctx, query, ethAddress))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return acct, true, nil
}

// RecordSettlement adds a confirmed transfer to the settled balance. The
// account becomes SETTLED when it is fully paid out, or drops back to
// PENDING when more was accrued while the transfer was in flight. The
// guard refuses any delta that would push settled above accrued, so a
// caller holding a stale snapshot cannot break the ledger's monotonicity.
func (r *Repository) RecordSettlement(ctx context.Context, ethAddress string, settledDelta int64) error {
	query := `
		UPDATE accounts
		SET settled_amount = settled_amount + $2,
		    status = CASE WHEN settled_amount + $2 >= accrued_amount THEN 'SETTLED' ELSE 'PENDING' END,
		    settling_at = NULL,
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND status = 'SETTLING'
		  AND settled_amount + $2 <= accrued_amount
	`
	tag, err := r.db.Exec(ctx, query, ethAddress, settledDelta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSettlementNotApplied
	}
	return nil
}

// RevertSettling releases a claimed account back to PENDING after a failed
// or abandoned settlement attempt so it is retried on a later tick.
func (r *Repository) RevertSettling(ctx context.Context, ethAddress string) error {
	query := `
		UPDATE accounts
		SET status = 'PENDING',
		    settling_at = NULL,
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND status = 'SETTLING'
	`
	_, err := r.db.Exec(ctx, query, ethAddress)
	return err
}

// MarkFailed parks an account after a terminal transfer rejection. FAILED
// accounts are never retried automatically; an operator requeues them via
// the admin API once the underlying problem is fixed.
func (r *Repository) MarkFailed(ctx context.Context, ethAddress string) error {
	query := `
		UPDATE accounts
		SET status = 'FAILED',
		    settling_at = NULL,
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND status = 'SETTLING'
	`
	_, err := r.db.Exec(ctx, query, ethAddress)
	return err
}

// RetryFailed is the operator action that moves a FAILED account back to
// PENDING. Returns false if the account was not in FAILED.
func (r *Repository) RetryFailed(ctx context.Context, ethAddress string) (bool, error) {
	query := `
		UPDATE accounts
		SET status = 'PENDING',
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND status = 'FAILED'
	`
	tag, err := r.db.Exec(ctx, query, ethAddress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ListStaleSettling finds accounts that have been stuck in SETTLING since
// before the given cutoff, usually because a previous process crashed while
// a transfer was in flight.
func (r *Repository) ListStaleSettling(ctx context.Context, olderThan time.Time) ([]domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE status = 'SETTLING'
		  AND settling_at IS NOT NULL
		  AND settling_at < $1
	`
	rows, err := r.db.Query(ctx, query, olderThan)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}

// SetSettlementAddress assigns the NEM address for an account. The mapping
// is write-once: a second assignment is refused so a settled-to address can
// never silently change under an in-flight transfer.
func (r *Repository) SetSettlementAddress(ctx context.Context, ethAddress, nemAddress string) (bool, error) {
	query := `
		UPDATE accounts
		SET nem_address = $2,
		    updated_at = NOW()
		WHERE eth_address = $1
		  AND nem_address = ''
	`
	tag, err := r.db.Exec(ctx, query, ethAddress, nemAddress)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// FindByAddress retrieves a single account by its ETH address.
func (r *Repository) FindByAddress(ctx context.Context, ethAddress string) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE eth_address = $1`
	return scanAccount(r.db.QueryRow(ctx, query, ethAddress))
}

// ListAccounts returns accounts for the operator API, optionally filtered
// by status, most recently updated first.
func (r *Repository) ListAccounts(ctx context.Context, status string, limit int) ([]domain.Account, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `
		SELECT ` + accountColumns + `
		FROM accounts
		WHERE ($1 = '' OR status = $1)
		ORDER BY updated_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, status, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []domain.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *acct)
	}
	return accounts, rows.Err()
}
