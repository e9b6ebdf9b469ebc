/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Reservation and finalization lock every member row with FOR UPDATE inside one
 * transaction and verify the whole member set before writing, so a batch is
 * either applied to every member or to none.
 *
 * Amounts travel as text and are parsed with shopspring/decimal to keep NUMERIC
 * precision intact.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: exact amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/beatnyk77/vibepe/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Ping checks database connectivity.
func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// SelectEligible returns successful, pending transactions created at or before cutoff,
// oldest first, joined with the beneficiary's contact and payout reference.
func (r *PostgresRepository) SelectEligible(ctx context.Context, cutoff time.Time, limit int) ([]domain.Transaction, error) {
	query := `
		SELECT t.id::text, t.user_id::text, t.amount::text, t.currency, t.status, t.payout_status, t.created_at,
		       COALESCE(u.email, ''), COALESCE(u.payout_beneficiary_ref, '')
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.status = 'success'
		  AND t.payout_status = 'pending'
		  AND t.created_at <= $1
		ORDER BY t.created_at ASC, t.id ASC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		var (
			tx     domain.Transaction
			amount string
			status string
		)
		if err := rows.Scan(&tx.ID, &tx.BeneficiaryID, &amount, &tx.Currency, &tx.ChargeStatus, &status, &tx.CreatedAt, &tx.BeneficiaryEmail, &tx.BeneficiaryRef); err != nil {
			return nil, err
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s has unparsable amount %q: %w", tx.ID, amount, err)
		}
		tx.PayoutStatus = domain.PayoutStatus(status)
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// ReserveBatch claims every member for a payout, or none of them.
func (r *PostgresRepository) ReserveBatch(ctx context.Context, res Reservation) error {
	if len(res.TransactionIDs) == 0 {
		return fmt.Errorf("reserve batch: no transactions")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Use FOR UPDATE to lock the member rows, preventing a concurrent run from claiming them.
	rows, err := tx.Query(ctx, `
		SELECT id::text, payout_status, payout_id
		FROM transactions
		WHERE id = ANY($1::text[]::uuid[])
		FOR UPDATE`, res.TransactionIDs)
	if err != nil {
		return err
	}
	locked := 0
	for rows.Next() {
		var (
			id       string
			status   string
			payoutID *string
		)
		if err := rows.Scan(&id, &status, &payoutID); err != nil {
			rows.Close()
			return err
		}
		if domain.PayoutStatus(status) != domain.PayoutStatusPending || payoutID != nil {
			rows.Close()
			return fmt.Errorf("%w: transaction %s is %s", ErrConflict, id, status)
		}
		locked++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if locked != len(res.TransactionIDs) {
		return fmt.Errorf("%w: expected %d rows, found %d", ErrConflict, len(res.TransactionIDs), locked)
	}

	tag, err := tx.Exec(ctx, `
		UPDATE transactions
		SET payout_status = 'processing',
		    payout_id = $2,
		    payout_idempotency_key = $3,
		    payout_provider = $4,
		    payout_reserved_at = $5,
		    payout_updated_at = $5,
		    payout_provider_ref = NULL,
		    payout_failure_reason = NULL,
		    payout_last_error = NULL
		WHERE id = ANY($1::text[]::uuid[])
		  AND payout_status = 'pending'
		  AND payout_id IS NULL`,
		res.TransactionIDs, res.PayoutID, res.IdempotencyKey, res.Provider, res.ReservedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() != int64(len(res.TransactionIDs)) {
		return fmt.Errorf("%w: reserved %d of %d rows", ErrConflict, tag.RowsAffected(), len(res.TransactionIDs))
	}

	return tx.Commit(ctx)
}

// FinalizeBatch applies a paid or failed outcome to every member of a reserved payout.
func (r *PostgresRepository) FinalizeBatch(ctx context.Context, f Finalization) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockReservedMembers(ctx, tx, f.PayoutID, f.TransactionIDs); err != nil {
		return err
	}

	switch f.Status {
	case domain.PayoutStatusPaid:
		if len(f.Shares) != len(f.TransactionIDs) {
			return fmt.Errorf("finalize batch: %d shares for %d members", len(f.Shares), len(f.TransactionIDs))
		}
		batch := &pgx.Batch{}
		for _, share := range f.Shares {
			batch.Queue(`
				UPDATE transactions
				SET payout_status = 'paid',
				    fee_amount = $3::numeric,
				    net_amount = $4::numeric,
				    payout_provider_ref = $5,
				    payout_date = $6,
				    payout_updated_at = $6,
				    payout_last_error = NULL
				WHERE id = $1::text::uuid
				  AND payout_id = $2
				  AND payout_status = 'processing'`,
				share.TransactionID, f.PayoutID, share.Fee.String(), share.Net.String(), f.ProviderRef, f.SettledAt)
		}
		results := tx.SendBatch(ctx, batch)
		for _, share := range f.Shares {
			tag, err := results.Exec()
			if err != nil {
				results.Close()
				return err
			}
			if tag.RowsAffected() != 1 {
				results.Close()
				return fmt.Errorf("%w: transaction %s not processing under payout %s", ErrConflict, share.TransactionID, f.PayoutID)
			}
		}
		if err := results.Close(); err != nil {
			return err
		}
	case domain.PayoutStatusFailed:
		tag, err := tx.Exec(ctx, `
			UPDATE transactions
			SET payout_status = 'failed',
			    payout_failure_reason = $2,
			    payout_provider_ref = $3,
			    payout_updated_at = $4
			WHERE payout_id = $1
			  AND payout_status = 'processing'`,
			f.PayoutID, f.FailureReason, f.ProviderRef, f.SettledAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != int64(len(f.TransactionIDs)) {
			return fmt.Errorf("%w: failed %d of %d rows", ErrConflict, tag.RowsAffected(), len(f.TransactionIDs))
		}
	default:
		return fmt.Errorf("finalize batch: unsupported status %q", f.Status)
	}

	return tx.Commit(ctx)
}

func lockReservedMembers(ctx context.Context, tx pgx.Tx, payoutID string, expected []string) error {
	rows, err := tx.Query(ctx, `
		SELECT id::text
		FROM transactions
		WHERE payout_id = $1 AND payout_status = 'processing'
		FOR UPDATE`, payoutID)
	if err != nil {
		return err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
	}

	want := make(map[string]struct{}, len(expected))
	for _, id := range expected {
		want[id] = struct{}{}
	}
	if len(ids) != len(want) {
		return fmt.Errorf("%w: payout %s has %d processing rows, expected %d", ErrConflict, payoutID, len(ids), len(want))
	}
	for _, id := range ids {
		if _, ok := want[id]; !ok {
			return fmt.Errorf("%w: transaction %s is not a member of payout %s", ErrConflict, id, payoutID)
		}
	}
	return nil
}

// MarkBatchUnsettled stores the last provider error; members stay processing.
func (r *PostgresRepository) MarkBatchUnsettled(ctx context.Context, payoutID string, reason string) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET payout_last_error = $2, payout_updated_at = now()
		WHERE payout_id = $1 AND payout_status = 'processing'`, payoutID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
	}
	return nil
}

// ListStuckPayouts returns payouts reserved at or before olderThan that are still processing.
func (r *PostgresRepository) ListStuckPayouts(ctx context.Context, olderThan time.Time, limit int) ([]domain.StuckPayout, error) {
	query := `
		SELECT t.id::text, t.user_id::text, t.amount::text, t.currency, t.status, t.created_at,
		       t.payout_id, COALESCE(t.payout_idempotency_key, ''), COALESCE(t.payout_provider, ''), t.payout_reserved_at,
		       COALESCE(u.email, ''), COALESCE(u.payout_beneficiary_ref, '')
		FROM transactions t
		LEFT JOIN users u ON u.id = t.user_id
		WHERE t.payout_status = 'processing'
		  AND t.payout_id IN (
		      SELECT payout_id
		      FROM transactions
		      WHERE payout_status = 'processing' AND payout_reserved_at <= $1
		      GROUP BY payout_id
		      ORDER BY MIN(payout_reserved_at) ASC
		      LIMIT $2
		  )
		ORDER BY t.payout_reserved_at ASC, t.payout_id ASC, t.created_at ASC, t.id ASC`

	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.StuckPayout
	index := make(map[string]int)
	for rows.Next() {
		var (
			tx         domain.Transaction
			amount     string
			payoutID   string
			key        string
			provider   string
			reservedAt time.Time
		)
		if err := rows.Scan(&tx.ID, &tx.BeneficiaryID, &amount, &tx.Currency, &tx.ChargeStatus, &tx.CreatedAt,
			&payoutID, &key, &provider, &reservedAt, &tx.BeneficiaryEmail, &tx.BeneficiaryRef); err != nil {
			return nil, err
		}
		if tx.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %s has unparsable amount %q: %w", tx.ID, amount, err)
		}
		tx.PayoutStatus = domain.PayoutStatusProcessing
		tx.PayoutID = &payoutID
		tx.IdempotencyKey = &key
		tx.Provider = &provider

		pos, ok := index[payoutID]
		if !ok {
			pos = len(payouts)
			index[payoutID] = pos
			payouts = append(payouts, domain.StuckPayout{
				PayoutID:       payoutID,
				IdempotencyKey: key,
				Provider:       provider,
				ReservedAt:     reservedAt,
			})
		}
		payouts[pos].Members = append(payouts[pos].Members, tx)
	}
	return payouts, rows.Err()
}

// ReleaseBatch returns a processing payout's members to pending and clears the reservation.
func (r *PostgresRepository) ReleaseBatch(ctx context.Context, payoutID string) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET payout_status = 'pending',
		    payout_id = NULL,
		    payout_idempotency_key = NULL,
		    payout_provider = NULL,
		    payout_reserved_at = NULL,
		    payout_last_error = NULL,
		    payout_updated_at = now()
		WHERE payout_id = $1 AND payout_status = 'processing'`, payoutID)
	if err != nil {
		return 0, err
	}
	if tag.RowsAffected() == 0 {
		return 0, fmt.Errorf("%w: payout %s", ErrNotFound, payoutID)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed moves transactions failed at or before olderThan back to pending.
func (r *PostgresRepository) RequeueFailed(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE transactions
		SET payout_status = 'pending',
		    payout_id = NULL,
		    payout_idempotency_key = NULL,
		    payout_provider = NULL,
		    payout_provider_ref = NULL,
		    payout_reserved_at = NULL,
		    payout_updated_at = now()
		WHERE payout_status = 'failed' AND payout_updated_at <= $1`, olderThan)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}
