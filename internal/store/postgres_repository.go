/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains all the SQL needed to read orders, apply payout status transitions
 * as conditional updates, and append to the payout audit trail.
 *
 * Transition queries follow one pattern: UPDATE ... WHERE id = $1 AND
 * payout_status = '<expected prior>' RETURNING ... . When no row comes back, a
 * follow-up existence check distinguishes ErrOrderNotFound from ErrStaleState so
 * that concurrent transitions are reported precisely instead of as a generic miss.
 * Transitions that carry an audit record run the update and the insert in one
 * pgx transaction, so an order can never change status without its lineage.
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
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/taskilo/payout-service/internal/domain"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrStaleState means a transition's expected prior payout status no longer
	// holds. The caller must re-read the order and decide; the repository never
	// retries with a different precondition.
	ErrStaleState = errors.New("stale payout state")
)

const orderColumns = `
        id,
        provider_id,
        customer_id,
        provider_account_id,
        gross_amount,
        platform_fee_amount,
        fulfillment_status,
        payout_status,
        payout_requested_at,
        payout_completed_at,
        processor_transfer_id,
        created_at,
        updated_at`

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var order domain.Order
	err := row.Scan(
		&order.ID,
		&order.ProviderID,
		&order.CustomerID,
		&order.ProviderAccountID,
		&order.GrossAmount,
		&order.PlatformFeeAmount,
		&order.FulfillmentStatus,
		&order.PayoutStatus,
		&order.PayoutRequestedAt,
		&order.PayoutCompletedAt,
		&order.ProcessorTransferID,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindOrderByID fetches a single order by its primary key.
func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE id = $1`
	order, err := scanOrder(r.db.QueryRow(ctx, query, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("failed to find order: %w", err)
	}
	return order, nil
}

// ListOrdersByPayoutStatus returns orders whose payout status is in the given
// set, optionally filtered by provider. Used by the reconciliation engine.
func (r *PostgresRepository) ListOrdersByPayoutStatus(ctx context.Context, statuses []string, providerID *uuid.UUID) ([]domain.Order, error) {
	query := `SELECT` + orderColumns + ` FROM orders WHERE payout_status = ANY($1)`
	args := []interface{}{statuses}
	if providerID != nil {
		query += ` AND provider_id = $2`
		args = append(args, *providerID)
	}
	query += ` ORDER BY created_at ASC`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		order, scanErr := scanOrder(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", scanErr)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// transition runs a conditional-update query expected to return the updated
// order row. When the update matches nothing, it distinguishes a missing order
// from a stale precondition. A non-nil audit record is inserted in the same
// transaction as the update, so a transitioned order can never lack its
// lineage: if the record cannot be written, the whole transition rolls back.
func (r *PostgresRepository) transition(ctx context.Context, orderID uuid.UUID, record *domain.PayoutAuditRecord, query string, args ...interface{}) (*domain.Order, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin payout transition: %w", err)
	}
	defer tx.Rollback(ctx)

	order, err := scanOrder(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("payout transition failed: %w", err)
		}
		var exists bool
		if checkErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`, orderID).Scan(&exists); checkErr != nil {
			return nil, fmt.Errorf("payout transition existence check failed: %w", checkErr)
		}
		if !exists {
			return nil, ErrOrderNotFound
		}
		return nil, ErrStaleState
	}

	if record != nil {
		if err := insertAuditRecord(ctx, tx, record); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit payout transition: %w", err)
	}
	return order, nil
}

// MarkPayoutAvailable transitions NONE -> AVAILABLE and records the platform fee.
// The fee is write-once: the update only applies while platform_fee_amount is
// still unset and fulfillment has reached its completed state.
func (r *PostgresRepository) MarkPayoutAvailable(ctx context.Context, orderID uuid.UUID, feeAmount int64) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            platform_fee_amount = $2,
            payout_status = 'available',
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'none'
          AND fulfillment_status = 'completed'
          AND platform_fee_amount IS NULL
          AND gross_amount >= $2
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, nil, query, orderID, feeAmount)
}

// MarkPayoutRequested transitions AVAILABLE -> REQUESTED, writing the REQUESTED
// audit record in the same transaction.
func (r *PostgresRepository) MarkPayoutRequested(ctx context.Context, orderID uuid.UUID, requestedAt time.Time, record *domain.PayoutAuditRecord) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            payout_status = 'requested',
            payout_requested_at = $2,
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'available'
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, record, query, orderID, requestedAt)
}

// MarkPayoutCompleted transitions REQUESTED -> PAID_OUT, binding the processor
// transfer id and writing the TRANSFER_SUCCEEDED audit record in one
// transaction. The transfer id is set exactly once; a row that already carries
// one cannot complete again.
func (r *PostgresRepository) MarkPayoutCompleted(ctx context.Context, orderID uuid.UUID, processorTransferID string, completedAt time.Time, record *domain.PayoutAuditRecord) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            payout_status = 'paid_out',
            processor_transfer_id = $2,
            payout_completed_at = $3,
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'requested'
          AND processor_transfer_id IS NULL
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, record, query, orderID, processorTransferID, completedAt)
}

// RevertPayoutToAvailable transitions REQUESTED -> AVAILABLE after a retryable
// transfer failure so the payout can be re-requested. The TRANSFER_FAILED
// record rides the same transaction.
func (r *PostgresRepository) RevertPayoutToAvailable(ctx context.Context, orderID uuid.UUID, record *domain.PayoutAuditRecord) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            payout_status = 'available',
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'requested'
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, record, query, orderID)
}

// MarkPayoutFailed transitions REQUESTED -> FAILED after a terminal transfer
// failure, writing the TRANSFER_FAILED audit record in the same transaction.
func (r *PostgresRepository) MarkPayoutFailed(ctx context.Context, orderID uuid.UUID, record *domain.PayoutAuditRecord) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            payout_status = 'failed',
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'requested'
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, record, query, orderID)
}

// RetryFailedPayout transitions FAILED -> AVAILABLE for a manual, admin-driven retry.
func (r *PostgresRepository) RetryFailedPayout(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	query := `
        UPDATE orders
        SET
            payout_status = 'available',
            updated_at = NOW()
        WHERE id = $1
          AND payout_status = 'failed'
        RETURNING` + orderColumns
	return r.transition(ctx, orderID, nil, query, orderID)
}

// auditExecer abstracts the pool and an open transaction for audit inserts.
type auditExecer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func insertAuditRecord(ctx context.Context, db auditExecer, record *domain.PayoutAuditRecord) error {
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	query := `
        INSERT INTO payout_audit_records (id, order_id, action, actor_id, amount, processor_response, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := db.Exec(ctx, query,
		record.ID,
		record.OrderID,
		record.Action,
		record.ActorID,
		record.Amount,
		record.ProcessorResponse,
		record.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit record: %w", err)
	}
	return nil
}

// CreateAuditRecord appends one immutable record to the payout audit trail.
func (r *PostgresRepository) CreateAuditRecord(ctx context.Context, record *domain.PayoutAuditRecord) error {
	return insertAuditRecord(ctx, r.db, record)
}

// ListAuditRecordsByOrderID returns an order's full payout lineage, oldest first.
func (r *PostgresRepository) ListAuditRecordsByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.PayoutAuditRecord, error) {
	query := `
        SELECT id, order_id, action, actor_id, amount, processor_response, created_at
        FROM payout_audit_records
        WHERE order_id = $1
        ORDER BY created_at ASC, id ASC`

	rows, err := r.db.Query(ctx, query, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}
	defer rows.Close()

	var records []domain.PayoutAuditRecord
	for rows.Next() {
		var record domain.PayoutAuditRecord
		if scanErr := rows.Scan(
			&record.ID,
			&record.OrderID,
			&record.Action,
			&record.ActorID,
			&record.Amount,
			&record.ProcessorResponse,
			&record.CreatedAt,
		); scanErr != nil {
			return nil, fmt.Errorf("failed to scan audit record row: %w", scanErr)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
