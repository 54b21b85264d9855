/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the payout-service. By defining an interface,
 * we decouple the settlement logic from the specific database implementation
 * (e.g., PostgreSQL), making the code more modular and easier to test.
 *
 * Every payout status transition is expressed as a conditional write keyed on the
 * expected prior status. A transition whose precondition no longer holds returns
 * ErrStaleState; callers must re-read and decide, never retry with a different
 * precondition.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger store.
type Repository interface {
	// Order reads
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	ListOrdersByPayoutStatus(ctx context.Context, statuses []string, providerID *uuid.UUID) ([]domain.Order, error)

	// Payout status transitions. Each is a compare-and-swap on the expected
	// prior payout_status and returns ErrStaleState when the precondition fails.
	// Transitions that carry an audit record write the status update and the
	// record in one transaction: neither lands without the other.
	MarkPayoutAvailable(ctx context.Context, orderID uuid.UUID, feeAmount int64) (*domain.Order, error)
	MarkPayoutRequested(ctx context.Context, orderID uuid.UUID, requestedAt time.Time, record *domain.PayoutAuditRecord) (*domain.Order, error)
	MarkPayoutCompleted(ctx context.Context, orderID uuid.UUID, processorTransferID string, completedAt time.Time, record *domain.PayoutAuditRecord) (*domain.Order, error)
	RevertPayoutToAvailable(ctx context.Context, orderID uuid.UUID, record *domain.PayoutAuditRecord) (*domain.Order, error)
	MarkPayoutFailed(ctx context.Context, orderID uuid.UUID, record *domain.PayoutAuditRecord) (*domain.Order, error)
	RetryFailedPayout(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)

	// Audit trail (append-only). CreateAuditRecord serves writes with no paired
	// status transition (overrides, failure records for orders another executor
	// already resolved).
	CreateAuditRecord(ctx context.Context, record *domain.PayoutAuditRecord) error
	ListAuditRecordsByOrderID(ctx context.Context, orderID uuid.UUID) ([]domain.PayoutAuditRecord, error)
}
