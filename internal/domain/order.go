/**
 * @description
 * This file defines the core domain models for the payout-service. These structs
 * represent the marketplace order as seen by the settlement engine, the append-only
 * payout audit trail, and the payloads exchanged with the API and event layers.
 *
 * @notes
 * - Amounts are stored as `int64` to represent the value in the smallest currency
 *   unit (euro cents), which avoids floating-point inaccuracies with financial data.
 * - `PayoutStatus` is owned exclusively by this service; `FulfillmentStatus` is
 *   owned by the fulfillment subsystem and only read here.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Fulfillment statuses, owned by the fulfillment subsystem. The payout engine
// only reacts to the transition into FulfillmentCompleted.
const (
	FulfillmentOpen              = "open"
	FulfillmentInProgress        = "in_progress"
	FulfillmentProviderCompleted = "provider_completed"
	FulfillmentCompleted         = "completed"
	FulfillmentCancelled         = "cancelled"
)

// Payout statuses, owned exclusively by the payout state machine.
const (
	PayoutStatusNone      = "none"
	PayoutStatusAvailable = "available"
	PayoutStatusRequested = "requested"
	PayoutStatusPaidOut   = "paid_out"
	PayoutStatusFailed    = "failed"
)

// Audit actions recorded in the append-only payout audit trail.
const (
	AuditActionRequested         = "requested"
	AuditActionTransferSucceeded = "transfer_succeeded"
	AuditActionTransferFailed    = "transfer_failed"
	AuditActionOverrideApplied   = "override_applied"
)

// ActorSystem is the actor id recorded for transitions performed by the
// service itself rather than a provider or admin.
const ActorSystem = "system"

// Order is the payout engine's view of a marketplace order. It maps to the
// payout-relevant columns of the `orders` table; the booking/fulfillment
// subsystem owns the remaining columns.
type Order struct {
	ID                  uuid.UUID  `json:"id" db:"id"`
	ProviderID          uuid.UUID  `json:"provider_id" db:"provider_id"`
	CustomerID          uuid.UUID  `json:"customer_id" db:"customer_id"`
	ProviderAccountID   string     `json:"provider_account_id" db:"provider_account_id"`
	GrossAmount         int64      `json:"gross_amount" db:"gross_amount"` // in cents
	PlatformFeeAmount   *int64     `json:"platform_fee_amount,omitempty" db:"platform_fee_amount"`
	FulfillmentStatus   string     `json:"fulfillment_status" db:"fulfillment_status"`
	PayoutStatus        string     `json:"payout_status" db:"payout_status"`
	PayoutRequestedAt   *time.Time `json:"payout_requested_at,omitempty" db:"payout_requested_at"`
	PayoutCompletedAt   *time.Time `json:"payout_completed_at,omitempty" db:"payout_completed_at"`
	ProcessorTransferID *string    `json:"processor_transfer_id,omitempty" db:"processor_transfer_id"`
	CreatedAt           time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at" db:"updated_at"`
}

// PayoutAuditRecord is one immutable entry in the payout audit trail. Records
// are created on every state transition and on every override, never mutated
// or deleted, and outlive the order for compliance retention.
type PayoutAuditRecord struct {
	ID                uuid.UUID `json:"id" db:"id"`
	OrderID           uuid.UUID `json:"order_id" db:"order_id"`
	Action            string    `json:"action" db:"action"`
	ActorID           string    `json:"actor_id" db:"actor_id"`
	Amount            int64     `json:"amount" db:"amount"`
	ProcessorResponse []byte    `json:"processor_response,omitempty" db:"processor_response"`
	CreatedAt         time.Time `json:"created_at" db:"created_at"`
}

// Discrepancy kinds reported by the reconciliation engine.
const (
	DiscrepancyMissingTransfer   = "MISSING_TRANSFER"
	DiscrepancyDuplicateTransfer = "DUPLICATE_TRANSFER"
	DiscrepancyAmountMismatch    = "AMOUNT_MISMATCH"
	DiscrepancyStuckPending      = "STUCK_PENDING"
)

// Discrepancy is a single drift finding between the local ledger and the
// processor's transfer history. Discrepancies are derived and reported, never
// persisted as source of truth.
type Discrepancy struct {
	OrderID                uuid.UUID `json:"order_id"`
	Kind                   string    `json:"kind"`
	ExpectedNet            int64     `json:"expected_net,omitempty"`
	ObservedTransferAmount *int64    `json:"observed_transfer_amount,omitempty"`
	ProcessorTransferID    *string   `json:"processor_transfer_id,omitempty"`
	Detail                 string    `json:"detail,omitempty"`
	DetectedAt             time.Time `json:"detected_at"`
}

// ReconcileReport is the result of one reconciliation run. The processor
// balance figures are informational context for the operator; pending funds
// are never released automatically.
type ReconcileReport struct {
	Discrepancies    []Discrepancy `json:"discrepancies"`
	OrdersChecked    int           `json:"orders_checked"`
	TransfersChecked int           `json:"transfers_checked"`
	AvailableBalance int64         `json:"available_balance"`
	PendingBalance   int64         `json:"pending_balance"`
	RanAt            time.Time     `json:"ran_at"`
}

// PayoutStatusEvent is the message payload published to RabbitMQ whenever an
// order's payout status changes. The notification subsystem consumes it to
// inform the provider.
type PayoutStatusEvent struct {
	OrderID        uuid.UUID `json:"order_id"`
	ProviderID     uuid.UUID `json:"provider_id"`
	PreviousStatus string    `json:"previous_status"`
	Status         string    `json:"status"`
	Amount         int64     `json:"amount"` // net amount in cents where known, gross otherwise
	OccurredAt     time.Time `json:"occurred_at"`
}

// FulfillmentCompletedPayload is the DTO for the internal hook the fulfillment
// subsystem calls when an order reaches its completed state.
type FulfillmentCompletedPayload struct {
	PlatformFeeAmount int64 `json:"platform_fee_amount"` // in cents
}

// OverrideTransferPayload is the DTO for the admin emergency-override endpoint.
type OverrideTransferPayload struct {
	Amount int64  `json:"amount"` // in cents
	Reason string `json:"reason"`
}

// OverrideTransferResult reports the outcome of an emergency override call.
type OverrideTransferResult struct {
	OrderID             uuid.UUID `json:"order_id"`
	Amount              int64     `json:"amount"`
	ProcessorTransferID *string   `json:"processor_transfer_id,omitempty"`
	Succeeded           bool      `json:"succeeded"`
	Error               string    `json:"error,omitempty"`
}
