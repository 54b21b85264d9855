/**
 * @description
 * Emergency override: a manually-invoked, audit-logged transfer outside the
 * normal state machine, used only to correct drift found by reconciliation
 * (e.g. funds stuck in the processor's pending balance that the normal flow
 * cannot reach). It deliberately does not touch payout_status — it is a
 * correction tool, not a state-machine transition — and its use is always
 * visible in the audit trail as distinct from normal payouts.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
)

var (
	// ErrOverrideReasonRequired means the override was submitted without a reason.
	ErrOverrideReasonRequired = errors.New("override requires a non-empty reason")
	// ErrOverrideAmountExceedsCap means the override amount is outside the
	// configured maximum.
	ErrOverrideAmountExceedsCap = errors.New("override amount exceeds the configured cap")
)

// OverrideTransfer issues a non-standard transfer to the order's provider
// account. The OVERRIDE_APPLIED audit record is appended unconditionally,
// success or failure, so every use of this path leaves a trace.
func (s *Service) OverrideTransfer(ctx context.Context, orderID uuid.UUID, amount int64, actorID, reason string) (*domain.OverrideTransferResult, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, ErrOverrideReasonRequired
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if amount > s.overrideMaxAmount {
		return nil, ErrOverrideAmountExceedsCap
	}

	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	// Overrides are deliberate one-off corrections: a fresh key per invocation,
	// never the order-derived payout key, so an override can coexist with the
	// normal transfer for the same order.
	idempotencyKey := "override_" + uuid.New().String()
	metadata := map[string]string{
		"order_id": order.ID.String(),
		"override": "true",
		"reason":   reason,
	}

	result := &domain.OverrideTransferResult{OrderID: orderID, Amount: amount}

	transfer, transferErr := s.processor.CreateTransfer(ctx, order.ProviderAccountID, amount, s.currency, idempotencyKey, metadata)
	var snapshot []byte
	if transferErr != nil {
		result.Error = transferErr.Error()
		snapshot, _ = json.Marshal(map[string]string{"reason": reason, "error": transferErr.Error()})
	} else {
		result.Succeeded = true
		result.ProcessorTransferID = &transfer.ID
		snapshot, _ = json.Marshal(map[string]interface{}{"reason": reason, "transfer": transfer})
	}

	if auditErr := s.repo.CreateAuditRecord(ctx, &domain.PayoutAuditRecord{
		OrderID:           orderID,
		Action:            domain.AuditActionOverrideApplied,
		ActorID:           actorID,
		Amount:            amount,
		ProcessorResponse: snapshot,
	}); auditErr != nil {
		// The audit trail is the whole point of this path; losing the record is
		// an operator incident even when the transfer went through.
		log.Printf("level=error component=override msg=\"audit append failed\" order_id=%s actor_id=%s err=%v", orderID, actorID, auditErr)
	}

	if transferErr != nil {
		log.Printf("level=warn component=override msg=\"override transfer failed\" order_id=%s actor_id=%s amount=%d err=%v", orderID, actorID, amount, transferErr)
		return result, transferErr
	}

	log.Printf("level=info component=override msg=\"override transfer applied\" order_id=%s actor_id=%s amount=%d transfer_id=%s", orderID, actorID, amount, transfer.ID)
	return result, nil
}
