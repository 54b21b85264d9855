/**
 * @description
 * Transfer executor: the single place real money leaves the platform account.
 * It issues the processor transfer for a REQUESTED payout, classifies failures
 * as retryable or terminal, and records the outcome in the ledger and the
 * append-only audit trail.
 *
 * Idempotency is the central correctness property here. ExecuteTransfer is safe
 * to call any number of times for the same order without ever issuing more than
 * one real-money transfer, enforced by (a) the compare-and-swap on payout_status
 * and (b) the processor-level idempotency key derived deterministically from the
 * order id. A timed-out call must not assume failure: the transfer may exist on
 * the processor side, which is why the key never changes across retries and why
 * reconciliation exists.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
	"github.com/taskilo/payout-service/internal/store"
	"github.com/taskilo/payout-service/pkg/processorclient"
)

const transferIdempotencyKeyPrefix = "payout_"

// TransferIdempotencyKey returns the deterministic processor idempotency key
// for an order's payout transfer. Stable across process restarts and retries.
func TransferIdempotencyKey(orderID uuid.UUID) string {
	return transferIdempotencyKeyPrefix + orderID.String()
}

// ExecuteTransfer releases the net provider share of a REQUESTED order through
// the processor. On success the order moves to PAID_OUT; on a retryable failure
// it reverts to AVAILABLE so the payout can be re-requested; on a terminal
// failure it moves to FAILED for human intervention. Every failure is recorded
// in the audit trail with the raw processor error.
func (s *Service) ExecuteTransfer(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.PayoutStatus != domain.PayoutStatusRequested {
		return nil, ErrNotEligible
	}
	if order.PlatformFeeAmount == nil {
		return nil, ErrInvalidAmount
	}

	// Recomputed from the current row, never trusted from a cached value.
	netAmount, err := ComputeNet(order.GrossAmount, *order.PlatformFeeAmount)
	if err != nil {
		return nil, err
	}

	transfer, transferErr := s.createTransferWithRetry(ctx, order, netAmount)
	if transferErr != nil {
		return nil, s.handleTransferFailure(ctx, order, netAmount, transferErr)
	}

	// Completion and its TRANSFER_SUCCEEDED record are one transaction: a
	// paid-out order without lineage is not a state this write can produce.
	completedAt := s.now().UTC()
	snapshot, _ := json.Marshal(transfer)
	updated, err := s.repo.MarkPayoutCompleted(ctx, orderID, transfer.ID, completedAt, &domain.PayoutAuditRecord{
		OrderID:           orderID,
		Action:            domain.AuditActionTransferSucceeded,
		ActorID:           domain.ActorSystem,
		Amount:            netAmount,
		ProcessorResponse: snapshot,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			// A concurrent success report won the compare-and-swap. The
			// processor-side idempotency key guarantees both observed the same
			// single transfer, so completion with a matching id is benign.
			current, readErr := s.repo.FindOrderByID(ctx, orderID)
			if readErr == nil && current.PayoutStatus == domain.PayoutStatusPaidOut &&
				current.ProcessorTransferID != nil && *current.ProcessorTransferID == transfer.ID {
				log.Printf("level=info component=executor msg=\"concurrent completion already recorded\" order_id=%s transfer_id=%s", orderID, transfer.ID)
				return current, nil
			}
			log.Printf("level=error component=executor msg=\"transfer created but completion write lost the state race\" order_id=%s transfer_id=%s", orderID, transfer.ID)
			return nil, store.ErrStaleState
		}
		// The transfer exists; losing the local write would strand it. Surface
		// loudly so reconciliation picks it up as MISSING_TRANSFER's inverse.
		log.Printf("level=error component=executor msg=\"transfer created but completion write failed\" order_id=%s transfer_id=%s err=%v", orderID, transfer.ID, err)
		return nil, fmt.Errorf("transfer %s created but completion write failed: %w", transfer.ID, err)
	}

	s.publishStatusEvent(ctx, updated, domain.PayoutStatusRequested)
	log.Printf("level=info component=executor msg=\"payout completed\" order_id=%s transfer_id=%s net=%d", orderID, transfer.ID, netAmount)
	return updated, nil
}

// createTransferWithRetry calls the processor with bounded in-process retries
// and exponential backoff. The idempotency key is identical on every attempt.
func (s *Service) createTransferWithRetry(ctx context.Context, order *domain.Order, netAmount int64) (*processorclient.TransferResponse, error) {
	idempotencyKey := TransferIdempotencyKey(order.ID)
	metadata := map[string]string{"order_id": order.ID.String()}

	var lastErr error
	for attempt := 1; attempt <= s.transferMaxAttempts; attempt++ {
		transfer, err := s.processor.CreateTransfer(ctx, order.ProviderAccountID, netAmount, s.currency, idempotencyKey, metadata)
		if err == nil {
			return transfer, nil
		}
		lastErr = err

		if !processorclient.IsRetryableError(err) || attempt == s.transferMaxAttempts {
			break
		}

		backoff := s.transferBackoffBase * time.Duration(1<<(attempt-1))
		log.Printf("level=warn component=executor msg=\"transfer attempt failed; backing off\" order_id=%s attempt=%d backoff=%s err=%v", order.ID, attempt, backoff, err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
	}
	return nil, lastErr
}

// handleTransferFailure reverts or fails the order depending on the failure
// class, writing the TRANSFER_FAILED audit record in the same transaction as
// the status change.
func (s *Service) handleTransferFailure(ctx context.Context, order *domain.Order, netAmount int64, transferErr error) error {
	retryable := processorclient.IsRetryableError(transferErr)

	snapshot, _ := json.Marshal(map[string]string{"error": transferErr.Error()})
	record := &domain.PayoutAuditRecord{
		OrderID:           order.ID,
		Action:            domain.AuditActionTransferFailed,
		ActorID:           domain.ActorSystem,
		Amount:            netAmount,
		ProcessorResponse: snapshot,
	}

	var updated *domain.Order
	var transitionErr error
	if retryable {
		updated, transitionErr = s.repo.RevertPayoutToAvailable(ctx, order.ID, record)
	} else {
		updated, transitionErr = s.repo.MarkPayoutFailed(ctx, order.ID, record)
	}
	if transitionErr != nil {
		if errors.Is(transitionErr, store.ErrStaleState) {
			// A concurrent executor already resolved the order; its outcome
			// stands, but this attempt's failure still belongs in the trail.
			log.Printf("level=info component=executor msg=\"failure handling skipped; order already transitioned\" order_id=%s", order.ID)
			if auditErr := s.repo.CreateAuditRecord(ctx, record); auditErr != nil {
				log.Printf("level=error component=executor msg=\"audit append failed\" order_id=%s err=%v", order.ID, auditErr)
			}
		} else {
			log.Printf("level=error component=executor msg=\"failure transition write failed\" order_id=%s retryable=%t err=%v", order.ID, retryable, transitionErr)
			return fmt.Errorf("%w; failure handling also failed: %v", transferErr, transitionErr)
		}
	}

	if updated != nil {
		s.publishStatusEvent(ctx, updated, domain.PayoutStatusRequested)
	}

	log.Printf("level=warn component=executor msg=\"transfer failed\" order_id=%s retryable=%t err=%v", order.ID, retryable, transferErr)
	return transferErr
}
