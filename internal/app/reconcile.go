/**
 * @description
 * Reconciliation engine: compares the ledger's view of funds owed against the
 * processor's actual transfer history and balance to detect drift. The run is
 * strictly read-only; it never mutates orders or audit records, only reports.
 * Discrepancies always require an operator decision (usually via the emergency
 * override), never an automatic correction.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
	"github.com/taskilo/payout-service/pkg/processorclient"
)

// Reconcile scans orders in REQUESTED or PAID_OUT (optionally one provider's)
// against the processor's transfer history since the configured lookback
// window and returns every detected discrepancy.
func (s *Service) Reconcile(ctx context.Context, providerID *uuid.UUID) (*domain.ReconcileReport, error) {
	now := s.now().UTC()
	report := &domain.ReconcileReport{RanAt: now}

	orders, err := s.repo.ListOrdersByPayoutStatus(ctx, []string{domain.PayoutStatusRequested, domain.PayoutStatusPaidOut}, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders for reconciliation: %w", err)
	}
	report.OrdersChecked = len(orders)

	transfers, err := s.processor.ListTransfers(ctx, now.Add(-s.reconcileLookback), "")
	if err != nil {
		return nil, fmt.Errorf("failed to list processor transfers: %w", err)
	}
	report.TransfersChecked = len(transfers)

	// Balance context for the operator. Pending funds are informational only
	// and never released automatically.
	if balance, balanceErr := s.processor.GetBalance(ctx); balanceErr != nil {
		log.Printf("level=warn component=reconcile msg=\"balance lookup failed; report omits balance context\" err=%v", balanceErr)
	} else {
		report.AvailableBalance = balance.Available
		report.PendingBalance = balance.Pending
	}

	transfersByID := make(map[string]processorclient.TransferResponse, len(transfers))
	transfersByOrderID := make(map[string][]processorclient.TransferResponse)
	for _, transfer := range transfers {
		transfersByID[transfer.ID] = transfer
		if orderRef := strings.TrimSpace(transfer.Metadata["order_id"]); orderRef != "" {
			transfersByOrderID[orderRef] = append(transfersByOrderID[orderRef], transfer)
		}
	}

	ordersByID := make(map[string]domain.Order, len(orders))
	for _, order := range orders {
		ordersByID[order.ID.String()] = order
	}

	for _, order := range orders {
		expectedNet := order.GrossAmount
		if order.PlatformFeeAmount != nil {
			if net, netErr := ComputeNet(order.GrossAmount, *order.PlatformFeeAmount); netErr == nil {
				expectedNet = net
			}
		}

		switch order.PayoutStatus {
		case domain.PayoutStatusPaidOut:
			s.reconcilePaidOutOrder(ctx, report, order, expectedNet, transfersByID)
		case domain.PayoutStatusRequested:
			s.reconcileRequestedOrder(report, order, expectedNet, transfersByOrderID, now)
		}
	}

	// The reverse direction: processor transfers claiming one of our orders
	// that the ledger does not acknowledge with a matching PAID_OUT record.
	for orderRef, refTransfers := range transfersByOrderID {
		for _, transfer := range refTransfers {
			if isAcknowledgedTransfer(ordersByID, orderRef, transfer.ID) {
				continue
			}
			orderID, parseErr := uuid.Parse(orderRef)
			if parseErr != nil {
				log.Printf("level=warn component=reconcile msg=\"transfer carries malformed order metadata\" transfer_id=%s order_ref=%q", transfer.ID, orderRef)
				continue
			}
			// Skip transfers for orders outside this run's scope (e.g. another
			// provider when a provider filter is set, or an order in FAILED).
			if _, inScope := ordersByID[orderRef]; !inScope && providerID != nil {
				continue
			}
			amount := transfer.Amount
			transferID := transfer.ID
			report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
				OrderID:                orderID,
				Kind:                   domain.DiscrepancyDuplicateTransfer,
				ObservedTransferAmount: &amount,
				ProcessorTransferID:    &transferID,
				Detail:                 "processor transfer has no matching paid-out order",
				DetectedAt:             now,
			})
		}
	}

	log.Printf("level=info component=reconcile msg=\"run complete\" orders_checked=%d transfers_checked=%d discrepancies=%d", report.OrdersChecked, report.TransfersChecked, len(report.Discrepancies))
	return report, nil
}

// reconcilePaidOutOrder verifies that a locally paid-out order is backed by a
// real processor transfer of the expected amount.
func (s *Service) reconcilePaidOutOrder(ctx context.Context, report *domain.ReconcileReport, order domain.Order, expectedNet int64, transfersByID map[string]processorclient.TransferResponse) {
	now := report.RanAt

	if order.ProcessorTransferID == nil {
		// Violates the paid-out invariant outright; report as missing.
		report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
			OrderID:     order.ID,
			Kind:        domain.DiscrepancyMissingTransfer,
			ExpectedNet: expectedNet,
			Detail:      "paid-out order has no recorded transfer id",
			DetectedAt:  now,
		})
		return
	}

	transfer, found := transfersByID[*order.ProcessorTransferID]
	if !found {
		// The listing window may simply predate the transfer; confirm with a
		// direct lookup before reporting drift.
		fetched, fetchErr := s.processor.GetTransfer(ctx, *order.ProcessorTransferID)
		if fetchErr != nil {
			var apiErr *processorclient.ErrorResponse
			if errors.As(fetchErr, &apiErr) && apiErr.StatusCode == 404 {
				report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
					OrderID:             order.ID,
					Kind:                domain.DiscrepancyMissingTransfer,
					ExpectedNet:         expectedNet,
					ProcessorTransferID: order.ProcessorTransferID,
					Detail:              "processor does not know the recorded transfer id",
					DetectedAt:          now,
				})
				return
			}
			log.Printf("level=warn component=reconcile msg=\"transfer lookup failed; order skipped this run\" order_id=%s transfer_id=%s err=%v", order.ID, *order.ProcessorTransferID, fetchErr)
			return
		}
		transfer = *fetched
	}

	if transfer.Amount != expectedNet {
		amount := transfer.Amount
		report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
			OrderID:                order.ID,
			Kind:                   domain.DiscrepancyAmountMismatch,
			ExpectedNet:            expectedNet,
			ObservedTransferAmount: &amount,
			ProcessorTransferID:    order.ProcessorTransferID,
			DetectedAt:             now,
		})
	}
}

// reconcileRequestedOrder flags REQUESTED orders that have sat past the
// stuck-pending threshold with no transfer attempt visible processor-side.
func (s *Service) reconcileRequestedOrder(report *domain.ReconcileReport, order domain.Order, expectedNet int64, transfersByOrderID map[string][]processorclient.TransferResponse, now time.Time) {
	if order.PayoutRequestedAt == nil || now.Sub(*order.PayoutRequestedAt) < s.stuckPendingAfter {
		return
	}
	if len(transfersByOrderID[order.ID.String()]) > 0 {
		return
	}
	report.Discrepancies = append(report.Discrepancies, domain.Discrepancy{
		OrderID:     order.ID,
		Kind:        domain.DiscrepancyStuckPending,
		ExpectedNet: expectedNet,
		Detail:      fmt.Sprintf("requested %s ago with no processor transfer", now.Sub(*order.PayoutRequestedAt).Round(time.Minute)),
		DetectedAt:  now,
	})
}

// isAcknowledgedTransfer reports whether a processor transfer is the one a
// local paid-out order points at.
func isAcknowledgedTransfer(ordersByID map[string]domain.Order, orderRef, transferID string) bool {
	order, ok := ordersByID[orderRef]
	if !ok {
		return false
	}
	return order.PayoutStatus == domain.PayoutStatusPaidOut &&
		order.ProcessorTransferID != nil &&
		*order.ProcessorTransferID == transferID
}
