/**
 * @description
 * This file contains the payout state machine for the payout-service. The `Service`
 * struct governs every legal order -> payout status transition, coordinating between
 * the ledger repository, the payment processor client, and the message broker.
 *
 * Key features:
 * - Funds release is a distinct, explicit action from order completion: completion
 *   only makes a payout AVAILABLE; a provider or admin must still request it.
 * - Every transition is a conditional write keyed on the expected prior status, so
 *   two concurrent requests for the same order can never both succeed.
 * - Appends an immutable audit record and publishes a RabbitMQ event on transitions.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/processorclient, pkg/rabbitmq: For external service communication.
 */

package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
	"github.com/taskilo/payout-service/internal/store"
	"github.com/taskilo/payout-service/pkg/processorclient"
	"github.com/taskilo/payout-service/pkg/rabbitmq"
)

var (
	// ErrNotEligible means the order is not in the payout status the requested
	// transition expects. The collision case (another request already moved the
	// order to REQUESTED) surfaces as this error too, so callers can show
	// "already being processed" instead of a generic failure.
	ErrNotEligible = errors.New("order is not eligible for this payout transition")
	// ErrNotAuthorized means the caller may not act on this order.
	ErrNotAuthorized = errors.New("caller is not authorized for this order")
	// ErrPayoutRateLimited means the provider has submitted too many payout
	// requests inside the current rate-limit window.
	ErrPayoutRateLimited = errors.New("payout request rate limit exceeded")
)

// ProcessorClient is the subset of the payment processor API the payout engine
// depends on. *processorclient.Client satisfies it; tests use fakes.
type ProcessorClient interface {
	CreateTransfer(ctx context.Context, destinationAccountID string, amount int64, currency, idempotencyKey string, metadata map[string]string) (*processorclient.TransferResponse, error)
	GetBalance(ctx context.Context) (*processorclient.BalanceResponse, error)
	GetTransfer(ctx context.Context, transferID string) (*processorclient.TransferResponse, error)
	ListTransfers(ctx context.Context, since time.Time, destinationAccountID string) ([]processorclient.TransferResponse, error)
}

// RateLimiter is implemented by the Redis-backed limiter, which carries its
// own limit and window policy. A nil limiter disables rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, scope, subject string) (allowed bool, retryAfterSeconds int, err error)
}

// Service provides the payout state machine and hosts the transfer executor,
// reconciliation engine, and emergency override.
type Service struct {
	repo      store.Repository
	processor ProcessorClient
	events    rabbitmq.Publisher
	currency  string

	transferMaxAttempts  int
	transferBackoffBase  time.Duration
	stuckPendingAfter    time.Duration
	reconcileLookback    time.Duration
	overrideMaxAmount    int64
	payoutRequestLimiter RateLimiter

	// test seam; defaults to time.Now
	now func() time.Time
}

// NewService creates a new payout service instance.
func NewService(repo store.Repository, processor ProcessorClient, producer rabbitmq.Publisher, currency string) *Service {
	if strings.TrimSpace(currency) == "" {
		currency = "EUR"
	}
	return &Service{
		repo:                repo,
		processor:           processor,
		events:              producer,
		currency:            currency,
		transferMaxAttempts: 3,
		transferBackoffBase: 200 * time.Millisecond,
		stuckPendingAfter:   2 * time.Hour,
		reconcileLookback:   72 * time.Hour,
		overrideMaxAmount:   500000,
		now:                 time.Now,
	}
}

// ConfigureTransferRetries sets the executor's in-process retry policy for
// retryable processor failures.
func (s *Service) ConfigureTransferRetries(maxAttempts int, backoffBase time.Duration) {
	if maxAttempts > 0 {
		s.transferMaxAttempts = maxAttempts
	}
	if backoffBase > 0 {
		s.transferBackoffBase = backoffBase
	}
}

// ConfigureReconciliation sets the stuck-pending threshold and the processor
// transfer-history lookback window.
func (s *Service) ConfigureReconciliation(stuckPendingAfter, lookback time.Duration) {
	if stuckPendingAfter > 0 {
		s.stuckPendingAfter = stuckPendingAfter
	}
	if lookback > 0 {
		s.reconcileLookback = lookback
	}
}

// ConfigureOverrideCap sets the maximum amount (in cents) an emergency override
// may move in one call.
func (s *Service) ConfigureOverrideCap(maxAmount int64) {
	if maxAmount > 0 {
		s.overrideMaxAmount = maxAmount
	}
}

// SetPayoutRateLimiter enables distributed rate limiting of payout requests per provider.
func (s *Service) SetPayoutRateLimiter(limiter RateLimiter) {
	s.payoutRequestLimiter = limiter
}

// GetOrder returns the payout view of a single order.
func (s *Service) GetOrder(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	return s.repo.FindOrderByID(ctx, orderID)
}

// ListAuditRecords returns the full payout lineage of an order, oldest first.
func (s *Service) ListAuditRecords(ctx context.Context, orderID uuid.UUID) ([]domain.PayoutAuditRecord, error) {
	return s.repo.ListAuditRecordsByOrderID(ctx, orderID)
}

// HandleFulfillmentCompleted reacts to the fulfillment subsystem reporting that
// an order is completed, recording the platform fee and moving the payout from
// NONE to AVAILABLE. The hook may be redelivered; a redelivery that finds the
// order already past NONE is acknowledged without a second transition.
func (s *Service) HandleFulfillmentCompleted(ctx context.Context, orderID uuid.UUID, feeAmount int64) (*domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.FulfillmentStatus != domain.FulfillmentCompleted {
		return nil, ErrNotEligible
	}
	if _, err := ComputeNet(order.GrossAmount, feeAmount); err != nil {
		return nil, err
	}

	updated, err := s.repo.MarkPayoutAvailable(ctx, orderID, feeAmount)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			current, readErr := s.repo.FindOrderByID(ctx, orderID)
			if readErr == nil && current.PayoutStatus != domain.PayoutStatusNone {
				log.Printf("level=info component=service flow=fulfillment_completed msg=\"hook redelivery ignored; payout already initialized\" order_id=%s payout_status=%s", orderID, current.PayoutStatus)
				return current, nil
			}
			return nil, ErrNotEligible
		}
		return nil, err
	}

	s.publishStatusEvent(ctx, updated, domain.PayoutStatusNone)
	log.Printf("level=info component=service flow=fulfillment_completed msg=\"payout now available\" order_id=%s gross=%d fee=%d", orderID, updated.GrossAmount, feeAmount)
	return updated, nil
}

// RequestPayout transitions an AVAILABLE order to REQUESTED on behalf of the
// given actor. Providers may only request payouts for their own orders; admins
// may request any. Exactly one of two concurrent requests succeeds; the loser
// observes ErrNotEligible.
func (s *Service) RequestPayout(ctx context.Context, orderID uuid.UUID, actorID string, isAdmin bool) (*domain.Order, error) {
	order, err := s.repo.FindOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !isAdmin && order.ProviderID.String() != actorID {
		return nil, ErrNotAuthorized
	}
	if order.PayoutStatus != domain.PayoutStatusAvailable {
		return nil, ErrNotEligible
	}
	if order.PlatformFeeAmount == nil {
		// AVAILABLE without a fee would violate the state machine's own invariant.
		return nil, ErrInvalidAmount
	}

	if s.payoutRequestLimiter != nil && !isAdmin {
		allowed, retryAfter, limitErr := s.payoutRequestLimiter.Allow(ctx, "payout_request", order.ProviderID.String())
		if limitErr != nil {
			// Rate limiting is protective, not load-bearing; a limiter outage
			// must not block payouts.
			log.Printf("level=warn component=service flow=request_payout msg=\"rate limiter unavailable; allowing request\" provider_id=%s err=%v", order.ProviderID, limitErr)
		} else if !allowed {
			log.Printf("level=info component=service flow=request_payout msg=\"rate limited\" provider_id=%s retry_after_s=%d", order.ProviderID, retryAfter)
			return nil, ErrPayoutRateLimited
		}
	}

	netAmount, err := ComputeNet(order.GrossAmount, *order.PlatformFeeAmount)
	if err != nil {
		return nil, err
	}

	// The transition and its audit record commit together; if the record
	// cannot be written the request fails instead of losing lineage.
	updated, err := s.repo.MarkPayoutRequested(ctx, orderID, s.now().UTC(), &domain.PayoutAuditRecord{
		OrderID: orderID,
		Action:  domain.AuditActionRequested,
		ActorID: actorID,
		Amount:  netAmount,
	})
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrNotEligible
		}
		return nil, err
	}

	s.publishStatusEvent(ctx, updated, domain.PayoutStatusAvailable)
	log.Printf("level=info component=service flow=request_payout msg=\"payout requested\" order_id=%s actor_id=%s net=%d", orderID, actorID, netAmount)
	return updated, nil
}

// RetryFailedPayout moves a FAILED order back to AVAILABLE so its payout can be
// re-requested. This is an admin-only manual action; handler-level authorization
// enforces the elevated privilege.
func (s *Service) RetryFailedPayout(ctx context.Context, orderID uuid.UUID, actorID string) (*domain.Order, error) {
	updated, err := s.repo.RetryFailedPayout(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrStaleState) {
			return nil, ErrNotEligible
		}
		return nil, err
	}

	s.publishStatusEvent(ctx, updated, domain.PayoutStatusFailed)
	log.Printf("level=info component=service flow=retry_failed msg=\"failed payout re-opened\" order_id=%s actor_id=%s", orderID, actorID)
	return updated, nil
}

// publishStatusEvent emits a payout status change to the notification layer.
// Publishing is best-effort; the ledger write already happened and a broker
// hiccup must not fail the transition.
func (s *Service) publishStatusEvent(ctx context.Context, order *domain.Order, previousStatus string) {
	if s.events == nil {
		return
	}

	amount := order.GrossAmount
	if order.PlatformFeeAmount != nil {
		if net, err := ComputeNet(order.GrossAmount, *order.PlatformFeeAmount); err == nil {
			amount = net
		}
	}

	event := domain.PayoutStatusEvent{
		OrderID:        order.ID,
		ProviderID:     order.ProviderID,
		PreviousStatus: previousStatus,
		Status:         order.PayoutStatus,
		Amount:         amount,
		OccurredAt:     s.now().UTC(),
	}
	if err := s.events.PublishPayoutStatusEvent(ctx, event); err != nil {
		log.Printf("level=warn component=service msg=\"payout status event publish failed\" order_id=%s status=%s err=%v", order.ID, order.PayoutStatus, err)
	}
}
