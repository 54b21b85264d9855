package app

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/taskilo/payout-service/internal/domain"
	"github.com/taskilo/payout-service/pkg/processorclient"
)

func errTransient(status int) error {
	return &processorclient.ErrorResponse{StatusCode: status, Code: "processor_unavailable", Message: "try again"}
}

func errBusiness(status int, code string) error {
	return &processorclient.ErrorResponse{StatusCode: status, Code: code, Message: "rejected"}
}

func newRequestedOrder(providerID uuid.UUID) *domain.Order {
	now := time.Now().UTC()
	order := newCompletedOrder(providerID)
	order.PayoutStatus = domain.PayoutStatusRequested
	order.PlatformFeeAmount = ptrInt64(1500)
	order.PayoutRequestedAt = &now
	return order
}

func TestTransferIdempotencyKey_IsDeterministic(t *testing.T) {
	orderID := uuid.New()
	key := TransferIdempotencyKey(orderID)
	if key != "payout_"+orderID.String() {
		t.Fatalf("unexpected idempotency key %q", key)
	}
	if key != TransferIdempotencyKey(orderID) {
		t.Fatal("expected key to be stable across calls")
	}
}

func TestExecuteTransfer_PaysOutNetAmount(t *testing.T) {
	order := newRequestedOrder(uuid.New())
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	events := &publisherStub{}
	service := NewService(repo, processor, events, "EUR")

	updated, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if updated.PayoutStatus != domain.PayoutStatusPaidOut {
		t.Fatalf("expected status paid_out, got %q", updated.PayoutStatus)
	}
	if updated.ProcessorTransferID == nil || updated.PayoutCompletedAt == nil {
		t.Fatal("expected transfer id and completion timestamp to be recorded")
	}

	if len(processor.createCalls) != 1 {
		t.Fatalf("expected one processor call, got %d", len(processor.createCalls))
	}
	call := processor.createCalls[0]
	if call.amount != 13500 {
		t.Fatalf("expected net amount 13500, got %d", call.amount)
	}
	if call.destinationAccountID != order.ProviderAccountID {
		t.Fatalf("expected destination %q, got %q", order.ProviderAccountID, call.destinationAccountID)
	}
	if call.metadata["order_id"] != order.ID.String() {
		t.Fatalf("expected order_id metadata, got %v", call.metadata)
	}

	actions := repo.auditActions(order.ID)
	if len(actions) != 1 || actions[0] != domain.AuditActionTransferSucceeded {
		t.Fatalf("expected one transfer_succeeded audit record, got %v", actions)
	}
	if len(events.events) != 1 || events.events[0].Status != domain.PayoutStatusPaidOut {
		t.Fatalf("expected one paid_out event, got %+v", events.events)
	}
}

func TestExecuteTransfer_RejectsNonRequestedOrder(t *testing.T) {
	order := newCompletedOrder(uuid.New())
	order.PayoutStatus = domain.PayoutStatusAvailable
	order.PlatformFeeAmount = ptrInt64(1500)
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	service := NewService(repo, processor, &publisherStub{}, "EUR")

	if _, err := service.ExecuteTransfer(context.Background(), order.ID); !errors.Is(err, ErrNotEligible) {
		t.Fatalf("expected ErrNotEligible, got %v", err)
	}
	if len(processor.createCalls) != 0 {
		t.Fatalf("expected no processor call, got %d", len(processor.createCalls))
	}
}

func TestExecuteTransfer_RetriesTransientFailuresWithSameKey(t *testing.T) {
	order := newRequestedOrder(uuid.New())
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	processor.createErrs = []error{
		errTransient(503),
		errTransient(503),
		nil,
	}
	service := NewService(repo, processor, &publisherStub{}, "EUR")
	service.ConfigureTransferRetries(3, time.Millisecond)

	updated, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if updated.PayoutStatus != domain.PayoutStatusPaidOut {
		t.Fatalf("expected status paid_out, got %q", updated.PayoutStatus)
	}

	if len(processor.createCalls) != 3 {
		t.Fatalf("expected three processor attempts, got %d", len(processor.createCalls))
	}
	key := processor.createCalls[0].idempotencyKey
	for i, call := range processor.createCalls {
		if call.idempotencyKey != key {
			t.Fatalf("attempt %d used a different idempotency key %q", i+1, call.idempotencyKey)
		}
	}
	if processor.uniqueTransferCount() != 1 {
		t.Fatalf("expected exactly one real transfer, got %d", processor.uniqueTransferCount())
	}
}

func TestExecuteTransfer_RetryableExhaustionRevertsToAvailable(t *testing.T) {
	order := newRequestedOrder(uuid.New())
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	processor.createErrs = []error{errTransient(503), errTransient(503)}
	service := NewService(repo, processor, &publisherStub{}, "EUR")
	service.ConfigureTransferRetries(2, time.Millisecond)

	_, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err == nil {
		t.Fatal("expected the transfer error to surface")
	}

	current, _ := repo.FindOrderByID(context.Background(), order.ID)
	if current.PayoutStatus != domain.PayoutStatusAvailable {
		t.Fatalf("expected revert to available, got %q", current.PayoutStatus)
	}
	actions := repo.auditActions(order.ID)
	if len(actions) != 1 || actions[0] != domain.AuditActionTransferFailed {
		t.Fatalf("expected one transfer_failed audit record, got %v", actions)
	}
}

func TestExecuteTransfer_TerminalFailureMarksFailed(t *testing.T) {
	order := newRequestedOrder(uuid.New())
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	processor.createErrs = []error{errBusiness(422, "invalid_destination")}
	service := NewService(repo, processor, &publisherStub{}, "EUR")

	_, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err == nil {
		t.Fatal("expected the transfer error to surface")
	}
	if !strings.Contains(err.Error(), "invalid_destination") {
		t.Fatalf("expected the original processor error, got %v", err)
	}

	// A business rejection must not be retried in-process.
	if len(processor.createCalls) != 1 {
		t.Fatalf("expected one processor attempt, got %d", len(processor.createCalls))
	}
	current, _ := repo.FindOrderByID(context.Background(), order.ID)
	if current.PayoutStatus != domain.PayoutStatusFailed {
		t.Fatalf("expected status failed, got %q", current.PayoutStatus)
	}
	actions := repo.auditActions(order.ID)
	if len(actions) != 1 || actions[0] != domain.AuditActionTransferFailed {
		t.Fatalf("expected one transfer_failed audit record, got %v", actions)
	}
	records, _ := repo.ListAuditRecordsByOrderID(context.Background(), order.ID)
	if !strings.Contains(string(records[0].ProcessorResponse), "invalid_destination") {
		t.Fatalf("expected raw processor error in audit record, got %s", records[0].ProcessorResponse)
	}
}

func TestExecuteTransfer_AuditWriteFailureAbortsCompletion(t *testing.T) {
	// The success record and the paid_out write share one transaction. When the
	// audit insert fails, the order must not be marked paid out with an empty
	// trail; the error surfaces and the order stays requested for a re-run.
	order := newRequestedOrder(uuid.New())
	repo := newMemoryRepoStub(order)
	repo.failAudit = true
	processor := newProcessorStub()
	events := &publisherStub{}
	service := NewService(repo, processor, events, "EUR")

	if _, err := service.ExecuteTransfer(context.Background(), order.ID); err == nil {
		t.Fatal("expected an error when the audit write fails")
	}

	current, _ := repo.FindOrderByID(context.Background(), order.ID)
	if current.PayoutStatus != domain.PayoutStatusRequested {
		t.Fatalf("expected order to remain requested, got %q", current.PayoutStatus)
	}
	if current.ProcessorTransferID != nil || current.PayoutCompletedAt != nil {
		t.Fatal("expected no completion fields to be recorded")
	}
	if records, _ := repo.ListAuditRecordsByOrderID(context.Background(), order.ID); len(records) != 0 {
		t.Fatalf("expected no audit records, got %d", len(records))
	}
	if len(events.events) != 0 {
		t.Fatalf("expected no events, got %+v", events.events)
	}
}

func TestPayoutLifecycle_HappyPath(t *testing.T) {
	// Full settlement pass: fulfillment completes with a 1500 cent fee on a
	// 15000 cent order, the provider requests the payout, the executor moves
	// the 13500 cent net share. Exactly two audit records tell the story.
	providerID := uuid.New()
	order := newCompletedOrder(providerID)
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	events := &publisherStub{}
	service := NewService(repo, processor, events, "EUR")

	if _, err := service.HandleFulfillmentCompleted(context.Background(), order.ID, 1500); err != nil {
		t.Fatalf("fulfillment hook failed: %v", err)
	}
	if _, err := service.RequestPayout(context.Background(), order.ID, providerID.String(), false); err != nil {
		t.Fatalf("payout request failed: %v", err)
	}
	final, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("transfer execution failed: %v", err)
	}

	if final.PayoutStatus != domain.PayoutStatusPaidOut {
		t.Fatalf("expected status paid_out, got %q", final.PayoutStatus)
	}
	if len(processor.createCalls) != 1 || processor.createCalls[0].amount != 13500 {
		t.Fatalf("expected one transfer of 13500, got %+v", processor.createCalls)
	}

	records, _ := repo.ListAuditRecordsByOrderID(context.Background(), order.ID)
	if len(records) != 2 {
		t.Fatalf("expected exactly two audit records, got %d", len(records))
	}
	if records[0].Action != domain.AuditActionRequested || records[1].Action != domain.AuditActionTransferSucceeded {
		t.Fatalf("unexpected audit lineage: %s, %s", records[0].Action, records[1].Action)
	}
	if records[0].Amount != 13500 || records[1].Amount != 13500 {
		t.Fatalf("expected both records to carry net 13500, got %d and %d", records[0].Amount, records[1].Amount)
	}

	// Status events for each transition: none->available->requested->paid_out.
	if len(events.events) != 3 {
		t.Fatalf("expected three status events, got %+v", events.events)
	}
}

func TestExecuteTransfer_TimeoutRetryNeverDoubleSpends(t *testing.T) {
	// The ambiguous-timeout scenario: the first execution times out on every
	// attempt even though the processor actually created the transfer. The
	// payout reverts to available, is re-requested, and executed again. The
	// deterministic idempotency key must make the second execution adopt the
	// original transfer instead of moving money twice.
	providerID := uuid.New()
	order := newRequestedOrder(providerID)
	repo := newMemoryRepoStub(order)
	processor := newProcessorStub()
	processor.createDespiteErr = true
	processor.createErrs = []error{context.DeadlineExceeded}
	events := &publisherStub{}
	service := NewService(repo, processor, events, "EUR")
	service.ConfigureTransferRetries(1, time.Millisecond)

	if _, err := service.ExecuteTransfer(context.Background(), order.ID); err == nil {
		t.Fatal("expected first execution to fail")
	}
	current, _ := repo.FindOrderByID(context.Background(), order.ID)
	if current.PayoutStatus != domain.PayoutStatusAvailable {
		t.Fatalf("expected revert to available after timeout, got %q", current.PayoutStatus)
	}

	if _, err := service.RequestPayout(context.Background(), order.ID, providerID.String(), false); err != nil {
		t.Fatalf("re-request should succeed, got %v", err)
	}
	updated, err := service.ExecuteTransfer(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("expected second execution to succeed, got %v", err)
	}
	if updated.PayoutStatus != domain.PayoutStatusPaidOut {
		t.Fatalf("expected status paid_out, got %q", updated.PayoutStatus)
	}

	if processor.uniqueTransferCount() != 1 {
		t.Fatalf("expected exactly one real transfer across retries, got %d", processor.uniqueTransferCount())
	}
	if len(processor.createCalls) != 2 {
		t.Fatalf("expected two processor calls, got %d", len(processor.createCalls))
	}
	if processor.createCalls[0].idempotencyKey != processor.createCalls[1].idempotencyKey {
		t.Fatal("expected both executions to share one idempotency key")
	}

	actions := repo.auditActions(order.ID)
	want := []string{domain.AuditActionTransferFailed, domain.AuditActionRequested, domain.AuditActionTransferSucceeded}
	if len(actions) != len(want) {
		t.Fatalf("expected audit actions %v, got %v", want, actions)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Fatalf("expected audit actions %v, got %v", want, actions)
		}
	}
}
