package app

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/taskilo/payout-service/pkg/processorclient"
)

// blockingProcessorStub holds the first GetBalance call open until released,
// simulating a reconciliation run that is still in flight at shutdown.
type blockingProcessorStub struct {
	*processorStub
	startedOnce sync.Once
	started     chan struct{}
	release     chan struct{}
}

func newBlockingProcessorStub() *blockingProcessorStub {
	return &blockingProcessorStub{
		processorStub: newProcessorStub(),
		started:       make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (b *blockingProcessorStub) GetBalance(ctx context.Context) (*processorclient.BalanceResponse, error) {
	b.startedOnce.Do(func() { close(b.started) })
	<-b.release
	return b.processorStub.GetBalance(ctx)
}

func TestSchedulerStop_WaitsForInFlightReconciliation(t *testing.T) {
	processor := newBlockingProcessorStub()
	service := NewService(newMemoryRepoStub(), processor, &publisherStub{}, "EUR")
	scheduler := NewScheduler(service)

	if err := scheduler.Start("@every 10ms"); err != nil {
		t.Fatalf("expected scheduler to start, got %v", err)
	}

	select {
	case <-processor.started:
	case <-time.After(2 * time.Second):
		t.Fatal("reconciliation run never started")
	}

	stopCtx := scheduler.Stop()
	select {
	case <-stopCtx.Done():
		t.Fatal("stop context completed while a reconciliation run was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(processor.release)
	select {
	case <-stopCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("stop context never completed after the run finished")
	}
}

func TestSchedulerStop_CompletesImmediatelyWhenIdle(t *testing.T) {
	service := NewService(newMemoryRepoStub(), newProcessorStub(), &publisherStub{}, "EUR")
	scheduler := NewScheduler(service)

	if err := scheduler.Start(""); err != nil {
		t.Fatalf("expected disabled scheduler to start, got %v", err)
	}

	select {
	case <-scheduler.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("stop context never completed for an idle scheduler")
	}
}
