package ingest

import (
	"context"
	"errors"
	"testing"
	"time"

	"candlearc/internal/models"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPersisterFlushesBySize(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	p := NewPersister(store, 3, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Enqueue(makeSeries("BTCUSD", models.TF1m, base, 3))
	waitFor(t, func() bool { return store.candleCount() == 3 },
		"batch of 3 should flush immediately at batchSize=3")
	if batches := store.savedBatches(); len(batches) != 1 || len(batches[0]) != 3 {
		t.Fatalf("want a single save of 3 candles, got %d batches", len(batches))
	}

	cancel()
	<-done
}

func TestPersisterContinuesAfterSaveError(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	store.setSaveErr(errors.New("connection refused"))
	p := NewPersister(store, 2, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Enqueue(makeSeries("BTCUSD", models.TF1m, base, 2))
	waitFor(t, func() bool { return store.saveCount() == 1 },
		"failing batch should still be attempted")
	if got := store.candleCount(); got != 0 {
		t.Fatalf("stored %d candles through a failing save", got)
	}

	// The failed batch is dropped; later batches flow through.
	store.setSaveErr(nil)
	p.Enqueue(makeSeries("BTCUSD", models.TF1m, base.Add(time.Hour), 2))
	waitFor(t, func() bool { return store.candleCount() == 2 },
		"persister should keep flushing after a save error")

	cancel()
	<-done
}

func TestPersisterFlushesByTimer(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	p := NewPersister(store, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Enqueue(makeSeries("BTCUSD", models.TF1m, base, 2))
	waitFor(t, func() bool { return store.candleCount() == 2 },
		"partial batch should flush on the timer")

	cancel()
	<-done
}

func TestPersisterFlushesOnShutdown(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	p := NewPersister(store, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	p.Enqueue(makeSeries("BTCUSD", models.TF1m, base, 5))
	// Give the consumer a moment to pull from the queue, then stop it.
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if got := store.candleCount(); got != 5 {
		t.Fatalf("shutdown flush stored %d candles, want 5", got)
	}
}

func TestPersisterDropsWhenFull(t *testing.T) {
	t.Parallel()

	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeStore()
	p := NewPersister(store, 100, time.Hour)

	// No consumer running; fill the queue past capacity.
	overflow := persisterQueueSize + 50
	for i := 0; i < overflow; i += 1000 {
		n := 1000
		if overflow-i < n {
			n = overflow - i
		}
		p.Enqueue(makeSeries("BTCUSD", models.TF1m, base.Add(time.Duration(i)*time.Minute), n))
	}

	if got := p.Dropped(); got != 50 {
		t.Fatalf("dropped %d candles, want 50", got)
	}
}
