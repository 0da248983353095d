package ingest

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"candlearc/internal/models"
)

const persisterQueueSize = 10000

// Persister decouples the websocket read loop from database writes. Producers
// enqueue without blocking; a single consumer goroutine batches writes by size
// and by time. When the queue is full candles are dropped and counted, since
// every dropped update is recoverable later through backfill or gap repair.
type Persister struct {
	store      Store
	queue      chan models.Candle
	batchSize  int
	flushEvery time.Duration

	dropped atomic.Int64
}

func NewPersister(store Store, batchSize int, flushEvery time.Duration) *Persister {
	if batchSize <= 0 {
		batchSize = 200
	}
	if flushEvery <= 0 {
		flushEvery = 2 * time.Second
	}
	return &Persister{
		store:      store,
		queue:      make(chan models.Candle, persisterQueueSize),
		batchSize:  batchSize,
		flushEvery: flushEvery,
	}
}

// Enqueue hands candles to the write loop. Never blocks the caller.
func (p *Persister) Enqueue(candles []models.Candle) {
	for _, c := range candles {
		select {
		case p.queue <- c:
		default:
			if n := p.dropped.Add(1); n%1000 == 1 {
				log.Printf("[Persister] queue full, dropped %d candles so far", n)
			}
		}
	}
}

// Dropped reports how many candles were discarded because the queue was full.
func (p *Persister) Dropped() int64 {
	return p.dropped.Load()
}

// Run consumes the queue until ctx is cancelled, then drains whatever is
// still buffered and flushes it.
func (p *Persister) Run(ctx context.Context) {
	log.Printf("[Persister] started (batch=%d flush=%s)", p.batchSize, p.flushEvery)

	batch := make([]models.Candle, 0, p.batchSize)
	ticker := time.NewTicker(p.flushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.drain(&batch)
			p.finalFlush(batch)
			log.Printf("[Persister] stopped")
			return
		case c := <-p.queue:
			batch = append(batch, c)
			if len(batch) >= p.batchSize {
				p.flush(ctx, &batch)
			}
		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, &batch)
			}
		}
	}
}

func (p *Persister) flush(ctx context.Context, batch *[]models.Candle) {
	saved, err := p.store.SaveCandles(ctx, *batch)
	if err != nil {
		// Drop the batch rather than retry; gap repair covers the hole.
		log.Printf("[Persister] save %d candles failed: %v", len(*batch), err)
	} else if saved > 0 {
		log.Printf("[Persister] saved %d candles", saved)
	}
	*batch = (*batch)[:0]
}

func (p *Persister) drain(batch *[]models.Candle) {
	for {
		select {
		case c := <-p.queue:
			*batch = append(*batch, c)
		default:
			return
		}
	}
}

// finalFlush writes the remaining batch on shutdown. The run context is
// already cancelled, so it uses a short-lived background context.
func (p *Persister) finalFlush(batch []models.Candle) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := p.store.SaveCandles(ctx, batch); err != nil {
		log.Printf("[Persister] final flush of %d candles failed: %v", len(batch), err)
	} else {
		log.Printf("[Persister] final flush saved %d candles", len(batch))
	}
}
