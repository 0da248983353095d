package ingest

import (
	"context"
	"log"
	"sync"
	"time"

	"candlearc/internal/config"
	"candlearc/internal/exchange"
)

// Daemon supervises the long-running ingestion loops: websocket streaming
// through the persister, periodic gap maintenance, optional REST polling, and
// retention cleanup. Run blocks until the context is cancelled and all loops
// have drained.
type Daemon struct {
	cfg     *config.Config
	store   Store
	fetcher Fetcher
	targets []Target

	backfill  *BackfillService
	gaps      *GapService
	persister *Persister
}

func NewDaemon(cfg *config.Config, store Store, fetcher Fetcher) *Daemon {
	targets := Targets(cfg.Symbols, cfg.TimeframeList())
	return &Daemon{
		cfg:       cfg,
		store:     store,
		fetcher:   fetcher,
		targets:   targets,
		backfill:  NewBackfillService(store, fetcher, targets, cfg.BackfillDays),
		gaps:      NewGapService(store, fetcher, targets, cfg.GapRepairMaxRepairsPerRun),
		persister: NewPersister(store, cfg.WSSaveBatchSize, cfg.WSSaveFlushInterval()),
	}
}

// Backfill exposes the backfill service for one-shot tooling.
func (d *Daemon) Backfill() *BackfillService { return d.backfill }

// Gaps exposes the gap service for one-shot tooling.
func (d *Daemon) Gaps() *GapService { return d.gaps }

func (d *Daemon) Run(ctx context.Context) {
	log.Printf("[Daemon] starting with %d targets", len(d.targets))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.persister.Run(ctx)
	}()

	if d.cfg.WSIngestionEnabled {
		d.startStreamers(ctx, &wg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Printf("[Daemon] catching up last %d minutes", d.cfg.WSCatchupLookbackMinutes)
			d.backfill.CatchupRecent(ctx, d.cfg.WSCatchupLookbackMinutes)
		}()
	}

	if d.cfg.BackfillOnStartup {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.backfill.BackfillAll(ctx, d.cfg.BackfillDays)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.gapMaintenanceLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.gapDetectionLoop(ctx)
	}()

	if d.cfg.RESTUpdateEnabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.updateLoop(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.retentionLoop(ctx)
	}()

	wg.Wait()
	log.Printf("[Daemon] stopped")
}

// startStreamers shards the targets across websocket connections so no
// connection carries more subscriptions than the upstream tolerates.
func (d *Daemon) startStreamers(ctx context.Context, wg *sync.WaitGroup) {
	perConn := d.cfg.WSMaxSubscriptionsPerConnection
	if perConn <= 0 {
		perConn = 25
	}

	subs := make([]exchange.Subscription, 0, len(d.targets))
	for _, tgt := range d.targets {
		subs = append(subs, exchange.Subscription{Symbol: tgt.Symbol, Timeframe: tgt.Timeframe})
	}

	for start := 0; start < len(subs); start += perConn {
		end := start + perConn
		if end > len(subs) {
			end = len(subs)
		}
		shard := subs[start:end]
		streamer := exchange.NewStreamer(shard, d.persister.Enqueue,
			d.cfg.WSReconnectInitial(), d.cfg.WSReconnectMax())

		wg.Add(1)
		go func() {
			defer wg.Done()
			streamer.Run(ctx)
		}()
	}
	log.Printf("[Daemon] streaming %d subscriptions across %d connections",
		len(subs), (len(subs)+perConn-1)/perConn)
}

// gapMaintenanceLoop runs a detect-and-repair cycle immediately, then on the
// configured interval.
func (d *Daemon) gapMaintenanceLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.GapRepairIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if res, err := d.gaps.RunMaintenance(ctx); err != nil {
			log.Printf("[Daemon] gap maintenance: %v", err)
		} else if res.NewGapsDetected > 0 || res.GapsRepaired > 0 || res.RepairFailures > 0 {
			log.Printf("[Daemon] gap maintenance: %d new, %d repaired, %d failed",
				res.NewGapsDetected, res.GapsRepaired, res.RepairFailures)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// gapDetectionLoop records gaps without repairing them, on a shorter interval
// than maintenance, so the API surfaces holes early.
func (d *Daemon) gapDetectionLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.GapDetectionIntervalMinutes) * time.Minute
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.gaps.DetectAndSaveGaps(ctx); err != nil {
				log.Printf("[Daemon] gap detection: %v", err)
			} else if n > 0 {
				log.Printf("[Daemon] gap detection recorded %d new gaps", n)
			}
		}
	}
}

// updateLoop polls the newest candles over REST. Off by default; meant for
// deployments that cannot hold a websocket open.
func (d *Daemon) updateLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.UpdateIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.backfill.UpdateLatest(ctx)
		}
	}
}

// retentionLoop prunes old candles per timeframe. First pass an hour after
// startup, then daily.
func (d *Daemon) retentionLoop(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		deleted, err := d.store.CleanupRetention(ctx, d.cfg.RetentionDays())
		if err != nil {
			log.Printf("[Daemon] retention cleanup: %v", err)
		} else {
			for tf, n := range deleted {
				if n > 0 {
					log.Printf("[Daemon] retention pruned %d %s candles", n, tf)
				}
			}
		}
		timer.Reset(24 * time.Hour)
	}
}
