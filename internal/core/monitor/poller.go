package monitor

import (
	"context"
	"sync"
	"time"

	"overseer/internal/config"
	"overseer/internal/config/logger"
	"overseer/internal/core/table"
)

// Poller periodically samples resource usage for every running entry in the
// process table and records it there, bounding how many samples run
// concurrently the same way a batched stats collector would.
type Poller struct {
	tbl      table.Table
	sampler  Sampler
	log      logger.Logger
	interval time.Duration
	sem      chan struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPoller creates a Poller. It does nothing until Start is called.
func NewPoller(tbl table.Table, sampler Sampler, log logger.Logger) *Poller {
	return &Poller{
		tbl:      tbl,
		sampler:  sampler,
		log:      log.WithComponent("monitor"),
		interval: config.StatsPollingInterval,
		sem:      make(chan struct{}, config.StatsMaxConcurrency),
	}
}

// Start begins polling on its own goroutine until Stop is called.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	p.wg.Add(1)

	go func() {
		defer p.wg.Done()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.pollOnce(ctx)
			}
		}
	}()
}

// Stop halts polling and waits for the in-flight round to finish.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}

	p.cancel()
	p.wg.Wait()
}

func (p *Poller) pollOnce(ctx context.Context) {
	entries := p.tbl.Snapshot()

	var wg sync.WaitGroup

	for _, entry := range entries {
		if entry.State() != table.StateRunning || entry.PID <= 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case p.sem <- struct{}{}:
		}

		wg.Add(1)

		go func(entry *table.Entry) {
			defer wg.Done()
			defer func() { <-p.sem }()

			callCtx, cancel := context.WithTimeout(ctx, config.StatsCallTimeout)
			defer cancel()

			stats, err := p.sampler.Sample(callCtx, entry.PID)
			if err != nil {
				p.log.Debug().Str("service", entry.Key.Name).Err(err).Msg("stats sample failed")
				return
			}

			entry.SetStats(stats.CPUPercent, stats.MemoryBytes)
		}(entry)
	}

	wg.Wait()
}
