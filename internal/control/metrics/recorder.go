package metrics

import (
	"context"
	"sync"
	"time"

	"overseer/internal/config"
	"overseer/internal/core/bus"
	"overseer/internal/core/engine"
)

// Recorder keeps the Prometheus gauges in sync with the live process table:
// event counters update as events arrive, gauges that need the whole table
// (running count, per-service resource usage) are refreshed on a timer.
type Recorder struct {
	engine   engine.Engine
	bus      bus.Bus
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewRecorder creates a Recorder that samples the engine every
// StatsPollingInterval, matching the cadence of the resource-usage poller
// so the two stay roughly in step.
func NewRecorder(e engine.Engine, b bus.Bus) *Recorder {
	return &Recorder{engine: e, bus: b, interval: config.StatsPollingInterval}
}

// Start begins event consumption and periodic table snapshots.
func (r *Recorder) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	events := r.bus.Subscribe(runCtx)

	r.wg.Add(2)

	go func() {
		defer r.wg.Done()

		for {
			select {
			case <-runCtx.Done():
				return
			case evt, ok := <-events:
				if !ok {
					return
				}

				recordEvent(evt)
			}
		}
	}()

	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				r.sample(runCtx)
			}
		}
	}()
}

// Stop halts both background goroutines and blocks until they exit.
func (r *Recorder) Stop() {
	if r.cancel != nil {
		r.cancel()
	}

	r.wg.Wait()
}

func (r *Recorder) sample(ctx context.Context) {
	snaps, err := r.engine.ListRunning(ctx)
	if err != nil {
		return
	}

	ServicesRunning.Set(float64(len(snaps)))

	for _, snap := range snaps {
		ServiceCPUPercent.WithLabelValues(snap.Project, snap.Name).Set(snap.CPUPercent)
		ServiceMemoryBytes.WithLabelValues(snap.Project, snap.Name).Set(float64(snap.MemoryBytes))
	}
}
