package queue

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DriverConfig holds configuration for the periodic cycle driver.
type DriverConfig struct {
	// Interval is how often a dispatch cycle runs when nothing triggers
	// one sooner.
	Interval time.Duration

	// MaintenanceEvery runs the stuck-item reset and retention sweep once
	// per this many cycles.
	MaintenanceEvery int
}

// DefaultDriverConfig returns a DriverConfig with reasonable defaults.
func DefaultDriverConfig() DriverConfig {
	return DriverConfig{
		Interval:         2 * time.Second,
		MaintenanceEvery: 30,
	}
}

// Driver owns the background dispatch loop: on every tick or trigger it
// asks the scheduler for the next batches and processes them. At most one
// cycle is in flight at a time; a trigger arriving while a cycle runs is a
// no-op rather than a second concurrent cycle. That guard is separate from
// the per-batch bound the scheduler's gate enforces.
type Driver struct {
	scheduler *Scheduler
	cfg       DriverConfig
	logger    *slog.Logger

	trigger  chan struct{}
	inFlight atomic.Bool
	cycles   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDriver creates a Driver for the given scheduler.
func NewDriver(scheduler *Scheduler, cfg DriverConfig, logger *slog.Logger) *Driver {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDriverConfig().Interval
	}
	if cfg.MaintenanceEvery <= 0 {
		cfg.MaintenanceEvery = DefaultDriverConfig().MaintenanceEvery
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Driver{
		scheduler: scheduler,
		cfg:       cfg,
		logger:    logger.With("component", "driver"),
		trigger:   make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the loop goroutine.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.loop()
	d.logger.Info("driver started", "interval", d.cfg.Interval)
}

// Stop cancels the loop and waits for any in-flight cycle to finish.
func (d *Driver) Stop() {
	d.cancel()
	d.wg.Wait()
	d.logger.Info("driver stopped")
}

// Trigger requests an immediate cycle, letting job submission short-circuit
// the tick interval. Non-blocking; a pending trigger coalesces.
func (d *Driver) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

func (d *Driver) loop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.RunCycle(d.ctx)
		case <-d.trigger:
			d.RunCycle(d.ctx)
		}
	}
}

// RunCycle executes one getNextBatches+processBatches cycle. The
// compare-and-swap guard makes a re-entrant call a no-op, which keeps the
// overlap prevention race-free under true parallelism.
func (d *Driver) RunCycle(ctx context.Context) {
	if !d.inFlight.CompareAndSwap(false, true) {
		return
	}
	defer d.inFlight.Store(false)

	batches, err := d.scheduler.GetNextBatches(ctx, 0)
	if err != nil {
		d.logger.Error("failed to get next batches", "error", err)
	}
	if len(batches) > 0 {
		d.scheduler.ProcessBatches(ctx, batches)
	}

	if n := d.cycles.Add(1); n%int64(d.cfg.MaintenanceEvery) == 0 {
		d.runMaintenance(ctx)
	}
}

func (d *Driver) runMaintenance(ctx context.Context) {
	if count, err := d.scheduler.ResetStuckItems(ctx, 0); err != nil {
		d.logger.Error("stuck item reset failed", "error", err)
	} else if count > 0 {
		d.logger.Info("stuck item reset complete", "requeued", count)
	}

	if _, err := d.scheduler.CleanupOldEntries(ctx, 0); err != nil {
		d.logger.Error("retention cleanup failed", "error", err)
	}
}
