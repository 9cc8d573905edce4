package service

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kawayiYokami/angelheart/internal/biz/repo"
)

// MaintenanceRunner runs the periodic housekeeping that must not live on
// the hot path: expired-cache sweeps and history retention cleanup.
type MaintenanceRunner struct {
	history   repo.HistoryRepo
	retention time.Duration
	sweep     func()
	logger    *zap.Logger

	interval time.Duration
	running  bool
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewMaintenanceRunner creates a maintenance runner. sweep is invoked on
// every tick and is meant for the cache's opportunistic purge.
func NewMaintenanceRunner(history repo.HistoryRepo, retention time.Duration, sweep func(), logger *zap.Logger) *MaintenanceRunner {
	return &MaintenanceRunner{
		history:   history,
		retention: retention,
		sweep:     sweep,
		logger:    logger,
		interval:  6 * time.Hour,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the maintenance loop
func (r *MaintenanceRunner) Start() {
	if r.running {
		return
	}
	r.running = true
	r.wg.Add(1)
	go r.loop()
	r.logger.Info("maintenance runner started", zap.Duration("interval", r.interval))
}

// Stop stops the maintenance loop
func (r *MaintenanceRunner) Stop() {
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info("maintenance runner stopped")
}

func (r *MaintenanceRunner) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.run()
		}
	}
}

func (r *MaintenanceRunner) run() {
	if r.sweep != nil {
		r.sweep()
	}
	if r.history == nil || r.retention <= 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := r.history.CleanupOld(ctx, time.Now().Add(-r.retention)); err != nil {
		r.logger.Error("history cleanup failed", zap.Error(err))
	}
}
