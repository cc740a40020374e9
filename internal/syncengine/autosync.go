package syncengine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/wordsync/internal/entities"
	"go.uber.org/zap"
)

const (
	// DefaultAutoSyncInterval is the default interval between automatic runs.
	DefaultAutoSyncInterval = 5 * time.Minute
	// AutoSyncRunTimeout bounds how long one tick waits for its run.
	AutoSyncRunTimeout = 2 * time.Minute
)

// AutoSyncer starts a full run on every tick while auto-sync is enabled.
type AutoSyncer struct {
	engine   *Engine
	interval time.Duration
	logger   *zap.Logger
}

// NewAutoSyncer validates its inputs and constructs an AutoSyncer.
func NewAutoSyncer(engine *Engine, interval time.Duration, logger *zap.Logger) (*AutoSyncer, error) {
	if engine == nil {
		return nil, errMissingEngine
	}
	if interval <= 0 {
		return nil, errInvalidInterval
	}
	if logger == nil {
		logger = noOpLogger
	}
	return &AutoSyncer{engine: engine, interval: interval, logger: logger}, nil
}

// Start launches the ticker goroutine. The returned function stops it and
// waits for an in-flight tick to return.
func (a *AutoSyncer) Start(ctx context.Context) (stop func()) {
	done := make(chan struct{})
	ticker := time.NewTicker(a.interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickCtx, cancel := context.WithTimeout(ctx, AutoSyncRunTimeout)
				a.Tick(tickCtx)
				cancel()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

// Tick runs one automatic sync if auto-sync is enabled. It reports whether a
// run was started.
func (a *AutoSyncer) Tick(ctx context.Context) bool {
	enabled, err := a.engine.AutoSyncEnabled(ctx)
	if err != nil {
		a.logger.Warn("auto sync could not read metadata", zap.Error(err))
		return false
	}
	if !enabled {
		return false
	}

	report, err := a.engine.RunSync(ctx, entities.ScopeFull)
	switch {
	case errors.Is(err, ErrSyncInProgress),
		errors.Is(err, ErrNetworkUnavailable),
		errors.Is(err, ErrAccountUnavailable):
		a.logger.Debug("auto sync skipped", zap.Error(err))
		return false
	case err != nil:
		a.logger.Warn("auto sync run failed",
			zap.String("operation_id", report.Operation.ID),
			zap.Error(err))
		return true
	}
	a.logger.Debug("auto sync run completed", zap.String("operation_id", report.Operation.ID))
	return true
}
