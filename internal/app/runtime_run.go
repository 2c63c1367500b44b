package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Run starts the orchestrator workers, prompt watcher, compaction
// scheduler, and HTTP listener, then blocks until ctx is canceled or
// one of them fails.
func (r *Runtime) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	if r.cfg.RecoverIncompleteOnBoot {
		if err := r.engine.Recover(ctx); err != nil {
			r.logger.Error("startup run recovery failed", "error", err)
		}
	}

	group.Go(func() error {
		return r.engine.Start(groupCtx)
	})

	group.Go(func() error {
		return r.scheduler.Start(groupCtx)
	})

	group.Go(func() error {
		// A broken watcher should not take the service down.
		if err := r.library.Watch(groupCtx); err != nil {
			r.logger.Error("prompt watcher unavailable", "error", err)
		}
		return nil
	})

	group.Go(func() error {
		r.logger.Info("http server listening", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return r.httpServer.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close releases the sqlite handles. Call after Run returns.
func (r *Runtime) Close() error {
	var firstErr error
	if err := r.memory.Close(); err != nil {
		firstErr = err
	}
	if err := r.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
