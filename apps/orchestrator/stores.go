package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/Tolam-Earth/integration-services/internal/store"
)

// stores is the persistence selected by DATABASE_URL.
type stores struct {
	assets  store.AssetStore
	cursors store.CursorStore
	ping    func(ctx context.Context) error
	close   func()
}

// openStores connects to Postgres when databaseURL is set and falls back to
// process-local memory otherwise. The database may still be starting, so the
// connection is retried.
func openStores(ctx context.Context, databaseURL string, logger *slog.Logger) (*stores, error) {
	if databaseURL == "" {
		logger.Warn("DATABASE_URL not set; using in-memory store, history is lost on restart")
		m := store.NewMemory()
		return &stores{
			assets:  m,
			cursors: m,
			ping:    func(context.Context) error { return nil },
			close:   func() {},
		}, nil
	}
	var pg *store.Postgres
	err := withRetry(ctx, 3, func() error {
		var err error
		pg, err = store.NewPostgres(ctx, databaseURL)
		if err != nil {
			logger.Warn("connect to postgres", "err", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return &stores{assets: pg, cursors: pg, ping: pg.Ping, close: pg.Close}, nil
}

// retryStep is the backoff unit: attempt n waits n*retryStep before the next try.
var retryStep = time.Second

// withRetry runs fn up to attempts times with linear backoff (1s, 2s, ...).
func withRetry(ctx context.Context, attempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * retryStep):
		}
	}
	return lastErr
}
