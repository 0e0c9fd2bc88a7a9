// Package janitor periodically sweeps expired messages from the durable
// store. Enqueue and dequeue already sweep opportunistically; the janitor
// keeps storage bounded for processes that sit idle with no traffic.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ipclab/ipcbus/internal/metrics"
	"github.com/ipclab/ipcbus/pkg/store"
)

const (
	sweepTimeout = 5 * time.Second
	maxRetries   = 3
	backoff      = 300 * time.Millisecond
)

// Start runs the sweep loop until ctx is done. Returns nil on cancellation,
// or an error if a sweep keeps failing after all retries.
func Start(
	ctx context.Context,
	st *store.Store,
	interval time.Duration,
	log *zap.SugaredLogger,
	m *metrics.Metrics,
) error {
	if st == nil {
		return errors.New("invalid store: must not be nil")
	}
	if log == nil {
		return errors.New("invalid logger: must not be nil")
	}
	if interval <= 0 {
		return errors.New("invalid interval: must be greater than 0")
	}

	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			var (
				swept int64
				err   error
			)
			for attempt := 0; attempt <= maxRetries; attempt++ {
				sweepCtx, cancel := context.WithTimeout(ctx, sweepTimeout)
				swept, err = st.SweepExpired(sweepCtx)
				cancel()
				if err == nil {
					break
				}
				if ctx.Err() != nil {
					return nil
				}
				if attempt < maxRetries {
					select {
					case <-time.After(backoff):
					case <-ctx.Done():
						return nil
					}
				}
			}
			if err != nil {
				return fmt.Errorf("failed to sweep expired messages after %d retries: %w", maxRetries+1, err)
			}
			if swept > 0 {
				log.Debugw("janitor swept expired messages", "count", swept)
				m.AddSwept(swept)
			}
		}
	}
}
