package ingest

import (
	"context"
	"time"
)

// watchLag periodically compares the cursor to the chain head and warns when
// the chain falls more than MaxLag blocks behind.
func (d *Driver) watchLag(ctx context.Context) {
	t := time.NewTicker(d.cfg.LagCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			callCtx, cancel := context.WithTimeout(ctx, d.cfg.LagCheckInterval)
			head, err := d.adapter.Latest(callCtx)
			cancel()
			if err != nil {
				if ctx.Err() == nil {
					d.log.Debugw("lag check failed to read head", "error", err)
				}
				continue
			}
			lag := d.exportLag(head.Number)
			if d.cfg.MaxLag > 0 && lag > d.cfg.MaxLag {
				d.log.Warnw("chain lag too large",
					"lag", lag,
					"head", head.Number,
					"cursor", d.Cursor().String(),
					"state", d.State().String(),
				)
			}
		}
	}
}

// exportLag publishes how many blocks the cursor trails head by.
func (d *Driver) exportLag(head uint64) uint64 {
	var lag uint64
	// Next points at the first unproduced block, so a cursor at head has no lag.
	if next := d.Cursor().Next(); head >= next {
		lag = head - next + 1
	}
	d.metrics.SetHeadLag(d.chain.Name, lag)
	return lag
}
