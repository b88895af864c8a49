package main

import (
	"context"
	"log/slog"
	"math/big"
	"time"

	"redeemd/ledger"
	"redeemd/native/rewards"
	"redeemd/observability"
)

// balanceWatcher publishes pool account balances to the metrics gauge on its
// own cadence. It is purely informational: probes carry short timeouts and a
// failed probe degrades to a stale gauge, never an error on the redemption
// path.
type balanceWatcher struct {
	node     ledger.Node
	pools    []*rewards.Pool
	metrics  *observability.RedeemMetrics
	interval time.Duration
	logger   *slog.Logger
}

func newBalanceWatcher(node ledger.Node, pools []*rewards.Pool, metrics *observability.RedeemMetrics, interval time.Duration, logger *slog.Logger) *balanceWatcher {
	if interval <= 0 {
		interval = time.Minute
	}
	return &balanceWatcher{node: node, pools: pools, metrics: metrics, interval: interval, logger: logger}
}

func (w *balanceWatcher) run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	w.probe(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.probe(ctx)
		}
	}
}

func (w *balanceWatcher) probe(ctx context.Context) {
	for _, pool := range w.pools {
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		balance, err := w.node.Balance(probeCtx, pool.Account)
		cancel()
		if err != nil {
			w.logger.Debug("pool balance probe failed", "pool", pool.ID, "error", err)
			continue
		}
		value, _ := new(big.Float).SetInt(balance).Float64()
		w.metrics.RecordPoolBalance(pool.ID, value)
	}
}
