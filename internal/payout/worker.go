// Package payout drains the withdrawal outbox: it converts queued chip
// payouts to wei at the spot price, sends them from the hot wallet and
// refunds payouts that keep failing.
package payout

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/chipflip/chip-ledger/internal/chain"
	"github.com/chipflip/chip-ledger/internal/ledger"
	"github.com/chipflip/chip-ledger/internal/metrics"
	"github.com/chipflip/chip-ledger/internal/model"
	"github.com/chipflip/chip-ledger/internal/price"
)

// Queue is the outbox side of the store.
type Queue interface {
	ClaimPayouts(ctx context.Context, limit int) ([]model.Payout, error)
	UpdatePayout(ctx context.Context, p *model.Payout) error
}

// Refunder credits back a payout that will not be sent.
type Refunder interface {
	RefundPayout(ctx context.Context, payoutID string) (*ledger.DepositResult, error)
}

// Config tunes the worker.
type Config struct {
	ChipUSDRate decimal.Decimal
	Interval    time.Duration
	MaxAttempts int
	BatchSize   int
}

// Worker sends pending payouts. Rows are claimed before sending, so any
// number of workers can share one outbox.
type Worker struct {
	queue    Queue
	refunder Refunder
	prices   price.Oracle
	sender   chain.Sender
	cfg      Config
	now      func() time.Time
}

// NewWorker creates a worker.
func NewWorker(q Queue, r Refunder, oracle price.Oracle, sender chain.Sender, cfg Config) *Worker {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 20
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Worker{queue: q, refunder: r, prices: oracle, sender: sender, cfg: cfg, now: time.Now}
}

// Run processes a batch every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("payout worker started", "interval", w.cfg.Interval, "max_attempts", w.cfg.MaxAttempts)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.ProcessBatch(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("payout batch failed", "err", err)
		}
		select {
		case <-ctx.Done():
			slog.Info("payout worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessBatch claims up to BatchSize pending payouts and returns how many
// it attempted. A price feed outage hands the batch back without counting
// attempts.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	claimed, err := w.queue.ClaimPayouts(ctx, w.cfg.BatchSize)
	if err != nil || len(claimed) == 0 {
		return 0, err
	}

	ethUSD, err := w.prices.SpotPrice(ctx)
	if err != nil {
		metrics.PayoutsTotal.WithLabelValues("price_unavailable").Add(float64(len(claimed)))
		w.release(ctx, claimed)
		return 0, err
	}

	for i := range claimed {
		if ctx.Err() != nil {
			w.release(context.WithoutCancel(ctx), claimed[i:])
			return i, ctx.Err()
		}
		w.process(ctx, &claimed[i], ethUSD)
	}
	return len(claimed), nil
}

// release puts claimed payouts back in the queue untouched. A row that
// cannot be released stays processing until it is swept.
func (w *Worker) release(ctx context.Context, ps []model.Payout) {
	for i := range ps {
		p := &ps[i]
		p.Status = model.PayoutPending
		p.UpdatedAt = w.now().UTC()
		if err := w.queue.UpdatePayout(ctx, p); err != nil {
			slog.Error("release payout", "payout_id", p.ID, "err", err)
		}
	}
}

func (w *Worker) process(ctx context.Context, p *model.Payout, ethUSD decimal.Decimal) {
	usd := price.ChipsToUSD(p.Amount, w.cfg.ChipUSDRate)
	wei := price.ETHToWei(price.USDToETH(usd, ethUSD))

	hash, sendErr := w.sender.Send(ctx, p.Destination, wei)
	p.UpdatedAt = w.now().UTC()

	if sendErr == nil {
		p.Status = model.PayoutProcessed
		p.TxHash = hash
		p.LastError = ""
		if err := w.queue.UpdatePayout(ctx, p); err != nil {
			// the transfer is out; a retry would pay twice
			slog.Error("payout sent but not recorded",
				"payout_id", p.ID,
				"tx_hash", hash,
				"err", err,
			)
			metrics.PayoutsTotal.WithLabelValues("unrecorded").Inc()
			return
		}
		metrics.PayoutsTotal.WithLabelValues("sent").Inc()
		slog.Info("payout sent",
			"payout_id", p.ID,
			"account", p.Account,
			"amount", p.Amount,
			"usd", usd.StringFixed(2),
			"wei", wei.String(),
			"tx_hash", hash,
		)
		return
	}

	p.Attempts++
	p.LastError = sendErr.Error()
	if p.Attempts < w.cfg.MaxAttempts {
		p.Status = model.PayoutPending
		metrics.PayoutsTotal.WithLabelValues("retry").Inc()
		slog.Warn("payout send failed",
			"payout_id", p.ID,
			"attempt", p.Attempts,
			"err", sendErr,
		)
		if err := w.queue.UpdatePayout(ctx, p); err != nil {
			slog.Error("record payout attempt", "payout_id", p.ID, "err", err)
		}
		return
	}

	// failed is persisted before the refund: a payout is never both sent
	// and refunded.
	p.Status = model.PayoutFailed
	if err := w.queue.UpdatePayout(ctx, p); err != nil {
		slog.Error("mark payout failed", "payout_id", p.ID, "err", err)
		return
	}
	metrics.PayoutsTotal.WithLabelValues("failed").Inc()

	res, err := w.refunder.RefundPayout(ctx, p.ID)
	if err != nil {
		// TODO: on startup, sweep failed payouts without a refund claim and
		// payouts left processing by a crashed worker.
		slog.Error("refund failed payout", "payout_id", p.ID, "account", p.Account, "err", err)
		return
	}
	slog.Warn("payout abandoned and refunded",
		"payout_id", p.ID,
		"account", p.Account,
		"amount", p.Amount,
		"attempts", p.Attempts,
		"balance", res.Balance,
	)
}
