package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// RefundPeriod is how long a completed sale stays refundable. Eligibility
// opens strictly after the period elapses.
const RefundPeriod = 61 * 24 * time.Hour

// Eligibility is the result of a refund window check.
type Eligibility struct {
	Eligible      bool  `json:"eligible"`
	DaysRemaining int64 `json:"daysRemaining"`
}

// RefundMonitor watches sold assets and pays out buyer refunds once the
// refund window opens. A durable insert-once record blocks repeat calls
// after a completed payout; a crash between payout and that record is
// caught by the escrow-balance re-check, which finds the escrow already
// drained.
type RefundMonitor struct {
	store  Store
	ledger Ledger
	engine *Engine
	period time.Duration
	logger *slog.Logger
	nowFn  func() time.Time
}

// NewRefundMonitor wires the monitor over the engine's collaborators.
func NewRefundMonitor(engine *Engine, logger *slog.Logger) (*RefundMonitor, error) {
	if engine == nil {
		return nil, fmt.Errorf("settlement: engine required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefundMonitor{
		store:  engine.store,
		ledger: engine.ledger,
		engine: engine,
		period: RefundPeriod,
		logger: logger,
		nowFn:  engine.nowFn,
	}, nil
}

// SetPeriod overrides the refund window (tests only).
func (m *RefundMonitor) SetPeriod(period time.Duration) {
	if period > 0 {
		m.period = period
	}
}

// SetNowFunc overrides the time source (tests only).
func (m *RefundMonitor) SetNowFunc(now func() time.Time) {
	if now != nil {
		m.nowFn = now
	}
}

// CheckEligibility reports whether the asset's refund window is open and,
// when it is not, how many whole days remain. The check is a pure function
// of current status and elapsed time since the sale.
func (m *RefundMonitor) CheckEligibility(ctx context.Context, assetID string) (Eligibility, error) {
	const op = "settlement.CheckEligibility"
	asset, err := m.engine.loadAsset(ctx, op, assetID)
	if err != nil {
		return Eligibility{}, err
	}
	if asset.Status != AssetSold {
		return Eligibility{Eligible: false, DaysRemaining: m.wholeDays(m.period)}, nil
	}
	elapsed := m.nowFn().Sub(time.Unix(asset.SoldAt, 0))
	if elapsed <= m.period {
		return Eligibility{Eligible: false, DaysRemaining: m.wholeDays(m.period - elapsed)}, nil
	}
	recorded, err := m.store.RefundRecorded(ctx, assetID)
	if err != nil {
		return Eligibility{}, E(KindUnknown, op, err)
	}
	if recorded {
		return Eligibility{Eligible: false, DaysRemaining: 0}, nil
	}
	return Eligibility{Eligible: true, DaysRemaining: 0}, nil
}

// ProcessRefund pays the buyer's escrowed amount back once the refund
// window is open, records the refund durably and marks the asset refunded.
func (m *RefundMonitor) ProcessRefund(ctx context.Context, assetID string) (*Trade, error) {
	const op = "settlement.ProcessRefund"
	asset, err := m.engine.loadAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	recorded, err := m.store.RefundRecorded(ctx, assetID)
	if err != nil {
		return nil, E(KindUnknown, op, err)
	}
	if recorded {
		return nil, E(KindAlreadyProcessed, op,
			fmt.Errorf("%w: asset %s", ErrAlreadyProcessed, assetID))
	}
	if asset.Status != AssetSold {
		return nil, E(KindPrecondition, op,
			fmt.Errorf("asset %s is %s, refunds apply to sold assets", assetID, asset.Status))
	}
	elapsed := m.nowFn().Sub(time.Unix(asset.SoldAt, 0))
	if elapsed <= m.period {
		return nil, E(KindDeadlineNotReached, op,
			fmt.Errorf("%w: %d days remaining", ErrDeadlineNotReached, m.wholeDays(m.period-elapsed)))
	}
	trade, err := m.store.CompletedTradeForAsset(ctx, assetID)
	if errors.Is(err, ErrNotFound) {
		return nil, E(KindNotFound, op, err)
	}
	if err != nil {
		return nil, E(KindUnknown, op, err)
	}
	if trade.BuyerPaidNative == nil || trade.BuyerPaidNative.Sign() <= 0 {
		return nil, E(KindPrecondition, op,
			fmt.Errorf("trade %s has no recorded escrow amount", trade.ID))
	}
	balance, err := m.ledger.EscrowBalance(ctx, trade.ID)
	if err != nil {
		return nil, E(KindExternalUnavailable, op, err)
	}
	if balance.Cmp(trade.BuyerPaidNative) < 0 {
		return nil, E(KindInsufficientFunds, op,
			fmt.Errorf("%w: escrow holds %s, refund needs %s", ErrInsufficientEscrow, balance, trade.BuyerPaidNative))
	}
	txHash, err := m.ledger.EscrowRefund(ctx, trade.ID, trade.Buyer)
	if err != nil {
		return nil, classifyLedgerErr(op, err)
	}
	if err := m.store.RecordRefund(ctx, assetID, txHash, trade.BuyerPaidNative); err != nil {
		if errors.Is(err, ErrAlreadyProcessed) {
			return nil, E(KindAlreadyProcessed, op, err)
		}
		return nil, E(KindUnknown, op, err)
	}
	now := m.nowFn()
	trade.RefundTx = txHash
	if err := m.store.UpsertTrade(ctx, trade); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	asset.Status = AssetRefunded
	if err := m.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	m.engine.emitter.Emit(refundEvent(assetID, txHash, trade.BuyerPaidNative.String(), now))
	m.logger.Info("refund processed",
		"assetId", assetID,
		"tradeId", trade.ID,
		"tx", txHash,
		"amountNative", trade.BuyerPaidNative.String(),
	)
	return trade.Clone(), nil
}

// Sweep scans sold assets and processes every refund whose window is open.
// Per-asset failures are logged and skipped so one bad asset never blocks
// the rest of the sweep.
func (m *RefundMonitor) Sweep(ctx context.Context) (int, error) {
	const op = "settlement.Sweep"
	assets, err := m.store.ListAssets(ctx, AssetFilter{Status: AssetSold})
	if err != nil {
		return 0, E(KindUnknown, op, err)
	}
	processed := 0
	for _, asset := range assets {
		eligibility, err := m.CheckEligibility(ctx, asset.ID)
		if err != nil {
			m.logger.Warn("refund eligibility check failed", "assetId", asset.ID, "err", err)
			continue
		}
		if !eligibility.Eligible {
			continue
		}
		if _, err := m.ProcessRefund(ctx, asset.ID); err != nil {
			if KindOf(err) == KindAlreadyProcessed {
				continue
			}
			m.logger.Warn("refund failed", "assetId", asset.ID, "err", err)
			continue
		}
		processed++
	}
	return processed, nil
}

// Run sweeps on the given interval until the context is cancelled.
func (m *RefundMonitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil {
				m.logger.Error("refund sweep failed", "err", err)
			}
		}
	}
}

func (m *RefundMonitor) wholeDays(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	days := int64(d / (24 * time.Hour))
	if d%(24*time.Hour) > 0 {
		days++
	}
	return days
}
