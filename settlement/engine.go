package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"wellswap/ledger"
	"wellswap/notify"
)

// FeePolicy carries the platform's fixed fee schedule. Fiat amounts are
// integer cents; CommissionBps applies on release and is enforced by the
// marketplace contract.
type FeePolicy struct {
	RegistrationFeeCents int64
	PlatformFeeCents     int64
	CommissionBps        int64
}

// Engine drives the asset and trade state machines. Every operation
// re-reads current state from the store before transitioning, so stale
// callers fail on the status guard rather than clobbering newer state.
type Engine struct {
	store   Store
	ledger  Ledger
	rates   Rates
	emitter notify.Emitter

	platform common.Address
	admins   map[common.Address]struct{}
	fees     FeePolicy

	nowFn func() time.Time
	idFn  func() string
}

// NewEngine constructs an engine over its required collaborators.
func NewEngine(store Store, ledger Ledger, rates Rates, platform common.Address, fees FeePolicy) (*Engine, error) {
	if store == nil {
		return nil, fmt.Errorf("settlement: store required")
	}
	if ledger == nil {
		return nil, fmt.Errorf("settlement: ledger required")
	}
	if rates == nil {
		return nil, fmt.Errorf("settlement: rates required")
	}
	if platform == (common.Address{}) {
		return nil, fmt.Errorf("settlement: platform address required")
	}
	if fees.RegistrationFeeCents <= 0 {
		return nil, fmt.Errorf("settlement: registration fee must be positive")
	}
	if fees.PlatformFeeCents < 0 {
		return nil, fmt.Errorf("settlement: platform fee must be non-negative")
	}
	if fees.CommissionBps < 0 || fees.CommissionBps > 10_000 {
		return nil, fmt.Errorf("settlement: commission bps out of range")
	}
	return &Engine{
		store:    store,
		ledger:   ledger,
		rates:    rates,
		emitter:  notify.NoopEmitter{},
		platform: platform,
		admins:   map[common.Address]struct{}{platform: {}},
		fees:     fees,
		nowFn:    time.Now,
		idFn:     uuid.NewString,
	}, nil
}

// SetEmitter wires the notification emitter. A nil emitter restores the
// noop default.
func (e *Engine) SetEmitter(emitter notify.Emitter) {
	if emitter == nil {
		emitter = notify.NoopEmitter{}
	}
	e.emitter = emitter
}

// SetNowFunc overrides the time source (tests only).
func (e *Engine) SetNowFunc(now func() time.Time) {
	if now != nil {
		e.nowFn = now
	}
}

// SetIDFunc overrides ID generation (tests only).
func (e *Engine) SetIDFunc(fn func() string) {
	if fn != nil {
		e.idFn = fn
	}
}

// AddAdmin grants the platform capability to an additional address.
func (e *Engine) AddAdmin(addr common.Address) {
	if addr != (common.Address{}) {
		e.admins[addr] = struct{}{}
	}
}

// IsAdmin reports whether the address carries the platform capability.
func (e *Engine) IsAdmin(addr common.Address) bool {
	_, ok := e.admins[addr]
	return ok
}

// Fees returns the active fee schedule.
func (e *Engine) Fees() FeePolicy { return e.fees }

// RegisterAssetInput describes a new asset registration.
type RegisterAssetInput struct {
	Owner                common.Address
	Company              string
	Product              string
	Category             string
	ContractStart        int64
	ContractPeriodMonths int
	PaidPeriodMonths     int
	AnnualPremiumCents   int64
	TotalPaidCents       int64
	Supplemental         string

	// IdempotencyKey deduplicates retried registrations. Optional.
	IdempotencyKey string
}

// RegisterAsset charges the registration fee on the ledger and records the
// asset in registered state. A repeated idempotency key returns the asset
// produced by the first call without charging again.
func (e *Engine) RegisterAsset(ctx context.Context, input RegisterAssetInput) (*Asset, error) {
	const op = "settlement.RegisterAsset"
	if input.Owner == (common.Address{}) {
		return nil, Errorf(KindValidation, op, "owner address required")
	}
	asset, err := SanitizeAsset(&Asset{
		Owner:                input.Owner,
		Company:              input.Company,
		Product:              input.Product,
		Category:             input.Category,
		ContractStart:        input.ContractStart,
		ContractPeriodMonths: input.ContractPeriodMonths,
		PaidPeriodMonths:     input.PaidPeriodMonths,
		AnnualPremiumCents:   input.AnnualPremiumCents,
		TotalPaidCents:       input.TotalPaidCents,
		Supplemental:         input.Supplemental,
	})
	if err != nil {
		return nil, E(KindValidation, op, err)
	}
	asset.ID = e.idFn()
	persisted := false
	if input.IdempotencyKey != "" {
		existingID, err := e.store.ReserveIdempotencyKey(ctx, input.IdempotencyKey, asset.ID)
		if errors.Is(err, ErrAlreadyProcessed) {
			return e.GetAsset(ctx, existingID)
		}
		if err != nil {
			return nil, E(KindUnknown, op, err)
		}
		// The reservation must not outlive a failed registration: a key
		// bound to an unpersisted asset would poison every retry.
		defer func() {
			if !persisted {
				_ = e.store.ReleaseIdempotencyKey(ctx, input.IdempotencyKey)
			}
		}()
	}
	feeNative, err := e.rates.FiatCentsToNative(ctx, e.fees.RegistrationFeeCents)
	if err != nil {
		return nil, E(KindExternalUnavailable, op, err)
	}
	// The platform signer fronts the on-chain payment; the owner's own
	// account must cover the fee before anything is submitted.
	balance, err := e.ledger.Balance(ctx, input.Owner)
	if err != nil {
		return nil, E(KindExternalUnavailable, op, err)
	}
	if balance.Cmp(feeNative) < 0 {
		return nil, E(KindInsufficientFunds, op,
			fmt.Errorf("%w: balance %s below registration fee %s", ErrInsufficientFunds, balance, feeNative))
	}
	txHash, err := e.ledger.PayRegistrationFee(ctx, feeNative)
	if err != nil {
		return nil, classifyLedgerErr(op, err)
	}
	now := e.nowFn()
	asset.Status = AssetRegistered
	asset.RegistrationTx = txHash
	asset.CreatedAt = now.Unix()
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	persisted = true
	e.emitter.Emit(assetEvent(notify.EventAssetRegistered, asset, now))
	return asset.Clone(), nil
}

// Evaluation is the AI valuation attached to a registered asset.
type Evaluation struct {
	AIValueCents    int64
	RiskGrade       uint8
	ConfidenceScore uint8
	Analysis        string
}

// SubmitEvaluation records the AI valuation, moving the asset from
// registered to ai_evaluated. Platform capability required.
func (e *Engine) SubmitEvaluation(ctx context.Context, assetID string, eval Evaluation, caller common.Address) (*Asset, error) {
	const op = "settlement.SubmitEvaluation"
	if !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	if eval.AIValueCents <= 0 {
		return nil, Errorf(KindValidation, op, "ai valuation must be positive")
	}
	if eval.RiskGrade > 5 {
		return nil, Errorf(KindValidation, op, "risk grade out of range")
	}
	if eval.ConfidenceScore > 100 {
		return nil, Errorf(KindValidation, op, "confidence score out of range")
	}
	asset, err := e.loadAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == AssetAIEvaluated {
		return nil, E(KindAlreadyProcessed, op,
			fmt.Errorf("%w: asset %s already evaluated", ErrAlreadyProcessed, assetID))
	}
	if asset.Status != AssetRegistered {
		return nil, invalidTransition(op, string(asset.Status), string(AssetAIEvaluated))
	}
	asset.AIValueCents = eval.AIValueCents
	asset.RiskGrade = eval.RiskGrade
	asset.ConfidenceScore = eval.ConfidenceScore
	asset.Analysis = eval.Analysis
	asset.Status = AssetAIEvaluated
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(assetEvent(notify.EventAssetEvaluated, asset, e.nowFn()))
	return asset.Clone(), nil
}

// ConfirmPlatformPrice fixes the final listing price, moving the asset from
// ai_evaluated to platform_confirmed. Platform capability required.
func (e *Engine) ConfirmPlatformPrice(ctx context.Context, assetID string, priceCents int64, caller common.Address) (*Asset, error) {
	const op = "settlement.ConfirmPlatformPrice"
	if !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	if priceCents <= 0 {
		return nil, Errorf(KindValidation, op, "confirmed price must be positive")
	}
	asset, err := e.loadAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status != AssetAIEvaluated {
		return nil, invalidTransition(op, string(asset.Status), string(AssetPlatformConfirmed))
	}
	asset.ConfirmedPriceCents = priceCents
	asset.Status = AssetPlatformConfirmed
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(assetEvent(notify.EventAssetPriceConfirmed, asset, e.nowFn()))
	return asset.Clone(), nil
}

// ListAsset publishes the asset to the marketplace, moving it from
// platform_confirmed to listed. Owner or platform capability required.
func (e *Engine) ListAsset(ctx context.Context, assetID string, caller common.Address) (*Asset, error) {
	const op = "settlement.ListAsset"
	asset, err := e.loadAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	if caller != asset.Owner && !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	if asset.Status != AssetPlatformConfirmed {
		return nil, invalidTransition(op, string(asset.Status), string(AssetListed))
	}
	asset.Status = AssetListed
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(assetEvent(notify.EventAssetListed, asset, e.nowFn()))
	return asset.Clone(), nil
}

// GetAsset returns a copy of the asset.
func (e *Engine) GetAsset(ctx context.Context, assetID string) (*Asset, error) {
	const op = "settlement.GetAsset"
	return e.loadAsset(ctx, op, assetID)
}

// ListAssets returns assets matching the filter.
func (e *Engine) ListAssets(ctx context.Context, filter AssetFilter) ([]*Asset, error) {
	const op = "settlement.ListAssets"
	assets, err := e.store.ListAssets(ctx, filter)
	if err != nil {
		return nil, E(KindUnknown, op, err)
	}
	return assets, nil
}

// CreateTrade opens a trade on a listed asset at its confirmed price. The
// store's open-trade slot guarantees at most one open trade per asset.
func (e *Engine) CreateTrade(ctx context.Context, assetID string, buyer common.Address, priceCents int64) (*Trade, error) {
	const op = "settlement.CreateTrade"
	if buyer == (common.Address{}) {
		return nil, Errorf(KindValidation, op, "buyer address required")
	}
	if priceCents < 0 {
		return nil, Errorf(KindValidation, op, "agreed price must not be negative")
	}
	asset, err := e.loadAsset(ctx, op, assetID)
	if err != nil {
		return nil, err
	}
	if asset.Status != AssetPlatformConfirmed && asset.Status != AssetListed {
		return nil, E(KindPrecondition, op,
			fmt.Errorf("%w: asset %s is %s", ErrAssetNotAvailable, assetID, asset.Status))
	}
	if buyer == asset.Owner {
		return nil, Errorf(KindValidation, op, "buyer must differ from seller")
	}
	// The platform-confirmed price is authoritative. A zero agreed price
	// defers to it; any other value must match it exactly.
	if priceCents != 0 && priceCents != asset.ConfirmedPriceCents {
		return nil, Errorf(KindValidation, op,
			"agreed price %d does not match confirmed price %d", priceCents, asset.ConfirmedPriceCents)
	}
	now := e.nowFn()
	trade, err := SanitizeTrade(&Trade{
		ID:                 e.idFn(),
		AssetID:            asset.ID,
		Seller:             asset.Owner,
		Buyer:              buyer,
		PriceCents:         asset.ConfirmedPriceCents,
		FeeCents:           e.fees.PlatformFeeCents,
		RequiredSignatures: RequiredSignatures,
		Status:             TradeCreated,
		CreatedAt:          now.Unix(),
	})
	if err != nil {
		return nil, E(KindValidation, op, err)
	}
	if err := e.store.CreateOpenTrade(ctx, trade); err != nil {
		if errors.Is(err, ErrAssetNotAvailable) {
			return nil, E(KindPrecondition, op, err)
		}
		return nil, E(KindUnknown, op, err)
	}
	asset.Status = AssetInTrade
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(tradeEvent(notify.EventTradeCreated, trade, now))
	return trade.Clone(), nil
}

// GetTrade returns a copy of the trade.
func (e *Engine) GetTrade(ctx context.Context, tradeID string) (*Trade, error) {
	const op = "settlement.GetTrade"
	return e.loadTrade(ctx, op, tradeID)
}

// SignAsBuyer records the buyer's signature and escrows the full purchase
// amount (price plus platform fee) converted at the current oracle quote.
func (e *Engine) SignAsBuyer(ctx context.Context, tradeID string, caller common.Address) (*Trade, error) {
	const op = "settlement.SignAsBuyer"
	trade, err := e.loadTrade(ctx, op, tradeID)
	if err != nil {
		return nil, err
	}
	if caller != trade.Buyer {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	if trade.Status == TradeCompleted {
		return nil, E(KindAlreadyCompleted, op, ErrAlreadyCompleted)
	}
	if trade.BuyerSigned {
		return nil, E(KindAlreadySigned, op,
			fmt.Errorf("%w: buyer signature on trade %s", ErrAlreadySigned, tradeID))
	}
	if trade.Status != TradeCreated {
		return nil, invalidTransition(op, string(trade.Status), string(TradeBuyerSigned))
	}
	totalCents := trade.PriceCents + trade.FeeCents
	amountNative, err := e.rates.FiatCentsToNative(ctx, totalCents)
	if err != nil {
		return nil, E(KindExternalUnavailable, op, err)
	}
	// Custodial funding: the platform signer submits the escrow deposit,
	// so the buyer's account is checked, not the signer's.
	balance, err := e.ledger.Balance(ctx, trade.Buyer)
	if err != nil {
		return nil, E(KindExternalUnavailable, op, err)
	}
	if balance.Cmp(amountNative) < 0 {
		return nil, E(KindInsufficientFunds, op,
			fmt.Errorf("%w: balance %s below escrow amount %s", ErrInsufficientFunds, balance, amountNative))
	}
	txHash, err := e.ledger.EscrowDeposit(ctx, trade.ID, amountNative)
	if err != nil {
		return nil, classifyLedgerErr(op, err)
	}
	trade.BuyerSigned = true
	trade.BuyerPaidNative = amountNative
	trade.DepositTx = txHash
	trade.Status = TradeBuyerSigned
	if err := e.store.UpsertTrade(ctx, trade); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(tradeEvent(notify.EventTradeBuyerSigned, trade, e.nowFn()))
	return trade.Clone(), nil
}

// SignAsPlatform records the platform's counter-signature after the buyer
// has funded escrow. Platform capability required.
func (e *Engine) SignAsPlatform(ctx context.Context, tradeID string, caller common.Address) (*Trade, error) {
	const op = "settlement.SignAsPlatform"
	if !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	trade, err := e.loadTrade(ctx, op, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status == TradeCompleted {
		return nil, E(KindAlreadyCompleted, op, ErrAlreadyCompleted)
	}
	if trade.PlatformSigned {
		return nil, E(KindAlreadySigned, op,
			fmt.Errorf("%w: platform signature on trade %s", ErrAlreadySigned, tradeID))
	}
	if trade.Status != TradeBuyerSigned {
		return nil, invalidTransition(op, string(trade.Status), string(TradePlatformSigned))
	}
	trade.PlatformSigned = true
	trade.Status = TradePlatformSigned
	if err := e.store.UpsertTrade(ctx, trade); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	e.emitter.Emit(tradeEvent(notify.EventTradePlatformSigned, trade, e.nowFn()))
	return trade.Clone(), nil
}

// CompleteTrade releases escrow to the seller once both signatures are in
// place, marking the trade completed and the asset sold. Platform
// capability required.
func (e *Engine) CompleteTrade(ctx context.Context, tradeID string, caller common.Address) (*Trade, error) {
	const op = "settlement.CompleteTrade"
	if !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	trade, err := e.loadTrade(ctx, op, tradeID)
	if err != nil {
		return nil, err
	}
	if trade.Status == TradeCompleted {
		return nil, E(KindAlreadyCompleted, op, ErrAlreadyCompleted)
	}
	if trade.Status != TradePlatformSigned || trade.SignatureCount() < trade.RequiredSignatures {
		return nil, E(KindPrecondition, op,
			fmt.Errorf("%w: %d of %d on trade %s", ErrMissingSignatures, trade.SignatureCount(), trade.RequiredSignatures, tradeID))
	}
	txHash, err := e.ledger.EscrowRelease(ctx, trade.ID, trade.Seller)
	if err != nil {
		return nil, classifyLedgerErr(op, err)
	}
	now := e.nowFn()
	trade.ReleaseTx = txHash
	trade.Status = TradeCompleted
	trade.CompletedAt = now.Unix()
	if err := e.store.UpsertTrade(ctx, trade); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	asset, err := e.loadAsset(ctx, op, trade.AssetID)
	if err != nil {
		return nil, err
	}
	asset.Status = AssetSold
	asset.SoldAt = now.Unix()
	if err := e.store.UpsertAsset(ctx, asset); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	if err := e.store.ReleaseOpenTrade(ctx, trade.AssetID); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	for _, party := range []common.Address{trade.Seller, trade.Buyer} {
		if err := e.bumpTradeCount(ctx, party); err != nil {
			return nil, E(KindUnknown, op, err)
		}
	}
	e.emitter.Emit(tradeEvent(notify.EventTradeCompleted, trade, now))
	return trade.Clone(), nil
}

func (e *Engine) bumpTradeCount(ctx context.Context, addr common.Address) error {
	user, err := e.store.GetUser(ctx, addr)
	if errors.Is(err, ErrNotFound) {
		user = &User{Address: addr}
	} else if err != nil {
		return err
	}
	user.TradeCount++
	return e.store.UpsertUser(ctx, user)
}

// CancelTrade aborts an open trade. Platform capability required.
// Escrowed funds, when present, are refunded to the buyer in full and
// the asset returns to listed. The reason travels with the emitted
// cancellation event.
func (e *Engine) CancelTrade(ctx context.Context, tradeID string, caller common.Address, reason string) (*Trade, error) {
	const op = "settlement.CancelTrade"
	if reason == "" {
		return nil, Errorf(KindValidation, op, "cancellation reason required")
	}
	trade, err := e.loadTrade(ctx, op, tradeID)
	if err != nil {
		return nil, err
	}
	if !e.IsAdmin(caller) {
		return nil, E(KindPrecondition, op, ErrUnauthorized)
	}
	if trade.Status == TradeCompleted {
		return nil, E(KindAlreadyCompleted, op, ErrAlreadyCompleted)
	}
	if trade.Status == TradeCancelled {
		return nil, E(KindAlreadyProcessed, op,
			fmt.Errorf("%w: trade %s already cancelled", ErrAlreadyProcessed, tradeID))
	}
	if trade.BuyerSigned && trade.BuyerPaidNative != nil && trade.BuyerPaidNative.Sign() > 0 {
		txHash, err := e.ledger.EscrowRefund(ctx, trade.ID, trade.Buyer)
		if err != nil {
			return nil, classifyLedgerErr(op, err)
		}
		trade.RefundTx = txHash
	}
	now := e.nowFn()
	trade.Status = TradeCancelled
	trade.CompletedAt = now.Unix()
	if err := e.store.UpsertTrade(ctx, trade); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	asset, err := e.loadAsset(ctx, op, trade.AssetID)
	if err != nil {
		return nil, err
	}
	if asset.Status == AssetInTrade {
		asset.Status = AssetListed
		if err := e.store.UpsertAsset(ctx, asset); err != nil {
			return nil, E(KindUnknown, op, err)
		}
	}
	if err := e.store.ReleaseOpenTrade(ctx, trade.AssetID); err != nil {
		return nil, E(KindUnknown, op, err)
	}
	evt := tradeEvent(notify.EventTradeCancelled, trade, now)
	evt.Attributes["reason"] = reason
	e.emitter.Emit(evt)
	return trade.Clone(), nil
}

func (e *Engine) loadAsset(ctx context.Context, op, assetID string) (*Asset, error) {
	if assetID == "" {
		return nil, Errorf(KindValidation, op, "asset id required")
	}
	asset, err := e.store.GetAsset(ctx, assetID)
	if errors.Is(err, ErrNotFound) {
		return nil, E(KindNotFound, op, err)
	}
	if err != nil {
		return nil, E(KindUnknown, op, err)
	}
	return asset, nil
}

func (e *Engine) loadTrade(ctx context.Context, op, tradeID string) (*Trade, error) {
	if tradeID == "" {
		return nil, Errorf(KindValidation, op, "trade id required")
	}
	trade, err := e.store.GetTrade(ctx, tradeID)
	if errors.Is(err, ErrNotFound) {
		return nil, E(KindNotFound, op, err)
	}
	if err != nil {
		return nil, E(KindUnknown, op, err)
	}
	return trade, nil
}

func invalidTransition(op, from, to string) error {
	return Errorf(KindPrecondition, op, "invalid transition %s -> %s", from, to)
}

func classifyLedgerErr(op string, err error) error {
	if errors.Is(err, ledger.ErrRejected) {
		return E(KindLedgerRejected, op, err)
	}
	return E(KindExternalUnavailable, op, err)
}
