package settlement

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// AssetStatus represents the lifecycle phases of a listed insurance asset.
type AssetStatus string

const (
	AssetRegistered        AssetStatus = "registered"
	AssetAIEvaluated       AssetStatus = "ai_evaluated"
	AssetPlatformConfirmed AssetStatus = "platform_confirmed"
	AssetListed            AssetStatus = "listed"
	AssetInTrade           AssetStatus = "in_trade"
	AssetSold              AssetStatus = "sold"
	AssetRefunded          AssetStatus = "refunded"
	AssetCancelled         AssetStatus = "cancelled"
)

// Valid reports whether the asset status value is supported.
func (s AssetStatus) Valid() bool {
	switch s {
	case AssetRegistered, AssetAIEvaluated, AssetPlatformConfirmed, AssetListed,
		AssetInTrade, AssetSold, AssetRefunded, AssetCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the asset can no longer transition.
func (s AssetStatus) Terminal() bool {
	switch s {
	case AssetRefunded, AssetCancelled:
		return true
	default:
		return false
	}
}

// TradeStatus represents the multisig settlement phases of a trade.
type TradeStatus string

const (
	TradeCreated        TradeStatus = "created"
	TradeBuyerSigned    TradeStatus = "buyer_signed"
	TradePlatformSigned TradeStatus = "platform_signed"
	TradeCompleted      TradeStatus = "completed"
	TradeCancelled      TradeStatus = "cancelled"
)

// Valid reports whether the trade status value is supported.
func (s TradeStatus) Valid() bool {
	switch s {
	case TradeCreated, TradeBuyerSigned, TradePlatformSigned, TradeCompleted, TradeCancelled:
		return true
	default:
		return false
	}
}

// Terminal reports whether the trade reached a final state.
func (s TradeStatus) Terminal() bool {
	return s == TradeCompleted || s == TradeCancelled
}

// Open reports whether the trade still blocks its asset from other trades.
func (s TradeStatus) Open() bool {
	return !s.Terminal()
}

// Asset is a tokenized insurance policy offered for transfer. Fiat amounts
// are integers in cents; timestamps are unix seconds.
type Asset struct {
	ID                   string
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

	// Valuation fields, populated during evaluation and confirmation.
	AIValueCents        int64
	RiskGrade           uint8
	ConfidenceScore     uint8
	Analysis            string
	ConfirmedPriceCents int64

	Status         AssetStatus
	RegistrationTx string
	CreatedAt      int64
	SoldAt         int64
}

// Clone returns a deep copy so callers can mutate the result without
// affecting the stored instance.
func (a *Asset) Clone() *Asset {
	if a == nil {
		return nil
	}
	clone := *a
	return &clone
}

// SanitizeAsset validates and normalises the supplied asset definition,
// returning a cloned instance. The original value is not mutated.
func SanitizeAsset(a *Asset) (*Asset, error) {
	if a == nil {
		return nil, fmt.Errorf("asset: nil asset")
	}
	clone := a.Clone()
	clone.Company = strings.TrimSpace(clone.Company)
	clone.Product = strings.TrimSpace(clone.Product)
	clone.Category = strings.TrimSpace(clone.Category)
	if clone.Company == "" {
		return nil, fmt.Errorf("asset: issuing company required")
	}
	if clone.Product == "" {
		return nil, fmt.Errorf("asset: product name required")
	}
	if clone.ContractPeriodMonths <= 0 {
		return nil, fmt.Errorf("asset: contract period must be positive")
	}
	if clone.PaidPeriodMonths < 0 || clone.PaidPeriodMonths > clone.ContractPeriodMonths {
		return nil, fmt.Errorf("asset: paid period out of range")
	}
	if clone.AnnualPremiumCents <= 0 {
		return nil, fmt.Errorf("asset: annual premium must be positive")
	}
	if clone.TotalPaidCents < 0 {
		return nil, fmt.Errorf("asset: total premium paid must be non-negative")
	}
	if clone.RiskGrade > 5 {
		return nil, fmt.Errorf("asset: risk grade out of range")
	}
	if clone.ConfidenceScore > 100 {
		return nil, fmt.Errorf("asset: confidence score out of range")
	}
	if clone.Status != "" && !clone.Status.Valid() {
		return nil, fmt.Errorf("asset: invalid status %q", clone.Status)
	}
	return clone, nil
}

// Trade is a proposed exchange of one asset at an agreed fiat price between
// a seller and a buyer, settled by a dual-signature escrow flow.
type Trade struct {
	ID      string
	AssetID string
	Seller  common.Address
	Buyer   common.Address

	PriceCents         int64
	FeeCents           int64
	RequiredSignatures int
	BuyerSigned        bool
	PlatformSigned     bool

	// BuyerPaidNative records the exact escrowed amount in ledger smallest
	// units, fixed at buyer-signing time.
	BuyerPaidNative *big.Int

	DepositTx string
	ReleaseTx string
	RefundTx  string

	Status      TradeStatus
	CreatedAt   int64
	CompletedAt int64
}

// SignatureCount returns the number of recorded signatures.
func (t *Trade) SignatureCount() int {
	if t == nil {
		return 0
	}
	count := 0
	if t.BuyerSigned {
		count++
	}
	if t.PlatformSigned {
		count++
	}
	return count
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	if t.BuyerPaidNative != nil {
		clone.BuyerPaidNative = new(big.Int).Set(t.BuyerPaidNative)
	}
	return &clone
}

// SanitizeTrade validates and normalises the supplied trade definition,
// returning a cloned instance with a non-nil paid amount.
func SanitizeTrade(t *Trade) (*Trade, error) {
	if t == nil {
		return nil, fmt.Errorf("trade: nil trade")
	}
	clone := t.Clone()
	if clone.AssetID == "" {
		return nil, fmt.Errorf("trade: asset id required")
	}
	if clone.PriceCents <= 0 {
		return nil, fmt.Errorf("trade: agreed price must be positive")
	}
	if clone.FeeCents < 0 {
		return nil, fmt.Errorf("trade: platform fee must be non-negative")
	}
	if clone.RequiredSignatures <= 0 {
		clone.RequiredSignatures = RequiredSignatures
	}
	if clone.BuyerPaidNative == nil {
		clone.BuyerPaidNative = big.NewInt(0)
	}
	if clone.BuyerPaidNative.Sign() < 0 {
		return nil, fmt.Errorf("trade: paid amount must be non-negative")
	}
	if clone.Status != "" && !clone.Status.Valid() {
		return nil, fmt.Errorf("trade: invalid status %q", clone.Status)
	}
	return clone, nil
}

// RequiredSignatures is the fixed multisig threshold: buyer plus platform.
const RequiredSignatures = 2

// User is a wallet-identified account profile kept for display and access
// control. It plays no part in transition rules.
type User struct {
	Address         common.Address
	ReputationScore int
	TradeCount      int
}

// Clone returns a copy of the user profile.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	clone := *u
	return &clone
}
