package storage

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"wellswap/settlement"
)

// AssetRecord mirrors a settlement asset row.
type AssetRecord struct {
	ID                   string `gorm:"type:uuid;primaryKey"`
	Owner                string `gorm:"size:42;index"`
	Company              string
	Product              string
	Category             string
	ContractStart        int64
	ContractPeriodMonths int
	PaidPeriodMonths     int
	AnnualPremiumCents   int64
	TotalPaidCents       int64
	Supplemental         string

	AIValueCents        int64
	RiskGrade           uint8
	ConfidenceScore     uint8
	Analysis            string
	ConfirmedPriceCents int64

	Status         string `gorm:"size:32;index"`
	RegistrationTx string `gorm:"size:66"`
	RegisteredAt   int64
	SoldAt         int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TradeRecord mirrors a settlement trade row.
type TradeRecord struct {
	ID      string `gorm:"type:uuid;primaryKey"`
	AssetID string `gorm:"type:uuid;index"`
	Seller  string `gorm:"size:42"`
	Buyer   string `gorm:"size:42"`

	PriceCents         int64
	FeeCents           int64
	RequiredSignatures int
	BuyerSigned        bool
	PlatformSigned     bool
	BuyerPaidNative    string `gorm:"size:80"`

	DepositTx string `gorm:"size:66"`
	ReleaseTx string `gorm:"size:66"`
	RefundTx  string `gorm:"size:66"`

	Status      string `gorm:"size:32;index"`
	OpenedAt    int64
	CompletedAt int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// OpenTradeRecord claims an asset's single open-trade slot. The primary key
// on AssetID makes concurrent claims collide at the database.
type OpenTradeRecord struct {
	AssetID   string `gorm:"type:uuid;primaryKey"`
	TradeID   string `gorm:"type:uuid"`
	CreatedAt time.Time
}

// RefundRecord is the insert-once guard against double refunds.
type RefundRecord struct {
	AssetID   string `gorm:"type:uuid;primaryKey"`
	TxHash    string `gorm:"size:66"`
	Amount    string `gorm:"size:80"`
	CreatedAt time.Time
}

// IdempotencyRecord binds a client-supplied registration key to the asset
// it produced.
type IdempotencyRecord struct {
	Key       string `gorm:"size:128;primaryKey"`
	AssetID   string `gorm:"type:uuid"`
	CreatedAt time.Time
}

// UserRecord is a wallet-keyed account profile, display and access control
// only.
type UserRecord struct {
	Address         string `gorm:"size:42;primaryKey"`
	ReputationScore int
	TradeCount      int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

func userRecordFrom(u *settlement.User) *UserRecord {
	return &UserRecord{
		Address:         strings.ToLower(u.Address.Hex()),
		ReputationScore: u.ReputationScore,
		TradeCount:      u.TradeCount,
	}
}

func (r *UserRecord) toUser() *settlement.User {
	return &settlement.User{
		Address:         common.HexToAddress(r.Address),
		ReputationScore: r.ReputationScore,
		TradeCount:      r.TradeCount,
	}
}

func assetRecordFrom(a *settlement.Asset) *AssetRecord {
	return &AssetRecord{
		ID:                   a.ID,
		Owner:                strings.ToLower(a.Owner.Hex()),
		Company:              a.Company,
		Product:              a.Product,
		Category:             a.Category,
		ContractStart:        a.ContractStart,
		ContractPeriodMonths: a.ContractPeriodMonths,
		PaidPeriodMonths:     a.PaidPeriodMonths,
		AnnualPremiumCents:   a.AnnualPremiumCents,
		TotalPaidCents:       a.TotalPaidCents,
		Supplemental:         a.Supplemental,
		AIValueCents:         a.AIValueCents,
		RiskGrade:            a.RiskGrade,
		ConfidenceScore:      a.ConfidenceScore,
		Analysis:             a.Analysis,
		ConfirmedPriceCents:  a.ConfirmedPriceCents,
		Status:               string(a.Status),
		RegistrationTx:       a.RegistrationTx,
		RegisteredAt:         a.CreatedAt,
		SoldAt:               a.SoldAt,
	}
}

func (r *AssetRecord) toAsset() *settlement.Asset {
	return &settlement.Asset{
		ID:                   r.ID,
		Owner:                common.HexToAddress(r.Owner),
		Company:              r.Company,
		Product:              r.Product,
		Category:             r.Category,
		ContractStart:        r.ContractStart,
		ContractPeriodMonths: r.ContractPeriodMonths,
		PaidPeriodMonths:     r.PaidPeriodMonths,
		AnnualPremiumCents:   r.AnnualPremiumCents,
		TotalPaidCents:       r.TotalPaidCents,
		Supplemental:         r.Supplemental,
		AIValueCents:         r.AIValueCents,
		RiskGrade:            r.RiskGrade,
		ConfidenceScore:      r.ConfidenceScore,
		Analysis:             r.Analysis,
		ConfirmedPriceCents:  r.ConfirmedPriceCents,
		Status:               settlement.AssetStatus(r.Status),
		RegistrationTx:       r.RegistrationTx,
		CreatedAt:            r.RegisteredAt,
		SoldAt:               r.SoldAt,
	}
}

func tradeRecordFrom(t *settlement.Trade) *TradeRecord {
	paid := "0"
	if t.BuyerPaidNative != nil {
		paid = t.BuyerPaidNative.String()
	}
	return &TradeRecord{
		ID:                 t.ID,
		AssetID:            t.AssetID,
		Seller:             strings.ToLower(t.Seller.Hex()),
		Buyer:              strings.ToLower(t.Buyer.Hex()),
		PriceCents:         t.PriceCents,
		FeeCents:           t.FeeCents,
		RequiredSignatures: t.RequiredSignatures,
		BuyerSigned:        t.BuyerSigned,
		PlatformSigned:     t.PlatformSigned,
		BuyerPaidNative:    paid,
		DepositTx:          t.DepositTx,
		ReleaseTx:          t.ReleaseTx,
		RefundTx:           t.RefundTx,
		Status:             string(t.Status),
		OpenedAt:           t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}
}

func (r *TradeRecord) toTrade() (*settlement.Trade, error) {
	paid := new(big.Int)
	if strings.TrimSpace(r.BuyerPaidNative) != "" {
		if _, ok := paid.SetString(r.BuyerPaidNative, 10); !ok {
			return nil, fmt.Errorf("storage: trade %s: malformed paid amount %q", r.ID, r.BuyerPaidNative)
		}
	}
	return &settlement.Trade{
		ID:                 r.ID,
		AssetID:            r.AssetID,
		Seller:             common.HexToAddress(r.Seller),
		Buyer:              common.HexToAddress(r.Buyer),
		PriceCents:         r.PriceCents,
		FeeCents:           r.FeeCents,
		RequiredSignatures: r.RequiredSignatures,
		BuyerSigned:        r.BuyerSigned,
		PlatformSigned:     r.PlatformSigned,
		BuyerPaidNative:    paid,
		DepositTx:          r.DepositTx,
		ReleaseTx:          r.ReleaseTx,
		RefundTx:           r.RefundTx,
		Status:             settlement.TradeStatus(r.Status),
		CreatedAt:          r.OpenedAt,
		CompletedAt:        r.CompletedAt,
	}, nil
}
