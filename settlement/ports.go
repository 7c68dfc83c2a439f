package settlement

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// AssetFilter narrows ListAssets results. Zero values match everything.
type AssetFilter struct {
	Status AssetStatus
	Owner  common.Address
}

// Store is the durable mirror of protocol state. Implementations must make
// CreateOpenTrade atomic so one asset never carries two open trades, and
// RecordRefund insert-once so a refund is never paid twice.
type Store interface {
	UpsertAsset(ctx context.Context, asset *Asset) error
	GetAsset(ctx context.Context, id string) (*Asset, error)
	ListAssets(ctx context.Context, filter AssetFilter) ([]*Asset, error)

	UpsertTrade(ctx context.Context, trade *Trade) error
	GetTrade(ctx context.Context, id string) (*Trade, error)

	// CompletedTradeForAsset returns the trade that sold the asset, or
	// ErrNotFound when the asset never completed a trade.
	CompletedTradeForAsset(ctx context.Context, assetID string) (*Trade, error)

	// CreateOpenTrade persists the trade and claims its asset's open-trade
	// slot in one transaction. ErrAssetNotAvailable when the slot is taken.
	CreateOpenTrade(ctx context.Context, trade *Trade) error
	// ReleaseOpenTrade frees the asset's slot once its trade terminates.
	ReleaseOpenTrade(ctx context.Context, assetID string) error

	// RecordRefund durably marks the asset as refunded. ErrAlreadyProcessed
	// when a record already exists.
	RecordRefund(ctx context.Context, assetID, txHash string, amount *big.Int) error
	RefundRecorded(ctx context.Context, assetID string) (bool, error)

	// ReserveIdempotencyKey claims the key for the given asset. When the key
	// was already claimed it returns the original asset ID and
	// ErrAlreadyProcessed.
	ReserveIdempotencyKey(ctx context.Context, key, assetID string) (string, error)
	// ReleaseIdempotencyKey drops a reservation whose registration did not
	// complete, so the client's retry is not stuck replaying a ghost asset.
	ReleaseIdempotencyKey(ctx context.Context, key string) error

	// GetUser returns the profile for the address, or ErrNotFound.
	GetUser(ctx context.Context, addr common.Address) (*User, error)
	UpsertUser(ctx context.Context, user *User) error
}

// Ledger abstracts the funds-moving operations of the on-chain marketplace
// contract. The funding model is custodial: every transaction is signed and
// submitted by the process signer on behalf of the caller, so Balance reads
// the caller's account and operations refuse to front more than the caller
// holds. Returned hashes refer to confirmed transactions.
type Ledger interface {
	PayRegistrationFee(ctx context.Context, amount *big.Int) (string, error)
	EscrowDeposit(ctx context.Context, tradeID string, amount *big.Int) (string, error)
	EscrowRelease(ctx context.Context, tradeID string, to common.Address) (string, error)
	EscrowRefund(ctx context.Context, tradeID string, to common.Address) (string, error)
	EscrowBalance(ctx context.Context, tradeID string) (*big.Int, error)
	Balance(ctx context.Context, addr common.Address) (*big.Int, error)
}

// Rates converts fiat cent amounts into ledger smallest units at the
// current oracle quote.
type Rates interface {
	FiatCentsToNative(ctx context.Context, cents int64) (*big.Int, error)
}
