package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Marketplace executes the funds-moving operations of the settlement
// protocol against the on-chain marketplace contract. Every mutating
// method waits for the configured confirmation depth before returning;
// a returned hash therefore always refers to a finalised transaction.
type Marketplace struct {
	client        *EVMClient
	treasury      common.Address
	commissionBps *big.Int
}

// NewMarketplace wires the adapter. commissionBps is forwarded to the
// contract on release so fee splitting happens on chain.
func NewMarketplace(client *EVMClient, treasury common.Address, commissionBps int64) (*Marketplace, error) {
	if client == nil {
		return nil, fmt.Errorf("ledger: evm client required")
	}
	if treasury == (common.Address{}) {
		return nil, fmt.Errorf("ledger: treasury address required")
	}
	if commissionBps < 0 || commissionBps > 10_000 {
		return nil, fmt.Errorf("ledger: commission bps out of range: %d", commissionBps)
	}
	return &Marketplace{
		client:        client,
		treasury:      treasury,
		commissionBps: big.NewInt(commissionBps),
	}, nil
}

// TradeKey derives the bytes32 escrow identifier from a trade ID.
func TradeKey(tradeID string) [32]byte {
	var key [32]byte
	copy(key[:], gethcrypto.Keccak256([]byte(tradeID)))
	return key
}

// PayRegistrationFee transfers the registration fee to the treasury and
// waits for confirmation.
func (m *Marketplace) PayRegistrationFee(ctx context.Context, amount *big.Int) (string, error) {
	hash, err := m.client.SubmitPayment(ctx, m.treasury, amount)
	if err != nil {
		return "", err
	}
	if _, err := m.client.WaitForConfirmation(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// EscrowDeposit funds the trade's escrow slot with the supplied native
// amount.
func (m *Marketplace) EscrowDeposit(ctx context.Context, tradeID string, amount *big.Int) (string, error) {
	if amount == nil || amount.Sign() <= 0 {
		return "", fmt.Errorf("ledger: escrow amount must be positive")
	}
	hash, err := m.client.Call(ctx, "escrowDeposit", amount, TradeKey(tradeID))
	if err != nil {
		return "", err
	}
	if _, err := m.client.WaitForConfirmation(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// EscrowRelease pays the escrowed funds out to the seller, with the
// commission split applied by the contract.
func (m *Marketplace) EscrowRelease(ctx context.Context, tradeID string, to common.Address) (string, error) {
	hash, err := m.client.Call(ctx, "releaseFunds", nil, TradeKey(tradeID), to, m.commissionBps)
	if err != nil {
		return "", err
	}
	if _, err := m.client.WaitForConfirmation(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// EscrowRefund returns the escrowed funds to the buyer in full.
func (m *Marketplace) EscrowRefund(ctx context.Context, tradeID string, to common.Address) (string, error) {
	hash, err := m.client.Call(ctx, "refundEscrow", nil, TradeKey(tradeID), to)
	if err != nil {
		return "", err
	}
	if _, err := m.client.WaitForConfirmation(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

// EscrowBalance reads the native amount currently held for the trade.
func (m *Marketplace) EscrowBalance(ctx context.Context, tradeID string) (*big.Int, error) {
	var balance *big.Int
	if err := m.client.ReadState(ctx, "escrowBalance", &balance, TradeKey(tradeID)); err != nil {
		return nil, err
	}
	if balance == nil {
		balance = new(big.Int)
	}
	return balance, nil
}

// Balance reads the on-chain balance of an arbitrary address.
func (m *Marketplace) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return m.client.BalanceAt(ctx, addr)
}
