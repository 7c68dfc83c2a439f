package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// marketplaceABI covers the settlement contract surface used by the
// daemon: escrow funding, release, refund and balance reads.
const marketplaceABI = `[
  {"type":"function","name":"escrowDeposit","stateMutability":"payable","inputs":[{"name":"tradeKey","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"releaseFunds","stateMutability":"nonpayable","inputs":[{"name":"tradeKey","type":"bytes32"},{"name":"to","type":"address"},{"name":"commissionBps","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"refundEscrow","stateMutability":"nonpayable","inputs":[{"name":"tradeKey","type":"bytes32"},{"name":"to","type":"address"}],"outputs":[]},
  {"type":"function","name":"escrowBalance","stateMutability":"view","inputs":[{"name":"tradeKey","type":"bytes32"}],"outputs":[{"name":"","type":"uint256"}]}
]`

const paymentGasLimit = 21_000

// backend is the subset of the Ethereum RPC surface the client depends on.
type backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// EVMClient submits signed value-transfer and contract calls to an
// EVM-compatible chain and confirms their finality.
type EVMClient struct {
	backend       backend
	key           *ecdsa.PrivateKey
	from          common.Address
	chainID       *big.Int
	contract      common.Address
	abi           abi.ABI
	confirmations uint64
	pollInterval  time.Duration
}

// Option customises the client.
type Option func(*EVMClient)

// WithConfirmations sets the confirmation depth required by
// WaitForConfirmation.
func WithConfirmations(n uint64) Option {
	return func(c *EVMClient) { c.confirmations = n }
}

// WithPollInterval sets the receipt polling cadence.
func WithPollInterval(d time.Duration) Option {
	return func(c *EVMClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// DialEVM connects to the endpoint, verifies the settlement contract is
// deployed and returns a ready client.
func DialEVM(ctx context.Context, endpoint, privateKeyHex string, contract common.Address, opts ...Option) (*EVMClient, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("ledger: rpc endpoint required")
	}
	rpc, err := ethclient.DialContext(ctx, trimmed)
	if err != nil {
		return nil, fmt.Errorf("ledger: dial %s: %w", trimmed, err)
	}
	key, err := gethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse signing key: %w", err)
	}
	return NewEVMClient(ctx, rpc, key, contract, opts...)
}

// NewEVMClient wires the client over an existing backend. Primarily used
// by DialEVM and tests.
func NewEVMClient(ctx context.Context, be backend, key *ecdsa.PrivateKey, contract common.Address, opts ...Option) (*EVMClient, error) {
	if be == nil {
		return nil, fmt.Errorf("ledger: backend required")
	}
	if key == nil {
		return nil, fmt.Errorf("ledger: signing key required")
	}
	chainID, err := be.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: fetch chain id: %w", err)
	}
	parsed, err := abi.JSON(strings.NewReader(marketplaceABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse abi: %w", err)
	}
	code, err := be.CodeAt(ctx, contract, nil)
	if err != nil {
		return nil, fmt.Errorf("ledger: probe contract: %w", err)
	}
	if len(code) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoContractCode, contract.Hex())
	}
	client := &EVMClient{
		backend:       be,
		key:           key,
		from:          gethcrypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		contract:      contract,
		abi:           parsed,
		confirmations: 1,
		pollInterval:  2 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// From returns the signing address.
func (c *EVMClient) From() common.Address { return c.from }

// SubmitPayment sends a plain value transfer and returns the transaction
// hash without waiting for inclusion.
func (c *EVMClient) SubmitPayment(ctx context.Context, to common.Address, amount *big.Int) (common.Hash, error) {
	if amount == nil || amount.Sign() <= 0 {
		return common.Hash{}, fmt.Errorf("ledger: payment amount must be positive")
	}
	return c.send(ctx, &to, amount, paymentGasLimit, nil)
}

// Call submits a state-mutating contract call, optionally carrying value.
func (c *EVMClient) Call(ctx context.Context, method string, value *big.Int, args ...interface{}) (common.Hash, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	msg := ethereum.CallMsg{From: c.from, To: &c.contract, Value: value, Data: data}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: estimate %s: %w", method, err)
	}
	return c.send(ctx, &c.contract, value, gas, data)
}

// ReadState performs a view call against the settlement contract and
// unpacks the result into out.
func (c *EVMClient) ReadState(ctx context.Context, method string, out interface{}, args ...interface{}) error {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("ledger: call %s: %w", method, err)
	}
	if err := c.abi.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return nil
}

// WaitForConfirmation polls until the transaction is mined at the
// configured depth. A failed receipt surfaces the revert as a
// RejectedError and is never retried here.
func (c *EVMClient) WaitForConfirmation(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		receipt, err := c.backend.TransactionReceipt(ctx, txHash)
		switch {
		case err == nil && receipt != nil:
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return nil, &RejectedError{TxHash: txHash.Hex(), Reason: "execution reverted"}
			}
			confirmed, err := c.confirmedDepth(ctx, receipt)
			if err != nil {
				return nil, err
			}
			if confirmed {
				return receipt, nil
			}
		case errors.Is(err, ethereum.NotFound):
			// Not mined yet, keep polling.
		case err != nil:
			return nil, fmt.Errorf("ledger: fetch receipt: %w", err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", ErrNotConfirmed, txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// CallContract exposes raw view calls for collaborators such as the
// aggregator feed reader.
func (c *EVMClient) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return c.backend.CallContract(ctx, msg, blockNumber)
}

// BalanceAt reads the current balance of the address.
func (c *EVMClient) BalanceAt(ctx context.Context, addr common.Address) (*big.Int, error) {
	return c.backend.BalanceAt(ctx, addr, nil)
}

// SuggestFee returns the current gas price for fee estimation.
func (c *EVMClient) SuggestFee(ctx context.Context) (*big.Int, error) {
	return c.backend.SuggestGasPrice(ctx)
}

func (c *EVMClient) confirmedDepth(ctx context.Context, receipt *gethtypes.Receipt) (bool, error) {
	if c.confirmations <= 1 {
		return true, nil
	}
	header, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ledger: fetch head: %w", err)
	}
	if header == nil || header.Number == nil || receipt.BlockNumber == nil {
		return false, fmt.Errorf("ledger: block metadata unavailable")
	}
	depth := new(big.Int).Sub(header.Number, receipt.BlockNumber)
	depth.Add(depth, big.NewInt(1))
	return depth.Cmp(new(big.Int).SetUint64(c.confirmations)) >= 0, nil
}

func (c *EVMClient) send(ctx context.Context, to *common.Address, value *big.Int, gas uint64, data []byte) (common.Hash, error) {
	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: fetch nonce: %w", err)
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: suggest gas price: %w", err)
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		To:       to,
		Value:    value,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("ledger: send transaction: %w", err)
	}
	return signed.Hash(), nil
}
