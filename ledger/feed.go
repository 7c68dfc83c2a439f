package ledger

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const aggregatorABI = `[
  {"type":"function","name":"latestAnswer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"int256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`

// ContractCaller performs read-only contract calls.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// AggregatorFeed reads the latest price from an on-chain aggregator
// contract. It backs the oracle's fallback source when the REST provider
// is unreachable.
type AggregatorFeed struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI

	mu       sync.Mutex
	decimals uint8
	hasScale bool
}

// NewAggregatorFeed constructs the feed reader.
func NewAggregatorFeed(caller ContractCaller, address common.Address) (*AggregatorFeed, error) {
	if caller == nil {
		return nil, fmt.Errorf("ledger: contract caller required")
	}
	if address == (common.Address{}) {
		return nil, fmt.Errorf("ledger: feed address required")
	}
	parsed, err := abi.JSON(strings.NewReader(aggregatorABI))
	if err != nil {
		return nil, fmt.Errorf("ledger: parse aggregator abi: %w", err)
	}
	return &AggregatorFeed{caller: caller, address: address, abi: parsed}, nil
}

// LatestAnswer returns the current feed answer and its decimal scale. The
// scale is read on first use and cached for the lifetime of the feed.
func (f *AggregatorFeed) LatestAnswer(ctx context.Context) (*big.Int, uint8, error) {
	scale, err := f.scale(ctx)
	if err != nil {
		return nil, 0, err
	}
	var answer *big.Int
	if err := f.call(ctx, "latestAnswer", &answer); err != nil {
		return nil, 0, err
	}
	if answer == nil || answer.Sign() <= 0 {
		return nil, 0, fmt.Errorf("ledger: aggregator answer not positive")
	}
	return answer, scale, nil
}

func (f *AggregatorFeed) scale(ctx context.Context) (uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hasScale {
		return f.decimals, nil
	}
	var decimals uint8
	if err := f.call(ctx, "decimals", &decimals); err != nil {
		return 0, err
	}
	f.decimals = decimals
	f.hasScale = true
	return decimals, nil
}

func (f *AggregatorFeed) call(ctx context.Context, method string, out interface{}) error {
	data, err := f.abi.Pack(method)
	if err != nil {
		return fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	raw, err := f.caller.CallContract(ctx, ethereum.CallMsg{To: &f.address, Data: data}, nil)
	if err != nil {
		return fmt.Errorf("ledger: call %s: %w", method, err)
	}
	if err := f.abi.UnpackIntoInterface(out, method, raw); err != nil {
		return fmt.Errorf("ledger: unpack %s: %w", method, err)
	}
	return nil
}
