package ledger

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

var (
	contractAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	treasuryAddr = common.HexToAddress("0x00000000000000000000000000000000000000bb")
)

type fakeBackend struct {
	chainID  *big.Int
	code     []byte
	nonce    uint64
	gasPrice *big.Int
	head     *big.Int

	sent       []*gethtypes.Transaction
	receipts   map[common.Hash]*gethtypes.Receipt
	callResult []byte
	sendErr    error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		chainID:  big.NewInt(1337),
		code:     []byte{0x60, 0x60},
		gasPrice: big.NewInt(1_000_000_000),
		head:     big.NewInt(100),
		receipts: make(map[common.Hash]*gethtypes.Receipt),
	}
}

func (b *fakeBackend) ChainID(context.Context) (*big.Int, error) { return b.chainID, nil }

func (b *fakeBackend) CodeAt(context.Context, common.Address, *big.Int) ([]byte, error) {
	return b.code, nil
}

func (b *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return b.nonce, nil
}

func (b *fakeBackend) SuggestGasPrice(context.Context) (*big.Int, error) { return b.gasPrice, nil }

func (b *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 80_000, nil
}

func (b *fakeBackend) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	if b.sendErr != nil {
		return b.sendErr
	}
	b.sent = append(b.sent, tx)
	b.receipts[tx.Hash()] = &gethtypes.Receipt{
		Status:      gethtypes.ReceiptStatusSuccessful,
		TxHash:      tx.Hash(),
		BlockNumber: new(big.Int).Set(b.head),
	}
	return nil
}

func (b *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	receipt, ok := b.receipts[hash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return receipt, nil
}

func (b *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: new(big.Int).Set(b.head)}, nil
}

func (b *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return b.callResult, nil
}

func (b *fakeBackend) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return big.NewInt(5_000_000), nil
}

func newTestClient(t *testing.T, backend *fakeBackend) *EVMClient {
	t.Helper()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewEVMClient(context.Background(), backend, key, contractAddr,
		WithPollInterval(time.Millisecond))
	require.NoError(t, err)
	return client
}

func TestNewEVMClientRejectsEmptyContract(t *testing.T) {
	backend := newFakeBackend()
	backend.code = nil
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = NewEVMClient(context.Background(), backend, key, contractAddr)
	require.ErrorIs(t, err, ErrNoContractCode)
}

func TestTradeKeyIsDeterministic(t *testing.T) {
	first := TradeKey("3f0b5a51-4a58-4d47-9d33-6a1d1b6b0001")
	second := TradeKey("3f0b5a51-4a58-4d47-9d33-6a1d1b6b0001")
	other := TradeKey("3f0b5a51-4a58-4d47-9d33-6a1d1b6b0002")
	require.Equal(t, first, second)
	require.NotEqual(t, first, other)
}

func TestPayRegistrationFeeSignsAndConfirms(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	market, err := NewMarketplace(client, treasuryAddr, 250)
	require.NoError(t, err)

	hash, err := market.PayRegistrationFee(context.Background(), big.NewInt(1_000))
	require.NoError(t, err)
	require.NotEmpty(t, hash)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, treasuryAddr, *tx.To())
	require.Zero(t, tx.Value().Cmp(big.NewInt(1_000)))
	require.Equal(t, uint64(paymentGasLimit), tx.Gas())
}

func TestEscrowDepositCarriesValueAndTradeKey(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)
	market, err := NewMarketplace(client, treasuryAddr, 250)
	require.NoError(t, err)

	tradeID := "3f0b5a51-4a58-4d47-9d33-6a1d1b6b0001"
	_, err = market.EscrowDeposit(context.Background(), tradeID, big.NewInt(42))
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	require.Equal(t, contractAddr, *tx.To())
	require.Zero(t, tx.Value().Cmp(big.NewInt(42)))
	key := TradeKey(tradeID)
	require.Contains(t, string(tx.Data()), string(key[:]))
}

func TestWaitForConfirmationSurfacesRevert(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	hash, err := client.SubmitPayment(context.Background(), treasuryAddr, big.NewInt(10))
	require.NoError(t, err)
	backend.receipts[hash].Status = gethtypes.ReceiptStatusFailed

	_, err = client.WaitForConfirmation(context.Background(), hash)
	require.ErrorIs(t, err, ErrRejected)
	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	require.Equal(t, hash.Hex(), rejected.TxHash)
}

func TestWaitForConfirmationHonoursDepth(t *testing.T) {
	backend := newFakeBackend()
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	client, err := NewEVMClient(context.Background(), backend, key, contractAddr,
		WithPollInterval(time.Millisecond), WithConfirmations(5))
	require.NoError(t, err)

	hash, err := client.SubmitPayment(context.Background(), treasuryAddr, big.NewInt(10))
	require.NoError(t, err)
	// Mined at head 100; depth 5 needs head 104.
	backend.receipts[hash].BlockNumber = big.NewInt(100)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.WaitForConfirmation(ctx, hash)
	require.ErrorIs(t, err, ErrNotConfirmed)

	backend.head = big.NewInt(104)
	receipt, err := client.WaitForConfirmation(context.Background(), hash)
	require.NoError(t, err)
	require.Equal(t, gethtypes.ReceiptStatusSuccessful, receipt.Status)
}

func TestEscrowBalanceDecodesUint256(t *testing.T) {
	backend := newFakeBackend()
	backend.callResult = common.LeftPadBytes(big.NewInt(777).Bytes(), 32)
	client := newTestClient(t, backend)
	market, err := NewMarketplace(client, treasuryAddr, 250)
	require.NoError(t, err)

	balance, err := market.EscrowBalance(context.Background(), "3f0b5a51-4a58-4d47-9d33-6a1d1b6b0001")
	require.NoError(t, err)
	require.Zero(t, balance.Cmp(big.NewInt(777)))
}

func TestAggregatorFeedReadsAnswerAndScale(t *testing.T) {
	backend := newFakeBackend()
	feed, err := NewAggregatorFeed(backend, contractAddr)
	require.NoError(t, err)

	// The scale is read once, then cached for answer reads.
	backend.callResult = common.LeftPadBytes(big.NewInt(8).Bytes(), 32)
	scale, err := feed.scale(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(8), scale)

	backend.callResult = common.LeftPadBytes(big.NewInt(337_541_000_000).Bytes(), 32)
	price, decimals, err := feed.LatestAnswer(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint8(8), decimals)
	require.Zero(t, price.Cmp(big.NewInt(337_541_000_000)))
}

func TestMarketplaceValidatesConfig(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	_, err := NewMarketplace(nil, treasuryAddr, 250)
	require.Error(t, err)
	_, err = NewMarketplace(client, common.Address{}, 250)
	require.Error(t, err)
	_, err = NewMarketplace(client, treasuryAddr, 20_000)
	require.Error(t, err)
}

func TestSubmitPaymentRejectsNonPositiveAmount(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend)

	_, err := client.SubmitPayment(context.Background(), treasuryAddr, big.NewInt(0))
	require.Error(t, err)
	_, err = client.SubmitPayment(context.Background(), treasuryAddr, nil)
	require.Error(t, err)
}
