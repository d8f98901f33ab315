package relayer

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	testFeeToken     = common.HexToAddress("0x00000000000000000000000000000000000000f1")
	testUSDCToken    = common.HexToAddress("0x00000000000000000000000000000000000000f2")
	testWrappedToken = common.HexToAddress("0x00000000000000000000000000000000000000e0")
	testProxy        = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

func newTestNetwork() *Network {
	return &Network{
		Chain:   testChain,
		Name:    "testnet",
		GasType: GasTypeEIP1559,
		GasToken: GasToken{
			Symbol:                    "ETH",
			Decimals:                  18,
			WrappedAddress:            testWrappedToken,
			MinBalanceForAvailability: big.NewInt(1e17),
		},
		Fees: FeePolicy{
			SlippageBuffer:            0.05,
			ProfitMargin:              0.05,
			GasEstimateVarianceBuffer: 0.1,
		},
		PriceTTL:      time.Minute,
		ProxyContract: testProxy,
		Tokens: map[common.Address]Token{
			testFeeToken:  {Address: testFeeToken, Symbol: "DAI", Decimals: 18},
			testUSDCToken: {Address: testUSDCToken, Symbol: "USDC", Decimals: 6},
		},
	}
}

type fakeGasEstimator struct {
	details *GasDetails
	err     error
}

func (f *fakeGasEstimator) EstimateGasDetails(ctx context.Context, network *Network, tx TxRequest, minGasPrice *big.Int) (*GasDetails, error) {
	if f.err != nil {
		return nil, f.err
	}
	d := *f.details
	return &d, nil
}

// fakeProvider is an in-memory ChainProvider.
type fakeProvider struct {
	mu sync.Mutex

	gasEstimate  uint64
	gasPrice     *big.Int
	tipCap       *big.Int
	baseFee      *big.Int
	balances     map[common.Address]*big.Int
	pendingNonce map[common.Address]uint64
	latestNonce  map[common.Address]uint64
	receipts     map[common.Hash]*types.Receipt
	sent         []*types.Transaction

	estimateErr   error
	estimateFrom  common.Address
	balanceErr    map[common.Address]error
	sendErr       error
	callDelay     time.Duration
	balanceCalls  int
	mineOnSend    bool
	receiptOnSend bool
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		gasEstimate:  100_000,
		gasPrice:     big.NewInt(20e9),
		tipCap:       big.NewInt(1e9),
		baseFee:      big.NewInt(10e9),
		balances:     make(map[common.Address]*big.Int),
		pendingNonce: make(map[common.Address]uint64),
		latestNonce:  make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*types.Receipt),
		balanceErr:   make(map[common.Address]error),
	}
}

func (p *fakeProvider) delay(ctx context.Context) error {
	p.mu.Lock()
	d := p.callDelay
	p.mu.Unlock()
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *fakeProvider) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if err := p.delay(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.estimateFrom = msg.From
	if p.estimateErr != nil {
		return 0, p.estimateErr
	}
	return p.gasEstimate, nil
}

func (p *fakeProvider) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.gasPrice), nil
}

func (p *fakeProvider) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return new(big.Int).Set(p.tipCap), nil
}

func (p *fakeProvider) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &types.Header{Number: big.NewInt(100), BaseFee: p.baseFee}, nil
}

func (p *fakeProvider) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if err := p.delay(ctx); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingNonce[account], nil
}

func (p *fakeProvider) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latestNonce[account], nil
}

func (p *fakeProvider) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	if err := p.delay(ctx); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balanceCalls++
	if err := p.balanceErr[account]; err != nil {
		return nil, err
	}
	b, ok := p.balances[account]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(b), nil
}

func (p *fakeProvider) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, tx)
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	if tx.Nonce()+1 > p.pendingNonce[from] {
		p.pendingNonce[from] = tx.Nonce() + 1
	}
	if p.mineOnSend {
		p.latestNonce[from] = p.pendingNonce[from]
	}
	if p.receiptOnSend {
		p.receipts[tx.Hash()] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
	}
	return nil
}

func (p *fakeProvider) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	return r, nil
}

func (p *fakeProvider) sentTransactions() []*types.Transaction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*types.Transaction(nil), p.sent...)
}

func (p *fakeProvider) setBalance(address common.Address, balance *big.Int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balances[address] = balance
}

func (p *fakeProvider) setNonces(address common.Address, pending, latest uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pendingNonce[address] = pending
	p.latestNonce[address] = latest
}

var errFakeProvider = errors.New("fake provider failure")
