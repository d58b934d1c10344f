package reconciler

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// fakeChain mimics a node serving one Safe: approvals are recorded per
// contract transaction hash and execution needs threshold approvals.
type fakeChain struct {
	mu        sync.Mutex
	safe      common.Address
	threshold int
	head      uint64
	nextHash  int64
	receipts  map[common.Hash]*types.Receipt
	pending   map[common.Hash]struct{}
	approvals map[common.Hash]map[common.Address]bool
	executed  map[common.Hash]bool
	failWith  error
}

func newFakeChain(safe common.Address, threshold int) *fakeChain {
	return &fakeChain{
		safe:      safe,
		threshold: threshold,
		head:      100,
		nextHash:  1,
		receipts:  make(map[common.Hash]*types.Receipt),
		pending:   make(map[common.Hash]struct{}),
		approvals: make(map[common.Hash]map[common.Address]bool),
		executed:  make(map[common.Hash]bool),
	}
}

func (c *fakeChain) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return nil, c.failWith
	}
	receipt, ok := c.receipts[txHash]
	if !ok {
		return nil, ethereum.NotFound
	}
	copied := *receipt
	return &copied, nil
}

func (c *fakeChain) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return nil, false, c.failWith
	}
	if _, ok := c.pending[hash]; ok {
		return types.NewTx(&types.LegacyTx{}), true, nil
	}
	if _, ok := c.receipts[hash]; ok {
		return types.NewTx(&types.LegacyTx{}), false, nil
	}
	return nil, false, ethereum.NotFound
}

func (c *fakeChain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return 0, c.failWith
	}
	return c.head, nil
}

func (c *fakeChain) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return nil, c.failWith
	}
	return &types.Header{Number: new(big.Int).Set(number), Time: blockTime(number.Uint64())}, nil
}

func (c *fakeChain) IsApproved(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash, owner common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return false, c.failWith
	}
	if safeAddress != c.safe {
		return false, nil
	}
	return c.approvals[contractTxHash][owner], nil
}

func (c *fakeChain) IsExecuted(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failWith != nil {
		return false, c.failWith
	}
	if safeAddress != c.safe {
		return false, nil
	}
	return c.executed[contractTxHash], nil
}

// approve mines an approveTransactionWithParameters call from owner.
func (c *fakeChain) approve(owner common.Address, contractTxHash common.Hash) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.approvals[contractTxHash] == nil {
		c.approvals[contractTxHash] = make(map[common.Address]bool)
	}
	c.approvals[contractTxHash][owner] = true
	return c.mine(types.ReceiptStatusSuccessful)
}

// execute mines an execTransactionIfApproved call from sender. The sender's
// own approval counts and a successful execution clears every approval for
// the hash, as on the contract.
func (c *fakeChain) execute(sender common.Address, contractTxHash common.Hash) common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for owner, ok := range c.approvals[contractTxHash] {
		if ok && owner != sender {
			count++
		}
	}
	count++

	if count < c.threshold || c.executed[contractTxHash] {
		return c.mine(types.ReceiptStatusFailed)
	}
	c.executed[contractTxHash] = true
	delete(c.approvals, contractTxHash)
	return c.mine(types.ReceiptStatusSuccessful)
}

// reverted mines a call that failed.
func (c *fakeChain) reverted() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mine(types.ReceiptStatusFailed)
}

// submit leaves a transaction in the mempool.
func (c *fakeChain) submit() common.Hash {
	c.mu.Lock()
	defer c.mu.Unlock()

	hash := c.newHash()
	c.pending[hash] = struct{}{}
	return hash
}

// include mines a previously submitted approval.
func (c *fakeChain) include(hash common.Hash, owner common.Address, contractTxHash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, hash)
	if c.approvals[contractTxHash] == nil {
		c.approvals[contractTxHash] = make(map[common.Address]bool)
	}
	c.approvals[contractTxHash][owner] = true
	c.head++
	c.receipts[hash] = &types.Receipt{
		TxHash:      hash,
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
}

// reorg drops a mined transaction and the state it produced.
func (c *fakeChain) reorg(hash common.Hash, owner common.Address, contractTxHash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.receipts, hash)
	delete(c.approvals[contractTxHash], owner)
	delete(c.executed, contractTxHash)
}

func (c *fakeChain) setFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failWith = err
}

func (c *fakeChain) blockNumber() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

func (c *fakeChain) mine(status uint64) common.Hash {
	c.head++
	hash := c.newHash()
	c.receipts[hash] = &types.Receipt{
		TxHash:      hash,
		Status:      status,
		BlockNumber: new(big.Int).SetUint64(c.head),
	}
	return hash
}

func (c *fakeChain) newHash() common.Hash {
	c.nextHash++
	return common.BigToHash(big.NewInt(0xabcdef00 + c.nextHash))
}

func blockTime(number uint64) uint64 {
	return 1525000000 + number*15
}
