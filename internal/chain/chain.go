package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

// Only the read-only part of the Safe (team edition) interface is needed here.
const safeABI = `[
	{"constant":true,"inputs":[{"name":"","type":"bytes32"},{"name":"","type":"address"}],"name":"isApproved","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"view","type":"function"},
	{"constant":true,"inputs":[{"name":"","type":"bytes32"}],"name":"isExecuted","outputs":[{"name":"","type":"bool"}],"payable":false,"stateMutability":"view","type":"function"}
]`

type ClientOpts struct {
	Endpoint    string
	CallTimeout time.Duration
	Logger      *slog.Logger
}

func NewClient(opts ClientOpts) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	client, err := ethclient.Dial(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ethereum node: %w", err)
	}

	parsedABI, err := ParseSafeABI()
	if err != nil {
		return nil, err
	}

	return &Client{
		eth:         client,
		safeABI:     parsedABI,
		callTimeout: opts.CallTimeout,
		logger:      opts.Logger,
	}, nil
}

func ParseSafeABI() (abi.ABI, error) {
	parsed, err := abi.JSON(strings.NewReader(safeABI))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse safe abi: %w", err)
	}
	return parsed, nil
}

func (c *Client) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(ctx, txHash)
}

func (c *Client) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionByHash(ctx, hash)
}

func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.HeaderByNumber(ctx, number)
}

// IsApproved reads isApproved(contractTxHash, owner) from the safe at safeAddress.
func (c *Client) IsApproved(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash, owner common.Address) (bool, error) {
	return c.callBool(ctx, safeAddress, "isApproved", [32]byte(contractTxHash), owner)
}

// IsExecuted reads isExecuted(contractTxHash) from the safe at safeAddress.
func (c *Client) IsExecuted(ctx context.Context, safeAddress common.Address, contractTxHash common.Hash) (bool, error) {
	return c.callBool(ctx, safeAddress, "isExecuted", [32]byte(contractTxHash))
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) callBool(ctx context.Context, safeAddress common.Address, method string, params ...interface{}) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	contract := bind.NewBoundContract(safeAddress, c.safeABI, c.eth, nil, nil)

	var out []interface{}
	if err := contract.Call(&bind.CallOpts{Context: ctx}, &out, method, params...); err != nil {
		return false, fmt.Errorf("failed to call %s on safe %s: %w", method, safeAddress.Hex(), err)
	}
	if len(out) != 1 {
		return false, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}

	result, ok := out[0].(bool)
	if !ok {
		return false, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}

	c.logger.Debug("safe call", "method", method, "safe", safeAddress.Hex(), "result", result)

	return result, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

type Client struct {
	eth         *ethclient.Client
	safeABI     abi.ABI
	callTimeout time.Duration
	logger      *slog.Logger
}
