// Package chain adapts an Ethereum JSON-RPC node to the engine's oracle,
// ledger, fee state and executor interfaces.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/troveline/trove-engine/internal/protocol"
)

// Backend is the subset of the Ethereum RPC the engine uses.
// *ethclient.Client satisfies it.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
}

// Dial connects to an RPC endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("chain: rpc endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Client reads protocol state through view calls against one deployment.
// It implements hint.Oracle, txn.Ledger and fees.State.
type Client struct {
	backend    Backend
	deployment *protocol.Deployment
}

// NewClient creates a reader for deployment over backend.
func NewClient(backend Backend, d *protocol.Deployment) *Client {
	return &Client{backend: backend, deployment: d}
}

// call packs method, runs it against the latest block and unpacks the result.
func (c *Client) call(ctx context.Context, contract string, def abi.ABI, method string, args ...interface{}) ([]interface{}, error) {
	data, err := def.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s.%s: %w", contract, method, err)
	}
	to := c.deployment.Address(contract)
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s.%s: %w", contract, method, err)
	}
	values, err := def.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s.%s: %w", contract, method, err)
	}
	return values, nil
}

func (c *Client) callUint(ctx context.Context, contract string, def abi.ABI, method string, args ...interface{}) (*big.Int, error) {
	values, err := c.call(ctx, contract, def, method, args...)
	if err != nil {
		return nil, err
	}
	n, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("chain: %s.%s returned %T", contract, method, values[0])
	}
	return n, nil
}

func (c *Client) callAddress(ctx context.Context, contract string, def abi.ABI, method string, args ...interface{}) (common.Address, error) {
	values, err := c.call(ctx, contract, def, method, args...)
	if err != nil {
		return common.Address{}, err
	}
	a, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("chain: %s.%s returned %T", contract, method, values[0])
	}
	return a, nil
}
