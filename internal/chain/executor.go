package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/troveline/trove-engine/internal/txn"
)

var (
	// ErrNoSigner is returned by Submit when the executor is read-only.
	ErrNoSigner = errors.New("chain: no signing key configured")

	// ErrSignerMismatch is returned when a call's sender is not the signer.
	ErrSignerMismatch = errors.New("chain: call sender does not match signing key")
)

// Executor estimates, signs and submits EIP-1559 transactions and reports
// their inclusion. It implements txn.Executor.
type Executor struct {
	backend Backend
	chainID *big.Int
	key     *ecdsa.PrivateKey

	// Confirmations is how many blocks, including the inclusion block, a
	// receipt needs before it is reported. 0 and 1 both mean "included".
	Confirmations uint64
}

// NewExecutor creates an executor. A nil key gives a read-only executor that
// can estimate and poll but not submit.
func NewExecutor(backend Backend, chainID uint64, key *ecdsa.PrivateKey) *Executor {
	return &Executor{backend: backend, chainID: new(big.Int).SetUint64(chainID), key: key}
}

// ParseKey decodes a hex private key, with or without 0x.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, nil
	}
	key, err := gethcrypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, fmt.Errorf("chain: parse signing key: %w", err)
	}
	return key, nil
}

// Signer is the address transactions are sent from, or zero when read-only.
func (e *Executor) Signer() common.Address {
	if e.key == nil {
		return common.Address{}
	}
	return gethcrypto.PubkeyToAddress(e.key.PublicKey)
}

func callMsg(call txn.Call) ethereum.CallMsg {
	to := call.To
	return ethereum.CallMsg{From: call.From, To: &to, Data: call.Data, Value: call.Value}
}

func (e *Executor) EstimateGas(ctx context.Context, call txn.Call) (uint64, error) {
	gas, err := e.backend.EstimateGas(ctx, callMsg(call))
	if err != nil {
		return 0, fmt.Errorf("chain: estimate gas: %w", err)
	}
	return gas, nil
}

// Submit signs call as a dynamic-fee transaction with a fee cap of twice the
// current base fee plus the suggested tip, and broadcasts it.
func (e *Executor) Submit(ctx context.Context, call txn.Call, gasLimit uint64) (common.Hash, error) {
	if e.key == nil {
		return common.Hash{}, ErrNoSigner
	}
	from := e.Signer()
	if call.From != (common.Address{}) && call.From != from {
		return common.Hash{}, fmt.Errorf("%w: call from %s, signer %s", ErrSignerMismatch, call.From.Hex(), from.Hex())
	}

	nonce, err := e.backend.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: fetch nonce: %w", err)
	}
	tip, err := e.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := e.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   e.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &to,
		Value:     value,
		Data:      call.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return common.Hash{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, fmt.Errorf("chain: send: %w", err)
	}
	return signed.Hash(), nil
}

// PollInclusion returns nil while the transaction is unknown to the node or
// short of the required confirmations.
func (e *Executor) PollInclusion(ctx context.Context, hash common.Hash) (*txn.Receipt, error) {
	receipt, err := e.backend.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return nil, nil
	}

	if e.Confirmations > 1 {
		head, err := e.backend.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, fmt.Errorf("chain: fetch head: %w", err)
		}
		if head == nil || head.Number == nil || head.Number.Cmp(receipt.BlockNumber) < 0 {
			return nil, nil
		}
		confirmed := new(big.Int).Sub(head.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(e.Confirmations)) < 0 {
			return nil, nil
		}
	}

	return &txn.Receipt{
		Hash:        hash,
		Succeeded:   receipt.Status == gethtypes.ReceiptStatusSuccessful,
		GasUsed:     receipt.GasUsed,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}
