// Package txn turns hints and redemption plans into submittable contract
// calls and tracks each call through populate, send and inclusion.
package txn

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
)

var (
	// ErrAlreadySent is returned by a second Send on the same transaction.
	ErrAlreadySent = errors.New("txn: transaction already sent")

	// ErrNotSent is returned by WaitForReceipt before Send, while Send is
	// in flight, and after a submission the node rejected.
	ErrNotSent = errors.New("txn: transaction not sent")

	// ErrNotPopulated is returned by Send on a transaction that was never
	// populated.
	ErrNotPopulated = errors.New("txn: transaction not populated")
)

// Kind names the contract operation a transaction performs.
type Kind string

const (
	KindOpen   Kind = "open"
	KindAdjust Kind = "adjust"
	KindClose  Kind = "close"
	KindRedeem Kind = "redeem"
)

// Call is an unsigned contract call.
type Call struct {
	From  common.Address `json:"from"`
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *big.Int       `json:"value,omitempty"`
}

// Receipt is the inclusion result of a sent transaction.
type Receipt struct {
	Hash        common.Hash `json:"hash"`
	Succeeded   bool        `json:"succeeded"`
	GasUsed     uint64      `json:"gas_used"`
	BlockNumber uint64      `json:"block_number"`
}

// Executor submits calls and reports their inclusion.
type Executor interface {
	EstimateGas(ctx context.Context, call Call) (uint64, error)
	Submit(ctx context.Context, call Call, gasLimit uint64) (common.Hash, error)

	// PollInclusion returns a nil receipt while the transaction is pending.
	PollInclusion(ctx context.Context, hash common.Hash) (*Receipt, error)
}

// Observer is notified after every lifecycle transition. Notifications for
// one transaction arrive in order, one at a time, outside its lock.
type Observer func(model.TxRecord)

// DefaultPollInterval is how often WaitForReceipt polls for inclusion.
const DefaultPollInterval = 4 * time.Second

// PopulatedTx is a transaction ready to send. Its fields describe the call
// and are fixed at populate time; the lifecycle state is guarded by mu.
type PopulatedTx struct {
	ID          string         `json:"id"`
	Kind        Kind           `json:"kind"`
	Owner       common.Address `json:"owner"`
	Call        Call           `json:"call"`
	GasEstimate uint64         `json:"gas_estimate"`
	GasLimit    uint64         `json:"gas_limit"`
	Hint        model.Hint     `json:"hint"`
	HintRounds  int            `json:"hint_rounds"`
	MaxFeeRate  numeric.Value  `json:"max_fee_rate"`
	Amount      numeric.Value  `json:"amount"`
	Before      model.Trove    `json:"before"`
	After       model.Trove    `json:"after"`
	CreatedAt   time.Time      `json:"created_at"`

	exec     Executor
	interval time.Duration
	observe  Observer

	mu        sync.Mutex
	status    model.TxStatus
	sending   bool
	hash      common.Hash
	receipt   *Receipt
	updatedAt time.Time
	pending   []model.TxRecord

	// notify serializes observer calls.
	notify sync.Mutex
}

// Status returns the current lifecycle state.
func (t *PopulatedTx) Status() model.TxStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// Hash returns the submitted hash, or the zero hash before Send.
func (t *PopulatedTx) Hash() common.Hash {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

// Send submits the transaction. It may be called once: a second call
// returns ErrAlreadySent, and a rejected submission leaves the
// transaction TxFailed. The lock is not held while the node is contacted.
func (t *PopulatedTx) Send(ctx context.Context) (common.Hash, error) {
	t.mu.Lock()
	switch {
	case t.status == model.TxUnpopulated:
		t.mu.Unlock()
		return common.Hash{}, ErrNotPopulated
	case t.status != model.TxPopulated || t.sending:
		t.mu.Unlock()
		return common.Hash{}, ErrAlreadySent
	}
	t.sending = true
	t.mu.Unlock()

	hash, err := t.exec.Submit(ctx, t.Call, t.GasLimit)

	t.mu.Lock()
	if err != nil {
		t.transition(model.TxFailed)
		t.mu.Unlock()
		t.flush()
		return common.Hash{}, fmt.Errorf("txn: submit %s: %w", t.Kind, err)
	}
	t.hash = hash
	t.transition(model.TxSent)
	t.mu.Unlock()
	t.flush()
	return hash, nil
}

// WaitForReceipt polls until the transaction is included and returns its
// receipt. A reverted transaction resolves to TxFailed with a nil error.
// There is no timeout; cancel ctx to stop polling. Cancelling does not
// retract the sent transaction.
func (t *PopulatedTx) WaitForReceipt(ctx context.Context) (*Receipt, error) {
	t.mu.Lock()
	switch t.status {
	case model.TxUnpopulated, model.TxPopulated:
		t.mu.Unlock()
		return nil, ErrNotSent
	case model.TxSucceeded, model.TxFailed:
		r := t.receipt
		t.mu.Unlock()
		if r == nil {
			return nil, ErrNotSent
		}
		return r, nil
	}
	hash := t.hash
	t.mu.Unlock()

	interval := t.interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		r, err := t.exec.PollInclusion(ctx, hash)
		if err != nil {
			return nil, fmt.Errorf("txn: poll %s: %w", hash, err)
		}
		if r != nil {
			return t.settle(r), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// settle records the receipt once; concurrent waiters get the first one.
func (t *PopulatedTx) settle(r *Receipt) *Receipt {
	t.mu.Lock()
	if t.receipt != nil {
		first := t.receipt
		t.mu.Unlock()
		return first
	}
	t.receipt = r
	if r.Succeeded {
		t.transition(model.TxSucceeded)
	} else {
		t.transition(model.TxFailed)
	}
	t.mu.Unlock()
	t.flush()
	return r
}

// transition must be called with mu held. The record is queued; call flush
// after releasing mu.
func (t *PopulatedTx) transition(to model.TxStatus) {
	t.status = to
	t.updatedAt = time.Now().UTC()
	if t.observe != nil {
		t.pending = append(t.pending, t.recordLocked())
	}
}

// flush delivers queued records to the observer in transition order.
func (t *PopulatedTx) flush() {
	if t.observe == nil {
		return
	}
	t.notify.Lock()
	defer t.notify.Unlock()

	t.mu.Lock()
	queued := t.pending
	t.pending = nil
	t.mu.Unlock()

	for _, rec := range queued {
		t.observe(rec)
	}
}

// Record returns the journal entry for the transaction's current state.
func (t *PopulatedTx) Record() model.TxRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recordLocked()
}

func (t *PopulatedTx) recordLocked() model.TxRecord {
	rec := model.TxRecord{
		ID:        t.ID,
		Owner:     t.Owner,
		Kind:      string(t.Kind),
		GasLimit:  t.GasLimit,
		Amount:    t.Amount,
		Status:    t.status,
		CreatedAt: t.CreatedAt,
		UpdatedAt: t.updatedAt,
	}
	if t.hash != (common.Hash{}) {
		rec.Hash = t.hash.Hex()
	}
	if t.receipt != nil {
		rec.GasUsed = t.receipt.GasUsed
	}
	return rec
}
