// Package borrow provides the HTTP handlers for reading troves, finding
// insertion hints, populating trove and redemption transactions and driving
// them through send and inclusion.
//
// All monetary values use numeric.Value; never float64 for money.
package borrow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"github.com/troveline/trove-engine/internal/chain"
	"github.com/troveline/trove-engine/internal/guard"
	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/metrics"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/redemption"
	"github.com/troveline/trove-engine/internal/store"
	"github.com/troveline/trove-engine/internal/trove"
	"github.com/troveline/trove-engine/internal/txn"
)

// DefaultStaleAfter is how long a populated but unsent transaction stays
// addressable. Its hints and fee bounds are stale well before that.
const DefaultStaleAfter = 30 * time.Minute

// Service holds the transactions populated through it until they settle.
// Lifecycle transitions are journaled to the store and pushed to the hub.
type Service struct {
	populator *txn.Populator
	ledger    txn.Ledger
	oracle    hint.Oracle
	store     store.Store
	wsHub     *WSHub // optional WebSocket hub for lifecycle broadcasts

	StaleAfter time.Duration
	Now        func() time.Time

	mu   sync.Mutex
	live map[string]liveTx

	// ctx bounds the background receipt waits started by SendTx.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type liveTx struct {
	tx   *txn.PopulatedTx
	plan *redemption.Plan
}

// NewService creates a borrow service and installs its journal observer on p.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(p *txn.Populator, ledger txn.Ledger, oracle hint.Oracle, st store.Store, hub *WSHub) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		populator:  p,
		ledger:     ledger,
		oracle:     oracle,
		store:      st,
		wsHub:      hub,
		StaleAfter: DefaultStaleAfter,
		Now:        time.Now,
		live:       make(map[string]liveTx),
		ctx:        ctx,
		cancel:     cancel,
	}
	p.Observe = s.observe
	return s
}

// Close stops background receipt polling and waits for it to return. Sent
// transactions are not affected on chain.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Routes mounts the handlers on r.
func (s *Service) Routes(r chi.Router) {
	r.Get("/troves/{owner}", s.GetTrove)
	r.Get("/troves/{owner}/txs", s.ListTxs)
	r.Post("/troves/open", s.OpenTrove)
	r.Post("/troves/{owner}/adjust", s.AdjustTrove)
	r.Post("/troves/{owner}/close", s.CloseTrove)

	r.Get("/hints", s.GetHint)

	r.Post("/redemptions/plan", s.PlanRedemption)
	r.Post("/redemptions", s.Redeem)

	r.Get("/tx/{id}", s.GetTx)
	r.Post("/tx/{id}/send", s.SendTx)
}

// --- Request/Response types ---

// TroveResponse is a trove's snapshot at the current price.
type TroveResponse struct {
	trove.Snapshot
	Status model.TroveStatus `json:"status"`
}

// PlanRequest is the JSON body for POST /redemptions/plan.
type PlanRequest struct {
	Amount        numeric.Value `json:"amount"`
	MaxIterations int           `json:"max_iterations"`
}

// RedeemRequest is the JSON body for POST /redemptions.
type RedeemRequest struct {
	txn.RedeemRequest

	// IncreaseByMinNetDebt re-populates a truncated redemption once with
	// the attempted amount raised by the minimum net debt.
	IncreaseByMinNetDebt bool `json:"increase_by_min_net_debt"`
}

// TxResponse describes a populated transaction and where it is in its
// lifecycle.
type TxResponse struct {
	*txn.PopulatedTx
	Status  model.TxStatus   `json:"status"`
	Hash    string           `json:"hash,omitempty"`
	Plan    *redemption.Plan `json:"plan,omitempty"`
	Receipt *txn.Receipt     `json:"receipt,omitempty"`
}

func txResponse(tx *txn.PopulatedTx, plan *redemption.Plan, receipt *txn.Receipt) TxResponse {
	resp := TxResponse{
		PopulatedTx: tx,
		Status:      tx.Status(),
		Plan:        plan,
		Receipt:     receipt,
	}
	if h := tx.Hash(); h != (common.Hash{}) {
		resp.Hash = h.Hex()
	}
	return resp
}

// --- HTTP Handlers ---

// GetTrove handles GET /api/v1/troves/{owner}
func (s *Service) GetTrove(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	t, err := s.ledger.GetPosition(ctx, owner)
	if err != nil {
		s.fail(w, "read trove", err)
		return
	}
	if trove.IsEmpty(t) {
		writeError(w, "no open trove for "+owner.Hex(), http.StatusNotFound)
		return
	}
	price, err := s.ledger.GetPrice(ctx)
	if err != nil {
		s.fail(w, "read price", err)
		return
	}

	writeJSON(w, http.StatusOK, TroveResponse{Snapshot: trove.Snap(t, price), Status: t.Status})
}

// ListTxs handles GET /api/v1/troves/{owner}/txs
// Returns the journal of transactions populated for owner.
func (s *Service) ListTxs(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	records, err := s.store.ListTxRecordsByOwner(r.Context(), owner)
	if err != nil {
		s.fail(w, "list tx records", err)
		return
	}
	if records == nil {
		records = []model.TxRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetHint handles GET /api/v1/hints?nicr=<ratio>&owner=<address>
func (s *Service) GetHint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	nicr, err := numeric.Parse(q.Get("nicr"))
	if err != nil {
		writeError(w, "nicr must be a decimal ratio or Infinity", http.StatusBadRequest)
		return
	}
	var own common.Address
	if o := q.Get("owner"); o != "" {
		if !common.IsHexAddress(o) {
			writeError(w, "owner must be a hex address", http.StatusBadRequest)
			return
		}
		own = common.HexToAddress(o)
	}

	ctx := r.Context()
	size, err := s.ledger.GetPositionCount(ctx)
	if err != nil {
		s.fail(w, "read trove count", err)
		return
	}
	seed, err := s.populator.Seed()
	if err != nil {
		writeError(w, "failed to draw seed", http.StatusInternalServerError)
		return
	}

	res, err := hint.Find(ctx, s.oracle, hint.Request{Target: nicr, ListSize: size, Seed: seed, Own: own})
	if err != nil {
		s.fail(w, "find hint", err)
		return
	}
	metrics.HintRounds.Observe(float64(res.Rounds))
	writeJSON(w, http.StatusOK, res)
}

// OpenTrove handles POST /api/v1/troves/open
func (s *Service) OpenTrove(w http.ResponseWriter, r *http.Request) {
	var req txn.OpenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Owner == (common.Address{}) {
		writeError(w, "owner is required", http.StatusBadRequest)
		return
	}

	start := time.Now()
	tx, err := s.populator.OpenTrove(r.Context(), req)
	if err != nil {
		s.reject(w, txn.KindOpen, err)
		return
	}
	s.populated(w, tx, nil, start)
}

// AdjustTrove handles POST /api/v1/troves/{owner}/adjust
func (s *Service) AdjustTrove(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}
	var req txn.AdjustRequest
	if !decode(w, r, &req) {
		return
	}
	req.Owner = owner

	start := time.Now()
	tx, err := s.populator.AdjustTrove(r.Context(), req)
	if err != nil {
		s.reject(w, txn.KindAdjust, err)
		return
	}
	s.populated(w, tx, nil, start)
}

// CloseTrove handles POST /api/v1/troves/{owner}/close
func (s *Service) CloseTrove(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerParam(w, r)
	if !ok {
		return
	}

	start := time.Now()
	tx, err := s.populator.CloseTrove(r.Context(), owner)
	if err != nil {
		s.reject(w, txn.KindClose, err)
		return
	}
	s.populated(w, tx, nil, start)
}

// PlanRedemption handles POST /api/v1/redemptions/plan
// Runs the redemption walk without populating a transaction.
func (s *Service) PlanRedemption(w http.ResponseWriter, r *http.Request) {
	var req PlanRequest
	if !decode(w, r, &req) {
		return
	}
	plan, _, err := s.populator.PlanRedemption(r.Context(), req.Amount, req.MaxIterations)
	if err != nil {
		s.reject(w, txn.KindRedeem, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// Redeem handles POST /api/v1/redemptions
func (s *Service) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Redeemer == (common.Address{}) {
		writeError(w, "redeemer is required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	start := time.Now()
	red, err := s.populator.Redeem(ctx, req.RedeemRequest)
	if err != nil {
		s.reject(w, txn.KindRedeem, err)
		return
	}

	if red.IsTruncated() {
		metrics.RedemptionTruncations.Inc()
		slog.Info("redemption truncated",
			"tx_id", red.ID,
			"attempted", red.AttemptedAmount().String(),
			"redeemable", red.RedeemableAmount().String(),
		)
		if req.IncreaseByMinNetDebt {
			// The truncated transaction stays addressable; the caller
			// sends whichever it prefers.
			s.register(red.PopulatedTx, red.Plan)
			red, err = red.IncreaseAmountByMinimumNetDebt(ctx)
			if err != nil {
				s.reject(w, txn.KindRedeem, err)
				return
			}
		}
	}
	s.populated(w, red.PopulatedTx, red.Plan, start)
}

// SendTx handles POST /api/v1/tx/{id}/send
// Submits the transaction and polls for its receipt in the background.
func (s *Service) SendTx(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	lt, ok := s.lookup(id)
	if !ok {
		writeError(w, "transaction not found or no longer pending: "+id, http.StatusNotFound)
		return
	}

	hash, err := lt.tx.Send(r.Context())
	if err != nil {
		if lt.tx.Status() == model.TxFailed {
			s.forget(id)
		}
		s.fail(w, "send", err)
		return
	}
	slog.Info("tx sent",
		"tx_id", id,
		"kind", lt.tx.Kind,
		"owner", lt.tx.Owner.Hex(),
		"hash", hash.Hex(),
		"gas_limit", lt.tx.GasLimit,
	)

	s.track(lt.tx)
	writeJSON(w, http.StatusAccepted, txResponse(lt.tx, lt.plan, nil))
}

// GetTx handles GET /api/v1/tx/{id}
// With ?wait=true it blocks, bounded by the request, until inclusion.
// Settled transactions are served from the journal.
func (s *Service) GetTx(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	lt, ok := s.lookup(id)
	if !ok {
		rec, err := s.store.GetTxRecord(ctx, id)
		if err != nil {
			s.fail(w, "get tx record", err)
			return
		}
		writeJSON(w, http.StatusOK, rec)
		return
	}

	var receipt *txn.Receipt
	if r.URL.Query().Get("wait") == "true" {
		var err error
		receipt, err = lt.tx.WaitForReceipt(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.fail(w, "wait for receipt", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, txResponse(lt.tx, lt.plan, receipt))
}

// --- Lifecycle ---

// observe journals and broadcasts a transition.
func (s *Service) observe(rec model.TxRecord) {
	metrics.TxTransitions.WithLabelValues(rec.Kind, string(rec.Status)).Inc()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var err error
	if rec.Status == model.TxPopulated {
		err = s.store.InsertTxRecord(ctx, &rec)
	} else {
		err = s.store.UpdateTxRecord(ctx, &rec)
	}
	if err != nil {
		slog.Error("journal tx transition failed", "tx_id", rec.ID, "status", rec.Status, "err", err)
	}
	if rec.Status == model.TxSucceeded {
		s.applySettled(ctx, rec)
	}

	if s.wsHub != nil {
		s.wsHub.Broadcast(txMessage(rec))
	}
}

// applySettled writes the trove a confirmed transaction produced into the
// mirror so reads reflect it before the next refresh. Redemptions touch
// troves the populator never computed and wait for the refresh.
func (s *Service) applySettled(ctx context.Context, rec model.TxRecord) {
	lt, ok := s.lookup(rec.ID)
	if !ok || lt.tx.Kind == txn.KindRedeem {
		return
	}
	after := lt.tx.After
	after.UpdatedAt = rec.UpdatedAt
	if err := s.store.UpsertTrove(ctx, &after); err != nil {
		slog.Error("mirror settled trove failed", "tx_id", rec.ID, "owner", after.Owner.Hex(), "err", err)
	}
}

func (s *Service) populated(w http.ResponseWriter, tx *txn.PopulatedTx, plan *redemption.Plan, start time.Time) {
	metrics.PopulateLatency.WithLabelValues(string(tx.Kind)).Observe(time.Since(start).Seconds())
	metrics.GasLimit.WithLabelValues(string(tx.Kind)).Observe(float64(tx.GasLimit))
	if tx.HintRounds > 0 {
		metrics.HintRounds.Observe(float64(tx.HintRounds))
	}
	s.register(tx, plan)

	slog.Info("tx populated",
		"tx_id", tx.ID,
		"kind", tx.Kind,
		"owner", tx.Owner.Hex(),
		"amount", tx.Amount.String(),
		"gas_estimate", tx.GasEstimate,
		"gas_limit", tx.GasLimit,
		"hint_rounds", tx.HintRounds,
	)
	writeJSON(w, http.StatusCreated, txResponse(tx, plan, nil))
}

// register makes tx addressable and drops unsent ones past StaleAfter.
func (s *Service) register(tx *txn.PopulatedTx, plan *redemption.Plan) {
	cutoff := s.Now().UTC().Add(-s.StaleAfter)

	s.mu.Lock()
	s.live[tx.ID] = liveTx{tx: tx, plan: plan}
	var old []*txn.PopulatedTx
	for _, lt := range s.live {
		if lt.tx.CreatedAt.Before(cutoff) {
			old = append(old, lt.tx)
		}
	}
	s.mu.Unlock()

	for _, o := range old {
		if o.Status() == model.TxPopulated {
			s.forget(o.ID)
		}
	}
}

func (s *Service) lookup(id string) (liveTx, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lt, ok := s.live[id]
	return lt, ok
}

// track waits for tx's receipt and forgets it once settled; the journal
// keeps the final state.
func (s *Service) track(tx *txn.PopulatedTx) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		receipt, err := tx.WaitForReceipt(s.ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Error("wait for receipt failed", "tx_id", tx.ID, "hash", tx.Hash().Hex(), "err", err)
			}
			return
		}
		slog.Info("tx settled",
			"tx_id", tx.ID,
			"kind", tx.Kind,
			"status", tx.Status(),
			"block", receipt.BlockNumber,
			"gas_used", receipt.GasUsed,
		)

		s.forget(tx.ID)
	}()
}

func (s *Service) forget(id string) {
	s.mu.Lock()
	delete(s.live, id)
	s.mu.Unlock()
}

// --- Errors ---

// errorStatus maps sentinel errors to response codes. Anything unlisted is
// a dependency failure.
var errorStatus = []struct {
	err    error
	status int
}{
	{txn.ErrEmptyChange, http.StatusBadRequest},
	{txn.ErrNothingRedeemable, http.StatusBadRequest},
	{trove.ErrNegativeChange, http.StatusBadRequest},
	{trove.ErrConflictingChange, http.StatusBadRequest},
	{trove.ErrWithdrawTooMuch, http.StatusBadRequest},
	{trove.ErrRepayTooMuch, http.StatusBadRequest},
	{trove.ErrOpenWithoutBorrow, http.StatusBadRequest},
	{trove.ErrAdjustEmptyTrove, http.StatusBadRequest},
	{guard.ErrBelowMinimumNetDebt, http.StatusBadRequest},
	{guard.ErrBelowMinimumRatio, http.StatusBadRequest},
	{guard.ErrBelowCriticalRatio, http.StatusBadRequest},
	{guard.ErrRecoveryModeWithdrawal, http.StatusBadRequest},
	{guard.ErrWouldTriggerRecovery, http.StatusBadRequest},
	{redemption.ErrNegativeAmount, http.StatusBadRequest},
	{redemption.ErrInvalidMaxIterations, http.StatusBadRequest},
	{redemption.ErrNotTruncated, http.StatusBadRequest},
	{hint.ErrInvalidTarget, http.StatusBadRequest},

	{txn.ErrNoTrove, http.StatusNotFound},
	{store.ErrNotFound, http.StatusNotFound},

	{txn.ErrTroveExists, http.StatusConflict},
	{txn.ErrLastTrove, http.StatusConflict},
	{txn.ErrAlreadySent, http.StatusConflict},
	{txn.ErrNotSent, http.StatusConflict},
	{redemption.ErrNoPositions, http.StatusConflict},
	{chain.ErrNoSigner, http.StatusConflict},
	{chain.ErrSignerMismatch, http.StatusConflict},
}

func statusFor(err error) int {
	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status
		}
	}
	return http.StatusBadGateway
}

// reject answers a failed populate and counts precondition failures.
func (s *Service) reject(w http.ResponseWriter, kind txn.Kind, err error) {
	status := statusFor(err)
	if status != http.StatusBadGateway {
		metrics.PopulateRejections.WithLabelValues(string(kind)).Inc()
	}
	s.fail(w, "populate "+string(kind), err)
}

func (s *Service) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status == http.StatusBadGateway {
		slog.Error(op+" failed", "err", err)
	}
	writeError(w, err.Error(), status)
}

func ownerParam(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	raw := chi.URLParam(r, "owner")
	if !common.IsHexAddress(raw) {
		writeError(w, "owner must be a hex address", http.StatusBadRequest)
		return common.Address{}, false
	}
	return common.HexToAddress(raw), true
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
