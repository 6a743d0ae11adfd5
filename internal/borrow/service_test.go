package borrow_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/troveline/trove-engine/internal/borrow"
	"github.com/troveline/trove-engine/internal/guard"
	"github.com/troveline/trove-engine/internal/hint"
	"github.com/troveline/trove-engine/internal/model"
	"github.com/troveline/trove-engine/internal/numeric"
	"github.com/troveline/trove-engine/internal/protocol"
	"github.com/troveline/trove-engine/internal/store"
	"github.com/troveline/trove-engine/internal/trove"
	"github.com/troveline/trove-engine/internal/txn"
)

func v(s string) numeric.Value { return numeric.MustParse(s) }

func addr(n int64) common.Address { return common.BigToAddress(big.NewInt(n)) }

var (
	upper = addr(0x11)
	lower = addr(0x22)
)

// fixedOracle resolves every search to (upper, lower).
type fixedOracle struct{}

func (fixedOracle) SampleRandom(_ context.Context, _ numeric.Value, _ int, seed *big.Int) (hint.Sample, error) {
	return hint.Sample{Candidate: upper, Diff: numeric.Zero, NextSeed: new(big.Int).Add(seed, big.NewInt(1))}, nil
}
func (fixedOracle) LocateInsertPosition(context.Context, numeric.Value, common.Address, common.Address) (common.Address, common.Address, error) {
	return upper, lower, nil
}
func (fixedOracle) First(context.Context) (common.Address, error) { return upper, nil }
func (fixedOracle) Prev(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, nil
}
func (fixedOracle) Next(context.Context, common.Address) (common.Address, error) {
	return common.Address{}, nil
}

// fakeExecutor is polled from the service's background goroutine, so it
// locks. When release is set, Submit signals entered and blocks on it.
type fakeExecutor struct {
	mu        sync.Mutex
	sent      int
	receipt   *txn.Receipt
	submitErr error

	entered chan struct{}
	release chan struct{}
}

func (e *fakeExecutor) EstimateGas(context.Context, txn.Call) (uint64, error) { return 300_000, nil }

func (e *fakeExecutor) Submit(context.Context, txn.Call, uint64) (common.Hash, error) {
	if e.release != nil {
		e.entered <- struct{}{}
		<-e.release
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.submitErr != nil {
		return common.Hash{}, e.submitErr
	}
	e.sent++
	return common.HexToHash("0xfeed"), nil
}

func (e *fakeExecutor) PollInclusion(context.Context, common.Hash) (*txn.Receipt, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receipt, nil
}

var deployment = &protocol.Deployment{
	ChainID: 1,
	Addresses: map[string]common.Address{
		protocol.BorrowerOperations: addr(0xb0),
		protocol.TroveManager:       addr(0x70),
		protocol.SortedTroves:       addr(0x50),
		protocol.HintHelpers:        addr(0x40),
		protocol.PriceFeed:          addr(0xf0),
	},
}

type testEnv struct {
	ms     *store.MemoryStore
	exec   *fakeExecutor
	router chi.Router
}

// newTestEnv mirrors three healthy troves (net debt 2010, 2110.5 and 2211,
// 30 collateral each) at a price of 200.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMemoryStore()

	var troves []model.Trove
	total := numeric.Zero
	for i, nd := range []string{"2010", "2110.5", "2211"} {
		debt := v(nd).Add(protocol.LiquidationReserve)
		total = total.Add(debt)
		troves = append(troves, model.Trove{
			Owner:      addr(int64(i + 1)),
			Collateral: v("30"),
			Debt:       debt,
			Stake:      v("30"),
			Status:     model.StatusOpen,
		})
	}
	require.NoError(t, ms.ReplaceTroves(ctx, troves))
	require.NoError(t, ms.SaveSystemState(ctx, &model.SystemState{
		Price:            v("200"),
		TotalCollateral:  v("90"),
		TotalDebt:        total,
		TroveCount:       3,
		BaseRate:         numeric.Zero,
		LastFeeOperation: time.Now().UTC(),
	}))

	ledger := store.NewLedger(ms)
	exec := &fakeExecutor{}
	p := txn.NewPopulator(deployment, ledger, fixedOracle{}, ledger, exec)
	p.Seed = func() (*big.Int, error) { return big.NewInt(42), nil }
	p.PollInterval = time.Millisecond

	svc := borrow.NewService(p, ledger, fixedOracle{}, ms, nil)
	t.Cleanup(svc.Close)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return &testEnv{ms: ms, exec: exec, router: r}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeTx(t *testing.T, w *httptest.ResponseRecorder) borrow.TxResponse {
	t.Helper()
	var resp borrow.TxResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

var newOwner = addr(0xaa)

func openBody(borrowAmount string) txn.OpenRequest {
	return txn.OpenRequest{Owner: newOwner, Deposit: v("20"), Borrow: v(borrowAmount)}
}

// --- Trove reads ---

func TestGetTrove(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/troves/"+addr(1).Hex(), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp borrow.TroveResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, model.StatusOpen, resp.Status)
	require.Equal(t, "2010", resp.NetDebt.String())
	require.NotNil(t, resp.CollateralRatio)
	require.False(t, resp.BelowMinimumRatio)
}

func TestGetTrove_Unknown(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/troves/"+addr(0x99).Hex(), nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetTrove_BadAddress(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "GET", "/api/v1/troves/not-an-address", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Hints ---

func TestGetHint(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/hints?nicr=1.5", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res hint.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, upper, res.Hint.Upper)
	require.Equal(t, lower, res.Hint.Lower)
	require.Equal(t, 1, res.Rounds)
}

func TestGetHint_InfiniteRatio(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/hints?nicr=Infinity", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res hint.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Equal(t, common.Address{}, res.Hint.Upper)
	require.Equal(t, upper, res.Hint.Lower)
}

func TestGetHint_BadInput(t *testing.T) {
	env := newTestEnv(t)
	for _, q := range []string{"nicr=abc", "nicr=-1", "nicr=1.5&owner=xyz"} {
		w := env.do(t, "GET", "/api/v1/hints?"+q, nil)
		require.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

// --- Population ---

func TestOpenTrove_PopulatesAndJournals(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/troves/open", openBody("2000"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.NotEmpty(t, resp.ID)
	require.Equal(t, txn.KindOpen, resp.Kind)
	require.Equal(t, model.TxPopulated, resp.Status)
	require.Equal(t, upper, resp.Hint.Upper)
	require.Equal(t, deployment.Address(protocol.BorrowerOperations), resp.Call.To)

	margin := txn.ListTraversalMargin() + txn.BaseRateUpdateMargin(guard.DefaultDecayToleranceMinutes)
	require.Equal(t, uint64(300_000)+margin, resp.GasLimit)

	rec, err := env.ms.GetTxRecord(context.Background(), resp.ID)
	require.NoError(t, err)
	require.Equal(t, model.TxPopulated, rec.Status)
	require.Equal(t, newOwner, rec.Owner)
}

func TestOpenTrove_Rejections(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"below minimum debt", openBody("100"), http.StatusBadRequest},
		{"existing trove", txn.OpenRequest{Owner: addr(1), Deposit: v("20"), Borrow: v("2000")}, http.StatusConflict},
		{"missing owner", txn.OpenRequest{Deposit: v("20"), Borrow: v("2000")}, http.StatusBadRequest},
		{"undercollateralized", txn.OpenRequest{Owner: newOwner, Deposit: v("1"), Borrow: v("2000")}, http.StatusBadRequest},
		{"malformed", "not json", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, "POST", "/api/v1/troves/open", tt.body)
			require.Equal(t, tt.status, w.Code, w.Body.String())
		})
	}
}

func TestAdjustTrove(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/troves/"+addr(3).Hex()+"/adjust", txn.AdjustRequest{
		Change: trove.Change{Repay: v("100")},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.Equal(t, txn.KindAdjust, resp.Kind)
	require.Equal(t, addr(3), resp.Owner)
	require.Equal(t, "100", resp.Amount.String())
}

func TestAdjustTrove_EmptyChange(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/troves/"+addr(3).Hex()+"/adjust", txn.AdjustRequest{})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdjustTrove_NoTrove(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/troves/"+newOwner.Hex()+"/adjust", txn.AdjustRequest{
		Change: trove.Change{Repay: v("100")},
	})
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloseTrove(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/troves/"+addr(1).Hex()+"/close", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.Equal(t, txn.KindClose, resp.Kind)
	require.Equal(t, model.StatusClosedByOwner, resp.After.Status)
}

// --- Redemption ---

func TestPlanRedemption_Truncated(t *testing.T) {
	env := newTestEnv(t)

	// 2211 clears the lowest trove; the next can give only 2110.5-1800.
	w := env.do(t, "POST", "/api/v1/redemptions/plan", borrow.PlanRequest{Amount: v("3000")})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var plan struct {
		Attempted  numeric.Value `json:"attempted_amount"`
		Redeemable numeric.Value `json:"redeemable_amount"`
		Truncated  bool          `json:"is_truncated"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &plan))
	require.True(t, plan.Truncated)
	require.Equal(t, "2521.5", plan.Redeemable.String())
}

func TestRedeem_Escalates(t *testing.T) {
	env := newTestEnv(t)

	body := borrow.RedeemRequest{
		RedeemRequest:        txn.RedeemRequest{Redeemer: newOwner, Amount: v("3000")},
		IncreaseByMinNetDebt: true,
	}
	w := env.do(t, "POST", "/api/v1/redemptions", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.Equal(t, txn.KindRedeem, resp.Kind)
	require.NotNil(t, resp.Plan)
	require.Equal(t, "4800", resp.Plan.Attempted.String())
	require.Equal(t, "4531.5", resp.Plan.Redeemable.String())
	require.Equal(t, deployment.Address(protocol.TroveManager), resp.Call.To)

	records, err := env.ms.ListTxRecordsByOwner(context.Background(), newOwner)
	require.NoError(t, err)
	require.Len(t, records, 2, "truncated and escalated transactions are both journaled")
}

func TestRedeem_Untruncated(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/redemptions", borrow.RedeemRequest{
		RedeemRequest: txn.RedeemRequest{Redeemer: newOwner, Amount: v("100")},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.False(t, resp.Plan.Truncated)
	require.Equal(t, "100", resp.Amount.String())
	require.Equal(t, addr(3), resp.Plan.FirstRedeemed)
}

func TestRedeem_NothingRedeemable(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, "POST", "/api/v1/redemptions", borrow.RedeemRequest{
		RedeemRequest: txn.RedeemRequest{Redeemer: newOwner, Amount: numeric.Zero},
	})
	require.Equal(t, http.StatusBadRequest, w.Code)
}

// --- Lifecycle ---

func populateOpen(t *testing.T, env *testEnv) string {
	t.Helper()
	w := env.do(t, "POST", "/api/v1/troves/open", openBody("2000"))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeTx(t, w).ID
}

func TestSendAndWait(t *testing.T) {
	env := newTestEnv(t)
	id := populateOpen(t, env)

	w := env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	sent := decodeTx(t, w)
	require.Equal(t, common.HexToHash("0xfeed").Hex(), sent.Hash)

	w = env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusConflict, w.Code, "a transaction is sent at most once")

	env.exec.mu.Lock()
	env.exec.receipt = &txn.Receipt{Hash: common.HexToHash("0xfeed"), Succeeded: true, GasUsed: 250_000, BlockNumber: 12}
	env.exec.mu.Unlock()

	w = env.do(t, "GET", "/api/v1/tx/"+id+"?wait=true", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Served live or from the journal depending on timing; both carry status.
	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	require.Equal(t, string(model.TxSucceeded), got["status"])

	require.Eventually(t, func() bool {
		rec, err := env.ms.GetTxRecord(context.Background(), id)
		return err == nil && rec.Status == model.TxSucceeded && rec.GasUsed == 250_000
	}, time.Second, 5*time.Millisecond)
	require.Equal(t, 1, env.exec.sent)
}

func TestGetTx_Pending(t *testing.T) {
	env := newTestEnv(t)
	id := populateOpen(t, env)

	w := env.do(t, "GET", "/api/v1/tx/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.TxPopulated, decodeTx(t, w).Status)

	w = env.do(t, "GET", "/api/v1/tx/"+id+"?wait=true", nil)
	require.Equal(t, http.StatusConflict, w.Code, "waiting before send is a caller error")
}

func TestUnknownTx(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/tx/nope/send", nil)
	require.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(t, "GET", "/api/v1/tx/nope", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestListTxs(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "GET", "/api/v1/troves/"+newOwner.Hex()+"/txs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, "[]", w.Body.String())

	populateOpen(t, env)

	w = env.do(t, "GET", "/api/v1/troves/"+newOwner.Hex()+"/txs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var records []model.TxRecord
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &records))
	require.Len(t, records, 1)
	require.Equal(t, "open", records[0].Kind)
}

func TestSendInFlightDoesNotBlockService(t *testing.T) {
	env := newTestEnv(t)
	env.exec.entered = make(chan struct{}, 1)
	env.exec.release = make(chan struct{})
	id := populateOpen(t, env)

	sent := make(chan int, 1)
	go func() { sent <- env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil).Code }()
	<-env.exec.entered

	closed := make(chan int, 1)
	go func() { closed <- env.do(t, "POST", "/api/v1/troves/"+addr(2).Hex()+"/close", nil).Code }()
	select {
	case code := <-closed:
		require.Equal(t, http.StatusCreated, code)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("populating an unrelated trove waited on an in-flight submission")
	}

	w := env.do(t, "GET", "/api/v1/tx/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, model.TxPopulated, decodeTx(t, w).Status)

	w = env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusConflict, w.Code, "a second send while the first is in flight")

	close(env.exec.release)
	require.Equal(t, http.StatusAccepted, <-sent)
}

func TestSucceededCloseUpdatesMirror(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, "POST", "/api/v1/troves/"+addr(1).Hex()+"/close", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	id := decodeTx(t, w).ID

	w = env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	env.exec.mu.Lock()
	env.exec.receipt = &txn.Receipt{Hash: common.HexToHash("0xfeed"), Succeeded: true, GasUsed: 90_000, BlockNumber: 3}
	env.exec.mu.Unlock()

	require.Eventually(t, func() bool {
		got, err := env.ms.GetTrove(context.Background(), addr(1))
		return err == nil && got.Status == model.StatusClosedByOwner
	}, time.Second, 5*time.Millisecond)

	w = env.do(t, "GET", "/api/v1/troves/"+addr(1).Hex(), nil)
	require.Equal(t, http.StatusNotFound, w.Code, "closed troves no longer read as open")
}

func TestAdjustTrove_ToTarget(t *testing.T) {
	env := newTestEnv(t)

	// addr(3) holds 30 collateral against 2411 total debt.
	w := env.do(t, "POST", "/api/v1/troves/"+addr(3).Hex()+"/adjust", txn.AdjustRequest{
		Target: &txn.Target{Collateral: v("30"), Debt: v("2311")},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	resp := decodeTx(t, w)
	require.Equal(t, "100", resp.Amount.String())
	require.Equal(t, "2311", resp.After.Debt.String())
}

func TestSendRejectedIsFinal(t *testing.T) {
	env := newTestEnv(t)
	env.exec.submitErr = errors.New("replacement transaction underpriced")
	id := populateOpen(t, env)

	w := env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	rec, err := env.ms.GetTxRecord(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, model.TxFailed, rec.Status)

	env.exec.submitErr = nil
	w = env.do(t, "POST", "/api/v1/tx/"+id+"/send", nil)
	require.Equal(t, http.StatusNotFound, w.Code, "a rejected transaction is served from the journal only")

	w = env.do(t, "GET", "/api/v1/tx/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, env.exec.sent)
}
