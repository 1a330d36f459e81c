package ledger

import (
	"context"
	"encoding/json"
	"testing"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/pharmatrace/batch"
)

func newTestApp(t *testing.T) *Application {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewApplication(db, cmtlog.NewNopLogger())
}

// commitTxs runs one FinalizeBlock+Commit round over the given transactions.
func commitTxs(t *testing.T, app *Application, height int64, txs ...*Tx) []*abcitypes.ExecTxResult {
	t.Helper()
	raw := make([][]byte, len(txs))
	for i, tx := range txs {
		b, err := json.Marshal(tx)
		require.NoError(t, err)
		raw[i] = b
	}
	resp, err := app.FinalizeBlock(context.Background(), &abcitypes.FinalizeBlockRequest{
		Height: height,
		Txs:    raw,
	})
	require.NoError(t, err)
	_, err = app.Commit(context.Background(), &abcitypes.CommitRequest{})
	require.NoError(t, err)
	return resp.TxResults
}

func query(t *testing.T, app *Application, data string) *abcitypes.QueryResponse {
	t.Helper()
	resp, err := app.Query(context.Background(), &abcitypes.QueryRequest{Data: []byte(data)})
	require.NoError(t, err)
	return resp
}

func queryState(t *testing.T, app *Application, id string) batch.State {
	t.Helper()
	resp := query(t, app, "state:"+id)
	require.EqualValues(t, codeOK, resp.Code, resp.Log)
	var state batch.State
	require.NoError(t, json.Unmarshal(resp.Value, &state))
	return state
}

const farFuture = int64(4102444800) // 2100-01-01

func createTx(code string, expiry int64) *Tx {
	return &Tx{
		Kind:      TxCreateBatch,
		Nonce:     "n-create-" + code,
		Actor:     "MFG-001",
		Role:      batch.RoleManufacturer,
		Timestamp: 1700000000,
		Location:  "Jakarta plant",
		Create: &CreateOp{
			Code:          code,
			ProductName:   "Amoxicillin 250mg",
			Quantity:      5000,
			ManufactureTS: 1699990000,
			ExpiryTS:      expiry,
		},
	}
}

func transitionTx(kind TxKind, id uint64, actor string, role batch.Role, ts int64) *Tx {
	return &Tx{
		Kind:      kind,
		Nonce:     "n-" + string(kind),
		Actor:     actor,
		Role:      role,
		Timestamp: ts,
		BatchID:   id,
	}
}

func TestCreateBatchAndQuery(t *testing.T) {
	app := newTestApp(t)

	results := commitTxs(t, app, 1, createTx("BATCH-001", farFuture))
	require.Len(t, results, 1)
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	var data TxData
	require.NoError(t, json.Unmarshal(results[0].Data, &data))
	assert.EqualValues(t, 1, data.BatchID)
	assert.Equal(t, "BATCH-001", data.Code)
	assert.Equal(t, "Created", data.Status)
	assert.Len(t, data.ContentHash, 64)

	resp := query(t, app, "code:BATCH-001")
	require.EqualValues(t, codeOK, resp.Code)
	assert.Equal(t, "1", string(resp.Value))

	resp = query(t, app, "core:1")
	require.EqualValues(t, codeOK, resp.Code)
	var core batch.Core
	require.NoError(t, json.Unmarshal(resp.Value, &core))
	assert.Equal(t, "MFG-001", core.Creator)
	assert.Equal(t, data.ContentHash, core.ContentHash)

	resp = query(t, app, "code:UNKNOWN")
	assert.EqualValues(t, codeNotFound, resp.Code)
}

func TestDuplicateCodeIsConflict(t *testing.T) {
	app := newTestApp(t)

	commitTxs(t, app, 1, createTx("BATCH-001", farFuture))
	results := commitTxs(t, app, 2, createTx("BATCH-001", farFuture))
	assert.EqualValues(t, codeConflict, results[0].Code)
}

func TestFullLifecycle(t *testing.T) {
	app := newTestApp(t)

	commitTxs(t, app, 1, createTx("BATCH-001", farFuture))

	results := commitTxs(t, app, 2,
		transitionTx(TxSubmitForApproval, 1, "MFG-001", batch.RoleManufacturer, 1700000100))
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	results = commitTxs(t, app, 3,
		transitionTx(TxApprove, 1, "REG-001", batch.RoleRegulator, 1700000200))
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	state := queryState(t, app, "1")
	assert.Equal(t, batch.StatusApproved, state.Status)
	assert.EqualValues(t, 1700000200, state.ApprovedAt)
	assert.NotEmpty(t, state.ApprovalHash)

	shipTx := transitionTx(TxUpdateStatus, 1, "DST-001", batch.RoleDistributor, 1700000300)
	shipTx.Status = batch.StatusInTransit
	shipTx.Location = "Highway 1"
	results = commitTxs(t, app, 4, shipTx)
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	arriveTx := transitionTx(TxUpdateStatus, 1, "LOG-001", batch.RoleLogistics, 1700000400)
	arriveTx.Status = batch.StatusAtPharmacy
	results = commitTxs(t, app, 5, arriveTx)
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	sellTx := transitionTx(TxUpdateStatus, 1, "PHM-001", batch.RolePharmacy, 1700000500)
	sellTx.Status = batch.StatusSold
	results = commitTxs(t, app, 6, sellTx)
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	state = queryState(t, app, "1")
	assert.Equal(t, batch.StatusSold, state.Status)
	assert.Equal(t, "PHM-001", state.Holder)

	resp := query(t, app, "history:1")
	require.EqualValues(t, codeOK, resp.Code)
	var history []batch.HistoryEvent
	require.NoError(t, json.Unmarshal(resp.Value, &history))
	require.Len(t, history, 6)
	assert.Equal(t, batch.StatusCreated, history[0].Status)
	assert.Equal(t, batch.RoleRegulator, history[2].Role)
	assert.Equal(t, batch.StatusSold, history[5].Status)
}

func TestIllegalAndUnauthorizedTransitionsAreRecordedPerTx(t *testing.T) {
	app := newTestApp(t)
	commitTxs(t, app, 1, createTx("BATCH-001", farFuture))

	// Skipping the submission step is illegal.
	results := commitTxs(t, app, 2,
		transitionTx(TxApprove, 1, "REG-001", batch.RoleRegulator, 1700000100))
	assert.EqualValues(t, codeIllegal, results[0].Code)

	// The edge exists but the role is wrong.
	results = commitTxs(t, app, 3,
		transitionTx(TxSubmitForApproval, 1, "REG-001", batch.RoleRegulator, 1700000200))
	assert.EqualValues(t, codeUnauthorized, results[0].Code)

	// A failed transition leaves state untouched.
	state := queryState(t, app, "1")
	assert.Equal(t, batch.StatusCreated, state.Status)

	// Unknown batch.
	results = commitTxs(t, app, 4,
		transitionTx(TxSubmitForApproval, 99, "MFG-001", batch.RoleManufacturer, 1700000300))
	assert.EqualValues(t, codeNotFound, results[0].Code)
}

func TestLazyExpirySweep(t *testing.T) {
	app := newTestApp(t)
	commitTxs(t, app, 1, createTx("BATCH-001", 1700000500))

	// The submit arrives after expiry: the automatic edge fires first and the
	// request is then judged against the expired state.
	results := commitTxs(t, app, 2,
		transitionTx(TxSubmitForApproval, 1, "MFG-001", batch.RoleManufacturer, 1700001000))
	assert.EqualValues(t, codeTerminal, results[0].Code)

	state := queryState(t, app, "1")
	assert.Equal(t, batch.StatusExpired, state.Status)

	resp := query(t, app, "history:1")
	var history []batch.HistoryEvent
	require.NoError(t, json.Unmarshal(resp.Value, &history))
	require.Len(t, history, 2)
	assert.Equal(t, batch.StatusExpired, history[1].Status)
	assert.Equal(t, batch.RoleSystem, history[1].Role)
}

func TestRecallAndVerify(t *testing.T) {
	app := newTestApp(t)
	commitTxs(t, app, 1, createTx("BATCH-001", farFuture))
	commitTxs(t, app, 2, transitionTx(TxSubmitForApproval, 1, "MFG-001", batch.RoleManufacturer, 1700000100))
	commitTxs(t, app, 3, transitionTx(TxApprove, 1, "REG-001", batch.RoleRegulator, 1700000200))

	// Approved batch with the ledger's own hash: genuine.
	resp := query(t, app, "verify:1:")
	require.EqualValues(t, codeOK, resp.Code, resp.Log)
	var check VerifyResult
	require.NoError(t, json.Unmarshal(resp.Value, &check))
	assert.True(t, check.Genuine)
	assert.Equal(t, "Approved", check.Status)

	// A forged hash fails the same check.
	resp = query(t, app, "verify:1:deadbeef")
	require.NoError(t, json.Unmarshal(resp.Value, &check))
	assert.False(t, check.Genuine)

	// After a recall nothing verifies genuine.
	results := commitTxs(t, app, 4, transitionTx(TxRecall, 1, "REG-001", batch.RoleRegulator, 1700000300))
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	state := queryState(t, app, "1")
	assert.True(t, state.Recalled)

	resp = query(t, app, "verify:1:")
	require.NoError(t, json.Unmarshal(resp.Value, &check))
	assert.False(t, check.Genuine)
	assert.Equal(t, "Recalled", check.Status)
}

func TestLocationOnlyUpdate(t *testing.T) {
	app := newTestApp(t)
	commitTxs(t, app, 1, createTx("BATCH-001", farFuture))
	commitTxs(t, app, 2, transitionTx(TxSubmitForApproval, 1, "MFG-001", batch.RoleManufacturer, 1700000100))
	commitTxs(t, app, 3, transitionTx(TxApprove, 1, "REG-001", batch.RoleRegulator, 1700000200))

	shipTx := transitionTx(TxUpdateStatus, 1, "LOG-001", batch.RoleLogistics, 1700000300)
	shipTx.Status = batch.StatusInTransit
	shipTx.Location = "Checkpoint A"
	commitTxs(t, app, 4, shipTx)

	moveTx := transitionTx(TxUpdateStatus, 1, "LOG-001", batch.RoleLogistics, 1700000400)
	moveTx.Status = batch.StatusInTransit
	moveTx.Location = "Checkpoint B"
	results := commitTxs(t, app, 5, moveTx)
	require.EqualValues(t, codeOK, results[0].Code, results[0].Log)

	state := queryState(t, app, "1")
	assert.Equal(t, batch.StatusInTransit, state.Status)
	assert.Equal(t, "Checkpoint B", state.Location)

	resp := query(t, app, "history:1")
	var history []batch.HistoryEvent
	require.NoError(t, json.Unmarshal(resp.Value, &history))
	assert.Len(t, history, 5)
}

func TestCheckTxRejectsMalformedEnvelopes(t *testing.T) {
	app := newTestApp(t)

	resp, err := app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: []byte("not json")})
	require.NoError(t, err)
	assert.EqualValues(t, codeInvalidFormat, resp.Code)

	noRole := createTx("BATCH-001", farFuture)
	noRole.Role = ""
	raw, _ := json.Marshal(noRole)
	resp, err = app.CheckTx(context.Background(), &abcitypes.CheckTxRequest{Tx: raw})
	require.NoError(t, err)
	assert.EqualValues(t, codeInvalidFormat, resp.Code)
}
