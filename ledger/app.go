package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	abcitypes "github.com/cometbft/cometbft/abci/types"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	"github.com/dgraph-io/badger/v4"

	"github.com/pharmatrace/pharmatrace/batch"
	"github.com/pharmatrace/pharmatrace/hashing"
)

// ExecTxResult codes. Transition failures are recorded per transaction, not
// by rejecting the block, so a stale client request can never halt consensus.
const (
	codeOK            = 0
	codeInvalidFormat = 1
	codeIllegal       = 2
	codeUnauthorized  = 3
	codeTerminal      = 4
	codeNotFound      = 5
	codeConflict      = 6
	codeStorage       = 7
)

// Application is the ABCI application that owns all batch state. BatchCore,
// BatchState and the history log live exclusively here; everything outside
// consensus only reads them or proposes transitions.
type Application struct {
	badgerDB     *badger.DB
	onGoingBlock *badger.Txn
	nodeID       string
	mu           sync.Mutex
	logger       cmtlog.Logger
}

// VerifyResult is the response of the combined authoritative check: hash,
// status, expiry and recall evaluated in one atomic read.
type VerifyResult struct {
	Genuine bool   `json:"genuine"`
	Status  string `json:"status"`
}

func NewApplication(badgerDB *badger.DB, logger cmtlog.Logger) *Application {
	return &Application{
		badgerDB: badgerDB,
		logger:   logger,
	}
}

func (app *Application) SetNodeID(id string) {
	app.nodeID = id
}

// Info implements the ABCI Info method.
func (app *Application) Info(_ context.Context, _ *abcitypes.InfoRequest) (*abcitypes.InfoResponse, error) {
	var lastHeight int64
	var lastAppHash []byte

	err := app.badgerDB.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyLastHeight))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		if err := item.Value(func(val []byte) error {
			h, perr := strconv.ParseInt(string(val), 10, 64)
			if perr != nil {
				return perr
			}
			lastHeight = h
			return nil
		}); err != nil {
			return err
		}

		item, err = txn.Get([]byte(keyLastAppHash))
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err == nil {
			return item.Value(func(val []byte) error {
				lastAppHash = append([]byte{}, val...)
				return nil
			})
		}
		return nil
	})
	if err != nil {
		app.logger.Error("Reading last block info", "err", err)
	}

	return &abcitypes.InfoResponse{
		LastBlockHeight:  lastHeight,
		LastBlockAppHash: lastAppHash,
	}, nil
}

// Query implements the ABCI Query method. The request data selects a read
// path by prefix:
//
//	code:<public code>        -> batch id (decimal)
//	core:<id>                 -> BatchCore JSON
//	state:<id>                -> BatchState JSON
//	history:<id>              -> []BatchHistoryEvent JSON
//	verify:<id>:<hash>        -> VerifyResult JSON (hash may be empty)
func (app *Application) Query(_ context.Context, req *abcitypes.QueryRequest) (*abcitypes.QueryResponse, error) {
	if len(req.Data) == 0 {
		return &abcitypes.QueryResponse{Code: codeInvalidFormat, Log: "empty query data"}, nil
	}

	query := string(req.Data)
	resp := &abcitypes.QueryResponse{Key: req.Data}

	dbErr := app.badgerDB.View(func(txn *badger.Txn) error {
		switch {
		case strings.HasPrefix(query, "code:"):
			id, err := resolveCode(txn, strings.TrimPrefix(query, "code:"))
			if err != nil {
				return err
			}
			if id == 0 {
				resp.Code = codeNotFound
				resp.Log = "code not registered"
				return nil
			}
			resp.Value = formatID(id)
			return nil

		case strings.HasPrefix(query, "core:"):
			return app.queryJSON(txn, resp, coreKeyFromQuery(query, "core:"))

		case strings.HasPrefix(query, "state:"):
			return app.queryJSON(txn, resp, stateKeyFromQuery(query, "state:"))

		case strings.HasPrefix(query, "history:"):
			return app.queryJSON(txn, resp, historyKeyFromQuery(query, "history:"))

		case strings.HasPrefix(query, "verify:"):
			return app.queryVerify(txn, resp, strings.TrimPrefix(query, "verify:"))

		default:
			resp.Code = codeInvalidFormat
			resp.Log = fmt.Sprintf("unknown query %q", query)
			return nil
		}
	})
	if dbErr != nil {
		app.logger.Error("Ledger query failed", "query", query, "err", dbErr)
		return &abcitypes.QueryResponse{Code: codeStorage, Log: fmt.Sprintf("database error: %v", dbErr)}, nil
	}
	return resp, nil
}

func (app *Application) queryJSON(txn *badger.Txn, resp *abcitypes.QueryResponse, key []byte) error {
	item, err := txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			resp.Code = codeNotFound
			resp.Log = "not found"
			return nil
		}
		return err
	}
	return item.Value(func(val []byte) error {
		resp.Value = append([]byte{}, val...)
		return nil
	})
}

// queryVerify runs the combined authoritative check. The argument has the
// form "<id>:<hash>"; the hash part is empty when the caller wants the
// ledger's own stored hash used (legacy payloads).
func (app *Application) queryVerify(txn *badger.Txn, resp *abcitypes.QueryResponse, arg string) error {
	parts := strings.SplitN(arg, ":", 2)
	id, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil || id == 0 {
		resp.Code = codeInvalidFormat
		resp.Log = "invalid batch id"
		return nil
	}
	providedHash := ""
	if len(parts) == 2 {
		providedHash = parts[1]
	}

	core, err := loadCore(txn, id)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			resp.Code = codeNotFound
			resp.Log = "not found"
			return nil
		}
		return err
	}
	state, err := loadState(txn, id)
	if err != nil {
		return err
	}

	// Expiry is evaluated against the wall clock on this read path; the
	// persistent sweep happens on the next write touching the batch.
	status := state.Status
	if !status.Terminal() && core.ExpiryTS > 0 && time.Now().Unix() >= core.ExpiryTS {
		status = batch.StatusExpired
	}

	hashOK := true
	if providedHash != "" && providedHash != core.ContentHash {
		hashOK = false
	}

	genuine := hashOK && !state.Recalled &&
		(status == batch.StatusApproved || status == batch.StatusInTransit ||
			status == batch.StatusAtPharmacy || status == batch.StatusSold)

	out, err := json.Marshal(VerifyResult{Genuine: genuine, Status: status.String()})
	if err != nil {
		return err
	}
	resp.Value = out
	return nil
}

// CheckTx implements the ABCI CheckTx method: structural validation only.
func (app *Application) CheckTx(_ context.Context, check *abcitypes.CheckTxRequest) (*abcitypes.CheckTxResponse, error) {
	var tx Tx
	if err := json.Unmarshal(check.Tx, &tx); err != nil {
		return &abcitypes.CheckTxResponse{Code: codeInvalidFormat, Log: "invalid transaction format"}, nil
	}
	if err := tx.ValidateShape(); err != nil {
		return &abcitypes.CheckTxResponse{Code: codeInvalidFormat, Log: err.Error()}, nil
	}
	return &abcitypes.CheckTxResponse{Code: codeOK}, nil
}

// InitChain implements the ABCI InitChain method.
func (app *Application) InitChain(_ context.Context, _ *abcitypes.InitChainRequest) (*abcitypes.InitChainResponse, error) {
	return &abcitypes.InitChainResponse{}, nil
}

// PrepareProposal implements the ABCI PrepareProposal method.
func (app *Application) PrepareProposal(_ context.Context, proposal *abcitypes.PrepareProposalRequest) (*abcitypes.PrepareProposalResponse, error) {
	return &abcitypes.PrepareProposalResponse{Txs: proposal.Txs}, nil
}

// ProcessProposal implements the ABCI ProcessProposal method. Only envelope
// shape is checked here; transition legality is enforced per transaction in
// FinalizeBlock against the latest committed state, so every replica reaches
// the same per-tx verdict regardless of proposal ordering.
func (app *Application) ProcessProposal(_ context.Context, proposal *abcitypes.ProcessProposalRequest) (*abcitypes.ProcessProposalResponse, error) {
	for _, txBytes := range proposal.Txs {
		var tx Tx
		if err := json.Unmarshal(txBytes, &tx); err != nil {
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT},
				fmt.Errorf("proposal contains malformed tx: %w", err)
		}
		if err := tx.ValidateShape(); err != nil {
			return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_REJECT},
				fmt.Errorf("proposal contains invalid tx: %w", err)
		}
	}
	return &abcitypes.ProcessProposalResponse{Status: abcitypes.PROCESS_PROPOSAL_STATUS_ACCEPT}, nil
}

// FinalizeBlock implements the ABCI FinalizeBlock method. Each transaction
// is re-validated against the state as of this point in the block, which is
// the single serialization point for all status transitions.
func (app *Application) FinalizeBlock(_ context.Context, req *abcitypes.FinalizeBlockRequest) (*abcitypes.FinalizeBlockResponse, error) {
	txResults := make([]*abcitypes.ExecTxResult, len(req.Txs))

	app.mu.Lock()
	defer app.mu.Unlock()

	app.onGoingBlock = app.badgerDB.NewTransaction(true)

	for i, txBytes := range req.Txs {
		var tx Tx
		if err := json.Unmarshal(txBytes, &tx); err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: codeInvalidFormat, Log: "invalid transaction format"}
			continue
		}
		if err := tx.ValidateShape(); err != nil {
			txResults[i] = &abcitypes.ExecTxResult{Code: codeInvalidFormat, Log: err.Error()}
			continue
		}
		txResults[i] = app.applyTx(&tx)
	}

	appHash := calculateAppHash(txResults)

	if err := app.onGoingBlock.Set([]byte(keyLastHeight), []byte(strconv.FormatInt(req.Height, 10))); err != nil {
		app.logger.Error("Storing block height", "err", err)
	}
	if err := app.onGoingBlock.Set([]byte(keyLastAppHash), appHash); err != nil {
		app.logger.Error("Storing app hash", "err", err)
	}

	return &abcitypes.FinalizeBlockResponse{
		TxResults: txResults,
		AppHash:   appHash,
	}, nil
}

// Commit implements the ABCI Commit method.
func (app *Application) Commit(_ context.Context, _ *abcitypes.CommitRequest) (*abcitypes.CommitResponse, error) {
	app.mu.Lock()
	defer app.mu.Unlock()
	if err := app.onGoingBlock.Commit(); err != nil {
		app.logger.Error("Committing block", "err", err)
	}
	return &abcitypes.CommitResponse{}, nil
}

// ListSnapshots implements the ABCI ListSnapshots method.
func (app *Application) ListSnapshots(_ context.Context, _ *abcitypes.ListSnapshotsRequest) (*abcitypes.ListSnapshotsResponse, error) {
	return &abcitypes.ListSnapshotsResponse{}, nil
}

// OfferSnapshot implements the ABCI OfferSnapshot method.
func (app *Application) OfferSnapshot(_ context.Context, _ *abcitypes.OfferSnapshotRequest) (*abcitypes.OfferSnapshotResponse, error) {
	return &abcitypes.OfferSnapshotResponse{}, nil
}

// LoadSnapshotChunk implements the ABCI LoadSnapshotChunk method.
func (app *Application) LoadSnapshotChunk(_ context.Context, _ *abcitypes.LoadSnapshotChunkRequest) (*abcitypes.LoadSnapshotChunkResponse, error) {
	return &abcitypes.LoadSnapshotChunkResponse{}, nil
}

// ApplySnapshotChunk implements the ABCI ApplySnapshotChunk method.
func (app *Application) ApplySnapshotChunk(_ context.Context, _ *abcitypes.ApplySnapshotChunkRequest) (*abcitypes.ApplySnapshotChunkResponse, error) {
	return &abcitypes.ApplySnapshotChunkResponse{Result: abcitypes.APPLY_SNAPSHOT_CHUNK_RESULT_ACCEPT}, nil
}

// ExtendVote implements the ABCI ExtendVote method.
func (app *Application) ExtendVote(_ context.Context, _ *abcitypes.ExtendVoteRequest) (*abcitypes.ExtendVoteResponse, error) {
	return &abcitypes.ExtendVoteResponse{}, nil
}

// VerifyVoteExtension implements the ABCI VerifyVoteExtension method.
func (app *Application) VerifyVoteExtension(_ context.Context, _ *abcitypes.VerifyVoteExtensionRequest) (*abcitypes.VerifyVoteExtensionResponse, error) {
	return &abcitypes.VerifyVoteExtensionResponse{}, nil
}

// applyTx executes one transaction inside the ongoing block transaction.
func (app *Application) applyTx(tx *Tx) *abcitypes.ExecTxResult {
	if tx.Kind == TxCreateBatch {
		return app.applyCreate(tx)
	}
	return app.applyTransition(tx)
}

func (app *Application) applyCreate(tx *Tx) *abcitypes.ExecTxResult {
	txn := app.onGoingBlock
	op := tx.Create

	existing, err := resolveCode(txn, op.Code)
	if err != nil {
		return storageResult(err)
	}
	if existing != 0 {
		return &abcitypes.ExecTxResult{
			Code: codeConflict,
			Log:  fmt.Sprintf("batch code %s already registered", op.Code),
		}
	}

	id, err := nextSeq(txn)
	if err != nil {
		return storageResult(err)
	}

	contentHash, err := hashing.ContentHash(op.Code, op.ProductName, op.Quantity, op.ManufactureTS, op.ExpiryTS, tx.Actor)
	if err != nil {
		return storageResult(err)
	}

	core := batch.Core{
		ID:            id,
		Code:          op.Code,
		Creator:       tx.Actor,
		ProductName:   op.ProductName,
		Quantity:      op.Quantity,
		ManufactureTS: op.ManufactureTS,
		ExpiryTS:      op.ExpiryTS,
		ContentHash:   contentHash,
	}
	state := batch.State{
		Status:    batch.StatusCreated,
		Holder:    tx.Actor,
		Location:  tx.Location,
		UpdatedAt: tx.Timestamp,
	}
	history := []batch.HistoryEvent{{
		Timestamp: tx.Timestamp,
		Location:  tx.Location,
		Status:    batch.StatusCreated,
		Actor:     tx.Actor,
		Role:      tx.Role,
		Note:      tx.Note,
	}}

	if err := storeBatch(txn, &core, &state, history); err != nil {
		return storageResult(err)
	}
	if err := txn.Set(codeKey(op.Code), formatID(id)); err != nil {
		return storageResult(err)
	}

	data := TxData{BatchID: id, Code: op.Code, Status: state.Status.String(), ContentHash: contentHash}
	return &abcitypes.ExecTxResult{
		Code:   codeOK,
		Data:   data.Marshal(),
		Events: batchEvents("batch_created", &core, &state, tx),
	}
}

func (app *Application) applyTransition(tx *Tx) *abcitypes.ExecTxResult {
	txn := app.onGoingBlock

	core, err := loadCore(txn, tx.BatchID)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return &abcitypes.ExecTxResult{Code: codeNotFound, Log: fmt.Sprintf("batch %d not found", tx.BatchID)}
		}
		return storageResult(err)
	}
	state, err := loadState(txn, tx.BatchID)
	if err != nil {
		return storageResult(err)
	}
	history, err := loadHistory(txn, tx.BatchID)
	if err != nil {
		return storageResult(err)
	}

	// Lazy expiry sweep, using the deterministic tx clock: if the batch is
	// past expiry the automatic edge fires first, and the requested
	// transition is then judged against the expired state.
	if !state.Status.Terminal() && core.ExpiryTS > 0 && tx.Timestamp >= core.ExpiryTS {
		state.Status = batch.StatusExpired
		state.UpdatedAt = tx.Timestamp
		history = append(history, batch.HistoryEvent{
			Timestamp: tx.Timestamp,
			Location:  state.Location,
			Status:    batch.StatusExpired,
			Actor:     "ledger",
			Role:      batch.RoleSystem,
			Note:      "expiry date reached",
		})
		if err := storeBatch(txn, core, state, history); err != nil {
			return storageResult(err)
		}
	}

	target, eventType := transitionTarget(tx)
	if err := batch.ValidateTransition(state.Status, target, tx.Role); err != nil {
		return transitionErrorResult(err)
	}

	if state.Status == target {
		// Location-only update: no status change, but the move is recorded.
		state.Location = tx.Location
		state.UpdatedAt = tx.Timestamp
		history = append(history, batch.HistoryEvent{
			Timestamp: tx.Timestamp,
			Location:  tx.Location,
			Status:    state.Status,
			Actor:     tx.Actor,
			Role:      tx.Role,
			Note:      tx.Note,
		})
		if err := storeBatch(txn, core, state, history); err != nil {
			return storageResult(err)
		}
		data := TxData{BatchID: core.ID, Code: core.Code, Status: state.Status.String()}
		return &abcitypes.ExecTxResult{
			Code:   codeOK,
			Data:   data.Marshal(),
			Events: batchEvents("batch_status_updated", core, state, tx),
		}
	}

	state.Status = target
	state.UpdatedAt = tx.Timestamp
	if tx.Location != "" {
		state.Location = tx.Location
	}

	switch tx.Kind {
	case TxApprove:
		state.ApprovedAt = tx.Timestamp
		state.ApprovalHash = tx.ApprovalHash
		if state.ApprovalHash == "" {
			h, herr := hashing.ApprovalHash(core.ID, tx.Actor, tx.Timestamp, string(TxApprove))
			if herr != nil {
				return storageResult(herr)
			}
			state.ApprovalHash = h
		}
	case TxRecall:
		state.Recalled = true
	case TxUpdateStatus:
		state.Holder = tx.Actor
	}

	history = append(history, batch.HistoryEvent{
		Timestamp: tx.Timestamp,
		Location:  state.Location,
		Status:    target,
		Actor:     tx.Actor,
		Role:      tx.Role,
		Note:      tx.Note,
	})

	if err := storeBatch(txn, core, state, history); err != nil {
		return storageResult(err)
	}

	data := TxData{BatchID: core.ID, Code: core.Code, Status: state.Status.String()}
	return &abcitypes.ExecTxResult{
		Code:   codeOK,
		Data:   data.Marshal(),
		Events: batchEvents(eventType, core, state, tx),
	}
}

func transitionTarget(tx *Tx) (batch.Status, string) {
	switch tx.Kind {
	case TxSubmitForApproval:
		return batch.StatusPendingApproval, "batch_submitted_for_approval"
	case TxApprove:
		return batch.StatusApproved, "batch_approved"
	case TxReject:
		return batch.StatusRejected, "batch_rejected"
	case TxRecall:
		return batch.StatusRecalled, "batch_recalled"
	default:
		return tx.Status, "batch_status_updated"
	}
}

func transitionErrorResult(err error) *abcitypes.ExecTxResult {
	code := codeIllegal
	switch {
	case errors.Is(err, batch.ErrUnauthorizedRole):
		code = codeUnauthorized
	case errors.Is(err, batch.ErrAlreadyTerminal):
		code = codeTerminal
	}
	return &abcitypes.ExecTxResult{Code: uint32(code), Log: err.Error()}
}

func storageResult(err error) *abcitypes.ExecTxResult {
	return &abcitypes.ExecTxResult{Code: codeStorage, Log: fmt.Sprintf("storage error: %v", err)}
}

func batchEvents(eventType string, core *batch.Core, state *batch.State, tx *Tx) []abcitypes.Event {
	return []abcitypes.Event{
		{
			Type: eventType,
			Attributes: []abcitypes.EventAttribute{
				{Key: "batch_id", Value: strconv.FormatUint(core.ID, 10), Index: true},
				{Key: "code", Value: core.Code, Index: true},
				{Key: "status", Value: state.Status.String(), Index: true},
				{Key: "actor", Value: tx.Actor, Index: true},
				{Key: "role", Value: string(tx.Role), Index: false},
			},
		},
	}
}

// Storage helpers. All of them read through the supplied transaction so that
// FinalizeBlock sees its own uncommitted writes.

func loadCore(txn *badger.Txn, id uint64) (*batch.Core, error) {
	return loadInto[batch.Core](txn, coreKey(id))
}

func loadState(txn *badger.Txn, id uint64) (*batch.State, error) {
	return loadInto[batch.State](txn, stateKey(id))
}

func loadHistory(txn *badger.Txn, id uint64) ([]batch.HistoryEvent, error) {
	events, err := loadInto[[]batch.HistoryEvent](txn, historyKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return *events, nil
}

func loadInto[T any](txn *badger.Txn, key []byte) (*T, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var out T
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &out)
	}); err != nil {
		return nil, err
	}
	return &out, nil
}

func storeBatch(txn *badger.Txn, core *batch.Core, state *batch.State, history []batch.HistoryEvent) error {
	coreRaw, err := json.Marshal(core)
	if err != nil {
		return err
	}
	stateRaw, err := json.Marshal(state)
	if err != nil {
		return err
	}
	historyRaw, err := json.Marshal(history)
	if err != nil {
		return err
	}
	if err := txn.Set(coreKey(core.ID), coreRaw); err != nil {
		return err
	}
	if err := txn.Set(stateKey(core.ID), stateRaw); err != nil {
		return err
	}
	return txn.Set(historyKey(core.ID), historyRaw)
}

func resolveCode(txn *badger.Txn, code string) (uint64, error) {
	item, err := txn.Get(codeKey(code))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return 0, nil
		}
		return 0, err
	}
	var id uint64
	if err := item.Value(func(val []byte) error {
		parsed, perr := parseID(val)
		if perr != nil {
			return perr
		}
		id = parsed
		return nil
	}); err != nil {
		return 0, err
	}
	return id, nil
}

func nextSeq(txn *badger.Txn) (uint64, error) {
	var last uint64
	item, err := txn.Get([]byte(keySeq))
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return 0, err
	}
	if err == nil {
		if verr := item.Value(func(val []byte) error {
			parsed, perr := parseID(val)
			if perr != nil {
				return perr
			}
			last = parsed
			return nil
		}); verr != nil {
			return 0, verr
		}
	}
	next := last + 1
	if err := txn.Set([]byte(keySeq), formatID(next)); err != nil {
		return 0, err
	}
	return next, nil
}

func coreKeyFromQuery(query, prefix string) []byte {
	id, _ := strconv.ParseUint(strings.TrimPrefix(query, prefix), 10, 64)
	return coreKey(id)
}

func stateKeyFromQuery(query, prefix string) []byte {
	id, _ := strconv.ParseUint(strings.TrimPrefix(query, prefix), 10, 64)
	return stateKey(id)
}

func historyKeyFromQuery(query, prefix string) []byte {
	id, _ := strconv.ParseUint(strings.TrimPrefix(query, prefix), 10, 64)
	return historyKey(id)
}

func calculateAppHash(txResults []*abcitypes.ExecTxResult) []byte {
	allData := make([]byte, 0)
	for _, result := range txResults {
		allData = append(allData, result.Data...)
	}
	hash := sha256.Sum256(allData)
	return hash[:]
}
