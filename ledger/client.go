package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	cmtbytes "github.com/cometbft/cometbft/libs/bytes"
	cmtlog "github.com/cometbft/cometbft/libs/log"
	rpcclient "github.com/cometbft/cometbft/rpc/client"
	cmttypes "github.com/cometbft/cometbft/types"
	"github.com/google/uuid"

	"github.com/pharmatrace/pharmatrace/batch"
)

// Client-facing errors. ErrUnavailable marks network-level failures the
// caller may degrade from; the others are definitive answers.
var (
	ErrNotFound    = errors.New("ledger: not found")
	ErrUnavailable = errors.New("ledger: unavailable")
	ErrConflict    = errors.New("ledger: conflict")
	ErrRejected    = errors.New("ledger: transaction rejected")
)

// Actor identifies who requests a write and in which role. Role is a
// mandatory structured field on every transition request.
type Actor struct {
	ID   string
	Role batch.Role
}

// SubmitResult reports a committed write.
type SubmitResult struct {
	TxHash      string `json:"tx_hash"`
	Height      int64  `json:"height"`
	BatchID     uint64 `json:"batch_id"`
	Status      string `json:"status"`
	ContentHash string `json:"content_hash,omitempty"`
}

// Reader is the narrow read interface the verification engine consumes. It
// is passed explicitly into every caller so tests can substitute a mock.
type Reader interface {
	ResolveCode(ctx context.Context, code string) (uint64, error)
	FetchCore(ctx context.Context, id uint64) (*batch.Core, error)
	FetchState(ctx context.Context, id uint64) (*batch.State, error)
	FetchHistory(ctx context.Context, id uint64) ([]batch.HistoryEvent, error)
	// AuthoritativeVerify runs the ledger's combined hash+status+expiry+recall
	// check in one atomic read. contentHash may be empty, in which case the
	// ledger uses its own stored hash.
	AuthoritativeVerify(ctx context.Context, id uint64, contentHash string) (*VerifyResult, error)
}

// Writer is the transition-submission interface.
type Writer interface {
	CreateBatch(ctx context.Context, op CreateOp, actor Actor, location string) (*SubmitResult, error)
	SubmitForApproval(ctx context.Context, id uint64, actor Actor) (*SubmitResult, error)
	Approve(ctx context.Context, id uint64, actor Actor, approvalHash string) (*SubmitResult, error)
	Reject(ctx context.Context, id uint64, actor Actor, reason string) (*SubmitResult, error)
	UpdateStatus(ctx context.Context, id uint64, actor Actor, newStatus batch.Status, location string) (*SubmitResult, error)
	Recall(ctx context.Context, id uint64, actor Actor, reason string) (*SubmitResult, error)
}

// Client is the full ledger interface.
type Client interface {
	Reader
	Writer
}

// RPCClient talks to the ledger through a CometBFT RPC client (local or
// http). Every call carries a timeout; a ledger that does not answer in time
// surfaces ErrUnavailable rather than hanging the request.
type RPCClient struct {
	rpc     rpcclient.Client
	timeout time.Duration
	logger  cmtlog.Logger
}

func NewRPCClient(rpc rpcclient.Client, timeout time.Duration, logger cmtlog.Logger) *RPCClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RPCClient{rpc: rpc, timeout: timeout, logger: logger}
}

func (c *RPCClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

// abciQuery performs one ledger read and maps response codes to errors.
func (c *RPCClient) abciQuery(ctx context.Context, data string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.rpc.ABCIQuery(ctx, "", cmtbytes.HexBytes(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	switch res.Response.Code {
	case codeOK:
		return res.Response.Value, nil
	case codeNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("%w: query failed (code %d): %s", ErrUnavailable, res.Response.Code, res.Response.Log)
	}
}

func (c *RPCClient) ResolveCode(ctx context.Context, code string) (uint64, error) {
	val, err := c.abciQuery(ctx, "code:"+code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, err
	}
	id, err := parseID(val)
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (c *RPCClient) FetchCore(ctx context.Context, id uint64) (*batch.Core, error) {
	return fetchJSON[batch.Core](c, ctx, "core:"+strconv.FormatUint(id, 10))
}

func (c *RPCClient) FetchState(ctx context.Context, id uint64) (*batch.State, error) {
	return fetchJSON[batch.State](c, ctx, "state:"+strconv.FormatUint(id, 10))
}

func (c *RPCClient) FetchHistory(ctx context.Context, id uint64) ([]batch.HistoryEvent, error) {
	events, err := fetchJSON[[]batch.HistoryEvent](c, ctx, "history:"+strconv.FormatUint(id, 10))
	if err != nil {
		return nil, err
	}
	return *events, nil
}

func (c *RPCClient) AuthoritativeVerify(ctx context.Context, id uint64, contentHash string) (*VerifyResult, error) {
	query := fmt.Sprintf("verify:%d:%s", id, contentHash)
	return fetchJSON[VerifyResult](c, ctx, query)
}

func fetchJSON[T any](c *RPCClient, ctx context.Context, query string) (*T, error) {
	val, err := c.abciQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(val, &out); err != nil {
		return nil, fmt.Errorf("decoding ledger response for %q: %w", query, err)
	}
	return &out, nil
}

// Write operations. Each builds a canonical tx envelope and waits for the
// commit; the ledger re-validates legality at finalization, so a stale
// client still cannot force an illegal transition through.

func (c *RPCClient) CreateBatch(ctx context.Context, op CreateOp, actor Actor, location string) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:     TxCreateBatch,
		Actor:    actor.ID,
		Role:     actor.Role,
		Create:   &op,
		Location: location,
	})
}

func (c *RPCClient) SubmitForApproval(ctx context.Context, id uint64, actor Actor) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:    TxSubmitForApproval,
		Actor:   actor.ID,
		Role:    actor.Role,
		BatchID: id,
	})
}

func (c *RPCClient) Approve(ctx context.Context, id uint64, actor Actor, approvalHash string) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:         TxApprove,
		Actor:        actor.ID,
		Role:         actor.Role,
		BatchID:      id,
		ApprovalHash: approvalHash,
	})
}

func (c *RPCClient) Reject(ctx context.Context, id uint64, actor Actor, reason string) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:    TxReject,
		Actor:   actor.ID,
		Role:    actor.Role,
		BatchID: id,
		Note:    reason,
	})
}

func (c *RPCClient) UpdateStatus(ctx context.Context, id uint64, actor Actor, newStatus batch.Status, location string) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:     TxUpdateStatus,
		Actor:    actor.ID,
		Role:     actor.Role,
		BatchID:  id,
		Status:   newStatus,
		Location: location,
	})
}

func (c *RPCClient) Recall(ctx context.Context, id uint64, actor Actor, reason string) (*SubmitResult, error) {
	return c.broadcast(ctx, &Tx{
		Kind:    TxRecall,
		Actor:   actor.ID,
		Role:    actor.Role,
		BatchID: id,
		Note:    reason,
	})
}

func (c *RPCClient) broadcast(ctx context.Context, tx *Tx) (*SubmitResult, error) {
	tx.Nonce = uuid.NewString()
	tx.Timestamp = time.Now().Unix()

	if err := tx.ValidateShape(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRejected, err)
	}

	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("serializing tx: %w", err)
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	res, err := c.rpc.BroadcastTxCommit(ctx, cmttypes.Tx(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if res.CheckTx.Code != codeOK {
		return nil, fmt.Errorf("%w: checktx code %d: %s", ErrRejected, res.CheckTx.Code, res.CheckTx.Log)
	}
	if res.TxResult.Code != codeOK {
		return nil, txResultError(res.TxResult.Code, res.TxResult.Log)
	}

	var data TxData
	if len(res.TxResult.Data) > 0 {
		if err := json.Unmarshal(res.TxResult.Data, &data); err != nil {
			c.logger.Error("Decoding tx result data", "err", err)
		}
	}

	return &SubmitResult{
		TxHash:      res.Hash.String(),
		Height:      res.Height,
		BatchID:     data.BatchID,
		Status:      data.Status,
		ContentHash: data.ContentHash,
	}, nil
}

func txResultError(code uint32, log string) error {
	switch code {
	case codeIllegal:
		return fmt.Errorf("%w: %s", batch.ErrIllegalTransition, log)
	case codeUnauthorized:
		return fmt.Errorf("%w: %s", batch.ErrUnauthorizedRole, log)
	case codeTerminal:
		return fmt.Errorf("%w: %s", batch.ErrAlreadyTerminal, log)
	case codeNotFound:
		return fmt.Errorf("%w: %s", ErrNotFound, log)
	case codeConflict:
		return fmt.Errorf("%w: %s", ErrConflict, log)
	default:
		return fmt.Errorf("%w: code %d: %s", ErrRejected, code, log)
	}
}
