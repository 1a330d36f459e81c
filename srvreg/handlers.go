package srvreg

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pharmatrace/pharmatrace/batch"
	"github.com/pharmatrace/pharmatrace/hashing"
	"github.com/pharmatrace/pharmatrace/ledger"
	"github.com/pharmatrace/pharmatrace/repository/models"
)

var defaultHeaders = map[string]string{"Content-Type": "application/json"}

func jsonResponse(status int, v any) *Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return &Response{
			StatusCode: http.StatusInternalServerError,
			Headers:    defaultHeaders,
			Body:       `{"error":"Failed to encode response"}`,
		}
	}
	return &Response{
		StatusCode: status,
		Headers:    defaultHeaders,
		Body:       string(raw),
	}
}

func errorResponse(status int, msg string) *Response {
	return jsonResponse(status, map[string]string{"error": msg})
}

// resolveActor validates the acting organization against the directory and
// returns its registered role. Identity is declared, not authenticated;
// authentication is out of scope here, but the role gate still rejects an
// actor acting outside its registered capacity.
func (sr *ServiceRegistry) resolveActor(actorID string) (ledger.Actor, *Response) {
	if actorID == "" {
		return ledger.Actor{}, errorResponse(http.StatusBadRequest, "actor_id is required")
	}
	org, dbErr := sr.repository.OrganizationByID(actorID)
	if dbErr != nil {
		if dbErr.Code == "ENTITY_NOT_FOUND" {
			return ledger.Actor{}, errorResponse(http.StatusForbidden, "actor is not a registered organization")
		}
		sr.logger.Error("Resolving actor", "actor", actorID, "err", dbErr)
		return ledger.Actor{}, errorResponse(http.StatusInternalServerError, "Internal server error")
	}
	return ledger.Actor{ID: org.ID, Role: batch.Role(org.Role)}, nil
}

// resolveBatchRef accepts either a numeric ledger id or a public batch code.
func (sr *ServiceRegistry) resolveBatchRef(ctx context.Context, ref string) (uint64, *Response) {
	if ref == "" {
		return 0, errorResponse(http.StatusBadRequest, "batch reference is required")
	}
	if id, err := strconv.ParseUint(ref, 10, 64); err == nil && id > 0 {
		return id, nil
	}
	id, err := sr.ledger.ResolveCode(ctx, ref)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return 0, errorResponse(http.StatusNotFound, fmt.Sprintf("batch %s does not exist", ref))
		}
		return 0, errorResponse(http.StatusServiceUnavailable, "ledger unavailable")
	}
	return id, nil
}

func ledgerErrorResponse(err error) *Response {
	switch {
	case errors.Is(err, batch.ErrAlreadyTerminal):
		return errorResponse(http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrIllegalTransition):
		return errorResponse(http.StatusConflict, err.Error())
	case errors.Is(err, batch.ErrUnauthorizedRole):
		return errorResponse(http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrNotFound):
		return errorResponse(http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrConflict):
		return errorResponse(http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrUnavailable):
		return errorResponse(http.StatusServiceUnavailable, "ledger unavailable")
	default:
		return errorResponse(http.StatusInternalServerError, err.Error())
	}
}

// precheckTransition rejects obviously illegal transitions before they enter
// consensus. The ledger re-validates at finalization, so this is a fast-fail
// courtesy, never the security boundary.
func (sr *ServiceRegistry) precheckTransition(ctx context.Context, id uint64, target batch.Status, role batch.Role) *Response {
	state, err := sr.ledger.FetchState(ctx, id)
	if err != nil {
		return ledgerErrorResponse(err)
	}
	if err := batch.ValidateTransition(state.Status, target, role); err != nil {
		return ledgerErrorResponse(err)
	}
	return nil
}

type createBatchBody struct {
	Code         string `json:"code"`
	ProductName  string `json:"product_name"`
	Quantity     uint64 `json:"quantity"`
	MfgTimestamp int64  `json:"mfg_timestamp"`
	ExpTimestamp int64  `json:"exp_timestamp"`
	ActorID      string `json:"actor_id"`
	Location     string `json:"location"`
}

// CreateBatchHandler registers a new batch on the ledger
func (sr *ServiceRegistry) CreateBatchHandler(req *Request) (*Response, error) {
	var body createBatchBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return errorResponse(http.StatusUnprocessableEntity, fmt.Sprintf("Invalid body format: %s", err.Error())), nil
	}
	if body.Code == "" || body.ProductName == "" {
		return errorResponse(http.StatusBadRequest, "code and product_name are required"), nil
	}

	actor, errResp := sr.resolveActor(body.ActorID)
	if errResp != nil {
		return errResp, nil
	}
	if actor.Role != batch.RoleManufacturer {
		return errorResponse(http.StatusForbidden, "only a manufacturer can create a batch"), nil
	}

	result, err := sr.ledger.CreateBatch(context.Background(), ledger.CreateOp{
		Code:          body.Code,
		ProductName:   body.ProductName,
		Quantity:      body.Quantity,
		ManufactureTS: body.MfgTimestamp,
		ExpiryTS:      body.ExpTimestamp,
	}, actor, body.Location)
	if err != nil {
		return ledgerErrorResponse(err), nil
	}

	return jsonResponse(http.StatusCreated, map[string]any{
		"message":      "Batch registered",
		"batch_id":     result.BatchID,
		"code":         body.Code,
		"status":       result.Status,
		"content_hash": result.ContentHash,
		"tx_hash":      result.TxHash,
		"height":       result.Height,
	}), nil
}

type actorBody struct {
	ActorID string `json:"actor_id"`
	Reason  string `json:"reason"`
}

func (sr *ServiceRegistry) SubmitBatchHandler(req *Request) (*Response, error) {
	return sr.runTransition(req, batch.StatusPendingApproval, func(ctx context.Context, id uint64, actor ledger.Actor, _ actorBody) (*ledger.SubmitResult, error) {
		return sr.ledger.SubmitForApproval(ctx, id, actor)
	})
}

func (sr *ServiceRegistry) ApproveBatchHandler(req *Request) (*Response, error) {
	return sr.runTransition(req, batch.StatusApproved, func(ctx context.Context, id uint64, actor ledger.Actor, _ actorBody) (*ledger.SubmitResult, error) {
		approvalHash, err := hashing.ApprovalHash(id, actor.ID, time.Now().Unix(), "approve")
		if err != nil {
			return nil, err
		}
		return sr.ledger.Approve(ctx, id, actor, approvalHash)
	})
}

func (sr *ServiceRegistry) RejectBatchHandler(req *Request) (*Response, error) {
	return sr.runTransition(req, batch.StatusRejected, func(ctx context.Context, id uint64, actor ledger.Actor, body actorBody) (*ledger.SubmitResult, error) {
		return sr.ledger.Reject(ctx, id, actor, body.Reason)
	})
}

func (sr *ServiceRegistry) RecallBatchHandler(req *Request) (*Response, error) {
	return sr.runTransition(req, batch.StatusRecalled, func(ctx context.Context, id uint64, actor ledger.Actor, body actorBody) (*ledger.SubmitResult, error) {
		return sr.ledger.Recall(ctx, id, actor, body.Reason)
	})
}

// runTransition is the shared body of the single-target transition handlers:
// parse, resolve actor, precheck locally, then submit through consensus.
func (sr *ServiceRegistry) runTransition(
	req *Request,
	target batch.Status,
	submit func(ctx context.Context, id uint64, actor ledger.Actor, body actorBody) (*ledger.SubmitResult, error),
) (*Response, error) {
	var body actorBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return errorResponse(http.StatusUnprocessableEntity, fmt.Sprintf("Invalid body format: %s", err.Error())), nil
	}

	actor, errResp := sr.resolveActor(body.ActorID)
	if errResp != nil {
		return errResp, nil
	}

	ctx := context.Background()
	id, errResp := sr.resolveBatchRef(ctx, pathPart(req.Path, 2))
	if errResp != nil {
		return errResp, nil
	}

	if errResp := sr.precheckTransition(ctx, id, target, actor.Role); errResp != nil {
		return errResp, nil
	}

	result, err := submit(ctx, id, actor, body)
	if err != nil {
		return ledgerErrorResponse(err), nil
	}

	return jsonResponse(http.StatusAccepted, map[string]any{
		"message":  fmt.Sprintf("Batch transitioned to %s", result.Status),
		"batch_id": result.BatchID,
		"status":   result.Status,
		"tx_hash":  result.TxHash,
		"height":   result.Height,
	}), nil
}

type updateStatusBody struct {
	ActorID  string `json:"actor_id"`
	Status   string `json:"status"`
	Location string `json:"location"`
}

// UpdateStatusHandler moves a batch along the distribution path (InTransit,
// AtPharmacy, Sold) or records a location-only update at the same status.
func (sr *ServiceRegistry) UpdateStatusHandler(req *Request) (*Response, error) {
	var body updateStatusBody
	if err := json.Unmarshal([]byte(req.Body), &body); err != nil {
		sr.logger.Info("Failed to parse body", "error", err.Error())
		return errorResponse(http.StatusUnprocessableEntity, fmt.Sprintf("Invalid body format: %s", err.Error())), nil
	}

	target, err := batch.ParseStatus(body.Status)
	if err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}

	actor, errResp := sr.resolveActor(body.ActorID)
	if errResp != nil {
		return errResp, nil
	}

	ctx := context.Background()
	id, errResp := sr.resolveBatchRef(ctx, pathPart(req.Path, 2))
	if errResp != nil {
		return errResp, nil
	}

	if errResp := sr.precheckTransition(ctx, id, target, actor.Role); errResp != nil {
		return errResp, nil
	}

	result, err := sr.ledger.UpdateStatus(ctx, id, actor, target, body.Location)
	if err != nil {
		return ledgerErrorResponse(err), nil
	}

	return jsonResponse(http.StatusAccepted, map[string]any{
		"message":  fmt.Sprintf("Batch transitioned to %s", result.Status),
		"batch_id": result.BatchID,
		"status":   result.Status,
		"tx_hash":  result.TxHash,
		"height":   result.Height,
	}), nil
}

// VerifyHandler runs one verification against the ledger, degrading to the
// local mirror when the ledger cannot answer. The HTTP status is 200 for any
// completed verification; the verdict lives in the body.
func (sr *ServiceRegistry) VerifyHandler(req *Request) (*Response, error) {
	result := sr.engine.Verify(context.Background(), []byte(req.Body))
	return jsonResponse(http.StatusOK, result), nil
}

// GetBatchHandler serves a batch from the local mirror, with its projected
// supply-chain history.
func (sr *ServiceRegistry) GetBatchHandler(req *Request) (*Response, error) {
	code := pathPart(req.Path, 2)
	record, dbErr := sr.repository.BatchByCode(code)
	if dbErr != nil {
		if dbErr.Code == "ENTITY_NOT_FOUND" {
			return errorResponse(http.StatusNotFound, dbErr.Detail), nil
		}
		sr.logger.Error("Loading batch", "code", code, "err", dbErr)
		return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
	}

	return jsonResponse(http.StatusOK, map[string]any{
		"batch_id":       record.LedgerID,
		"code":           record.Code,
		"product_name":   record.ProductName,
		"creator":        record.Creator,
		"quantity":       record.Quantity,
		"manufacture_ts": record.ManufactureTS,
		"expiry_ts":      record.ExpiryTS,
		"content_hash":   record.ContentHash,
		"status":         batch.Status(record.Status).String(),
		"holder":         record.Holder,
		"location":       record.Location,
		"recalled":       record.Recalled,
		"history":        projectEvents(record.Events),
	}), nil
}

// GetBatchHistoryHandler serves only the projected stage view.
func (sr *ServiceRegistry) GetBatchHistoryHandler(req *Request) (*Response, error) {
	code := pathPart(req.Path, 2)
	record, dbErr := sr.repository.BatchByCode(code)
	if dbErr != nil {
		if dbErr.Code == "ENTITY_NOT_FOUND" {
			return errorResponse(http.StatusNotFound, dbErr.Detail), nil
		}
		sr.logger.Error("Loading batch history", "code", code, "err", dbErr)
		return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
	}

	return jsonResponse(http.StatusOK, map[string]any{
		"code":    record.Code,
		"history": projectEvents(record.Events),
	}), nil
}

func projectEvents(rows []models.BatchEvent) []batch.StageEvent {
	events := make([]batch.HistoryEvent, 0, len(rows))
	for _, row := range rows {
		events = append(events, batch.HistoryEvent{
			Timestamp: row.Timestamp,
			Location:  row.Location,
			Status:    batch.Status(row.Status),
			Actor:     row.Actor,
			Role:      batch.Role(row.Role),
			Note:      row.Note,
		})
	}
	return batch.Project(events)
}

// ListOrganizationsHandler serves the participant directory.
func (sr *ServiceRegistry) ListOrganizationsHandler(req *Request) (*Response, error) {
	orgs, dbErr := sr.repository.Organizations()
	if dbErr != nil {
		sr.logger.Error("Listing organizations", "err", dbErr)
		return errorResponse(http.StatusInternalServerError, "Internal server error"), nil
	}
	return jsonResponse(http.StatusOK, map[string]any{"organizations": orgs}), nil
}
