package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/pharmatrace/pharmatrace/batch"
)

// TxKind enumerates the operations the ledger accepts.
type TxKind string

const (
	TxCreateBatch       TxKind = "create_batch"
	TxSubmitForApproval TxKind = "submit_for_approval"
	TxApprove           TxKind = "approve"
	TxReject            TxKind = "reject"
	TxUpdateStatus      TxKind = "update_status"
	TxRecall            TxKind = "recall"
)

// CreateOp carries the immutable core fields of a new batch. The ledger
// computes the content hash itself so that the stored hash can never diverge
// from the stored fields.
type CreateOp struct {
	Code          string `json:"code"`
	ProductName   string `json:"product_name"`
	Quantity      uint64 `json:"quantity"`
	ManufactureTS int64  `json:"manufacture_ts"`
	ExpiryTS      int64  `json:"expiry_ts"`
}

// Tx is the canonical transaction envelope replicated through consensus.
// Timestamp is set by the originating node and is the deterministic clock
// every replica uses when applying the transaction.
type Tx struct {
	Kind      TxKind     `json:"kind"`
	Nonce     string     `json:"nonce"`
	Actor     string     `json:"actor"`
	Role      batch.Role `json:"role"`
	Timestamp int64      `json:"timestamp"`

	Create       *CreateOp    `json:"create,omitempty"`
	BatchID      uint64       `json:"batch_id,omitempty"`
	Status       batch.Status `json:"status,omitempty"`
	Location     string       `json:"location,omitempty"`
	Note         string       `json:"note,omitempty"`
	ApprovalHash string       `json:"approval_hash,omitempty"`
}

// ValidateShape checks the envelope before it enters consensus. It is the
// CheckTx-level gate: structural only, no state reads.
func (tx *Tx) ValidateShape() error {
	if tx.Actor == "" {
		return fmt.Errorf("tx missing actor")
	}
	if !batch.ValidRole(tx.Role) {
		return fmt.Errorf("tx has unknown role %q", tx.Role)
	}
	if tx.Timestamp <= 0 {
		return fmt.Errorf("tx missing timestamp")
	}
	switch tx.Kind {
	case TxCreateBatch:
		if tx.Create == nil {
			return fmt.Errorf("create_batch tx missing create fields")
		}
		if tx.Create.Code == "" || tx.Create.ProductName == "" {
			return fmt.Errorf("create_batch tx missing code or product name")
		}
		if tx.Create.Quantity == 0 {
			return fmt.Errorf("create_batch tx has zero quantity")
		}
		if tx.Create.ExpiryTS <= tx.Create.ManufactureTS {
			return fmt.Errorf("create_batch tx expiry precedes manufacture")
		}
	case TxSubmitForApproval, TxApprove, TxReject, TxRecall:
		if tx.BatchID == 0 {
			return fmt.Errorf("%s tx missing batch id", tx.Kind)
		}
	case TxUpdateStatus:
		if tx.BatchID == 0 {
			return fmt.Errorf("update_status tx missing batch id")
		}
		if !tx.Status.Valid() {
			return fmt.Errorf("update_status tx has invalid status %d", tx.Status)
		}
	default:
		return fmt.Errorf("unknown tx kind %q", tx.Kind)
	}
	return nil
}

// TxData is the result payload placed in ExecTxResult.Data on success.
type TxData struct {
	BatchID     uint64 `json:"batch_id"`
	Code        string `json:"code"`
	Status      string `json:"status"`
	ContentHash string `json:"content_hash,omitempty"`
}

func (d *TxData) Marshal() []byte {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil
	}
	return raw
}
