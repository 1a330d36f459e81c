package batch

// Core holds the immutable fields of a batch, set once at creation. The
// content hash is a pure function of the other fields plus the creator
// identity and never changes afterwards.
type Core struct {
	ID            uint64 `json:"id"`
	Code          string `json:"code"`
	Creator       string `json:"creator"`
	ProductName   string `json:"product_name"`
	Quantity      uint64 `json:"quantity"`
	ManufactureTS int64  `json:"manufacture_ts"` // unix seconds
	ExpiryTS      int64  `json:"expiry_ts"`      // unix seconds
	ContentHash   string `json:"content_hash"`
}

// State holds the mutable, ledger-owned fields of a batch. There is exactly
// one live State per batch; once a terminal status is reached no field
// changes again.
type State struct {
	Status       Status `json:"status"`
	ApprovedAt   int64  `json:"approved_at,omitempty"`
	ApprovalHash string `json:"approval_hash,omitempty"`
	Holder       string `json:"holder"`
	Location     string `json:"location"`
	Recalled     bool   `json:"recalled"`
	UpdatedAt    int64  `json:"updated_at"`
}

// HistoryEvent is one entry of a batch's append-only history. Role is a
// mandatory structured field on every transition; events mirrored from
// ledgers that predate the field may carry an empty Role, in which case the
// projector falls back to note inspection and marks the result inferred.
type HistoryEvent struct {
	Timestamp int64  `json:"timestamp"`
	Location  string `json:"location"`
	Status    Status `json:"status"`
	Actor     string `json:"actor"`
	Role      Role   `json:"role,omitempty"`
	Note      string `json:"note,omitempty"`
}

// VerificationPayload is the ephemeral document carried by a QR code or
// manual entry. Only Code is required; ContentHash is absent on payloads
// issued before hash embedding existed (legacy mode).
type VerificationPayload struct {
	Code         string `json:"code"`
	ProductName  string `json:"productName,omitempty"`
	Creator      string `json:"creator,omitempty"`
	MfgTimestamp int64  `json:"mfgTimestamp,omitempty"`
	ExpTimestamp int64  `json:"expTimestamp,omitempty"`
	Quantity     uint64 `json:"quantity,omitempty"`
	ContentHash  string `json:"contentHash,omitempty"`
}
