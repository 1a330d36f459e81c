package verify

// Verdict is the closed set of verification outcomes.
type Verdict string

const (
	// VerdictGenuine: hash and status checks passed.
	VerdictGenuine Verdict = "Genuine"
	// VerdictTampered: the payload failed the hash reconciliation or the
	// ledger's authoritative check. Terminal and never retried.
	VerdictTampered Verdict = "Tampered"
	// VerdictExpired: legitimate batch past its expiry date.
	VerdictExpired Verdict = "Expired"
	// VerdictRecalled: legitimate batch under an active recall.
	VerdictRecalled Verdict = "Recalled"
	// VerdictNotApproved: status precedes regulatory approval, or Rejected.
	VerdictNotApproved Verdict = "NotApproved"
	// VerdictNotFound: the code resolves nowhere, ledger or cache.
	VerdictNotFound Verdict = "NotFound"
)

// Result is the structured outcome of one verification call. Batch metadata
// is attached to every non-crash outcome so a caller can render a result
// even on failure. BlockchainVerified is false whenever the classification
// came from the degraded local path instead of the ledger.
type Result struct {
	Verdict            Verdict `json:"verdict"`
	BlockchainVerified bool    `json:"blockchain_verified"`
	Reason             string  `json:"reason,omitempty"`

	Code         string `json:"code,omitempty"`
	ProductName  string `json:"product_name,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	ExpiryTS     int64  `json:"expiry_ts,omitempty"`
	Status       string `json:"status,omitempty"`
}
