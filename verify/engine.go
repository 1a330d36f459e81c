// Package verify implements the patient-facing verification protocol: an
// encoded payload is reconciled against the authoritative ledger, with a
// degraded local-snapshot path when the ledger cannot be reached.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	cmtlog "github.com/cometbft/cometbft/libs/log"

	"github.com/pharmatrace/pharmatrace/batch"
	"github.com/pharmatrace/pharmatrace/ledger"
)

// Snapshot is a non-authoritative local copy of a batch, as mirrored by the
// cache sync. It backs the fallback path only.
type Snapshot struct {
	Code          string
	ProductName   string
	Creator       string
	Quantity      uint64
	ManufactureTS int64
	ExpiryTS      int64
	Status        batch.Status
	Recalled      bool
	ContentHash   string
}

// SnapshotCache looks up locally cached batches by public code. A nil
// snapshot with nil error means the code is not cached.
type SnapshotCache interface {
	SnapshotByCode(ctx context.Context, code string) (*Snapshot, error)
}

// Engine runs verifications. It is stateless per call: any number of
// verifications may be in flight concurrently. The ledger handle is passed
// in explicitly, never held as ambient state; a nil Ledger means no ledger
// endpoint is configured at all.
type Engine struct {
	Ledger  ledger.Reader
	Cache   SnapshotCache
	Timeout time.Duration
	Logger  cmtlog.Logger
	Now     func() time.Time
}

func NewEngine(ledgerClient ledger.Reader, cache SnapshotCache, timeout time.Duration, logger cmtlog.Logger) *Engine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Engine{
		Ledger:  ledgerClient,
		Cache:   cache,
		Timeout: timeout,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Verify parses a raw payload document and verifies it. A document that
// cannot be parsed, or that omits the public code, is classified Tampered:
// a legitimate issuer never omits the code.
func (e *Engine) Verify(ctx context.Context, raw []byte) *Result {
	var payload batch.VerificationPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return &Result{
			Verdict: VerdictTampered,
			Reason:  "invalid payload format",
		}
	}
	return e.VerifyPayload(ctx, &payload)
}

// VerifyPayload runs the ordered verification algorithm:
//
//  1. payload sanity (code present)
//  2. ledger configured?           -> else local fallback
//  3. resolve code to batch id     -> failure falls back, not NotFound:
//     a ledger hiccup is indistinguishable from absence
//  4. fetch core + state
//  5. hash reconciliation: embedded hash vs the ledger's stored hash,
//     byte for byte; mismatch is terminal Tampered
//  6. ledger's combined authoritative check classifies the outcome
//  7. fallback: classify from the local snapshot, flagged not
//     blockchain-verified
//
// The embedded hash is compared only against the ledger's stored hash. The
// payload's visible fields are deliberately never recomputed into a hash
// client-side; the hash is an anti-substitution anchor, not a field-level
// integrity check.
func (e *Engine) VerifyPayload(ctx context.Context, payload *batch.VerificationPayload) *Result {
	if payload.Code == "" {
		return &Result{
			Verdict:     VerdictTampered,
			Reason:      "invalid payload format: missing code",
			ProductName: payload.ProductName,
		}
	}

	if e.Ledger == nil {
		return e.fallback(ctx, payload, "no ledger configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.Timeout)
	defer cancel()

	id, err := e.Ledger.ResolveCode(ctx, payload.Code)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return e.fallback(ctx, payload, "ledger unreachable")
	}
	if id == 0 {
		// Second-chance local check before reporting absence.
		return e.fallback(ctx, payload, "code not on ledger")
	}

	core, err := e.Ledger.FetchCore(ctx, id)
	if err != nil {
		return e.fallback(ctx, payload, "ledger unreachable")
	}
	state, err := e.Ledger.FetchState(ctx, id)
	if err != nil {
		return e.fallback(ctx, payload, "ledger unreachable")
	}

	// Primary anti-tamper gate. A payload without an embedded hash is a
	// legacy payload and proceeds to the authoritative check, which then
	// runs against the ledger's own stored hash.
	if payload.ContentHash != "" && payload.ContentHash != core.ContentHash {
		res := e.resultFromCore(VerdictTampered, core, state.Status.String(), true)
		res.Reason = "content hash does not match ledger record"
		return res
	}

	check, err := e.Ledger.AuthoritativeVerify(ctx, id, payload.ContentHash)
	if err != nil {
		return e.fallback(ctx, payload, "ledger unreachable")
	}

	status, perr := batch.ParseStatus(check.Status)
	if perr != nil {
		if e.Logger != nil {
			e.Logger.Error("Ledger returned unknown status label", "label", check.Status)
		}
		return e.fallback(ctx, payload, "ledger returned malformed status")
	}

	verdict, reason := classifyAuthoritative(check.Genuine, status)
	res := e.resultFromCore(verdict, core, status.String(), true)
	res.Reason = reason
	return res
}

// classifyAuthoritative maps the ledger's combined check to a verdict. The
// ledger's status label is authoritative over any client-side derivation: it
// observes live expiry and recall flags a snapshot might miss. Recall and
// expiry outrank a hash verdict, so a recalled batch reports Recalled
// regardless of hash match.
func classifyAuthoritative(genuine bool, status batch.Status) (Verdict, string) {
	switch status {
	case batch.StatusRecalled:
		return VerdictRecalled, "batch has been recalled"
	case batch.StatusExpired:
		return VerdictExpired, "batch is past its expiry date"
	case batch.StatusRejected:
		return VerdictNotApproved, "batch was rejected by the regulator"
	case batch.StatusCreated, batch.StatusPendingApproval:
		return VerdictNotApproved, "batch has not been approved yet"
	}
	if !genuine {
		return VerdictTampered, "ledger authoritative check failed"
	}
	return VerdictGenuine, ""
}

// fallback is the degraded local check (steps 2, 3 and ledger-error paths).
// No hash reconciliation is possible without ledger access, so this path
// accepts a strictly wider set than the primary one; every verdict it
// produces is flagged blockchain_verified=false so the caller can warn the
// user.
func (e *Engine) fallback(ctx context.Context, payload *batch.VerificationPayload, cause string) *Result {
	if e.Cache == nil {
		return e.resultFromPayload(VerdictNotFound, payload, cause)
	}

	// A ledger call that timed out arrives here with its deadline already
	// spent. The local lookup runs on its own budget so a slow ledger cannot
	// starve the degraded path.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.Timeout)
	defer cancel()

	snap, err := e.Cache.SnapshotByCode(ctx, payload.Code)
	if err != nil {
		if e.Logger != nil {
			e.Logger.Error("Snapshot cache lookup failed", "code", payload.Code, "err", err)
		}
		return e.resultFromPayload(VerdictNotFound, payload, cause)
	}
	if snap == nil {
		return e.resultFromPayload(VerdictNotFound, payload, cause)
	}

	verdict, reason := classifyLocal(snap, e.now())
	res := &Result{
		Verdict:            verdict,
		BlockchainVerified: false,
		Reason:             joinReason(reason, cause),
		Code:               snap.Code,
		ProductName:        snap.ProductName,
		Manufacturer:       snap.Creator,
		ExpiryTS:           snap.ExpiryTS,
		Status:             snap.Status.String(),
	}
	return res
}

func classifyLocal(snap *Snapshot, now time.Time) (Verdict, string) {
	switch {
	case snap.Recalled || snap.Status == batch.StatusRecalled:
		return VerdictRecalled, "batch has been recalled"
	case snap.Status == batch.StatusRejected:
		return VerdictNotApproved, "batch was rejected by the regulator"
	case snap.Status == batch.StatusCreated || snap.Status == batch.StatusPendingApproval:
		return VerdictNotApproved, "batch has not been approved yet"
	case snap.Status == batch.StatusExpired,
		snap.ExpiryTS > 0 && now.Unix() >= snap.ExpiryTS:
		return VerdictExpired, "batch is past its expiry date"
	default:
		return VerdictGenuine, ""
	}
}

func (e *Engine) resultFromCore(verdict Verdict, core *batch.Core, status string, ledgerVerified bool) *Result {
	return &Result{
		Verdict:            verdict,
		BlockchainVerified: ledgerVerified,
		Code:               core.Code,
		ProductName:        core.ProductName,
		Manufacturer:       core.Creator,
		ExpiryTS:           core.ExpiryTS,
		Status:             status,
	}
}

func (e *Engine) resultFromPayload(verdict Verdict, payload *batch.VerificationPayload, cause string) *Result {
	return &Result{
		Verdict:            verdict,
		BlockchainVerified: false,
		Reason:             joinReason("code not found in ledger or local cache", cause),
		Code:               payload.Code,
		ProductName:        payload.ProductName,
		Manufacturer:       payload.Creator,
		ExpiryTS:           payload.ExpTimestamp,
	}
}

func joinReason(reason, cause string) string {
	if reason == "" {
		return "not ledger-verified: " + cause
	}
	return reason + " (not ledger-verified: " + cause + ")"
}
