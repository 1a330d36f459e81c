// Package hashing computes the deterministic digests the ledger and the
// verification engine compare. Field order and type normalization are fixed
// by canonical JSON (RFC 8785): numeric timestamps as integer seconds,
// strings as UTF-8, keys sorted. Any change here is a wire-format change.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Domain tags keep the two hash spaces disjoint: a content hash can never
// collide with, or be mistaken for, an approval hash.
const (
	contentDomain  = "pharmatrace/content/v1"
	approvalDomain = "pharmatrace/approval/v1"
)

type contentInput struct {
	Domain        string `json:"domain"`
	Code          string `json:"code"`
	ProductName   string `json:"product_name"`
	Quantity      uint64 `json:"quantity"`
	ManufactureTS int64  `json:"manufacture_ts"`
	ExpiryTS      int64  `json:"expiry_ts"`
	Creator       string `json:"creator"`
}

type approvalInput struct {
	Domain    string `json:"domain"`
	BatchID   uint64 `json:"batch_id"`
	Approver  string `json:"approver"`
	Timestamp int64  `json:"timestamp"`
	Action    string `json:"action"`
}

// ContentHash returns the digest over a batch's immutable core fields. The
// same inputs always produce the same hex string, regardless of call site.
func ContentHash(code, productName string, quantity uint64, manufactureTS, expiryTS int64, creator string) (string, error) {
	return digest(contentInput{
		Domain:        contentDomain,
		Code:          code,
		ProductName:   productName,
		Quantity:      quantity,
		ManufactureTS: manufactureTS,
		ExpiryTS:      expiryTS,
		Creator:       creator,
	})
}

// ApprovalHash binds an approval decision to its metadata: the batch, the
// approver, the moment and the action kind. It says nothing about batch
// content and must never be compared against a content hash.
func ApprovalHash(batchID uint64, approver string, timestamp int64, action string) (string, error) {
	return digest(approvalInput{
		Domain:    approvalDomain,
		BatchID:   batchID,
		Approver:  approver,
		Timestamp: timestamp,
		Action:    action,
	})
}

func digest(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash input marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("hash input canonicalization: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
