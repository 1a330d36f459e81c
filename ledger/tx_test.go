package ledger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pharmatrace/pharmatrace/batch"
)

func validCreate() *Tx {
	return &Tx{
		Kind:      TxCreateBatch,
		Nonce:     "n1",
		Actor:     "MFG-001",
		Role:      batch.RoleManufacturer,
		Timestamp: 1700000000,
		Create: &CreateOp{
			Code:          "BATCH-001",
			ProductName:   "Ibuprofen 400mg",
			Quantity:      1000,
			ManufactureTS: 1699990000,
			ExpiryTS:      1760000000,
		},
	}
}

func TestValidateShapeAcceptsWellFormedTxs(t *testing.T) {
	require.NoError(t, validCreate().ValidateShape())

	for _, kind := range []TxKind{TxSubmitForApproval, TxApprove, TxReject, TxRecall} {
		tx := &Tx{Kind: kind, Actor: "REG-001", Role: batch.RoleRegulator, Timestamp: 1, BatchID: 7}
		assert.NoError(t, tx.ValidateShape(), string(kind))
	}

	tx := &Tx{Kind: TxUpdateStatus, Actor: "LOG-001", Role: batch.RoleLogistics, Timestamp: 1, BatchID: 7, Status: batch.StatusInTransit}
	assert.NoError(t, tx.ValidateShape())
}

func TestValidateShapeRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Tx)
	}{
		{"missing actor", func(tx *Tx) { tx.Actor = "" }},
		{"unknown role", func(tx *Tx) { tx.Role = "auditor" }},
		{"missing timestamp", func(tx *Tx) { tx.Timestamp = 0 }},
		{"missing create fields", func(tx *Tx) { tx.Create = nil }},
		{"missing code", func(tx *Tx) { tx.Create.Code = "" }},
		{"zero quantity", func(tx *Tx) { tx.Create.Quantity = 0 }},
		{"expiry before manufacture", func(tx *Tx) { tx.Create.ExpiryTS = tx.Create.ManufactureTS - 1 }},
		{"unknown kind", func(tx *Tx) { tx.Kind = "mint" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tx := validCreate()
			tc.mutate(tx)
			assert.Error(t, tx.ValidateShape())
		})
	}

	// Transition envelopes need a batch id.
	tx := &Tx{Kind: TxApprove, Actor: "REG-001", Role: batch.RoleRegulator, Timestamp: 1}
	assert.Error(t, tx.ValidateShape())

	// update_status needs a valid target status.
	tx = &Tx{Kind: TxUpdateStatus, Actor: "LOG-001", Role: batch.RoleLogistics, Timestamp: 1, BatchID: 7, Status: batch.Status(42)}
	assert.Error(t, tx.ValidateShape())
}
