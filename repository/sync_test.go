package repository

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchEventsOfExtractsLifecycleEvents(t *testing.T) {
	touched := batchEventsOf(map[string][]string{
		"tm.event":                {"Tx"},
		"tx.hash":                 {"ABC123"},
		"batch_created.batch_id":  {"7"},
		"batch_created.code":      {"BATCH-007"},
		"batch_created.actor":     {"MFG-001"},
		"batch_created.role":      {"manufacturer"},
		"batch_created.status":    {"Created"},
		"unrelated_event.payload": {"x"},
	})
	require.Len(t, touched, 1)
	assert.Equal(t, "batch_created", touched[0].kind)
	assert.EqualValues(t, 7, touched[0].batchID)
	assert.Equal(t, "MFG-001", touched[0].actor)
	assert.Equal(t, "manufacturer", touched[0].role)
}

func TestBatchEventsOfIgnoresMalformedIDs(t *testing.T) {
	touched := batchEventsOf(map[string][]string{
		"batch_recalled.batch_id": {"not-a-number"},
		"batch_recalled.actor":    {"REG-001"},
	})
	assert.Empty(t, touched)
}

func TestBatchEventsOfHandlesMultipleEventTypes(t *testing.T) {
	touched := batchEventsOf(map[string][]string{
		"batch_approved.batch_id": {"3"},
		"batch_recalled.batch_id": {"9"},
	})
	require.Len(t, touched, 2)
	ids := []uint64{touched[0].batchID, touched[1].batchID}
	assert.ElementsMatch(t, []uint64{3, 9}, ids)
}

func TestBatchEventsOfEmptyInput(t *testing.T) {
	assert.Empty(t, batchEventsOf(nil))
	assert.Empty(t, batchEventsOf(map[string][]string{"tm.event": {"Tx"}}))
}
