package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProjectOrdersByTimestamp(t *testing.T) {
	events := []HistoryEvent{
		{Timestamp: 300, Status: StatusApproved, Actor: "REG-001", Role: RoleRegulator},
		{Timestamp: 100, Status: StatusCreated, Actor: "MFG-001", Role: RoleManufacturer},
		{Timestamp: 200, Status: StatusPendingApproval, Actor: "MFG-001", Role: RoleManufacturer},
	}

	projected := Project(events)
	require.Len(t, projected, 3)
	assert.Equal(t, StageManufacturing, projected[0].Stage)
	assert.Equal(t, StageRegulatory, projected[1].Stage)
	assert.Equal(t, StageRegulatory, projected[2].Stage)
	assert.Equal(t, "Created", projected[0].Status)
	assert.Equal(t, "Approved", projected[2].Status)
}

func TestProjectBreaksTimestampTiesByLifecycleRank(t *testing.T) {
	// Created and PendingApproval within the same second, delivered out of
	// order: the projection must not show the submission before the creation.
	events := []HistoryEvent{
		{Timestamp: 100, Status: StatusPendingApproval},
		{Timestamp: 100, Status: StatusCreated},
	}

	projected := Project(events)
	require.Len(t, projected, 2)
	assert.Equal(t, "Created", projected[0].Status)
	assert.Equal(t, "PendingApproval", projected[1].Status)
}

func TestProjectedLifecycleRanksAreNonDecreasing(t *testing.T) {
	projected := Project([]HistoryEvent{
		{Timestamp: 6, Status: StatusRecalled},
		{Timestamp: 1, Status: StatusCreated},
		{Timestamp: 3, Status: StatusApproved},
		{Timestamp: 2, Status: StatusPendingApproval},
		{Timestamp: 4, Status: StatusInTransit},
		{Timestamp: 5, Status: StatusAtPharmacy},
	})
	require.Len(t, projected, 6)
	for i := 1; i < len(projected); i++ {
		prev, err := ParseStatus(projected[i-1].Status)
		require.NoError(t, err)
		cur, err := ParseStatus(projected[i].Status)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, cur.ForwardRank(), prev.ForwardRank())
	}
}

func TestProjectDoesNotMutateInput(t *testing.T) {
	events := []HistoryEvent{
		{Timestamp: 200, Status: StatusPendingApproval},
		{Timestamp: 100, Status: StatusCreated},
	}
	Project(events)
	assert.Equal(t, int64(200), events[0].Timestamp)
}

func TestProjectKeepsExplicitRoles(t *testing.T) {
	projected := Project([]HistoryEvent{
		{Timestamp: 1, Status: StatusInTransit, Role: RoleDistributor},
	})
	require.Len(t, projected, 1)
	assert.Equal(t, RoleDistributor, projected[0].Role)
	assert.False(t, projected[0].RoleInferred)
}

func TestProjectInfersRolesForLegacyEvents(t *testing.T) {
	projected := Project([]HistoryEvent{
		{Timestamp: 1, Status: StatusCreated},
		{Timestamp: 2, Status: StatusApproved},
		{Timestamp: 3, Status: StatusInTransit, Note: "handed to courier at hub"},
		{Timestamp: 4, Status: StatusInTransit, Note: "picked up from warehouse"},
		{Timestamp: 5, Status: StatusSold},
	})
	require.Len(t, projected, 5)

	assert.Equal(t, RoleManufacturer, projected[0].Role)
	assert.True(t, projected[0].RoleInferred)
	assert.Equal(t, RoleRegulator, projected[1].Role)
	assert.Equal(t, RoleLogistics, projected[2].Role)
	assert.Equal(t, RoleDistributor, projected[3].Role)
	assert.Equal(t, RolePharmacy, projected[4].Role)
}

func TestStageMapping(t *testing.T) {
	assert.Equal(t, StageRecalled, StageOf(StatusRecalled))
	assert.Equal(t, StageExpired, StageOf(StatusExpired))
	assert.Equal(t, StageDelivered, StageOf(StatusSold))
	assert.Equal(t, StagePharmacy, StageOf(StatusAtPharmacy))
}
