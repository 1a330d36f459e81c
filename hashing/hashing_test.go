package hashing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContentHashIsDeterministic(t *testing.T) {
	a, err := ContentHash("BATCH-001", "Paracetamol 500mg", 10000, 1700000000, 1760000000, "MFG-001")
	require.NoError(t, err)
	b, err := ContentHash("BATCH-001", "Paracetamol 500mg", 10000, 1700000000, 1760000000, "MFG-001")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestContentHashChangesWithEveryField(t *testing.T) {
	base, err := ContentHash("BATCH-001", "Paracetamol 500mg", 10000, 1700000000, 1760000000, "MFG-001")
	require.NoError(t, err)

	variants := []struct {
		name                   string
		code, product, creator string
		quantity               uint64
		mfg, exp               int64
	}{
		{"code", "BATCH-002", "Paracetamol 500mg", "MFG-001", 10000, 1700000000, 1760000000},
		{"product", "BATCH-001", "Paracetamol 250mg", "MFG-001", 10000, 1700000000, 1760000000},
		{"quantity", "BATCH-001", "Paracetamol 500mg", "MFG-001", 10001, 1700000000, 1760000000},
		{"manufacture", "BATCH-001", "Paracetamol 500mg", "MFG-001", 10000, 1700000001, 1760000000},
		{"expiry", "BATCH-001", "Paracetamol 500mg", "MFG-001", 10000, 1700000000, 1760000001},
		{"creator", "BATCH-001", "Paracetamol 500mg", "MFG-002", 10000, 1700000000, 1760000000},
	}
	for _, v := range variants {
		got, err := ContentHash(v.code, v.product, v.quantity, v.mfg, v.exp, v.creator)
		require.NoError(t, err)
		assert.NotEqual(t, base, got, "changing %s must change the hash", v.name)
	}
}

func TestApprovalHashIsDeterministic(t *testing.T) {
	a, err := ApprovalHash(7, "REG-001", 1700000000, "approve")
	require.NoError(t, err)
	b, err := ApprovalHash(7, "REG-001", 1700000000, "approve")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	c, err := ApprovalHash(7, "REG-001", 1700000001, "approve")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestDomainsAreDisjoint(t *testing.T) {
	// Even with overlapping inputs the two hash families never collide.
	content, err := ContentHash("7", "approve", 0, 0, 1, "REG-001")
	require.NoError(t, err)
	approval, err := ApprovalHash(7, "REG-001", 1, "approve")
	require.NoError(t, err)
	assert.NotEqual(t, content, approval)
}
