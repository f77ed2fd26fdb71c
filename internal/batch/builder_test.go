package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/payroll-infra/internal/store"
)

func TestBuild_Totals(t *testing.T) {
	entries := []store.Entry{
		{PayeeID: "p1", AccountID: "a1", Amount: 100},
		{PayeeID: "p2", AccountID: "a2", Amount: 50},
	}

	b, err := Build(entries, "nonce-1", 100)
	require.NoError(t, err)

	assert.Equal(t, int64(150), b.Total)
	// 150 * 100bps = 1.5, rounded half up to 2
	assert.Equal(t, int64(2), b.Fee)
	assert.Equal(t, int64(148), b.NetTotal)
	assert.Equal(t, store.BatchCreated, b.Status)
	assert.NotEmpty(t, b.ID)
	assert.NotEmpty(t, b.Digest)
}

func TestBuild_FeeRounding(t *testing.T) {
	cases := []struct {
		total  int64
		feeBps int64
		fee    int64
	}{
		{10000, 100, 100},
		{150, 100, 2},  // 1.5 rounds up
		{149, 100, 1},  // 1.49 rounds down
		{1, 100, 0},    // 0.01 rounds down
		{50, 100, 1},   // 0.5 rounds up
		{100, 0, 0},
		{100, 10000, 100},
	}
	for _, tc := range cases {
		b, err := Build([]store.Entry{{PayeeID: "p", AccountID: "a", Amount: tc.total}}, "", tc.feeBps)
		require.NoError(t, err)
		assert.Equal(t, tc.fee, b.Fee, "total=%d feeBps=%d", tc.total, tc.feeBps)
		assert.Equal(t, tc.total-tc.fee, b.NetTotal)
	}
}

func TestBuild_Validation(t *testing.T) {
	var verr *ValidationError

	_, err := Build(nil, "n", 100)
	require.ErrorAs(t, err, &verr)

	_, err = Build([]store.Entry{{PayeeID: "p1", AccountID: "a1", Amount: 0}}, "n", 100)
	require.ErrorAs(t, err, &verr)

	_, err = Build([]store.Entry{{PayeeID: "p1", AccountID: "a1", Amount: -5}}, "n", 100)
	require.ErrorAs(t, err, &verr)

	_, err = Build([]store.Entry{{PayeeID: "p1", AccountID: "", Amount: 5}}, "n", 100)
	require.ErrorAs(t, err, &verr)

	_, err = Build([]store.Entry{{PayeeID: "p1", AccountID: "a1", Amount: 5}}, "n", 10001)
	require.ErrorAs(t, err, &verr)
}

func TestBuild_DuplicateAccountRejected(t *testing.T) {
	entries := []store.Entry{
		{PayeeID: "p1", AccountID: "a1", Amount: 100},
		{PayeeID: "p2", AccountID: "a1", Amount: 50},
	}

	_, err := Build(entries, "n", 100)

	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "duplicate account id")
}

func TestDigest_Deterministic(t *testing.T) {
	b := &store.Batch{
		ID: "batch-fixed",
		Entries: []store.Entry{
			{PayeeID: "p1", AccountID: "a1", Amount: 100},
			{PayeeID: "p2", AccountID: "a2", Amount: 50},
		},
		Total:    150,
		Fee:      2,
		NetTotal: 148,
	}

	first := Digest(b)
	second := Digest(b)
	assert.Equal(t, first, second)
	assert.Len(t, first, 64)
}

func TestDigest_OrderSensitive(t *testing.T) {
	forward := &store.Batch{
		ID: "batch-fixed",
		Entries: []store.Entry{
			{PayeeID: "p1", AccountID: "a1", Amount: 100},
			{PayeeID: "p2", AccountID: "a2", Amount: 50},
		},
		Total: 150, Fee: 2, NetTotal: 148,
	}
	reversed := &store.Batch{
		ID: "batch-fixed",
		Entries: []store.Entry{
			{PayeeID: "p2", AccountID: "a2", Amount: 50},
			{PayeeID: "p1", AccountID: "a1", Amount: 100},
		},
		Total: 150, Fee: 2, NetTotal: 148,
	}

	assert.NotEqual(t, Digest(forward), Digest(reversed),
		"reordering entries must change the digest")
}

func TestDigest_ContentSensitive(t *testing.T) {
	base := &store.Batch{
		ID:      "batch-fixed",
		Entries: []store.Entry{{PayeeID: "p1", AccountID: "a1", Amount: 100}},
		Total:   100, Fee: 1, NetTotal: 99,
	}
	changed := &store.Batch{
		ID:      "batch-fixed",
		Entries: []store.Entry{{PayeeID: "p1", AccountID: "a1", Amount: 101}},
		Total:   101, Fee: 1, NetTotal: 100,
	}

	assert.NotEqual(t, Digest(base), Digest(changed))
}
