package bloom

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/seehuhn/mt19937"
	"github.com/stretchr/testify/require"
)

func testIDs(seed int64, n int) []string {
	rng := mt19937.New()
	rng.Seed(seed)
	ids := make([]string, n)
	for i := range ids {
		var b [16]byte
		binary.LittleEndian.PutUint64(b[:8], rng.Uint64())
		binary.LittleEndian.PutUint64(b[8:], rng.Uint64())
		ids[i] = fmt.Sprintf("%x", b)
	}
	return ids
}

func TestNoFalseNegatives(t *testing.T) {
	const numInsert = 1000
	f, err := New(numInsert, 0.01)
	require.NoError(t, err)
	ids := testIDs(1, numInsert)
	for _, id := range ids {
		f.Add(id)
	}
	for _, id := range ids {
		require.True(t, f.Has(id))
	}
}

func TestFalsePositiveRate(t *testing.T) {
	const (
		numInsert             = 1000
		falsePositiveRate     = 0.01
		numChecks             = 10000
		maxFalsePositiveCount = int(numChecks * falsePositiveRate * 2)
	)
	f, err := New(numInsert, falsePositiveRate)
	require.NoError(t, err)
	for _, id := range testIDs(2, numInsert) {
		f.Add(id)
	}
	count := 0
	for _, id := range testIDs(3, numChecks) {
		if f.Has(id) {
			count++
		}
	}
	t.Logf("false positives: %d, maxFalsePositiveCount: %d", count, maxFalsePositiveCount)
	require.GreaterOrEqual(t, maxFalsePositiveCount, count)
}

func TestFiltersOverSameSetDiffer(t *testing.T) {
	// two peers summarizing the same collection must disagree on their
	// false-positive surfaces, otherwise the same missing IDs stay masked
	// on every exchange
	const numInsert = 1000
	ids := testIDs(4, numInsert)
	a, err := New(numInsert, 0.05)
	require.NoError(t, err)
	b, err := New(numInsert, 0.05)
	require.NoError(t, err)
	for _, id := range ids {
		a.Add(id)
		b.Add(id)
	}
	disagree := 0
	for _, id := range testIDs(5, 10000) {
		if a.Has(id) != b.Has(id) {
			disagree++
		}
	}
	require.NotZero(t, disagree)
}

func TestSerializationRoundTrip(t *testing.T) {
	const numInsert = 500
	f, err := New(numInsert, 0.02)
	require.NoError(t, err)
	ids := testIDs(6, numInsert)
	for _, id := range ids[:250] {
		f.Add(id)
	}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var g Filter
	require.NoError(t, json.Unmarshal(data, &g))
	require.Equal(t, f.FPR(), g.FPR())
	require.Equal(t, f.Size(), g.Size())
	require.Equal(t, f.NumBits(), g.NumBits())
	require.Equal(t, f.NumHashes(), g.NumHashes())
	// a deserialized filter answers identically over all probes, both for
	// members and for false positives
	for _, id := range ids {
		require.Equal(t, f.Has(id), g.Has(id), id)
	}
	for _, id := range testIDs(7, 5000) {
		require.Equal(t, f.Has(id), g.Has(id), id)
	}
}

func TestInvalidRate(t *testing.T) {
	for _, fpr := range []float64{0, -0.1, 0.51, 1} {
		_, err := New(100, fpr)
		require.ErrorIs(t, err, ErrInvalidRate, "fpr %v", fpr)
	}
	_, err := New(100, 0.5)
	require.NoError(t, err)
}

func TestUnmarshalCorrupt(t *testing.T) {
	var f Filter
	require.Error(t, json.Unmarshal([]byte("{"), &f))
	for _, tc := range []struct {
		name string
		data string
	}{
		{"bad bits", `{"b":"!!!","m":64,"k":2,"s":10,"p":0.1,"seed":"` + validKey(t) + `"}`},
		{"short key", `{"b":"AAAAAAAAAAA=","m":64,"k":2,"s":10,"p":0.1,"seed":"AAAA"}`},
		{"zero bits", `{"b":"","m":0,"k":2,"s":10,"p":0.1,"seed":"` + validKey(t) + `"}`},
		{"length mismatch", `{"b":"AAAA","m":64,"k":2,"s":10,"p":0.1,"seed":"` + validKey(t) + `"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var f Filter
			require.ErrorIs(t, json.Unmarshal([]byte(tc.data), &f), ErrCorrupt)
		})
	}
}

func validKey(t *testing.T) string {
	t.Helper()
	f, err := New(1, 0.1)
	require.NoError(t, err)
	data, err := json.Marshal(f)
	require.NoError(t, err)
	var w filterWire
	require.NoError(t, json.Unmarshal(data, &w))
	return w.Key
}

func TestEmptyFilterHasNothing(t *testing.T) {
	f, err := New(100, 0.01)
	require.NoError(t, err)
	for _, id := range testIDs(8, 1000) {
		require.False(t, f.Has(id))
	}
}
