package region

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromCity(t *testing.T) {
	tests := []struct {
		city string
		want Code
		ok   bool
	}{
		{"Dubai", DXB, true},
		{"dubai", DXB, true},
		{"DXB", DXB, true},
		{"Abu Dhabi", AUH, true},
		{"abudhabi", AUH, true},
		{"Sharjah", SHJ, true},
		{"Ras Al Khaimah", RAK, true},
		{"Umm Al Quwain", UAQ, true},
		{"  Ajman  ", AJM, true},
		{"Fujairah", FUJ, true},
		{"London", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := FromCity(tt.city)
		assert.Equal(t, tt.ok, ok, "city %q", tt.city)
		if tt.ok {
			assert.Equal(t, tt.want, got, "city %q", tt.city)
		}
	}
}

func TestValid(t *testing.T) {
	for _, code := range All {
		assert.True(t, Valid(code))
	}
	assert.False(t, Valid("XYZ"))
	assert.False(t, Valid(""))
}

func TestAdjacencyIsClosed(t *testing.T) {
	// Every region has an adjacency entry, and every neighbour is a real region.
	for _, code := range All {
		neighbours, ok := Adjacent[code]
		require.True(t, ok, "region %s missing adjacency entry", code)
		for _, n := range neighbours {
			assert.True(t, Valid(n), "region %s lists unknown neighbour %s", code, n)
			assert.NotEqual(t, code, n, "region %s lists itself as neighbour", code)
		}
	}

	// Abu Dhabi is isolated.
	assert.Empty(t, Adjacent[AUH])
}

func TestDistanceKm(t *testing.T) {
	// Zero distance to itself.
	d, ok := DistanceBetween(DXB, DXB)
	require.True(t, ok)
	assert.InDelta(t, 0, d, 0.001)

	// Dubai to Sharjah is roughly 21-22 km between centers.
	d, ok = DistanceBetween(DXB, SHJ)
	require.True(t, ok)
	assert.InDelta(t, 21.6, d, 1.5)

	// Symmetric.
	back, ok := DistanceBetween(SHJ, DXB)
	require.True(t, ok)
	assert.InDelta(t, d, back, 0.001)

	// Dubai to Fujairah is the long haul, over 100 km.
	d, ok = DistanceBetween(DXB, FUJ)
	require.True(t, ok)
	assert.Greater(t, d, 100.0)

	_, ok = DistanceBetween(DXB, "XYZ")
	assert.False(t, ok)
}
