package booking

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBookingNumberFormat(t *testing.T) {
	createdAt := time.Date(2026, 8, 26, 14, 30, 0, 0, time.UTC)
	number := NewBookingNumber(createdAt)

	assert.Regexp(t, regexp.MustCompile(`^BH260826[0-9A-F]{6}$`), number)
	assert.Len(t, number, 14)
}

func TestNewBookingNumberUsesUTCDate(t *testing.T) {
	// 23:30 in Dubai is 19:30 UTC the same day; the date part must come
	// from the UTC clock.
	dubai := time.FixedZone("GST", 4*3600)
	createdAt := time.Date(2026, 8, 27, 1, 30, 0, 0, dubai)

	number := NewBookingNumber(createdAt)
	assert.Equal(t, "BH260826", number[:8])
}

func TestNewBookingNumberUniqueness(t *testing.T) {
	now := time.Now()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		n := NewBookingNumber(now)
		assert.False(t, seen[n], "duplicate booking number %s", n)
		seen[n] = true
	}
}
