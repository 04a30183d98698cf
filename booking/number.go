package booking

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// NewBookingNumber produces a booking number of the form
// BH{yymmdd}{6 hex upper}, e.g. BH260826A3F0D1. The random suffix makes
// collisions on one day vanishingly unlikely; the unique index on
// booking_number catches the rest.
func NewBookingNumber(createdAt time.Time) string {
	buf := make([]byte, 3)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand never fails on supported platforms; fall back to
		// a time-derived suffix if it somehow does.
		nanos := createdAt.UnixNano()
		buf[0] = byte(nanos >> 16)
		buf[1] = byte(nanos >> 8)
		buf[2] = byte(nanos)
	}
	return fmt.Sprintf("BH%s%s",
		createdAt.UTC().Format("060102"),
		strings.ToUpper(hex.EncodeToString(buf)))
}
