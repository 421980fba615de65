// Package format provides human-readable formatting utilities.
package format

import (
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// =============================================================================
// SIZE AND RATE FORMATTING
// =============================================================================

// Bytes formats a byte count using binary units.
// Example: Bytes(1536) => "1.5 KiB"
func Bytes(bytes int64) string {
	if bytes < 0 {
		return "-" + humanize.IBytes(uint64(-bytes))
	}
	return humanize.IBytes(uint64(bytes))
}

// Bitrate formats a rate in bits per second using decimal units.
// Example: Bitrate(2_500_000) => "2.5 Mbps"
func Bitrate(bps float64) string {
	switch {
	case bps <= 0 || math.IsNaN(bps) || math.IsInf(bps, 0):
		return "0 bps"
	case bps >= 1e9:
		return fmt.Sprintf("%.1f Gbps", bps/1e9)
	case bps >= 1e6:
		return fmt.Sprintf("%.1f Mbps", bps/1e6)
	case bps >= 1e3:
		return fmt.Sprintf("%.0f kbps", bps/1e3)
	default:
		return fmt.Sprintf("%.0f bps", bps)
	}
}

// =============================================================================
// NUMBER FORMATTING
// =============================================================================

var printer = message.NewPrinter(language.English)

// Number formats a number with thousand separators.
// Example: Number(1234567) => "1,234,567"
func Number(n int64) string {
	return printer.Sprintf("%d", n)
}

// =============================================================================
// MEDIA TIME FORMATTING
// =============================================================================

// Timestamp formats a media position as [h:]mm:ss.t
// Example: Timestamp(83*time.Second + 400*time.Millisecond) => "01:23.4"
func Timestamp(d time.Duration) string {
	sign := ""
	if d < 0 {
		sign = "-"
		d = -d
	}
	d = d.Round(100 * time.Millisecond)
	h := int(d / time.Hour)
	m := int(d/time.Minute) % 60
	s := int(d/time.Second) % 60
	tenths := int(d/(100*time.Millisecond)) % 10
	if h > 0 {
		return fmt.Sprintf("%s%d:%02d:%02d.%d", sign, h, m, s, tenths)
	}
	return fmt.Sprintf("%s%02d:%02d.%d", sign, m, s, tenths)
}
