package market

import (
	"fmt"
	"strconv"
	"time"
)

// Timeframe unit durations in milliseconds. The month unit is approximated as
// 30 days, matching the historical data layout.
const (
	msMinute = int64(60 * 1000)
	msHour   = 60 * msMinute
	msDay    = 24 * msHour
	msWeek   = 7 * msDay
	msMonth  = 30 * msDay
)

// ParseTimeframe parses the "{integer}{m|h|d|w|M}" grammar into milliseconds.
// "1m" -> 60000, "4h" -> 14400000, "1M" -> 2592000000.
func ParseTimeframe(tf string) (int64, error) {
	if len(tf) < 2 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	unit := tf[len(tf)-1]
	n, err := strconv.Atoi(tf[:len(tf)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid timeframe %q", tf)
	}
	var ms int64
	switch unit {
	case 'm':
		ms = msMinute
	case 'h':
		ms = msHour
	case 'd':
		ms = msDay
	case 'w':
		ms = msWeek
	case 'M':
		ms = msMonth
	default:
		return 0, fmt.Errorf("invalid timeframe unit %q in %q", string(unit), tf)
	}
	return int64(n) * ms, nil
}

// TimeframeDuration is ParseTimeframe as a time.Duration.
func TimeframeDuration(tf string) (time.Duration, error) {
	ms, err := ParseTimeframe(tf)
	if err != nil {
		return 0, err
	}
	return time.Duration(ms) * time.Millisecond, nil
}
