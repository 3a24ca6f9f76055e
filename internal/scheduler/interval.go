package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// ParseIntervalDuration parses "45s", "15m", "1h", "1d" into time.Duration.
// Returns (0, false) on invalid input.
func ParseIntervalDuration(interval string) (time.Duration, bool) {
	interval = strings.ToLower(strings.TrimSpace(interval))
	if interval == "" {
		return 0, false
	}
	unit := interval[len(interval)-1]
	numStr := strings.TrimSpace(interval[:len(interval)-1])
	if numStr == "" {
		return 0, false
	}
	n, err := strconv.Atoi(numStr)
	if err != nil || n <= 0 {
		return 0, false
	}
	switch unit {
	case 's':
		return time.Duration(n) * time.Second, true
	case 'm':
		return time.Duration(n) * time.Minute, true
	case 'h':
		return time.Duration(n) * time.Hour, true
	case 'd':
		return time.Duration(n) * 24 * time.Hour, true
	default:
		return 0, false
	}
}

// TimeframeDuration maps chart timeframes ("1m", "5m", "1h") onto durations.
// Unknown timeframes default to five minutes.
func TimeframeDuration(timeframe string) time.Duration {
	if d, ok := ParseIntervalDuration(timeframe); ok {
		return d
	}
	return 5 * time.Minute
}
