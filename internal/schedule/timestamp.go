package schedule

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ParseTimestampMS parses a shuffle-point timestamp into milliseconds.
//
// Accepted forms are "SS", "MM:SS" and "HH:MM:SS". The seconds component
// may carry a decimal fraction; the result is rounded to whole
// milliseconds. Negative values and more than three components are
// rejected.
func ParseTimestampMS(value string) (uint64, error) {
	parts := strings.Split(strings.TrimSpace(value), ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("schedule: timestamp %q has %d components", value, len(parts))
	}

	seconds, err := strconv.ParseFloat(parts[len(parts)-1], 64)
	if err != nil {
		return 0, fmt.Errorf("schedule: timestamp %q: %w", value, err)
	}
	if math.Signbit(seconds) {
		return 0, fmt.Errorf("schedule: timestamp %q is negative", value)
	}

	var minutes, hours uint64
	if len(parts) >= 2 {
		minutes, err = strconv.ParseUint(parts[len(parts)-2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("schedule: timestamp %q: %w", value, err)
		}
	}
	if len(parts) == 3 {
		hours, err = strconv.ParseUint(parts[0], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("schedule: timestamp %q: %w", value, err)
		}
	}

	total := float64(hours)*3600.0 + float64(minutes)*60.0 + seconds
	if math.Signbit(total) || math.IsInf(total, 0) || math.IsNaN(total) {
		return 0, fmt.Errorf("schedule: timestamp %q is out of range", value)
	}
	return uint64(total*1000.0 + 0.5), nil
}
