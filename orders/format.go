package orders

import (
	"fmt"
	"time"
)

// FormatRemainingTime renders the time left until deadline, e.g. "5h 12m"
func FormatRemainingTime(deadline time.Time) string {
	return FormatRemainingTimeAt(deadline, time.Now())
}

// FormatRemainingTimeAt is FormatRemainingTime evaluated at now
func FormatRemainingTimeAt(deadline, now time.Time) string {
	left := deadline.Sub(now)
	if left <= 0 {
		return "expired"
	}
	left = left.Truncate(time.Minute)
	hours := int(left / time.Hour)
	minutes := int((left % time.Hour) / time.Minute)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
