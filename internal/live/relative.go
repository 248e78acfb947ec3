package live

import (
	"fmt"
	"time"
)

// RelativeTime renders an elapsed duration the way the dashboard shows it:
// "just now", "42s ago", "5m ago", "2h 10m ago".
func RelativeTime(d time.Duration) string {
	switch {
	case d < 10*time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d/time.Second))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d/time.Minute))
	default:
		return fmt.Sprintf("%dh %dm ago", int(d/time.Hour), int(d%time.Hour/time.Minute))
	}
}
