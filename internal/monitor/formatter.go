package monitor

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
)

// FormatPercentage formats a percentage (0-100) as "X.X%"
func FormatPercentage(pct float64) string {
	return fmt.Sprintf("%.1f%%", pct)
}

// FormatRatio formats a ratio (0-1) as percentage
func FormatRatio(ratio float64) string {
	return fmt.Sprintf("%.1f%%", ratio*100)
}

// FormatElapsed formats elapsed seconds as "X.Xs", "Ym Zs" or "Xh Ym"
func FormatElapsed(seconds float64) string {
	if seconds < 60 {
		return fmt.Sprintf("%.1fs", seconds)
	}
	d := time.Duration(seconds * float64(time.Second))
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	secs := int64((d % time.Minute) / time.Second)
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm %ds", minutes, secs)
}

// FormatState renders a run state with a status symbol.
func FormatState(s pipeline.RunState) string {
	switch s {
	case pipeline.RunFinished:
		return healthyStyle.Render("✓ FINISHED")
	case pipeline.RunRunning:
		return warningStyle.Render("● RUNNING")
	case pipeline.RunCreated:
		return dimStyle.Render("○ CREATED")
	case pipeline.RunCancelled:
		return warningStyle.Render("⚠ CANCELLED")
	case pipeline.RunFailed:
		return errorStyle.Render("✗ FAILED")
	default:
		return dimStyle.Render(string(s))
	}
}

// lastN returns the last n elements of items.
func lastN[T any](items []T, n int) []T {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
