package http

import (
	"github.com/fyrsmithlabs/rankpipe/internal/pipeline"
	"github.com/fyrsmithlabs/rankpipe/internal/runs"
)

// CountRuns counts runs by state. Every state appears, zero included, so
// dashboards see a stable shape.
func CountRuns(list []runs.Summary) map[pipeline.RunState]int {
	counts := map[pipeline.RunState]int{
		pipeline.RunCreated:   0,
		pipeline.RunRunning:   0,
		pipeline.RunFinished:  0,
		pipeline.RunCancelled: 0,
		pipeline.RunFailed:    0,
	}
	for _, r := range list {
		counts[r.State]++
	}
	return counts
}
