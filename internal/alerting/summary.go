package alerting

import (
	"fmt"
	"strings"

	"github.com/tathienbao/indicator-hub/internal/persistence"
)

// RunSummary is the alert for a finished replay run.
type RunSummary struct {
	Event   Event
	Message string
	Fields  []any
}

// NewRunSummary picks the event for a run record and renders its details.
func NewRunSummary(run persistence.Run) RunSummary {
	var event Event
	var headline string
	switch run.Status {
	case persistence.RunConverged:
		event, headline = EventRunConverged, "replay converged"
	case persistence.RunDiverged:
		event, headline = EventRunDiverged, fmt.Sprintf("replay diverged on %d rows", run.Mismatches)
	case persistence.RunUnchecked:
		event, headline = EventRunUnchecked, "replay finished without verification"
	default:
		event, headline = EventRunFailed, "replay failed"
	}

	fields := []any{
		"run", run.ID,
		"symbol", run.Symbol,
		"source", run.Source,
		"events", run.Events,
		"rejected", run.Rejected,
		"rebuilds", run.Rebuilds,
		"nodes", run.Nodes,
		"duration", run.Duration().String(),
	}
	if run.Detail != "" {
		first, _, _ := strings.Cut(run.Detail, "\n")
		fields = append(fields, "detail", first)
	}

	return RunSummary{Event: event, Message: headline, Fields: fields}
}
