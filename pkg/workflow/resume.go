package workflow

import (
	"errors"
	"fmt"
	"slices"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/audit"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/selection"
)

// Resume rebuilds a workflow from a recorded run, keeping its id.
//
// Runs recorded in results come back with their saved selection, completed runs
// come back completed, and runs interrupted while banning or checking come back
// in input with the draft prefilled.
func Resume(run audit.Run, opts Options) (*Workflow, error) {
	if run.ID == "" {
		return nil, errors.New("cannot resume a run without id")
	}

	var initial State
	switch Status(run.Status) {
	case StatusInput, StatusBanning, StatusChecking:
		initial = Input{Network: run.Network, Reason: run.Reason}
	case StatusResults:
		if len(run.Conflicts) == 0 {
			return nil, fmt.Errorf("run '%s' is in results but has no conflicts", run.ID)
		}
		ids := make([]int64, len(run.Conflicts))
		for i, entry := range run.Conflicts {
			ids[i] = entry.ID
		}
		set := selection.New(ids)
		set.SelectAll(run.Selected)
		initial = Results{
			Network:   run.Network,
			Reason:    run.Reason,
			Conflicts: slices.Clone(run.Conflicts),
			selection: set,
		}
	case StatusComplete:
		complete := Complete{
			Network:   run.Network,
			Reason:    run.Reason,
			Conflicts: slices.Clone(run.Conflicts),
			Reversed:  slices.Clone(run.Reversed),
			Failed:    slices.Clone(run.Failed),
		}
		if run.CheckError != "" {
			complete.CheckErr = classify.Classify(run.CheckError)
			if run.CheckErrorKind != "" {
				complete.CheckErr = classify.New(classify.Kind(run.CheckErrorKind), run.CheckError)
			}
			complete.keepDraft = true
		}
		initial = complete
	default:
		return nil, fmt.Errorf("cannot resume run '%s' with status '%s'", run.ID, run.Status)
	}

	createdAt := run.CreatedAt
	if createdAt.IsZero() {
		createdAt = run.UpdatedAt
	}
	return newWorkflow(run.ID, createdAt, initial, opts)
}
