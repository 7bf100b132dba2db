package workflow

import (
	"slices"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/classify"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/selection"
)

// Status names a workflow state.
type Status string

const (
	StatusInput    Status = "input"
	StatusBanning  Status = "banning"
	StatusChecking Status = "checking"
	StatusResults  Status = "results"
	StatusComplete Status = "complete"
)

// State is one of Input, Banning, Checking, Results or Complete. Each variant
// carries only the data meaningful in that state.
type State interface {
	Status() Status
	sealed()
}

// Input holds the draft network and reason, and the error that sent the
// workflow back here, if any.
type Input struct {
	Network string
	Reason  string
	Err     *classify.Error
}

// Banning is entered once the draft passes validation.
type Banning struct {
	Network string
	Reason  string
}

// Checking is entered once the backend accepted the ban.
type Checking struct {
	Network string
	Reason  string
}

// Results lists the pre-existing bans found inside the network and the ones
// selected for reversal.
type Results struct {
	Network   string
	Reason    string
	Conflicts []gateway.CIDREntry
	// Err is the last reversal failure.
	Err *classify.Error

	selection *selection.Set
}

// Selected returns the selected entry ids in ascending order.
func (r Results) Selected() []int64 {
	if r.selection == nil {
		return []int64{}
	}
	return r.selection.IDs()
}

// IsSelected reports whether the entry with id is selected.
func (r Results) IsSelected(id int64) bool {
	return r.selection != nil && r.selection.Contains(id)
}

// Complete summarizes a finished run.
type Complete struct {
	Network   string
	Reason    string
	Conflicts []gateway.CIDREntry
	Reversed  []gateway.UnbanItem
	Failed    []gateway.UnbanItem
	// CheckErr is set when the ban succeeded but the conflict lookup did not.
	CheckErr *classify.Error

	keepDraft bool
}

func (Input) Status() Status    { return StatusInput }
func (Banning) Status() Status  { return StatusBanning }
func (Checking) Status() Status { return StatusChecking }
func (Results) Status() Status  { return StatusResults }
func (Complete) Status() Status { return StatusComplete }

func (Input) sealed()    {}
func (Banning) sealed()  {}
func (Checking) sealed() {}
func (Results) sealed()  {}
func (Complete) sealed() {}

// snapshot returns a copy of s that shares nothing mutable with s.
func snapshot(s State) State {
	switch v := s.(type) {
	case Results:
		v.Conflicts = slices.Clone(v.Conflicts)
		if v.selection != nil {
			v.selection = v.selection.Clone()
		}
		return v
	case Complete:
		v.Conflicts = slices.Clone(v.Conflicts)
		v.Reversed = slices.Clone(v.Reversed)
		v.Failed = slices.Clone(v.Failed)
		return v
	default:
		return s
	}
}
