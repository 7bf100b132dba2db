package cmd

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/enrich"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/gateway"
	"github.com/gtriggiano/cidr-ban-orchestrator/pkg/workflow"
)

// printState renders a settled workflow state for the operator.
func printState(w io.Writer, runID string, state workflow.State, enricher *enrich.Enricher) {
	switch s := state.(type) {
	case workflow.Input:
		fmt.Fprintf(w, "Run %s is waiting for input", runID)
		if s.Network != "" {
			fmt.Fprintf(w, " (draft: %s, %q)", s.Network, s.Reason)
		}
		fmt.Fprintln(w)
		if s.Err != nil {
			fmt.Fprintf(w, "Last error (%s): %s\n", s.Err.Kind, s.Err.Message)
		}
	case workflow.Results:
		fmt.Fprintf(w, "Banned %s. %d existing ban(s) fall inside it:\n", s.Network, len(s.Conflicts))
		printEntries(w, s.Conflicts, s.IsSelected, enricher)
		if s.Err != nil {
			fmt.Fprintf(w, "Reversal failed (%s): %s\n", s.Err.Kind, s.Err.Message)
		}
		fmt.Fprintf(w, "Run %s is waiting for a reversal decision; continue with \"banctl resume --run %s\".\n", runID, runID)
	case workflow.Complete:
		fmt.Fprintf(w, "Banned %s.\n", s.Network)
		if s.CheckErr != nil {
			fmt.Fprintf(w, "Existing bans inside the network could not be listed: %s\n", s.CheckErr.Message)
		}
		if len(s.Reversed) > 0 {
			fmt.Fprintf(w, "Reversed %d redundant ban(s): %s\n", len(s.Reversed), joinItems(s.Reversed))
		}
		if len(s.Failed) > 0 {
			fmt.Fprintf(w, "Could not reverse %d ban(s):\n", len(s.Failed))
			for _, item := range s.Failed {
				fmt.Fprintf(w, "  - %s: %s\n", item, item.Error)
			}
		}
	default:
		fmt.Fprintf(w, "Run %s is %s\n", runID, state.Status())
	}
}

// printEntries renders conflicting entries as a table.
func printEntries(w io.Writer, entries []gateway.CIDREntry, selected func(int64) bool, enricher *enrich.Enricher) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	header := "ID\tIP\tTYPE"
	if selected != nil {
		header = "SEL\t" + header
	}
	if enricher != nil {
		header += "\tASN\tORGANIZATION\tCOUNTRY"
	}
	fmt.Fprintln(tw, header)

	for _, entry := range entries {
		row := fmt.Sprintf("%d\t%s\t%s", entry.ID, entry.Address, entry.Origin)
		if selected != nil {
			mark := "[ ]"
			if selected(entry.ID) {
				mark = "[x]"
			}
			row = mark + "\t" + row
		}
		if enricher != nil {
			a := enricher.Annotate(entry.Address)
			row += fmt.Sprintf("\t%s\t%s\t%s", asnLabel(a.ASN), a.ASNOrganization, a.CountryISO)
		}
		fmt.Fprintln(tw, row)
	}
	_ = tw.Flush()
}

func asnLabel(asn uint) string {
	if asn == 0 {
		return "-"
	}
	return "AS" + strconv.FormatUint(uint64(asn), 10)
}

func joinItems(items []gateway.UnbanItem) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = item.String()
	}
	return strings.Join(parts, ", ")
}

// parseIDs parses a comma separated list of entry ids.
func parseIDs(value string) ([]int64, error) {
	var ids []int64
	for part := range strings.SplitSeq(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid entry id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// reversalFlags holds the --unban and --keep flags shared by ban-cidr and resume.
type reversalFlags struct {
	unban string
	keep  string
}

// apply turns the flags into a selection on a workflow in results. It reports
// whether a reversal should be submitted.
func (f reversalFlags) apply(ctx context.Context, wf *workflow.Workflow) (bool, error) {
	switch strings.TrimSpace(f.unban) {
	case "", "all":
		if _, err := wf.SelectAll(ctx); err != nil {
			return false, err
		}
	case "none":
		return false, nil
	default:
		ids, err := parseIDs(f.unban)
		if err != nil {
			return false, err
		}
		if _, err := wf.DeselectAll(ctx); err != nil {
			return false, err
		}
		for _, id := range ids {
			if _, err := wf.Toggle(ctx, id); err != nil {
				return false, err
			}
		}
	}

	keep, err := parseIDs(f.keep)
	if err != nil {
		return false, err
	}
	results, ok := wf.State().(workflow.Results)
	if !ok {
		return false, nil
	}
	for _, id := range keep {
		if !results.IsSelected(id) {
			continue
		}
		if _, err := wf.Toggle(ctx, id); err != nil {
			return false, err
		}
	}

	results, _ = wf.State().(workflow.Results)
	return len(results.Selected()) > 0, nil
}
