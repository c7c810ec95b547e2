package presenters

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/glizzus/cronrunner/internal/repository"
)

const noJobsFound = "No pending jobs found"

const unclaimed = "-"

func claimantLabel(row repository.JobInstance) string {
	if row.Claimant == nil {
		return unclaimed
	}
	return *row.Claimant
}

// dueLabel describes fire time relative to now, e.g. "in 5s" or "12m ago".
func dueLabel(fireAt, now time.Time) string {
	d := fireAt.Sub(now).Round(time.Second)
	switch {
	case d > 0:
		return "in " + d.String()
	case d < 0:
		return (-d).String() + " ago"
	}
	return "now"
}

// WriteJobInstances renders pending rows as an aligned table.
func WriteJobInstances(w io.Writer, rows []repository.JobInstance, now time.Time) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, noJobsFound)
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFUNCTION\tSCHEDULE\tFIRE AT\tDUE\tCLAIMANT")
	for _, row := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			row.ID,
			row.FunctionID,
			row.Schedule,
			row.FireAt.UTC().Format(time.RFC3339),
			dueLabel(row.FireAt, now),
			claimantLabel(row),
		)
	}
	return tw.Flush()
}

// WriteRunTimes renders a numbered list of upcoming fire times.
func WriteRunTimes(w io.Writer, expr string, times []time.Time) error {
	if _, err := fmt.Fprintf(w, "Next %d run times for %q:\n", len(times), expr); err != nil {
		return err
	}
	for i, t := range times {
		if _, err := fmt.Fprintf(w, "%3d. %s\n", i+1, t.UTC().Format(time.RFC3339)); err != nil {
			return err
		}
	}
	return nil
}
