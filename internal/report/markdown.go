package report

import (
	"fmt"
	"io"
	"time"
)

// MarkdownRenderer produces markdown output for documentation/tickets.
type MarkdownRenderer struct {
	w io.Writer
}

func (r *MarkdownRenderer) RenderSummary(s *Summary) {
	fmt.Fprintf(r.w, "# odetl — %s run\n\n", s.Stage)
	fmt.Fprintf(r.w, "| Property | Value |\n|---|---|\n")
	fmt.Fprintf(r.w, "| Environment | %s |\n", s.Environment)
	fmt.Fprintf(r.w, "| Started | %s |\n", s.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(r.w, "| Elapsed | %s |\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(r.w, "| Tables | %d ok, %d failed |\n", s.Succeeded(), s.Failed())
	fmt.Fprintf(r.w, "| Rows | %s |\n\n", formatNumber(s.TotalRows()))

	fmt.Fprintf(r.w, "## Tables\n\n")
	fmt.Fprintf(r.w, "| Table | Strategy | Rows | Duration | Result |\n|---|---|---|---|---|\n")
	for _, res := range s.Results {
		status := "✅"
		if !res.OK {
			status = "❌"
		}
		fmt.Fprintf(r.w, "| `%s` | %s | %s | %s | %s |\n",
			res.Table, res.Strategy, formatNumber(res.Rows),
			res.Duration.Round(time.Millisecond), status)
	}
	fmt.Fprintln(r.w)

	failed := false
	for _, res := range s.Results {
		if res.Err != nil {
			if !failed {
				fmt.Fprintf(r.w, "## Failures\n\n")
				failed = true
			}
			fmt.Fprintf(r.w, "- **%s:** %v\n", res.Table, res.Err)
		}
	}
	if failed {
		fmt.Fprintln(r.w)
	}
}

func (r *MarkdownRenderer) RenderStatus(st *StatusReport) {
	fmt.Fprintf(r.w, "# odetl — pipeline status\n\n")
	fmt.Fprintf(r.w, "**Environment:** %s\n\n", st.Environment)

	fmt.Fprintf(r.w, "## Replication (etl_copy_status)\n\n")
	fmt.Fprintf(r.w, "| Table | Status | Rows | Last copied |\n|---|---|---|---|\n")
	for _, c := range st.Copies {
		fmt.Fprintf(r.w, "| `%s` | %s | %s | %s |\n",
			c.TableName, c.CopyStatus, formatNumber(c.RowsCopied),
			c.LastCopied.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(r.w)

	fmt.Fprintf(r.w, "## Analytics (etl_load_status)\n\n")
	fmt.Fprintf(r.w, "| Table | Status | Rows | Last loaded |\n|---|---|---|---|\n")
	for _, l := range st.Loads {
		fmt.Fprintf(r.w, "| `%s` | %s | %s | %s |\n",
			l.TableName, l.LoadStatus, formatNumber(l.RowsLoaded),
			l.LastLoaded.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(r.w)
}
