package report

import (
	"fmt"
	"io"
	"strconv"
	"time"
)

// PlainRenderer produces unformatted text output safe for piping.
type PlainRenderer struct {
	w io.Writer
}

func (r *PlainRenderer) RenderSummary(s *Summary) {
	fmt.Fprintf(r.w, "=== odetl — %s run ===\n\n", s.Stage)
	fmt.Fprintf(r.w, "Environment:   %s\n", s.Environment)
	fmt.Fprintf(r.w, "Started:       %s\n", s.Started.UTC().Format(time.RFC3339))
	fmt.Fprintf(r.w, "Elapsed:       %s\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(r.w, "Tables:        %d ok, %d failed\n", s.Succeeded(), s.Failed())
	fmt.Fprintf(r.w, "Rows:          %s\n", formatNumber(s.TotalRows()))
	fmt.Fprintln(r.w)

	for _, res := range s.Results {
		status := "ok"
		if !res.OK {
			status = "FAILED"
		}
		fmt.Fprintf(r.w, "%-30s %-12s %12s rows  %10s  %s\n",
			res.Table, res.Strategy, formatNumber(res.Rows),
			res.Duration.Round(time.Millisecond), status)
		if res.Err != nil {
			fmt.Fprintf(r.w, "    error: %v\n", res.Err)
		}
	}
}

func (r *PlainRenderer) RenderStatus(st *StatusReport) {
	fmt.Fprintf(r.w, "=== odetl — pipeline status ===\n\n")
	fmt.Fprintf(r.w, "Environment:   %s\n\n", st.Environment)

	fmt.Fprintf(r.w, "--- Replication (etl_copy_status) ---\n")
	if len(st.Copies) == 0 {
		fmt.Fprintf(r.w, "no tracked tables\n")
	}
	for _, c := range st.Copies {
		fmt.Fprintf(r.w, "%-30s %-8s %12s rows  %s\n",
			c.TableName, c.CopyStatus, formatNumber(c.RowsCopied),
			c.LastCopied.UTC().Format(time.RFC3339))
	}
	fmt.Fprintln(r.w)

	fmt.Fprintf(r.w, "--- Analytics (etl_load_status) ---\n")
	if len(st.Loads) == 0 {
		fmt.Fprintf(r.w, "no tracked tables\n")
	}
	for _, l := range st.Loads {
		fmt.Fprintf(r.w, "%-30s %-8s %12s rows  %s\n",
			l.TableName, l.LoadStatus, formatNumber(l.RowsLoaded),
			l.LastLoaded.UTC().Format(time.RFC3339))
	}
}

// formatNumber renders an integer with thousands separators.
func formatNumber(n int64) string {
	s := strconv.FormatInt(n, 10)
	neg := false
	if len(s) > 0 && s[0] == '-' {
		neg = true
		s = s[1:]
	}
	var out []byte
	for i, c := range []byte(s) {
		if i > 0 && (len(s)-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, c)
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}
