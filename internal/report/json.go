package report

import (
	"encoding/json"
	"io"
	"time"
)

// JSONRenderer produces machine-readable JSON output.
type JSONRenderer struct {
	w io.Writer
}

type jsonSummary struct {
	Stage       string       `json:"stage"`
	Environment string       `json:"environment"`
	Started     time.Time    `json:"started"`
	ElapsedMS   int64        `json:"elapsed_ms"`
	Succeeded   int          `json:"succeeded"`
	Failed      int          `json:"failed"`
	TotalRows   int64        `json:"total_rows"`
	Tables      []jsonResult `json:"tables"`
}

type jsonResult struct {
	Table      string `json:"table"`
	Strategy   string `json:"strategy"`
	Rows       int64  `json:"rows"`
	DurationMS int64  `json:"duration_ms"`
	OK         bool   `json:"ok"`
	Error      string `json:"error,omitempty"`
}

func (r *JSONRenderer) RenderSummary(s *Summary) {
	out := jsonSummary{
		Stage:       s.Stage,
		Environment: s.Environment,
		Started:     s.Started.UTC(),
		ElapsedMS:   s.Elapsed.Milliseconds(),
		Succeeded:   s.Succeeded(),
		Failed:      s.Failed(),
		TotalRows:   s.TotalRows(),
	}
	for _, res := range s.Results {
		jr := jsonResult{
			Table:      res.Table,
			Strategy:   res.Strategy,
			Rows:       res.Rows,
			DurationMS: res.Duration.Milliseconds(),
			OK:         res.OK,
		}
		if res.Err != nil {
			jr.Error = res.Err.Error()
		}
		out.Tables = append(out.Tables, jr)
	}

	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}

type jsonStatusRow struct {
	Table  string    `json:"table"`
	Status string    `json:"status"`
	Rows   int64     `json:"rows"`
	At     time.Time `json:"at"`
}

func (r *JSONRenderer) RenderStatus(st *StatusReport) {
	out := map[string]any{
		"environment": st.Environment,
	}
	copies := make([]jsonStatusRow, 0, len(st.Copies))
	for _, c := range st.Copies {
		copies = append(copies, jsonStatusRow{
			Table: c.TableName, Status: c.CopyStatus,
			Rows: c.RowsCopied, At: c.LastCopied.UTC(),
		})
	}
	loads := make([]jsonStatusRow, 0, len(st.Loads))
	for _, l := range st.Loads {
		loads = append(loads, jsonStatusRow{
			Table: l.TableName, Status: l.LoadStatus,
			Rows: l.RowsLoaded, At: l.LastLoaded.UTC(),
		})
	}
	out["replication"] = copies
	out["analytics"] = loads

	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	enc.Encode(out)
}
