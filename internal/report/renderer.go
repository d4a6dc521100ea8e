// Package report renders pipeline run summaries and tracking status for the
// terminal, in plain, json, markdown or styled text form.
package report

import (
	"io"
	"time"

	"github.com/odxtools/odetl/internal/load"
	"github.com/odxtools/odetl/internal/replicate"
)

// Result is the outcome of one table in a run.
type Result struct {
	Table    string
	Strategy string
	Rows     int64
	Duration time.Duration
	OK       bool
	Err      error
}

// Summary is the outcome of one pipeline stage run.
type Summary struct {
	Stage       string // replicate or load
	Environment string
	Started     time.Time
	Elapsed     time.Duration
	Results     []Result
}

// Succeeded counts successful tables.
func (s *Summary) Succeeded() int {
	n := 0
	for _, r := range s.Results {
		if r.OK {
			n++
		}
	}
	return n
}

// Failed counts failed tables.
func (s *Summary) Failed() int { return len(s.Results) - s.Succeeded() }

// TotalRows sums rows moved across all tables.
func (s *Summary) TotalRows() int64 {
	var n int64
	for _, r := range s.Results {
		n += r.Rows
	}
	return n
}

// StatusReport is the current state of both tracking tables.
type StatusReport struct {
	Environment string
	Copies      []replicate.CopyStatus
	Loads       []load.LoadStatus
}

// Renderer defines the output interface.
type Renderer interface {
	RenderSummary(s *Summary)
	RenderStatus(st *StatusReport)
}

// NewRenderer creates a renderer for the given format.
func NewRenderer(format string, w io.Writer) Renderer {
	switch format {
	case "json":
		return &JSONRenderer{w: w}
	case "markdown":
		return &MarkdownRenderer{w: w}
	case "plain":
		return &PlainRenderer{w: w}
	default:
		return &TextRenderer{w: w}
	}
}
