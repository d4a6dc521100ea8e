package report

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// TextRenderer produces Lip Gloss styled terminal output.
type TextRenderer struct {
	w io.Writer
}

func (r *TextRenderer) RenderSummary(s *Summary) {
	width := 72

	header := TitleStyle.Render(fmt.Sprintf("odetl — %s run", s.Stage))
	lines := []string{
		r.labelValue("Environment:", s.Environment),
		r.labelValue("Started:", s.Started.UTC().Format(time.RFC3339)),
		r.labelValue("Elapsed:", s.Elapsed.Round(time.Millisecond).String()),
		r.labelValue("Tables:", r.tableTally(s)),
		r.labelValue("Rows:", formatNumber(s.TotalRows())),
	}
	fmt.Fprintln(r.w)
	fmt.Fprintln(r.w, BoxStyle.Width(width).Render(header+"\n"+strings.Join(lines, "\n")))

	var rows []string
	for _, res := range s.Results {
		icon := SafeText.Render(IconSafe)
		if !res.OK {
			icon = DangerText.Render(IconDanger)
		}
		rows = append(rows, fmt.Sprintf("%s %-28s %-12s %12s  %s",
			icon, res.Table, res.Strategy, formatNumber(res.Rows),
			MutedText.Render(res.Duration.Round(time.Millisecond).String())))
	}
	if len(rows) > 0 {
		title := TitleStyle.Render("Tables")
		fmt.Fprintln(r.w, BoxStyle.Width(width).Render(title+"\n"+strings.Join(rows, "\n")))
	}

	var failures []string
	for _, res := range s.Results {
		if res.Err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", res.Table, res.Err))
		}
	}
	if len(failures) > 0 {
		title := DangerText.Render(IconDanger + " Failures")
		fmt.Fprintln(r.w, DangerBoxStyle.Width(width).Render(title+"\n"+strings.Join(failures, "\n")))
	}
	fmt.Fprintln(r.w)
}

func (r *TextRenderer) RenderStatus(st *StatusReport) {
	width := 72

	fmt.Fprintln(r.w)
	header := TitleStyle.Render("odetl — pipeline status")
	env := r.labelValue("Environment:", st.Environment)
	fmt.Fprintln(r.w, BoxStyle.Width(width).Render(header+"\n"+env))

	var copies []string
	for _, c := range st.Copies {
		copies = append(copies, fmt.Sprintf("%-28s %-8s %12s  %s",
			c.TableName, r.statusWord(c.CopyStatus), formatNumber(c.RowsCopied),
			MutedText.Render(c.LastCopied.UTC().Format(time.RFC3339))))
	}
	title := TitleStyle.Render("Replication (etl_copy_status)")
	body := "no tracked tables"
	if len(copies) > 0 {
		body = strings.Join(copies, "\n")
	}
	fmt.Fprintln(r.w, BoxStyle.Width(width).Render(title+"\n"+body))

	var loads []string
	for _, l := range st.Loads {
		loads = append(loads, fmt.Sprintf("%-28s %-8s %12s  %s",
			l.TableName, r.statusWord(l.LoadStatus), formatNumber(l.RowsLoaded),
			MutedText.Render(l.LastLoaded.UTC().Format(time.RFC3339))))
	}
	title = TitleStyle.Render("Analytics (etl_load_status)")
	body = "no tracked tables"
	if len(loads) > 0 {
		body = strings.Join(loads, "\n")
	}
	fmt.Fprintln(r.w, BoxStyle.Width(width).Render(title+"\n"+body))
	fmt.Fprintln(r.w)
}

func (r *TextRenderer) labelValue(label, value string) string {
	return LabelStyle.Render(label) + value
}

func (r *TextRenderer) tableTally(s *Summary) string {
	ok := SafeText.Render(fmt.Sprintf("%d ok", s.Succeeded()))
	if s.Failed() == 0 {
		return ok
	}
	return ok + ", " + DangerText.Render(fmt.Sprintf("%d failed", s.Failed()))
}

func (r *TextRenderer) statusWord(status string) string {
	switch status {
	case "success":
		return SafeText.Render(status)
	case "failed":
		return DangerText.Render(status)
	default:
		return status
	}
}
