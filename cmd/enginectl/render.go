package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/xtxerr/enginedash/internal/api"
	"github.com/xtxerr/enginedash/internal/client/state"
	"github.com/xtxerr/enginedash/internal/constants"
)

// ANSI 256-color palette.
var (
	colorHeader  = lipgloss.Color("39")
	colorBorder  = lipgloss.Color("240")
	colorFaint   = lipgloss.Color("245")
	colorOK      = lipgloss.Color("42")
	colorBusy    = lipgloss.Color("214")
	colorBad     = lipgloss.Color("196")
	colorPending = lipgloss.Color("141")
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorHeader)
	faintStyle  = lipgloss.NewStyle().Foreground(colorFaint)
	errorStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorBad)
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true)
)

// statusColor maps agent, session and task statuses.
func statusColor(status string) lipgloss.Color {
	switch strings.ToLower(status) {
	case "idle", "active", "completed", "adopted", "ok":
		return colorOK
	case "busy", "running", "paused", "proposed", "draft":
		return colorBusy
	case "error", "failed", "timeout", "cancelled", "rejected", "degraded":
		return colorBad
	default:
		return colorFaint
	}
}

func styledStatus(status string) string {
	return lipgloss.NewStyle().Foreground(statusColor(status)).Render(status)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
}

// shortID keeps enough of a UUID to be typed back.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func ago(t *time.Time) string {
	if t == nil {
		return faintStyle.Render("never")
	}
	return humanize.Time(*t)
}

func optFloat(v *float64) string {
	if v == nil {
		return faintStyle.Render("-")
	}
	return humanize.FormatFloat("#,###.##", *v)
}

// =============================================================================
// Entities
// =============================================================================

func renderAgents(w io.Writer, agents []api.AgentResponse, total int64) {
	t := newTable("ID", "NAME", "TYPE", "STATUS", "SESSIONS", "LAST ACTIVE")
	for _, a := range agents {
		t.Row(shortID(a.ID), a.Name, a.Type, styledStatus(a.Status), humanize.Comma(a.TotalSessions), ago(a.LastActive))
	}
	fmt.Fprintln(w, t.Render())
	fmt.Fprintln(w, faintStyle.Render(fmt.Sprintf("%d of %s agents", len(agents), humanize.Comma(total))))
}

func renderAgent(w io.Writer, a *api.AgentDetailResponse) {
	fmt.Fprintln(w, titleStyle.Render(a.Name))
	fmt.Fprintf(w, "  id        %s\n", a.ID)
	fmt.Fprintf(w, "  type      %s\n", a.Type)
	fmt.Fprintf(w, "  status    %s\n", styledStatus(a.Status))
	fmt.Fprintf(w, "  sessions  %s\n", humanize.Comma(a.TotalSessions))
	fmt.Fprintf(w, "  active    %s\n", ago(a.LastActive))
	fmt.Fprintf(w, "  requests  %s\n", humanize.Comma(a.TotalRequests))
	if a.AvgResponseTime != nil {
		fmt.Fprintf(w, "  latency   %.1fms\n", *a.AvgResponseTime)
	}
	if a.SuccessRate != nil {
		fmt.Fprintf(w, "  success   %.1f%%\n", *a.SuccessRate)
	}
	if len(a.Capabilities) > 0 {
		fmt.Fprintf(w, "  caps      %s\n", strings.Join(a.Capabilities, ", "))
	}
	if a.Description != "" {
		fmt.Fprintf(w, "\n  %s\n", a.Description)
	}

	if len(a.Sessions) > 0 {
		t := newTable("SESSION", "TYPE", "STATUS", "USER", "STARTED", "DURATION", "REQUESTS")
		for _, s := range a.Sessions {
			dur := faintStyle.Render("-")
			if s.DurationMs != nil {
				dur = (time.Duration(*s.DurationMs) * time.Millisecond).Round(time.Second).String()
			}
			user := faintStyle.Render("-")
			if s.User != nil {
				user = s.User.Username
			}
			t.Row(shortID(s.ID), s.SessionType, styledStatus(s.Status), user, humanize.Time(s.StartedAt), dur, humanize.Comma(s.RequestCount))
		}
		fmt.Fprintln(w, t.Render())
	}
}

func renderTasks(w io.Writer, snap state.Snapshot, total int64) {
	t := newTable("ID", "TITLE", "TYPE", "PRIORITY", "STATUS", "PROGRESS", "UPDATED")
	for _, task := range snap.Tasks {
		status := styledStatus(task.Status)
		if snap.IsPending(task.ID) {
			status = lipgloss.NewStyle().Foreground(colorPending).Render(task.Status + "…")
		}
		t.Row(shortID(task.ID), task.Title, task.Type, task.Priority, status, progressBar(task.Progress, 10), humanize.Time(task.UpdatedAt))
	}
	fmt.Fprintln(w, t.Render())

	counts := snap.TasksByStatus()
	parts := make([]string, 0, len(constants.ValidTaskStatuses))
	for _, s := range constants.ValidTaskStatuses {
		if n := counts[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%s %d", s, n))
		}
	}
	fmt.Fprintln(w, faintStyle.Render(fmt.Sprintf("%d of %s tasks  %s", len(snap.Tasks), humanize.Comma(total), strings.Join(parts, " · "))))
}

func progressBar(pct, width int) string {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	filled := pct * width / 100
	return strings.Repeat("█", filled) + faintStyle.Render(strings.Repeat("░", width-filled)) + fmt.Sprintf(" %3d%%", pct)
}

func renderCodices(w io.Writer, snap state.Snapshot) {
	t := newTable("", "ID", "TITLE", "STATUS", "FORKS", "TAGS", "UPDATED")
	for _, c := range snap.Codices {
		mark := ""
		if c.ID == snap.ActiveCodexID {
			mark = "▶"
		}
		t.Row(mark, shortID(c.ID), c.Title, styledStatus(c.Status), humanize.Comma(c.Forks), strings.Join(c.Tags, ","), humanize.Time(c.UpdatedAt))
	}
	fmt.Fprintln(w, t.Render())
}

func renderCodex(w io.Writer, c *api.CodexResponse) {
	fmt.Fprintln(w, titleStyle.Render(c.Title)+" "+styledStatus(c.Status))
	if c.Description != "" {
		fmt.Fprintln(w, "  "+c.Description)
	}
	fmt.Fprintf(w, "  %d symbols · %d rituals · %d reflections\n", len(c.Symbols), len(c.Rituals), len(c.Reflections))

	if len(c.Commandments) == 0 {
		return
	}
	t := newTable("ID", "COMMANDMENT", "CATEGORY", "STATUS", "AGREE", "DISAGREE", "ABSTAIN")
	for _, cm := range c.Commandments {
		t.Row(shortID(cm.ID), cm.Text, cm.Category, styledStatus(cm.Status),
			fmt.Sprint(cm.Tally[constants.VoteAgree]),
			fmt.Sprint(cm.Tally[constants.VoteDisagree]),
			fmt.Sprint(cm.Tally[constants.VoteAbstain]))
	}
	fmt.Fprintln(w, t.Render())
}

func renderOverview(w io.Writer, o *api.OverviewResponse) {
	section := func(name string, total int64, counts map[string]int64) {
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, styledStatus(k)+" "+humanize.Comma(counts[k]))
		}
		fmt.Fprintf(w, "%s %s  %s\n", headerStyle.Render(fmt.Sprintf("%-8s", name)), humanize.Comma(total), strings.Join(parts, "  "))
	}
	section("agents", o.TotalAgents, o.Agents)
	section("tasks", o.TotalTasks, o.Tasks)
	section("codices", o.TotalCodex, o.Codices)
	fmt.Fprintln(w, faintStyle.Render("generated "+humanize.Time(o.GeneratedAt)))
}

// =============================================================================
// Metrics
// =============================================================================

const sparkBlocks = "▁▂▃▄▅▆▇█"

// sparkline draws bucket means; empty buckets are blank.
func sparkline(buckets []api.BucketResponse) string {
	lo, hi := 0.0, 0.0
	first := true
	for _, b := range buckets {
		if b.Mean == nil {
			continue
		}
		if first || *b.Mean < lo {
			lo = *b.Mean
		}
		if first || *b.Mean > hi {
			hi = *b.Mean
		}
		first = false
	}

	blocks := []rune(sparkBlocks)
	var sb strings.Builder
	for _, b := range buckets {
		if b.Mean == nil {
			sb.WriteRune(' ')
			continue
		}
		i := len(blocks) - 1
		if hi > lo {
			i = int((*b.Mean - lo) / (hi - lo) * float64(len(blocks)-1))
		}
		sb.WriteRune(blocks[i])
	}
	return sb.String()
}

func renderMetrics(w io.Writer, m *api.MetricSeriesResponse) {
	fmt.Fprintf(w, "%s  %s at %s  (%s → %s, %s samples)\n",
		headerStyle.Render("metrics"), m.TimeRange, m.Interval,
		m.Start.Local().Format("Jan 2 15:04"), m.End.Local().Format("Jan 2 15:04"),
		humanize.Comma(int64(m.Total)))

	for _, s := range m.Metrics {
		unit := s.Unit
		if unit != "" {
			unit = " (" + unit + ")"
		}
		fmt.Fprintln(w)
		fmt.Fprintln(w, titleStyle.Render(s.MetricType+unit))
		fmt.Fprintln(w, "  "+sparkline(s.Buckets))

		t := newTable("START", "COUNT", "MEAN", "MIN", "MAX", "P95")
		for _, b := range s.Buckets {
			if b.Count == 0 {
				continue
			}
			t.Row(b.Start.Local().Format("15:04"), humanize.Comma(b.Count), optFloat(b.Mean), optFloat(b.Min), optFloat(b.Max), optFloat(b.P95))
		}
		fmt.Fprintln(w, t.Render())
	}
}
