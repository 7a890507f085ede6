package monitor

import (
	"errors"
	"fmt"
	"strings"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"
)

const (
	barWidth        = 40
	sparkWidth      = 30
	sparkHeight     = 3
	visibleLogs     = 8
	visibleWarnings = 5
)

// Palette (ANSI 256).
const (
	cyan   = lipgloss.Color("51")
	teal   = lipgloss.Color("45")
	white  = lipgloss.Color("231")
	grey   = lipgloss.Color("245")
	border = lipgloss.Color("238")
	green  = lipgloss.Color("46")
	yellow = lipgloss.Color("226")
	red    = lipgloss.Color("196")
)

func fg(c lipgloss.Color, bold bool) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c).Bold(bold)
}

var (
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("0")).Background(cyan).Bold(true).Padding(0, 1)
	sectionStyle = fg(cyan, true).MarginTop(1)
	labelStyle   = fg(teal, false)
	valueStyle   = fg(white, true)
	dimStyle     = fg(grey, false)
	healthyStyle = fg(green, true)
	warningStyle = fg(yellow, true)
	errorStyle   = fg(red, true)
	keyStyle     = fg(cyan, true)
	sparkStyle   = fg(cyan, false)
	frameStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(border).Padding(1, 2)
)

const title = "rankpipe Run Monitor"

func newBar(to string) progress.Model {
	return progress.New(progress.WithGradient("#00ffff", to), progress.WithWidth(barWidth))
}

// View renders the monitor.
func (m Model) View() string {
	switch {
	case m.quitting:
		return ""
	case m.err != nil:
		return m.viewError()
	default:
		return m.viewRun()
	}
}

func (m Model) viewError() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title) + "\n\n")
	if errors.Is(m.err, ErrRunNotFound) {
		b.WriteString(errorStyle.Render("⚠ Run not found") + "\n\n")
		b.WriteString(dimStyle.Render("Finished runs are evicted after runs.ttl.") + "\n")
	} else {
		b.WriteString(errorStyle.Render("⚠ Cannot reach the rankpipe server") + "\n\n")
		b.WriteString(dimStyle.Render("Is rankpipe serve running?") + "\n")
	}
	fmt.Fprintf(&b, "\n%s%s\n", dimStyle.Render("URL: "), valueStyle.Render(m.server))
	fmt.Fprintf(&b, "%s%s\n", dimStyle.Render("Run: "), valueStyle.Render(m.runID))
	fmt.Fprintf(&b, "%s%s\n\n", dimStyle.Render("Error: "), errorStyle.Render(m.err.Error()))
	b.WriteString(footer("q", "quit", "r", "retry"))
	return frameStyle.Render(b.String())
}

func (m Model) viewRun() string {
	var b strings.Builder
	st := m.status

	state := dimStyle.Render("○ WAITING")
	if m.hasStatus {
		state = FormatState(st.State)
	}
	updated := "never"
	if !m.lastUpdate.IsZero() {
		updated = m.lastUpdate.Format("15:04:05")
	}
	b.WriteString(titleStyle.Render(title) + "\n")
	fmt.Fprintf(&b, "%s   %s %s   %s\n", state,
		dimStyle.Render("Run:"), valueStyle.Render(m.runID), dimStyle.Render(updated))

	section(&b, "Pipeline")
	current := st.CurrentStepName
	if current == "" {
		current = "-"
	}
	field(&b, "Steps", valueStyle.Render(st.PipelineProgress)+"  "+labelStyle.Render("Current: ")+valueStyle.Render(current))
	field(&b, "Pipeline", m.pipelineBar.ViewAs(clampRatio(st.PipelinePercentage/100))+" "+dimStyle.Render(FormatPercentage(st.PipelinePercentage)))
	field(&b, "Step", m.stepBar.ViewAs(clampRatio(st.Step.Percentage/100))+" "+dimStyle.Render(st.Step.Progress))
	field(&b, "Activity", renderActivity(m.history))
	if st.Error != "" {
		field(&b, "Error", errorStyle.Render(st.Error))
	}

	section(&b, "Step Log")
	if len(st.Step.Logs) == 0 {
		b.WriteString(dimStyle.Render("  no entries") + "\n")
	}
	for _, line := range lastN(st.Step.Logs, visibleLogs) {
		b.WriteString("  " + line + "\n")
	}

	if len(st.Step.Warnings) > 0 {
		section(&b, "Warnings")
		for _, w := range lastN(st.Step.Warnings, visibleWarnings) {
			b.WriteString("  " + warningStyle.Render("⚠") + " " + w.String() + "\n")
		}
	}

	if r := st.Result; r != nil {
		section(&b, "Result")
		field(&b, "Documents", valueStyle.Render(fmt.Sprint(len(r.Documents)))+
			"  "+labelStyle.Render("Elapsed: ")+valueStyle.Render(FormatElapsed(r.ElapsedSeconds))+
			"  "+labelStyle.Render("Cache hits: ")+valueStyle.Render(FormatRatio(r.CacheHitRatio)))
	}

	b.WriteString("\n" + footer("q", "quit", "r", "refresh", "c", "cancel"))
	b.WriteString(dimStyle.Render(fmt.Sprintf("  every %v", m.interval)))
	return frameStyle.Render(b.String())
}

func section(b *strings.Builder, name string) {
	b.WriteString("\n" + sectionStyle.Render("┃ "+name) + "\n")
}

func field(b *strings.Builder, label, value string) {
	fmt.Fprintf(b, "  %s %s\n", labelStyle.Render(fmt.Sprintf("%-9s", label+":")), value)
}

// footer renders key/action pairs such as [q] quit.
func footer(pairs ...string) string {
	parts := make([]string, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		parts = append(parts, keyStyle.Render("["+pairs[i]+"]")+" "+dimStyle.Render(pairs[i+1]))
	}
	return strings.Join(parts, "  ")
}

func renderActivity(samples []float64) string {
	if len(samples) == 0 {
		return dimStyle.Render("no data")
	}
	spark := sparkline.New(sparkWidth, sparkHeight)
	spark.PushAll(samples)
	spark.Draw()
	return sparkStyle.Render(spark.View())
}

func clampRatio(r float64) float64 {
	return min(max(r, 0), 1)
}
