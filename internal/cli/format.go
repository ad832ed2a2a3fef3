package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	v1 "github.com/kandev/vigil/pkg/api/v1"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true)
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("78"))
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer, headers ...string) *tabwriter.Writer {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	styled := make([]string, len(headers))
	for i, h := range headers {
		styled[i] = headerStyle.Render(h)
	}
	fmt.Fprintln(tw, strings.Join(styled, "\t"))
	return tw
}

func renderPhase(phase v1.AgentPhase) string {
	switch phase {
	case v1.AgentPhaseRunning:
		return runningStyle.Render(string(phase))
	case v1.AgentPhaseProcessing, v1.AgentPhasePausing:
		return busyStyle.Render(string(phase))
	default:
		return pausedStyle.Render(string(phase))
	}
}

func renderNext(view v1.AgentView) string {
	switch {
	case view.Agent.CaptureMode == v1.CaptureModeManual:
		return "manual"
	case view.Phase == v1.AgentPhaseRunning:
		return fmt.Sprintf("%ds", view.State.CountdownSeconds)
	default:
		return "-"
	}
}

func renderDetection(d v1.Detection) string {
	text := truncate(d.Text, 72)
	if d.IsError {
		return errorStyle.Render(text)
	}
	return text
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len([]rune(s)) <= n {
		return s
	}
	return string([]rune(s)[:n-1]) + "…"
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return t.Local().Format("Jan 2 15:04")
	}
}
