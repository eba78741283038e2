package cascade

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// stepGradient colors successive steps from blue to magenta.
var stepGradient = [...]lipgloss.Color{
	"#008efa", "#358af9", "#4d85f8", "#5f80f6", "#6f7bf3",
	"#7d76ef", "#8a70ea", "#966ae4", "#a064de", "#aa5dd6",
	"#b356ce", "#bb4fc6", "#c247bd", "#c83fb3", "#ce36a9",
	"#d22d9e", "#d62493", "#d81a88", "#da0d7c", "#db0071",
}

var headingStyle = lipgloss.NewStyle().Bold(true)

func stepStyle(i int) lipgloss.Style {
	return headingStyle.Foreground(stepGradient[i%len(stepGradient)])
}

// Render formats the round state for terminals. It does not modify the
// round.
func (r *Round) Render() string {
	var b strings.Builder

	taskStyle := headingStyle.Foreground(stepGradient[len(stepGradient)-1])
	fmt.Fprintf(&b, "%s: '%s'\n", taskStyle.Render("task"), r.task)

	if len(r.unresolved) > 0 {
		b.WriteString(headingStyle.Render("unresolved_steps"))
		b.WriteString("\n")
		renderSteps(&b, r.unresolved)
		if len(r.resolved) > 0 {
			b.WriteString(headingStyle.Render("resolved_steps"))
			b.WriteString("\n")
		}
	}
	renderSteps(&b, r.resolved)

	return b.String()
}

func renderSteps(b *strings.Builder, steps []*Step) {
	for i, s := range steps {
		label := stepStyle(i).Render(fmt.Sprintf("step %d", s.position))
		outcome, err := s.DisplayOutcome()
		if err != nil {
			outcome = "No outcome"
		}
		fmt.Fprintf(b, "%s (%s, %s): '%s'\n", label, s.kind, s.state, outcome)
	}
}

// String implements fmt.Stringer.
func (r *Round) String() string { return r.Render() }
