package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	blockedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))
)

// Badge renders the terminal state of a report.
func Badge(r *orchestrator.RunReport) string {
	switch state := r.Terminal(); state {
	case "":
		return dimStyle.Render("○ RUNNING")
	case orchestrator.TerminalDone:
		return doneStyle.Render("● DONE")
	case orchestrator.TerminalBlocked:
		return blockedStyle.Render("● BLOCKED")
	default:
		return failedStyle.Render("● " + strings.ToUpper(string(state)))
	}
}

// RenderSummary writes the run header, stage executions, gates and decision.
func RenderSummary(w io.Writer, r *orchestrator.RunReport) {
	fmt.Fprintf(w, "%s %s  %s\n", titleStyle.Render("run"), r.RunID, Badge(r))
	if stage := r.Stage(); stage != "" {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("stage"), stage)
	}
	if len(r.BlockedReasonCodes) > 0 {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("blocked"), strings.Join(r.BlockedReasonCodes, ", "))
	}

	stages := table.NewWriter()
	stages.SetOutputMirror(w)
	stages.AppendHeader(table.Row{"Stage", "Command", "Status", "Exit", "Duration (ms)", "Output"})
	for _, e := range r.StageExecutions {
		exit := ""
		if e.ExitCode != nil {
			exit = fmt.Sprint(*e.ExitCode)
		}
		stages.AppendRow(table.Row{e.Stage, e.Command, e.Status, exit, e.DurationMs, e.OutputRef})
	}
	stages.Render()

	if len(r.GateDecisions) > 0 {
		gates := table.NewWriter()
		gates.SetOutputMirror(w)
		gates.AppendHeader(table.Row{"Gate", "Passed", "Reason"})
		for _, g := range r.GateDecisions {
			gates.AppendRow(table.Row{g.Gate, g.Passed, g.ReasonCode})
		}
		gates.Render()
	}

	if r.DecisionConfidence != nil {
		fmt.Fprintf(w, "%s %d%% %s\n", titleStyle.Render("decision confidence"),
			*r.DecisionConfidence, strings.Join(r.DecisionRationaleCodes, ", "))
		votes := table.NewWriter()
		votes.SetOutputMirror(w)
		votes.AppendHeader(table.Row{"Contributor", "Capability", "Vote", "Confidence", "Weight"})
		for _, c := range r.DecisionContributions {
			votes.AppendRow(table.Row{c.ContributorID, c.Capability, c.Vote, c.Confidence, c.Weight})
		}
		votes.Render()
	}
	if e := r.ReviewEnsemble; e != nil {
		fmt.Fprintf(w, "%s passed=%t confidence=%d%% %s\n", titleStyle.Render("review ensemble"),
			e.Passed, e.Confidence, strings.Join(e.ReasonCodes, ", "))
	}
}

// RenderRisk writes a PR risk breakdown.
func RenderRisk(w io.Writer, b prrisk.Breakdown) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Factor", "Score", "Rationale"})
	for _, f := range b.Factors {
		tw.AppendRow(table.Row{f.Name, f.Score, f.Rationale})
	}
	tw.AppendFooter(table.Row{"total", b.TotalScore, fmt.Sprintf("threshold %d", b.Threshold)})
	tw.Render()

	verdict := blockedStyle.Render("manual review required")
	if b.EligibleForAutoMerge {
		verdict = doneStyle.Render("eligible for auto-merge")
	}
	fmt.Fprintln(w, verdict)
}

// RenderEscalations writes one row per escalation case.
func RenderEscalations(w io.Writer, cases []escalation.Case) {
	if len(cases) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no escalations"))
		return
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"ID", "Trigger", "Severity", "Required actions", "Context"})
	for _, c := range cases {
		tw.AppendRow(table.Row{
			c.ID, c.TriggerCode, c.Severity,
			strings.Join(c.RequiredActions, "\n"),
			strings.Join(c.ContextArtifacts, "\n"),
		})
	}
	tw.Render()
}
