package mcp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
)

var errInvalidInput = errors.New("invalid input")

type reportInput struct {
	ReportPath string `json:"report_path,omitempty" jsonschema:"Report file or the directory containing it (defaults to the server's report)"`
}

type prRiskInput struct {
	ReportPath string  `json:"report_path,omitempty" jsonschema:"Report file or the directory containing it (defaults to the server's report)"`
	Threshold  *uint32 `json:"threshold,omitempty" jsonschema:"Highest total score that is still eligible for auto-merge"`
}

type routeEscalationsOutput struct {
	RunID string            `json:"run_id" jsonschema:"Run the cases belong to"`
	Cases []escalation.Case `json:"cases" jsonschema:"Escalation cases in trigger order"`
}

type validateProvenanceOutput struct {
	RunID    string `json:"run_id" jsonschema:"Run the chain belongs to"`
	Records  int    `json:"records" jsonschema:"Number of provenance records"`
	Complete bool   `json:"complete" jsonschema:"True when every parent reference resolves"`
	Error    string `json:"error,omitempty" jsonschema:"First dangling reference, when incomplete"`
}

type validateReportInput struct {
	ReportJSON string `json:"report_json" jsonschema:"Run report document to validate"`
}

type validateReportOutput struct {
	Valid bool   `json:"valid" jsonschema:"True when the document matches the run report schema"`
	Error string `json:"error,omitempty" jsonschema:"Schema violation details"`
}

func (s *Server) registerTools() error {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "pr_risk",
		Description: "Score the merge risk of a finished run and report whether it is eligible for auto-merge",
	}, instrument(s, "pr_risk", func(ctx context.Context, args prRiskInput) (prrisk.Breakdown, string, error) {
		r, err := s.load(args.ReportPath)
		if err != nil {
			return prrisk.Breakdown{}, "", err
		}
		threshold := s.config.RiskThreshold
		if args.Threshold != nil {
			threshold = *args.Threshold
		}
		b := prrisk.Compute(r, threshold)
		verdict := "manual review required"
		if b.EligibleForAutoMerge {
			verdict = "eligible for auto-merge"
		}
		return b, fmt.Sprintf("run %s: risk %d/%d, %s", r.RunID, b.TotalScore, b.Threshold, verdict), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "route_escalations",
		Description: "Derive the human escalation cases for a finished run",
	}, instrument(s, "route_escalations", func(ctx context.Context, args reportInput) (routeEscalationsOutput, string, error) {
		r, err := s.load(args.ReportPath)
		if err != nil {
			return routeEscalationsOutput{}, "", err
		}
		cases := escalation.Route(r)
		return routeEscalationsOutput{RunID: r.RunID, Cases: cases},
			fmt.Sprintf("run %s: %d escalation case(s)", r.RunID, len(cases)), nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "validate_provenance",
		Description: "Check that every parent reference in a run's provenance chain resolves",
	}, instrument(s, "validate_provenance", func(ctx context.Context, args reportInput) (validateProvenanceOutput, string, error) {
		r, err := s.load(args.ReportPath)
		if err != nil {
			return validateProvenanceOutput{}, "", err
		}
		out := validateProvenanceOutput{RunID: r.RunID, Records: len(r.ProvenanceRecords), Complete: true}
		text := fmt.Sprintf("run %s: provenance chain of %d record(s) is complete", r.RunID, out.Records)
		if err := provenance.ValidateChainCompleteness(r.ProvenanceRecords); err != nil {
			out.Complete = false
			out.Error = err.Error()
			text = fmt.Sprintf("run %s: %s", r.RunID, out.Error)
		}
		return out, text, nil
	}))

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "validate_report",
		Description: "Validate a run report document against the run report JSON schema",
	}, instrument(s, "validate_report", func(ctx context.Context, args validateReportInput) (validateReportOutput, string, error) {
		if args.ReportJSON == "" {
			return validateReportOutput{}, "", fmt.Errorf("%w: report_json is required", errInvalidInput)
		}
		if err := report.ValidateJSON([]byte(args.ReportJSON)); err != nil {
			return validateReportOutput{Valid: false, Error: err.Error()}, "report is invalid: " + err.Error(), nil
		}
		return validateReportOutput{Valid: true}, "report is valid", nil
	}))

	return nil
}

func (s *Server) load(path string) (*orchestrator.RunReport, error) {
	if path == "" {
		path = s.config.ReportPath
	}
	if path == "" {
		return nil, fmt.Errorf("%w: report_path is required when the server has no default report", errInvalidInput)
	}
	return report.Read(path)
}

// instrument adapts a tool body into an MCP handler that records metrics and
// returns the summary text alongside the structured output.
func instrument[In, Out any](s *Server, name string, body func(context.Context, In) (Out, string, error)) mcp.ToolHandlerFor[In, Out] {
	return func(ctx context.Context, req *mcp.CallToolRequest, args In) (*mcp.CallToolResult, Out, error) {
		start := time.Now()
		s.metrics.IncrementActive(ctx, name)
		out, text, err := body(ctx, args)
		s.metrics.DecrementActive(ctx, name)
		s.metrics.RecordInvocation(ctx, name, time.Since(start), err)

		if err != nil {
			s.logger.Warn("mcp tool failed", zap.String("tool", name), zap.Error(err))
			var zero Out
			return nil, zero, err
		}
		s.logger.Debug("mcp tool completed", zap.String("tool", name), zap.Duration("duration", time.Since(start)))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: text}},
		}, out, nil
	}
}
