package main

import (
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/conveyor/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp [path]",
	Short: "Serve report tools over MCP stdio",
	Long: `Run an MCP server on stdin/stdout exposing the pr_risk, route_escalations,
validate_provenance and validate_report tools. Tools default to the report in
the configured output_dir. Logs go to stderr so they never corrupt the protocol.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := newApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		reportPath := a.cfg.OutputDir
		if len(args) == 1 {
			reportPath = args[0]
		}
		srv, err := mcp.NewServer(&mcp.Config{
			Name:          "conveyor",
			Version:       version,
			Logger:        a.logger.Underlying().Named("mcp"),
			ReportPath:    reportPath,
			RiskThreshold: uint32(a.cfg.Risk.AutoMergeThreshold),
		})
		if err != nil {
			return err
		}
		return srv.Run(ctx)
	},
}
