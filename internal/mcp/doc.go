// Package mcp exposes the report post-processors as Model Context Protocol
// tools over stdio.
//
// Tools:
//
//	pr_risk              risk breakdown and auto-merge eligibility
//	route_escalations    escalation cases for a finished run
//	validate_provenance  parent-reference completeness of the provenance chain
//	validate_report      schema validation of a report document
//
// Report-reading tools default to the report configured on the server and
// accept a report_path override.
package mcp
