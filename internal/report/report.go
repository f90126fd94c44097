// Package report persists, validates and renders orchestrator run reports.
package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// FileName is the report file written into the output directory.
const FileName = "orchestrator_run_report.json"

// Path returns the report path inside outputDir.
func Path(outputDir string) string {
	return filepath.Join(outputDir, FileName)
}

// Write validates r and writes it to outputDir, replacing any previous report.
func Write(outputDir string, r *orchestrator.RunReport) (string, error) {
	if r == nil {
		return "", errors.New("report is nil")
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	if err := ValidateJSON(data); err != nil {
		return "", err
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	path := Path(outputDir)
	tmp, err := os.CreateTemp(outputDir, "."+FileName+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create temp report: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close report: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename report: %w", err)
	}
	return path, nil
}

// Read loads and validates a report. path may be the report file or the
// directory that contains it.
func Read(path string) (*orchestrator.RunReport, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = Path(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report: %w", err)
	}
	return Decode(data)
}

// Decode validates and decodes raw report JSON.
func Decode(data []byte) (*orchestrator.RunReport, error) {
	if err := ValidateJSON(data); err != nil {
		return nil, err
	}
	var r orchestrator.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}
