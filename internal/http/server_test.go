package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/provenance"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
)

func setupTestServer(t *testing.T, r *orchestrator.RunReport) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	if r != nil {
		_, err := report.Write(dir, r)
		require.NoError(t, err)
	}
	server, err := NewServer(zap.NewNop(), &Config{ReportPath: dir, RiskThreshold: prrisk.DefaultAutoMergeThreshold})
	require.NoError(t, err)
	return server, dir
}

func get(t *testing.T, s *Server, target string, out any) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func TestNewServer(t *testing.T) {
	t.Run("applies defaults", func(t *testing.T) {
		server, err := NewServer(zap.NewNop(), &Config{ReportPath: "x"})
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", server.config.Host)
		assert.Equal(t, 9191, server.config.Port)
	})

	t.Run("returns error when logger is nil", func(t *testing.T) {
		_, err := NewServer(nil, &Config{ReportPath: "x"})
		assert.ErrorContains(t, err, "logger is required")
	})

	t.Run("returns error without report path", func(t *testing.T) {
		_, err := NewServer(zap.NewNop(), &Config{})
		assert.ErrorContains(t, err, "report path is required")
	})
}

func TestHandleHealth(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	var resp HealthResponse
	rec := get(t, server, "/health", &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))
}

func TestHandleReport(t *testing.T) {
	want := report.NewTestReport("run-http")
	server, _ := setupTestServer(t, want)

	var got orchestrator.RunReport
	rec := get(t, server, "/api/v1/report", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, want.RunID, got.RunID)
	assert.Equal(t, orchestrator.TerminalBlocked, got.Terminal())
}

func TestHandleReport_Missing(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	for _, path := range []string{"/api/v1/report", "/api/v1/report/risk", "/api/v1/report/escalations", "/api/v1/report/provenance/validate"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusNotFound, get(t, server, path, nil).Code)
		})
	}
}

func TestHandleReport_Invalid(t *testing.T) {
	server, dir := setupTestServer(t, nil)
	require.NoError(t, os.WriteFile(filepath.Join(dir, report.FileName), []byte(`{"run_id": 5}`), 0o644))

	assert.Equal(t, http.StatusUnprocessableEntity, get(t, server, "/api/v1/report", nil).Code)
}

func TestHandleReport_PicksUpRewrites(t *testing.T) {
	server, dir := setupTestServer(t, report.NewTestReport("first"))
	_, err := report.Write(dir, report.NewTestReport("second"))
	require.NoError(t, err)

	var got orchestrator.RunReport
	get(t, server, "/api/v1/report", &got)
	assert.Equal(t, "second", got.RunID)
}

func TestHandleRisk(t *testing.T) {
	r := report.NewTestReport("run-risk")
	server, _ := setupTestServer(t, r)

	var got prrisk.Breakdown
	rec := get(t, server, "/api/v1/report/risk", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, prrisk.Compute(r, prrisk.DefaultAutoMergeThreshold), got)

	rec = get(t, server, "/api/v1/report/risk?threshold=100000", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint32(100000), got.Threshold)

	assert.Equal(t, http.StatusBadRequest, get(t, server, "/api/v1/report/risk?threshold=-1", nil).Code)
}

func TestHandleEscalations(t *testing.T) {
	r := report.NewTestReport("run-esc")
	server, _ := setupTestServer(t, r)

	var got []escalation.Case
	rec := get(t, server, "/api/v1/report/escalations", &got)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, escalation.Route(r), got)
}

func TestHandleProvenance(t *testing.T) {
	t.Run("complete chain", func(t *testing.T) {
		server, _ := setupTestServer(t, report.NewTestReport("run-prov"))
		var got ProvenanceResponse
		get(t, server, "/api/v1/report/provenance/validate", &got)
		assert.True(t, got.Complete)
		assert.Equal(t, 2, got.Records)
	})

	t.Run("dangling parent", func(t *testing.T) {
		r := report.NewTestReport("run-prov")
		r.ProvenanceRecords[1].ParentIDs = []string{"ghost"}
		server, _ := setupTestServer(t, r)

		var got ProvenanceResponse
		get(t, server, "/api/v1/report/provenance/validate", &got)
		assert.False(t, got.Complete)
		assert.Contains(t, got.Error, provenance.CodeChainIncomplete)
	})
}

func TestHandleSchema(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	rec := get(t, server, "/api/v1/report/schema", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.Schema(), rec.Body.Bytes())
}

func TestHandleValidate(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	valid, err := json.Marshal(report.NewTestReport("posted"))
	require.NoError(t, err)

	tests := []struct {
		name   string
		body   []byte
		status int
		valid  bool
	}{
		{"valid report", valid, http.StatusOK, true},
		{"schema violation", []byte(`{"run_id":"x"}`), http.StatusOK, false},
		{"empty body", nil, http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/api/v1/report/validate", bytes.NewReader(tt.body))
			server.echo.ServeHTTP(rec, req)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			var resp ValidateResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.valid, resp.Valid)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "conveyor_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	server, err := NewServer(zap.NewNop(), &Config{
		ReportPath:     t.TempDir(),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})
	require.NoError(t, err)

	rec := get(t, server, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "conveyor_test_total 1")
}

func TestMetricsEndpoint_AbsentWithoutHandler(t *testing.T) {
	server, _ := setupTestServer(t, nil)
	assert.Equal(t, http.StatusNotFound, get(t, server, "/metrics", nil).Code)
}
