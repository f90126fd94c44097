package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
)

// Server is the conveyor MCP server.
type Server struct {
	mcp     *mcp.Server
	config  *Config
	metrics *Metrics
	logger  *zap.Logger
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "conveyor")
	Name string
	// Version is the server version (default: "dev")
	Version string
	Logger  *zap.Logger
	// ReportPath is the default report file or directory for report tools.
	ReportPath string
	// RiskThreshold is the default auto-merge threshold for pr_risk.
	RiskThreshold uint32
}

// DefaultConfig returns the defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:          "conveyor",
		Version:       "dev",
		Logger:        zap.NewNop(),
		RiskThreshold: prrisk.DefaultAutoMergeThreshold,
	}
}

// NewServer creates a server with all tools registered.
func NewServer(cfg *Config) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.Version == "" {
		cfg.Version = defaults.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = defaults.Logger
	}

	s := &Server{
		mcp: mcp.NewServer(&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		}, nil),
		config:  cfg,
		metrics: NewMetrics(cfg.Logger),
		logger:  cfg.Logger,
	}
	if err := s.registerTools(); err != nil {
		return nil, fmt.Errorf("failed to register tools: %w", err)
	}
	return s, nil
}

// Run serves on the stdio transport until ctx is done or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.RunTransport(ctx, &mcp.StdioTransport{})
}

// RunTransport serves on an arbitrary transport.
func (s *Server) RunTransport(ctx context.Context, t mcp.Transport) error {
	s.logger.Info("starting MCP server", zap.String("name", s.config.Name))
	if err := s.mcp.Run(ctx, t); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}
