package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "CONVEYOR_"

	// DefaultFileName is loaded from the working directory when no path is given.
	DefaultFileName = "conveyor.yaml"

	maxConfigFileSize = 1024 * 1024 // 1MB
)

// sections are the top-level keys whose environment variables split into
// section.field on the first underscore. Any other variable maps to a
// top-level key as is.
var sections = map[string]struct{}{
	"checkpoint": {},
	"gates":      {},
	"decision":   {},
	"review":     {},
	"risk":       {},
	"scrub":      {},
	"github":     {},
	"nats":       {},
	"http":       {},
	"metrics":    {},
	"logging":    {},
	"telemetry":  {},
}

// Loader holds the merged configuration tree.
type Loader struct {
	k    *koanf.Koanf
	path string
}

// NewLoader loads configuration from a YAML file, then overrides it with
// environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (CONVEYOR_OUTPUT_DIR, CONVEYOR_GATES_CI_STATUS, etc.)
//  2. YAML config file
//  3. Defaults
//
// An empty path loads conveyor.yaml from the working directory when present.
// An explicit path must exist.
//
// # Security Considerations
//
// Configuration files larger than 1MB, non-regular files, and (outside
// Windows) world-writable files are rejected.
//
// # Environment Variable Mapping
//
//	CONVEYOR_RUN_ID           -> run_id
//	CONVEYOR_OUTPUT_DIR       -> output_dir
//	CONVEYOR_GATES_CI_STATUS  -> gates.ci_status
//	CONVEYOR_GITHUB_TOKEN     -> github.token
func NewLoader(path string) (*Loader, error) {
	k := koanf.New(".")

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	content, err := readConfigFile(path)
	switch {
	case err == nil:
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
		path = ""
	default:
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	return &Loader{k: k, path: path}, nil
}

// Path returns the file that was loaded, or "" when none was.
func (l *Loader) Path() string {
	return l.path
}

// Config decodes and validates the top-level configuration.
func (l *Loader) Config() (*Config, error) {
	cfg := Default()
	if err := l.k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// Unmarshal decodes the subtree at key into out. Fields absent from the tree
// keep the values already in out.
func (l *Loader) Unmarshal(key string, out any) error {
	if err := l.k.Unmarshal(key, out); err != nil {
		return fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return nil
}

// envKey maps CONVEYOR_SECTION_FIELD_NAME to section.field_name and
// CONVEYOR_FIELD_NAME to field_name.
func envKey(s string) string {
	lower := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 2 {
		if _, ok := sections[parts[0]]; ok {
			return parts[0] + "." + parts[1]
		}
	}
	return lower
}

// readConfigFile opens path once and validates it through the open
// descriptor to avoid a TOCTOU race.
func readConfigFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if err := validateConfigFileProperties(info); err != nil {
		return nil, fmt.Errorf("config file validation failed: %w", err)
	}

	content, err := io.ReadAll(io.LimitReader(f, maxConfigFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if len(content) > maxConfigFileSize {
		return nil, fmt.Errorf("config file too large: more than %d bytes", maxConfigFileSize)
	}
	return content, nil
}

func validateConfigFileProperties(info os.FileInfo) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("config file is not a regular file: %s", info.Mode())
	}
	if runtime.GOOS != "windows" && info.Mode().Perm()&0o002 != 0 {
		return fmt.Errorf("insecure config file permissions: %v (world-writable)", info.Mode().Perm())
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
