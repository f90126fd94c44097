package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// FileStore keeps a single checkpoint in a JSON file.
type FileStore struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}
}

// Path returns the checkpoint file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load returns the checkpoint when the file exists and belongs to runID.
// An unfinished checkpoint of another run yields ErrRunIDMismatch, since the
// run could never save over it.
func (s *FileStore) Load(_ context.Context, runID string) (*orchestrator.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.read()
	if err != nil || cp == nil {
		return nil, err
	}
	if cp.RunID != runID {
		if cp.TerminalState == nil {
			return nil, fmt.Errorf("%w: %s holds unfinished run %q", ErrRunIDMismatch, s.path, cp.RunID)
		}
		s.logger.Debug("checkpoint belongs to another run",
			zap.String("path", s.path),
			zap.String("run.id", runID),
			zap.String("checkpoint.run_id", cp.RunID),
		)
		return nil, nil
	}
	return cp, nil
}

// Save writes cp atomically. It refuses to replace an unfinished checkpoint
// of a different run.
func (s *FileStore) Save(_ context.Context, cp *orchestrator.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read()
	if err != nil {
		return err
	}
	if existing != nil && existing.RunID != cp.RunID && existing.TerminalState == nil {
		return fmt.Errorf("%w: %s holds run %q", ErrRunIDMismatch, s.path, existing.RunID)
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}
	return writeFileAtomic(s.path, data)
}

// Clear removes the file when it belongs to runID.
func (s *FileStore) Clear(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.read()
	if err != nil || existing == nil {
		return err
	}
	if existing.RunID != runID {
		return fmt.Errorf("%w: %s holds run %q", ErrRunIDMismatch, s.path, existing.RunID)
	}
	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) read() (*orchestrator.Checkpoint, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	var cp orchestrator.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return &cp, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
