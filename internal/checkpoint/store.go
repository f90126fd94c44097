package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

// Backend names.
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
)

var (
	// ErrRunIDMismatch is returned when saving would overwrite an unfinished
	// checkpoint of another run.
	ErrRunIDMismatch = errors.New("checkpoint belongs to another run")
	// ErrUnknownBackend is returned by Open for an unsupported backend name.
	ErrUnknownBackend = errors.New("unknown checkpoint backend")
)

// Store is a checkpoint backend.
type Store interface {
	orchestrator.CheckpointStore
	// Clear removes the checkpoint for runID. Clearing a missing checkpoint is not an error.
	Clear(ctx context.Context, runID string) error
	Close() error
}

// Open returns the backend named by backend, storing data at path.
func Open(backend, path string, logger *zap.Logger) (Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	switch backend {
	case "", BackendFile:
		return NewFileStore(path, logger), nil
	case BackendSQLite:
		return OpenSQLiteStore(path, logger)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

func validate(cp *orchestrator.Checkpoint) error {
	if cp == nil {
		return errors.New("checkpoint is nil")
	}
	if cp.RunID == "" {
		return errors.New("checkpoint run_id is required")
	}
	for _, s := range cp.CompletedStages {
		if _, err := s.Index(); err != nil {
			return err
		}
	}
	return nil
}
