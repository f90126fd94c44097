package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
)

const schema = `CREATE TABLE IF NOT EXISTS checkpoints (
	run_id               TEXT PRIMARY KEY,
	completed_stages     TEXT NOT NULL,
	terminal_state       TEXT,
	updated_at_unix_secs INTEGER NOT NULL
)`

// SQLiteStore keeps one checkpoint row per run_id, so concurrent runs with
// different ids never touch each other's state.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// OpenSQLiteStore opens (creating if needed) the database at path.
func OpenSQLiteStore(path string, logger *zap.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create checkpoint schema: %w", err)
	}
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Load returns the checkpoint for runID, or nil when there is none.
func (s *SQLiteStore) Load(ctx context.Context, runID string) (*orchestrator.Checkpoint, error) {
	var (
		stages   string
		terminal sql.NullString
		updated  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT completed_stages, terminal_state, updated_at_unix_secs FROM checkpoints WHERE run_id = ?`,
		runID,
	).Scan(&stages, &terminal, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", runID, err)
	}

	cp := &orchestrator.Checkpoint{RunID: runID, UpdatedAtUnixSecs: updated}
	if err := json.Unmarshal([]byte(stages), &cp.CompletedStages); err != nil {
		return nil, fmt.Errorf("decode completed stages for %s: %w", runID, err)
	}
	if terminal.Valid {
		state, err := orchestrator.ParseTerminalState(terminal.String)
		if err != nil {
			return nil, fmt.Errorf("decode terminal state for %s: %w", runID, err)
		}
		cp.TerminalState = &state
	}
	return cp, nil
}

// Save upserts the checkpoint row for cp.RunID.
func (s *SQLiteStore) Save(ctx context.Context, cp *orchestrator.Checkpoint) error {
	if err := validate(cp); err != nil {
		return err
	}
	stages := cp.CompletedStages
	if stages == nil {
		stages = []orchestrator.Stage{}
	}
	encoded, err := json.Marshal(stages)
	if err != nil {
		return fmt.Errorf("encode completed stages: %w", err)
	}
	var terminal sql.NullString
	if cp.TerminalState != nil {
		terminal = sql.NullString{String: string(*cp.TerminalState), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO checkpoints (run_id, completed_stages, terminal_state, updated_at_unix_secs)
VALUES (?, ?, ?, ?)
ON CONFLICT(run_id) DO UPDATE SET
	completed_stages = excluded.completed_stages,
	terminal_state = excluded.terminal_state,
	updated_at_unix_secs = excluded.updated_at_unix_secs`,
		cp.RunID, string(encoded), terminal, cp.UpdatedAtUnixSecs,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.RunID, err)
	}
	s.logger.Debug("checkpoint saved", zap.String("run.id", cp.RunID), zap.Int("completed_stages", len(stages)))
	return nil
}

// Clear deletes the row for runID.
func (s *SQLiteStore) Clear(ctx context.Context, runID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", runID, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
