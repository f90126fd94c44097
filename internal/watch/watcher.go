// Package watch re-scores a persisted run report whenever it changes on disk.
package watch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/conveyor/internal/escalation"
	"github.com/fyrsmithlabs/conveyor/internal/orchestrator"
	"github.com/fyrsmithlabs/conveyor/internal/prrisk"
	"github.com/fyrsmithlabs/conveyor/internal/report"
)

// DefaultDebounce coalesces the burst of events one atomic report write produces.
const DefaultDebounce = 100 * time.Millisecond

// ErrWatcherFailed is returned when the filesystem watcher cannot be created.
var ErrWatcherFailed = errors.New("failed to create file watcher")

// Update is the result of re-reading the report. Err is set when the file
// could not be read or failed validation; the other fields are then zero.
type Update struct {
	Report *orchestrator.RunReport
	Risk   prrisk.Breakdown
	Cases  []escalation.Case
	Err    error
}

// Config configures a Watcher.
type Config struct {
	// ReportPath is the report file or the directory containing it.
	ReportPath string
	Threshold  uint32
	Debounce   time.Duration
	// OnUpdate is called from the watcher goroutine for every settled change
	// and once at start when the report already exists.
	OnUpdate func(Update)
}

// Watcher watches the report's directory, since atomic writes replace the
// file rather than modify it.
type Watcher struct {
	cfg     Config
	dir     string
	file    string
	watcher *fsnotify.Watcher
	logger  *zap.Logger
}

// New creates a Watcher. The directory must exist.
func New(cfg Config, logger *zap.Logger) (*Watcher, error) {
	if cfg.OnUpdate == nil {
		return nil, errors.New("OnUpdate is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	dir, file := cfg.ReportPath, report.FileName
	if info, err := os.Stat(cfg.ReportPath); err != nil || !info.IsDir() {
		dir, file = filepath.Dir(cfg.ReportPath), filepath.Base(cfg.ReportPath)
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil, fmt.Errorf("report directory %s does not exist", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("watching %s: %w", dir, err)
	}
	return &Watcher{cfg: cfg, dir: dir, file: file, watcher: fw, logger: logger}, nil
}

// Path returns the watched report file.
func (w *Watcher) Path() string {
	return filepath.Join(w.dir, w.file)
}

// Run delivers updates until ctx is done, then closes the watcher.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	if _, err := os.Stat(w.Path()); err == nil {
		w.emit()
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != w.file {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.cfg.Debounce)
			} else {
				timer.Reset(w.cfg.Debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.emit()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) emit() {
	r, err := report.Read(w.Path())
	if err != nil {
		w.logger.Debug("report not readable", zap.String("path", w.Path()), zap.Error(err))
		w.cfg.OnUpdate(Update{Err: err})
		return
	}
	w.logger.Debug("report changed", zap.String("run.id", r.RunID))
	w.cfg.OnUpdate(Update{
		Report: r,
		Risk:   prrisk.Compute(r, w.cfg.Threshold),
		Cases:  escalation.Route(r),
	})
}
