package trace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
)

// Index is an optional secondary sink for traces, such as a database.
type Index interface {
	SaveRun(ctx context.Context, run schemas.RunSummary) error
	SaveStep(ctx context.Context, runID string, step StepRecord) error
}

// Recorder writes one run under <dir>/<run_id>/. Every file is written to a
// temporary name first and renamed into place, so readers never observe a
// half-written record.
type Recorder struct {
	dir    string
	index  Index
	logger *zap.Logger

	mu     sync.Mutex
	runID  string
	runDir string
}

// NewRecorder returns a recorder rooted at dir. index may be nil.
func NewRecorder(dir string, index Index, logger *zap.Logger) *Recorder {
	return &Recorder{dir: dir, index: index, logger: logger.Named("trace")}
}

// RunDir is the directory of the current run, empty before Begin.
func (r *Recorder) RunDir() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runDir
}

// Begin creates the run directory and an initial manifest.
func (r *Recorder) Begin(ctx context.Context, run schemas.RunSummary) error {
	if run.RunID == "" {
		return errors.New("run id is required")
	}
	runDir := filepath.Join(r.dir, run.RunID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return fmt.Errorf("failed to create trace directory: %w", err)
	}

	r.mu.Lock()
	r.runID, r.runDir = run.RunID, runDir
	r.mu.Unlock()

	if err := r.writeManifest(ctx, run); err != nil {
		return err
	}
	r.logger.Info("Recording trace.", zap.String("dir", runDir))
	return nil
}

// Record persists one step. Errors are classified as PersistenceError.
func (r *Recorder) Record(ctx context.Context, out schemas.StepOutcome) error {
	r.mu.Lock()
	runID, runDir := r.runID, r.runDir
	r.mu.Unlock()
	if runDir == "" {
		return schemas.Errorf(schemas.KindPersistence, "trace not started")
	}

	rec := newStepRecord(out)
	if rec.Screenshot != "" {
		if err := writeFileAtomic(runDir, rec.Screenshot, out.Observed.Screenshot); err != nil {
			return schemas.NewStepError(schemas.KindPersistence, err)
		}
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return schemas.Errorf(schemas.KindPersistence, "failed to encode step %d: %w", out.Index, err)
	}
	if err := writeFileAtomic(runDir, stepJSONName(out.Index), data); err != nil {
		return schemas.NewStepError(schemas.KindPersistence, err)
	}

	if r.index != nil {
		if err := r.index.SaveStep(ctx, runID, rec); err != nil {
			return schemas.Errorf(schemas.KindPersistence, "failed to index step %d: %w", out.Index, err)
		}
	}
	return nil
}

// Finish rewrites the manifest with the final status.
func (r *Recorder) Finish(ctx context.Context, run schemas.RunSummary) error {
	if err := r.writeManifest(ctx, run); err != nil {
		return err
	}
	r.logger.Info("Trace complete.", zap.String("dir", r.RunDir()), zap.Int("steps", run.Steps))
	return nil
}

func (r *Recorder) writeManifest(ctx context.Context, run schemas.RunSummary) error {
	runDir := r.RunDir()
	if runDir == "" {
		return schemas.Errorf(schemas.KindPersistence, "trace not started")
	}
	data, err := json.MarshalIndent(run, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}
	if err := writeFileAtomic(runDir, manifestFile, data); err != nil {
		return schemas.NewStepError(schemas.KindPersistence, err)
	}
	if r.index != nil {
		if err := r.index.SaveRun(ctx, run); err != nil {
			return schemas.Errorf(schemas.KindPersistence, "failed to index run: %w", err)
		}
	}
	return nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", name, err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	return nil
}
