// Package runsync copies a completed sequencing run to the destination root
// and classifies the result.
//
// Sync never overwrites an existing destination, never retries, and reports
// every outcome as a value: a failed or mismatched run is surfaced for
// operator action, not re-attempted. A transient copy failure usually means
// a writer is still flushing, and blind retry would duplicate effort.
package runsync

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"

	"github.com/poretools/nanosync/pkg/config"
)

// 🎯 Outcome classifies one sync attempt.
type Outcome int

const (
	// OutcomeSuccess means the run was copied (and verified, if enabled).
	OutcomeSuccess Outcome = iota
	// OutcomeAlreadyExists means the destination already had the run; the
	// existing contents were left untouched.
	OutcomeAlreadyExists
	// OutcomeSizeMismatch means the copy finished but total byte sizes
	// differ. The copy is left in place for manual inspection.
	OutcomeSizeMismatch
	// OutcomeCopyFailed means the copy itself failed.
	OutcomeCopyFailed
)

// String returns a human-readable representation of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyExists:
		return "already-exists"
	case OutcomeSizeMismatch:
		return "size-mismatch"
	case OutcomeCopyFailed:
		return "copy-failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// 📋 Result is the full report of one sync attempt.
type Result struct {
	Outcome Outcome
	// SourceBytes and DestBytes are set when verification ran.
	SourceBytes int64
	DestBytes   int64
	// Duration covers the copy plus verification.
	Duration time.Duration
	// Err is set for OutcomeCopyFailed.
	Err error
}

// 🎮 Syncer runs sync attempts. It performs blocking I/O; callers keep it
// off the event-processing path.
type Syncer struct {
	cfg    *config.Config
	copier Copier
}

// 🏭 NewSyncer builds a Syncer. A nil copier selects the default tree
// copier with the configured exclude globs.
func NewSyncer(cfg *config.Config, copier Copier) *Syncer {
	if copier == nil {
		copier = NewTreeCopier(cfg.ExcludeGlobs)
	}
	return &Syncer{cfg: cfg, copier: copier}
}

// 🏃 Sync copies the run at source under the destination root. It is
// invoked at most once per run; enforcing that is the watcher's job.
func (s *Syncer) Sync(ctx context.Context, source string) Result {
	logger := zerolog.Ctx(ctx)
	name := filepath.Base(source)
	target := filepath.Join(s.cfg.Destination, name)
	start := time.Now()

	logger.Info().Msgf("Syncing run '%s' to '%s'...", name, s.cfg.Destination)

	if _, err := os.Stat(target); err == nil {
		logger.Warn().Msgf("Run '%s' already exists in '%s'.", name, s.cfg.Destination)
		return Result{Outcome: OutcomeAlreadyExists, Duration: time.Since(start)}
	}

	if _, err := os.Stat(s.cfg.Destination); err != nil {
		err = errors.Errorf("missing destination root: %w", err)
		logger.Error().Msgf("Unable to copy run '%s': %v", name, err)
		return Result{Outcome: OutcomeCopyFailed, Err: err, Duration: time.Since(start)}
	}

	if err := s.copier.CopyTree(ctx, source, target); err != nil {
		var metaErr *MetadataError
		if errors.As(err, &metaErr) {
			// Content is fully in place; only permissions or timestamps
			// could not be replicated.
			logger.Debug().Msgf("Ignoring metadata errors while syncing '%s': %v", name, metaErr)
		} else {
			logger.Error().Msgf("Unable to copy run '%s': %v", name, err)
			return Result{Outcome: OutcomeCopyFailed, Err: err, Duration: time.Since(start)}
		}
	}

	var srcSize, dstSize int64
	if s.cfg.Verify {
		var err error
		if srcSize, err = s.dirSize(source); err != nil {
			logger.Error().Msgf("Unable to copy run '%s': %v", name, err)
			return Result{Outcome: OutcomeCopyFailed, Err: err, Duration: time.Since(start)}
		}
		if dstSize, err = s.dirSize(target); err != nil {
			logger.Error().Msgf("Unable to copy run '%s': %v", name, err)
			return Result{Outcome: OutcomeCopyFailed, Err: err, Duration: time.Since(start)}
		}
		if srcSize != dstSize {
			logger.Warn().Msgf("Size mismatch for run '%s': source size %d, destination size %d.", name, srcSize, dstSize)
			return Result{
				Outcome:     OutcomeSizeMismatch,
				SourceBytes: srcSize,
				DestBytes:   dstSize,
				Duration:    time.Since(start),
			}
		}
	}

	logger.Info().Msgf("Run '%s' synced successfully.", name)
	return Result{
		Outcome:     OutcomeSuccess,
		SourceBytes: srcSize,
		DestBytes:   dstSize,
		Duration:    time.Since(start),
	}
}

// dirSize sums the sizes of all regular files under root, skipping the same
// exclude globs the copier skips so verification stays consistent.
func (s *Syncer) dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return errors.Errorf("walking %s: %w", path, walkErr)
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return errors.Errorf("relativizing %s: %w", path, err)
		}
		if s.excluded(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return errors.Errorf("statting %s: %w", path, err)
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, errors.Errorf("sizing %s: %w", root, err)
	}
	return total, nil
}

func (s *Syncer) excluded(rel string) bool {
	rel = filepath.ToSlash(rel)
	for _, glob := range s.cfg.ExcludeGlobs {
		if matched, err := doublestar.Match(glob, rel); err == nil && matched {
			return true
		}
	}
	return false
}
