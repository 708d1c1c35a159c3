// Package watch contains the run-lifecycle core: discovering new run
// directories, detecting per-run completion, and driving each completed run
// through exactly one sync attempt.
package watch

import (
	"context"
	"os"
	"sync"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/poretools/nanosync/pkg/config"
	"github.com/poretools/nanosync/pkg/fsevent"
	"github.com/poretools/nanosync/pkg/matcher"
	"github.com/poretools/nanosync/pkg/runsync"
)

// 🎮 Watcher owns the source-root subscription, the registry of in-flight
// runs, and the set of completion detectors. It is the top-level driver:
// Run blocks until ctx is cancelled and teardown has finished.
type Watcher struct {
	cfg     *config.Config
	source  fsevent.Source
	match   *matcher.Matcher
	syncer  *runsync.Syncer
	spawned func(rec *RunRecord) // test hook on detector spawn

	mu      sync.Mutex
	records map[string]*RunRecord
	// synced holds names whose sync has been invoked; names are never
	// reused, so this only ever grows by one entry per synced run.
	synced map[string]struct{}

	detectors *errgroup.Group
	syncWG    sync.WaitGroup
}

// 🔧 Options configures a Watcher beyond its Config.
type Options struct {
	// Source supplies filesystem events. Nil selects the fsnotify-backed
	// source.
	Source fsevent.Source
	// Copier overrides the copy mechanism. Nil selects the tree copier.
	Copier runsync.Copier
}

// 🏭 New builds a Watcher. cfg must already be validated.
func New(cfg *config.Config, opts Options) (*Watcher, error) {
	if cfg.RunNameRegexp() == nil || cfg.CompletionSignalRegexp() == nil {
		return nil, errors.New("config must be validated before use")
	}

	m, err := matcher.New(cfg.RunNamePattern, cfg.MatchCacheSize)
	if err != nil {
		return nil, errors.Errorf("building run name matcher: %w", err)
	}

	source := opts.Source
	if source == nil {
		source = fsevent.NewNotifySource()
	}

	return &Watcher{
		cfg:     cfg,
		source:  source,
		match:   m,
		syncer:  runsync.NewSyncer(cfg, opts.Copier),
		records: make(map[string]*RunRecord),
		synced:  make(map[string]struct{}),
	}, nil
}

// 🏃 Run watches the source root until ctx is cancelled, then tears down in
// order: discovery subscription first (no new runs accepted), then every
// in-flight detector, then waits for started syncs to finish. Pending syncs
// still in their settle wait are abandoned.
//
// A failure to establish the source-root subscription is returned
// immediately; the process cannot do anything without it.
func (w *Watcher) Run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)

	sub, err := w.source.Subscribe(ctx, w.cfg.Source, true)
	if err != nil {
		return errors.Errorf("watching source root %s: %w", w.cfg.Source, err)
	}

	// Detectors and sync dispatch live on a context that outlives event
	// delivery: shutdown cancels it explicitly, in order.
	detectorCtx, cancelDetectors := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelDetectors()
	w.detectors = new(errgroup.Group)

	logger.Info().Msgf("Watching '%s' for new runs", w.cfg.Source)

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("Interrupted, stop watching for new runs")
			if err := sub.Close(); err != nil {
				logger.Debug().Err(err).Msg("closing source root subscription")
			}
			cancelDetectors()
			_ = w.detectors.Wait()
			w.syncWG.Wait()
			return nil

		case ev, ok := <-sub.Events():
			if !ok {
				return errors.New("source root event stream closed unexpectedly")
			}
			w.handleEvent(detectorCtx, ev)

		case err, ok := <-sub.Errors():
			if !ok {
				return errors.New("source root error stream closed unexpectedly")
			}
			logger.Warn().Err(err).Msg("source root watch error")
		}
	}
}

// handleEvent filters the raw discovery stream down to new run directories.
// Nested paths inside an already-matched run never qualify, and a second
// qualifying event for a known RunName is ignored.
func (w *Watcher) handleEvent(detectorCtx context.Context, ev fsevent.Event) {
	logger := zerolog.Ctx(detectorCtx)

	switch ev.Op {
	case fsevent.OpCreate, fsevent.OpMove:
	default:
		return
	}

	name, ok := w.match.MatchRunDir(ev.Path)
	if !ok {
		return
	}

	info, err := os.Stat(ev.Path)
	if err != nil || !info.IsDir() {
		// Discovery is about directories; a file that happens to carry a
		// run-shaped name is not a run.
		return
	}

	rec, ok := w.addRecord(name, ev.Path)
	if !ok {
		logger.Debug().Str("run", name).Msg("run already tracked, ignoring duplicate event")
		return
	}

	logger.Info().Msgf("Detected new run directory: %s", ev.Path)

	det, err := newDetector(
		rec,
		w.source,
		w.cfg.CompletionSignalRegexp(),
		w.cfg.SettleDelay,
		w.cfg.PollInterval,
		w.syncer,
		&w.syncWG,
		w.finishRecord,
	)
	if err != nil {
		logger.Warn().Err(err).Msgf("Cannot watch run '%s'", name)
		w.removeRecord(name)
		return
	}

	w.detectors.Go(func() error {
		if err := det.run(detectorCtx); err != nil {
			logger.Warn().Err(err).Msgf("Watch of run '%s' failed", name)
			w.removeRecord(name)
		}
		return nil
	})

	if w.spawned != nil {
		w.spawned(rec)
	}
}

// addRecord inserts a record unless the name is in flight or already synced.
func (w *Watcher) addRecord(name, path string) (*RunRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.records[name]; ok {
		return nil, false
	}
	if _, ok := w.synced[name]; ok {
		return nil, false
	}
	rec := &RunRecord{Name: name, Path: path}
	w.records[name] = rec
	return rec, true
}

func (w *Watcher) removeRecord(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, name)
}

// finishRecord retires a record once its detector is done with it. A nil
// result means no sync ran; a non-nil result marks the name as synced for
// the rest of the process lifetime.
func (w *Watcher) finishRecord(rec *RunRecord, res *runsync.Result) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.records, rec.Name)
	if res != nil {
		w.synced[rec.Name] = struct{}{}
	}
}

// Record returns the in-flight record for name, if any. Test hook.
func (w *Watcher) Record(name string) (*RunRecord, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	rec, ok := w.records[name]
	return rec, ok
}
