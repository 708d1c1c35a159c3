package watch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"github.com/poretools/nanosync/pkg/fsevent"
	"github.com/poretools/nanosync/pkg/runsync"
)

// 🕵️ detector waits for one run's completion signal.
//
// Completion can arrive by any of several physical event sequences (create,
// close, close-without-write, move into place) or by none at all, so the
// detector runs two loops under one task group: a subscription on the run
// directory and a periodic poll of its immediate entries. Whichever path
// fires first wins; the transition is sticky and every later signal is a
// no-op. Detecting completion stops both loops, then dispatches the sync off
// the event path so a slow copy never delays detection of other runs.
type detector struct {
	rec          *RunRecord
	source       fsevent.Source
	completionRe *regexp.Regexp
	settleDelay  time.Duration
	pollInterval time.Duration
	syncer       *runsync.Syncer

	// syncWG tracks the dispatched sync so the watcher can wait for
	// in-flight copies during shutdown.
	syncWG *sync.WaitGroup
	// onFinished removes the record from the registry. The result is nil
	// when no sync ran (directory vanished, or shutdown during settle).
	onFinished func(rec *RunRecord, res *runsync.Result)

	once sync.Once
}

// newDetector fails fast if the run directory is already gone.
func newDetector(rec *RunRecord, source fsevent.Source, completionRe *regexp.Regexp, settleDelay, pollInterval time.Duration, syncer *runsync.Syncer, syncWG *sync.WaitGroup, onFinished func(*RunRecord, *runsync.Result)) (*detector, error) {
	info, err := os.Stat(rec.Path)
	if err != nil {
		return nil, errors.Errorf("run directory unavailable: %w", err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("run path %s is not a directory", rec.Path)
	}
	return &detector{
		rec:          rec,
		source:       source,
		completionRe: completionRe,
		settleDelay:  settleDelay,
		pollInterval: pollInterval,
		syncer:       syncer,
		syncWG:       syncWG,
		onFinished:   onFinished,
	}, nil
}

// run blocks until completion has been detected (and both loops stopped) or
// ctx is cancelled. The dispatched sync, if any, outlives run; it is tracked
// by syncWG instead.
func (d *detector) run(ctx context.Context) error {
	logger := zerolog.Ctx(ctx).With().Str("run", d.rec.Name).Logger()
	ctx = logger.WithContext(ctx)

	sub, err := d.source.Subscribe(ctx, d.rec.Path, false)
	if err != nil {
		return errors.Errorf("watching run directory %s: %w", d.rec.Path, err)
	}

	// loopCtx ends the two loops; ctx keeps the settle wait and sync
	// dispatch alive past that point.
	loopCtx, stopLoops := context.WithCancel(ctx)
	defer stopLoops()

	g := new(errgroup.Group)
	g.Go(func() error {
		d.eventLoop(ctx, loopCtx, stopLoops, sub)
		return nil
	})
	g.Go(func() error {
		d.pollLoop(ctx, loopCtx, stopLoops)
		return nil
	})
	_ = g.Wait()

	if err := sub.Close(); err != nil {
		logger.Debug().Err(err).Msg("closing run directory subscription")
	}
	return nil
}

// eventLoop consumes the run directory's event stream.
func (d *detector) eventLoop(ctx, loopCtx context.Context, stop context.CancelFunc, sub fsevent.Subscription) {
	logger := zerolog.Ctx(ctx)
	for {
		select {
		case <-loopCtx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			logger.Debug().Stringer("op", ev.Op).Str("path", ev.Path).Msg("run directory event")
			d.tryComplete(ctx, stop, ev)
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			// Dropped or garbled notifications are exactly what the poll
			// loop is for.
			logger.Debug().Err(err).Msg("run directory watch error")
		}
	}
}

// pollLoop is the safety net: completion is found within one interval even
// if every notification for the signal file was dropped.
func (d *detector) pollLoop(ctx, loopCtx context.Context, stop context.CancelFunc) {
	logger := zerolog.Ctx(ctx)
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-loopCtx.Done():
			return
		case <-ticker.C:
			entries, err := os.ReadDir(d.rec.Path)
			if err != nil {
				if os.IsNotExist(err) {
					logger.Debug().Msgf("Run directory for '%s' vanished, abandoning watch", d.rec.Name)
					stop()
					d.onFinished(d.rec, nil)
					return
				}
				logger.Debug().Err(err).Msg("polling run directory")
				continue
			}
			for _, entry := range entries {
				path := filepath.Join(d.rec.Path, entry.Name())
				if d.matchesCompletion(path) {
					d.complete(ctx, stop)
					return
				}
			}
		}
	}
}

// tryComplete funnels every event kind through the same matching and
// transition logic. Ops that cannot announce a new file are ignored.
func (d *detector) tryComplete(ctx context.Context, stop context.CancelFunc, ev fsevent.Event) {
	switch ev.Op {
	case fsevent.OpCreate, fsevent.OpClose, fsevent.OpCloseNoWrite, fsevent.OpMove:
	default:
		return
	}
	if !d.matchesCompletion(ev.Path) {
		return
	}
	d.complete(ctx, stop)
}

func (d *detector) matchesCompletion(path string) bool {
	return d.completionRe.MatchString(filepath.ToSlash(path))
}

// complete performs the sticky Pending → Completed transition. Only the
// first qualifying signal acts; the loops are stopped and the sync is
// dispatched exactly once.
func (d *detector) complete(ctx context.Context, stop context.CancelFunc) {
	d.once.Do(func() {
		d.rec.setState(StateCompleted)
		zerolog.Ctx(ctx).Info().Msgf("Run completion detected for '%s'", d.rec.Name)
		stop()

		d.syncWG.Add(1)
		go d.dispatchSync(ctx)
	})
}

// dispatchSync waits out the settle delay, then runs the sync on a context
// that shutdown does not cancel: a copy that has started runs to completion,
// while one still settling is abandoned.
func (d *detector) dispatchSync(ctx context.Context) {
	defer d.syncWG.Done()
	logger := zerolog.Ctx(ctx)

	if d.settleDelay > 0 {
		logger.Info().Msgf("Waiting %s before syncing run '%s'", d.settleDelay, d.rec.Name)
		timer := time.NewTimer(d.settleDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			logger.Info().Msgf("Shutdown before syncing run '%s', sync abandoned", d.rec.Name)
			d.onFinished(d.rec, nil)
			return
		}
	} else if ctx.Err() != nil {
		logger.Info().Msgf("Shutdown before syncing run '%s', sync abandoned", d.rec.Name)
		d.onFinished(d.rec, nil)
		return
	}

	d.rec.setState(StateSyncAttempted)
	res := d.syncer.Sync(context.WithoutCancel(ctx), d.rec.Path)
	d.onFinished(d.rec, &res)
}
