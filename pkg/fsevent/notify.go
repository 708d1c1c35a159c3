package fsevent

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gitlab.com/tozd/go/errors"
)

const (
	eventBufferSize = 256
	errorBufferSize = 16
)

// 🏭 NewNotifySource returns a Source backed by fsnotify.
//
// fsnotify watches are non-recursive, so recursive subscriptions walk the
// tree at subscribe time and add new directories as their create events
// arrive. Entries that land in a directory before its watch is in place are
// reported as synthetic create events during the catch-up scan.
//
// fsnotify has no close/close-without-write notion; those ops never fire
// from this source. Consumers are expected to tolerate that (the completion
// detector treats every delivery path, poll included, as equivalent).
func NewNotifySource() Source {
	return &notifySource{}
}

type notifySource struct{}

func (s *notifySource) Subscribe(ctx context.Context, dir string, recursive bool) (Subscription, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, errors.Errorf("statting watch root %s: %w", dir, err)
	}
	if !info.IsDir() {
		return nil, errors.Errorf("watch root %s is not a directory", dir)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Errorf("creating fsnotify watcher: %w", err)
	}

	sub := &notifySubscription{
		logger:    zerolog.Ctx(ctx),
		fw:        fw,
		recursive: recursive,
		events:    make(chan Event, eventBufferSize),
		errors:    make(chan error, errorBufferSize),
		done:      make(chan struct{}),
	}

	if err := sub.addTree(dir); err != nil {
		fw.Close()
		return nil, err
	}

	sub.wg.Add(1)
	go sub.loop(ctx)

	return sub, nil
}

type notifySubscription struct {
	logger    *zerolog.Logger
	fw        *fsnotify.Watcher
	recursive bool

	events chan Event
	errors chan error
	done   chan struct{}

	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (s *notifySubscription) Events() <-chan Event { return s.events }
func (s *notifySubscription) Errors() <-chan error { return s.errors }

func (s *notifySubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.fw.Close()
		s.wg.Wait()
		close(s.events)
		close(s.errors)
	})
	if err != nil {
		return errors.Errorf("closing fsnotify watcher: %w", err)
	}
	return nil
}

// addTree adds dir to the watch set, walking the subtree when recursive.
func (s *notifySubscription) addTree(dir string) error {
	if err := s.fw.Add(dir); err != nil {
		return errors.Errorf("watching %s: %w", dir, err)
	}
	if !s.recursive {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		// Directory vanished between the create event and the scan.
		return nil
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if err := s.addTree(filepath.Join(dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

// catchUp reports entries of a freshly watched directory as synthetic
// creates, covering files that landed before the watch was in place.
// Subdirectories are watched and scanned recursively for the same reason.
func (s *notifySubscription) catchUp(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())
		s.emit(Event{Op: OpCreate, Path: path})
		if entry.IsDir() {
			if err := s.fw.Add(path); err != nil {
				s.logger.Debug().Err(err).Str("path", path).Msg("adding watch for new directory")
			}
			s.catchUp(path)
		}
	}
}

func (s *notifySubscription) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

func (s *notifySubscription) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case raw, ok := <-s.fw.Events:
			if !ok {
				return
			}
			ev, ok := s.translate(raw)
			if !ok {
				continue
			}
			newDir := false
			if s.recursive && ev.Op == OpCreate {
				if info, err := os.Stat(ev.Path); err == nil && info.IsDir() {
					newDir = true
					if err := s.fw.Add(ev.Path); err != nil {
						s.logger.Debug().Err(err).Str("path", ev.Path).Msg("adding watch for new directory")
					}
				}
			}
			s.emit(ev)
			if newDir {
				s.catchUp(ev.Path)
			}

		case err, ok := <-s.fw.Errors:
			if !ok {
				return
			}
			select {
			case s.errors <- err:
			case <-s.done:
				return
			}
		}
	}
}

// translate maps an fsnotify event onto the typed stream. Renames into the
// watched tree surface as creates on inotify, so OpMove only appears from
// sources that can pair both sides of a move.
func (s *notifySubscription) translate(raw fsnotify.Event) (Event, bool) {
	switch {
	case raw.Has(fsnotify.Create):
		return Event{Op: OpCreate, Path: raw.Name}, true
	case raw.Has(fsnotify.Write):
		return Event{Op: OpWrite, Path: raw.Name}, true
	case raw.Has(fsnotify.Remove):
		return Event{Op: OpRemove, Path: raw.Name}, true
	case raw.Has(fsnotify.Rename):
		return Event{Op: OpRename, Path: raw.Name}, true
	case raw.Has(fsnotify.Chmod):
		return Event{Op: OpChmod, Path: raw.Name}, true
	default:
		return Event{}, false
	}
}
