// Package watcher maintains one filesystem watch session per subscribed
// subtree, translates raw OS events into root-relative paths, and forwards
// them to a ChangeBus. Sessions are keyed by (path, recursive) so that two
// SUBSCRIBE requests on the same directory reuse a single OS watch.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/scriptsync/tmdav/pathmap"
	"github.com/scriptsync/tmdav/skiplist"
)

// Poster receives each root-relative path changed under a watched subtree,
// one call per path. It is implemented by *changebus.Core.
type Poster interface {
	Post(relative string)
}

// sessionKey identifies a watch session.
type sessionKey struct {
	path      string // root-relative, "." for root
	recursive bool
}

func (k sessionKey) String() string {
	return fmt.Sprintf("%s|%v", k.path, k.recursive)
}

// session is one OS-level watch rooted at an absolute directory, fanning
// out translated events to the ChangeBus.
type session struct {
	key     sessionKey
	abs     string
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// Manager owns every active session and the mapping used to make
// EnsureWatch idempotent.
type Manager struct {
	mapper *pathmap.Mapper
	bus    Poster
	logger *slog.Logger

	mu       sync.Mutex
	sessions skiplist.DBIndex[string, *session]
}

// New returns a Manager rooted at mapper, forwarding change notifications
// to bus.
func New(mapper *pathmap.Mapper, bus Poster, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		mapper:   mapper,
		bus:      bus,
		logger:   logger,
		sessions: skiplist.NewSkipList[string, *session](),
	}
}

// EnsureWatch starts a watch session for (relativePath, recursive) if one
// does not already exist, and is a no-op otherwise. recursive controls
// whether subdirectories discovered later are added to the same session.
func (m *Manager) EnsureWatch(relativePath string, recursive bool) error {
	key := sessionKey{path: relativePath, recursive: recursive}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.sessions.Find(key.String()); found {
		return nil
	}

	abs := m.mapper.ToAbsolute(relativePath)
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: creating fsnotify watcher for %q: %w", abs, err)
	}

	dirs := []string{abs}
	if recursive {
		dirs, err = subdirs(abs)
		if err != nil {
			w.Close()
			return fmt.Errorf("watcher: enumerating subtree of %q: %w", abs, err)
		}
	}
	for _, d := range dirs {
		if addErr := w.Add(d); addErr != nil {
			m.logger.Warn("watcher: failed to add watch", "dir", d, "error", addErr)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{key: key, abs: abs, watcher: w, cancel: cancel}

	if _, err := m.sessions.Upsert(key.String(), func(_ string, cur *session, exists bool) (*session, error) {
		if exists {
			return cur, errors.New("session already registered")
		}
		return s, nil
	}); err != nil {
		w.Close()
		cancel()
		// Lost the race with a concurrent EnsureWatch for the same key; the
		// winner's session is already running, which is all the caller needs.
		return nil
	}

	go m.run(ctx, s)
	return nil
}

// run pumps fsnotify events for a single session until ctx is cancelled or
// the watcher is closed.
func (m *Manager) run(ctx context.Context, s *session) {
	defer s.watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if isNoiseEvent(ev.Op) {
				continue
			}
			if s.key.recursive && ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := s.watcher.Add(ev.Name); addErr != nil {
						m.logger.Warn("watcher: failed to add new subdirectory", "dir", ev.Name, "error", addErr)
					}
				}
			}

			rel, relErr := m.mapper.ToRelativeFromAbsolute(ev.Name)
			if relErr != nil {
				continue
			}
			m.bus.Post(rel)

		case _, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			// The event queue overflowed or a similar transient failure
			// occurred. There is nothing actionable to recover beyond
			// continuing to read the channel; any pending subscribers are
			// woken with whatever changes already accumulated, or with
			// an empty set when their deadline fires.
		}
	}
}

// isNoiseEvent reports whether an fsnotify event carries no content change:
// access-only, a catch-all with no recognized bits, or Chmod in isolation.
func isNoiseEvent(op fsnotify.Op) bool {
	const contentBits = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	return op&contentBits == 0
}

// subdirs walks abs and returns it along with every directory beneath it,
// for seeding a recursive watch session.
func subdirs(abs string) ([]string, error) {
	var out []string
	err := filepath.WalkDir(abs, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			out = append(out, path)
		}
		return nil
	})
	return out, err
}

// Close tears down every active session. It is intended for server
// shutdown, not per-request cleanup.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, err := m.sessions.Query(context.Background(), "", "")
	if err != nil {
		return
	}
	for _, s := range sessions {
		s.cancel()
	}
}

// HasSession reports whether a watch session exists for relativePath with
// either depth, used by the PROPFIND handler to decide whether its document
// includes a cursor element.
func (m *Manager) HasSession(relativePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, found := m.sessions.Find((sessionKey{path: relativePath, recursive: false}).String()); found {
		return true
	}
	_, found := m.sessions.Find((sessionKey{path: relativePath, recursive: true}).String())
	return found
}
