// Package matcher extracts canonical run names from filesystem paths.
//
// Matching runs on every filesystem event the watcher sees, so results are
// memoized per path string in a bounded LRU cache rather than re-running the
// regexp each time. The cache cap keeps a long watch session from growing
// without bound.
package matcher

import (
	"regexp"
	"strings"
	"sync"

	"github.com/golang/groupcache/lru"
	"gitlab.com/tozd/go/errors"
)

// 🎯 Matcher decides whether a path denotes a run and extracts its name.
type Matcher struct {
	re         *regexp.Regexp
	anchoredRe *regexp.Regexp

	mu    sync.Mutex
	cache *lru.Cache
}

// cacheEntry memoizes both answers for one normalized path: the substring
// extraction and the anchored run-dir match. Both regexps run on a miss so
// that Extract and MatchRunDir share one entry instead of competing for
// cache slots.
type cacheEntry struct {
	name string
	ok   bool

	dirName string
	dirOK   bool
}

// 🏭 New compiles pattern and builds a matcher whose memoization cache holds
// at most cacheSize distinct paths.
func New(pattern string, cacheSize int) (*Matcher, error) {
	if cacheSize <= 0 {
		return nil, errors.Errorf("cache size must be positive, got %d", cacheSize)
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, errors.Errorf("compiling run name pattern: %w", err)
	}

	// Anchored form: the path's last element must itself be a run name.
	anchoredRe, err := regexp.Compile(`(?:^|/)(` + pattern + `)$`)
	if err != nil {
		return nil, errors.Errorf("compiling anchored run name pattern: %w", err)
	}

	return &Matcher{
		re:         re,
		anchoredRe: anchoredRe,
		cache:      lru.New(cacheSize),
	}, nil
}

// 🔍 Extract returns the first run name found anywhere in path, or false if
// the path contains none. Deterministic and idempotent for a given path.
func (m *Matcher) Extract(path string) (string, bool) {
	entry := m.lookup(normalize(path))
	return entry.name, entry.ok
}

// 📁 MatchRunDir reports whether path denotes a run directory at exactly the
// run level: the final path element must be a run name. Subdirectories
// inside a run do not match, even though Extract would still find the name
// somewhere in the middle of the path.
func (m *Matcher) MatchRunDir(path string) (string, bool) {
	entry := m.lookup(normalize(path))
	return entry.dirName, entry.dirOK
}

// lookup answers from the cache, running both regexps only on a miss. This
// is the hot path: the discovery watcher asks about every event the
// recursive source subscription delivers, including every file created deep
// inside a run.
func (m *Matcher) lookup(path string) cacheEntry {
	m.mu.Lock()
	if v, ok := m.cache.Get(path); ok {
		m.mu.Unlock()
		return v.(cacheEntry)
	}
	m.mu.Unlock()

	name := m.re.FindString(path)
	entry := cacheEntry{name: name, ok: name != ""}
	if sub := m.anchoredRe.FindStringSubmatch(path); sub != nil {
		entry.dirName = sub[1]
		entry.dirOK = true
	}

	m.mu.Lock()
	m.cache.Add(path, entry)
	m.mu.Unlock()

	return entry
}

// Len returns the number of memoized paths. Test hook.
func (m *Matcher) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Len()
}

// normalize makes matching independent of the OS path separator.
func normalize(path string) string {
	return strings.ReplaceAll(path, "\\", "/")
}
