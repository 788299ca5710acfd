// Package lock implements advisory resource locks shared by runs on one
// filesystem.
//
// Each run holds at most one lock record, stored as `{runId}.lock` in the
// locks directory. Conflict detection reads every record, so coordination
// only works between processes that see the same directory. This is not a
// distributed lock.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/user"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/xerilium/catalyst/internal/fsutil"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

const (
	lockFileSuffix = ".lock"
	// DefaultTTL applies when Acquire is given a non-positive ttl.
	DefaultTTL = time.Hour
)

// Resources is a set of filesystem paths and branch names a run claims.
type Resources struct {
	Paths    []string `json:"paths,omitempty" yaml:"paths,omitempty"`
	Branches []string `json:"branches,omitempty" yaml:"branches,omitempty"`
}

// Empty reports whether r claims nothing.
func (r Resources) Empty() bool { return len(r.Paths) == 0 && len(r.Branches) == 0 }

// Lock is the persisted lock record.
type Lock struct {
	RunID      string    `json:"runId"`
	Paths      []string  `json:"paths,omitempty"`
	Branches   []string  `json:"branches,omitempty"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquiredAt"`
	TTLMs      int64     `json:"ttlMs"`
}

// ExpiresAt is acquiredAt + ttl.
func (l Lock) ExpiresAt() time.Time {
	return l.AcquiredAt.Add(time.Duration(l.TTLMs) * time.Millisecond)
}

// Expired reports whether the lock is stale at now.
func (l Lock) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt())
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDefaultTTL sets the ttl used when Acquire receives a non-positive one.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.defaultTTL = ttl
		}
	}
}

// Manager acquires and releases lock records in a directory.
type Manager struct {
	dir        string
	log        catlog.Logger
	now        func() time.Time
	defaultTTL time.Duration
	// mu serialises scan-then-write within this process. Across processes the
	// lock is advisory.
	mu sync.Mutex
}

// NewManager creates a manager rooted at dir. The directory is created on
// first write.
func NewManager(dir string, log catlog.Logger, opts ...Option) *Manager {
	if log == nil {
		panic("lock.NewManager requires a non-nil logger")
	}
	m := &Manager{
		dir:        dir,
		log:        log.With("component", "LockManager"),
		now:        time.Now,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Dir returns the locks directory.
func (m *Manager) Dir() string { return m.dir }

// Acquire claims res for runID. It fails with a ResourceLocked error naming
// the conflicting run and holder when any active lock of another run
// overlaps. Re-acquiring under the same runID replaces the previous record.
func (m *Manager) Acquire(runID string, res Resources, holder string, ttl time.Duration) error {
	if runID == "" {
		return caterrors.New(caterrors.KindConfigInvalid, "lock acquire requires a run id", "", nil)
	}
	if ttl <= 0 {
		ttl = m.defaultTTL
	}
	res = normalize(res)

	m.mu.Lock()
	defer m.mu.Unlock()

	locks, err := m.readActive()
	if err != nil {
		return err
	}
	for _, existing := range locks {
		if existing.RunID == runID {
			continue
		}
		if what, ok := conflict(res, Resources{Paths: existing.Paths, Branches: existing.Branches}); ok {
			return caterrors.New(caterrors.KindResourceLocked,
				fmt.Sprintf("%s is locked by run %s (holder %s) until %s",
					what, existing.RunID, existing.Holder, existing.ExpiresAt().Format(time.RFC3339)),
				fmt.Sprintf("Wait for run %s to finish, ask %s to release it, or run 'catalyst locks cleanup' if the lock is stale.",
					existing.RunID, existing.Holder),
				nil)
		}
	}

	record := Lock{
		RunID:      runID,
		Paths:      res.Paths,
		Branches:   res.Branches,
		Holder:     holder,
		AcquiredAt: m.now().UTC(),
		TTLMs:      ttl.Milliseconds(),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding lock for run %s: %w", runID, err)
	}
	if err := fsutil.WriteFileAtomic(m.lockPath(runID), data, 0o644); err != nil {
		return caterrors.New(caterrors.KindStateSaveFailed,
			fmt.Sprintf("writing lock for run %s", runID),
			"Check that the locks directory is writable.", err)
	}
	m.log.Debugf("Acquired lock for run %s (paths=%v branches=%v holder=%s ttl=%s)", runID, res.Paths, res.Branches, holder, ttl)
	return nil
}

// Release removes runID's lock. Releasing an absent lock is not an error.
func (m *Manager) Release(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	err := os.Remove(m.lockPath(runID))
	if err == nil {
		m.log.Debugf("Released lock for run %s", runID)
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return caterrors.New(caterrors.KindStateSaveFailed,
		fmt.Sprintf("removing lock for run %s", runID), "Check permissions on the locks directory.", err)
}

// Held returns runID's own lock record when it exists and has not expired.
// A missing or unreadable record reports false.
func (m *Manager) Held(runID string) (Lock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, err := readLock(m.lockPath(runID))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return Lock{}, false, nil
	case err != nil:
		m.log.Warnf("Ignoring unreadable lock file for run %s: %v", runID, err)
		return Lock{}, false, nil
	case l.Expired(m.now()):
		return l, false, nil
	}
	return l, true, nil
}

// IsLocked reports whether any active lock overlaps res.
func (m *Manager) IsLocked(res Resources) (bool, error) {
	res = normalize(res)
	m.mu.Lock()
	defer m.mu.Unlock()

	locks, err := m.readActive()
	if err != nil {
		return false, err
	}
	for _, l := range locks {
		if _, ok := conflict(res, Resources{Paths: l.Paths, Branches: l.Branches}); ok {
			return true, nil
		}
	}
	return false, nil
}

// AllLocks returns every active lock, ordered by run id.
func (m *Manager) AllLocks() ([]Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.readActive()
}

// CleanupStale deletes expired and unreadable lock files and returns how
// many were removed. A missing locks directory counts as nothing to clean;
// any other directory error is returned.
func (m *Manager) CleanupStale() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.entries()
	if err != nil {
		return 0, err
	}
	now := m.now()
	removed := 0
	var errs []error
	for _, name := range entries {
		p := filepath.Join(m.dir, name)
		l, readErr := readLock(p)
		if readErr == nil && !l.Expired(now) {
			continue
		}
		if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			errs = append(errs, rmErr)
			continue
		}
		removed++
		if readErr != nil {
			m.log.Warnf("Removed unreadable lock file %s: %v", p, readErr)
		} else {
			m.log.Infof("Removed stale lock for run %s held by %s (expired %s)", l.RunID, l.Holder, l.ExpiresAt().Format(time.RFC3339))
		}
	}
	return removed, errors.Join(errs...)
}

// readActive loads all non-expired records. Corrupt files are removed on the
// spot so they never block acquisitions; expired ones are skipped and left
// for CleanupStale.
func (m *Manager) readActive() ([]Lock, error) {
	entries, err := m.entries()
	if err != nil {
		return nil, err
	}
	now := m.now()
	locks := make([]Lock, 0, len(entries))
	for _, name := range entries {
		p := filepath.Join(m.dir, name)
		l, err := readLock(p)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			m.log.Warnf("Removing corrupt lock file %s: %v", p, err)
			if rmErr := os.Remove(p); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				m.log.Warnf("Could not remove corrupt lock file %s: %v", p, rmErr)
			}
			continue
		}
		if l.Expired(now) {
			continue
		}
		locks = append(locks, l)
	}
	sort.Slice(locks, func(i, j int) bool { return locks[i].RunID < locks[j].RunID })
	return locks, nil
}

func (m *Manager) entries() ([]string, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, caterrors.New(caterrors.KindStateLoadFailed,
			fmt.Sprintf("reading locks directory %s", m.dir), "Check permissions on the locks directory.", err)
	}
	names := make([]string, 0, len(dirEntries))
	for _, e := range dirEntries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), lockFileSuffix) || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		names = append(names, e.Name())
	}
	return names, nil
}

func (m *Manager) lockPath(runID string) string {
	return filepath.Join(m.dir, runID+lockFileSuffix)
}

func readLock(p string) (Lock, error) {
	var l Lock
	data, err := os.ReadFile(p)
	if err != nil {
		return l, err
	}
	if err := json.Unmarshal(data, &l); err != nil {
		return l, fmt.Errorf("decoding: %w", err)
	}
	if l.RunID == "" || l.AcquiredAt.IsZero() {
		return l, errors.New("record is missing runId or acquiredAt")
	}
	return l, nil
}

// normalize cleans paths to slash form without trailing separators and drops
// empty or duplicate entries.
func normalize(r Resources) Resources {
	out := Resources{}
	seen := make(map[string]struct{})
	for _, p := range r.Paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		p = path.Clean(filepath.ToSlash(p))
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		out.Paths = append(out.Paths, p)
	}
	seenBranch := make(map[string]struct{})
	for _, b := range r.Branches {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if _, dup := seenBranch[b]; dup {
			continue
		}
		seenBranch[b] = struct{}{}
		out.Branches = append(out.Branches, b)
	}
	return out
}

// conflict returns a description of the first overlap between a and b.
func conflict(a, b Resources) (string, bool) {
	for _, pa := range a.Paths {
		for _, pb := range b.Paths {
			if pathsOverlap(pa, path.Clean(filepath.ToSlash(pb))) {
				return fmt.Sprintf("path %q (overlaps %q)", pa, pb), true
			}
		}
	}
	for _, ba := range a.Branches {
		for _, bb := range b.Branches {
			if ba == bb {
				return fmt.Sprintf("branch %q", ba), true
			}
		}
	}
	return "", false
}

// pathsOverlap reports whether a is b, an ancestor of b, or a descendant of
// b. Comparison is by whole segments, so "src" does not cover "srcgen".
func pathsOverlap(a, b string) bool {
	if a == b || a == "." || b == "." || a == "/" || b == "/" {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

// DefaultHolder identifies the current user and host, e.g. "alice@build-01".
func DefaultHolder() string {
	name := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		return name
	}
	return name + "@" + host
}
