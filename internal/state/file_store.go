package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/xerilium/catalyst/internal/fsutil"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
	catlog "github.com/xerilium/catalyst/pkg/catalyst/v1/log"
)

const (
	filePrefix = "run-"
	fileSuffix = ".json"
	historyDir = "history"
	gitignore  = ".gitignore"
)

// FileStore keeps run records under a runs root directory.
type FileStore struct {
	root string
	log  catlog.Logger
	now  func() time.Time

	mu     sync.Mutex
	issued map[string]struct{}
}

var _ Store = (*FileStore)(nil)

// FileStoreOption configures a FileStore.
type FileStoreOption func(*FileStore)

// WithClock replaces time.Now for pruning decisions.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

// NewFileStore creates a store rooted at root. Directories are created on
// first write.
func NewFileStore(root string, log catlog.Logger, opts ...FileStoreOption) *FileStore {
	s := &FileStore{root: root, log: log, now: time.Now, issued: make(map[string]struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the runs root directory.
func (s *FileStore) Root() string { return s.root }

// HistoryRoot returns the directory archived runs live under.
func (s *FileStore) HistoryRoot() string { return filepath.Join(s.root, historyDir) }

func (s *FileStore) activePath(runID string) string {
	return filepath.Join(s.root, filePrefix+runID+fileSuffix)
}

func (s *FileStore) archivePath(runID string) (string, error) {
	t, err := RunIDTime(runID)
	if err != nil {
		return "", err
	}
	return filepath.Join(s.HistoryRoot(), t.Format("2006"), t.Format("01"), t.Format("02"), filePrefix+runID+fileSuffix), nil
}

// Save writes st atomically. It refuses updates that would change the run's
// status illegally or drop completed steps from the existing record.
func (s *FileStore) Save(st *RunState) error {
	if st == nil || st.RunID == "" {
		return caterrors.New(caterrors.KindStateSaveFailed, "cannot save run state without a run id", "", ErrIncomplete)
	}
	path := s.activePath(st.RunID)

	if prev, err := readState(path); err == nil {
		if err := checkUpdate(prev, st); err != nil {
			return caterrors.New(caterrors.KindStateSaveFailed, fmt.Sprintf("saving run %s", st.RunID),
				"This is a bug in the caller; the persisted record was left unchanged.", err)
		}
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return caterrors.New(caterrors.KindStateSaveFailed, fmt.Sprintf("encoding run %s", st.RunID), "", err)
	}
	if err := fsutil.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return caterrors.New(caterrors.KindStateSaveFailed, fmt.Sprintf("writing run %s", st.RunID),
			"Check free disk space and permissions on the runs directory.", err)
	}
	return nil
}

func checkUpdate(prev, next *RunState) error {
	if !prev.Status.CanTransition(next.Status) {
		return fmt.Errorf("%w: status %s -> %s", ErrIllegalUpdate, prev.Status, next.Status)
	}
	if len(next.CompletedSteps) < len(prev.CompletedSteps) {
		return fmt.Errorf("%w: completedSteps shrank from %d to %d", ErrIllegalUpdate, len(prev.CompletedSteps), len(next.CompletedSteps))
	}
	for i, name := range prev.CompletedSteps {
		if next.CompletedSteps[i] != name {
			return fmt.Errorf("%w: completedSteps[%d] changed from %q to %q", ErrIllegalUpdate, i, name, next.CompletedSteps[i])
		}
	}
	return nil
}

// Load reads an active run.
func (s *FileStore) Load(runID string) (*RunState, error) {
	st, err := readState(s.activePath(runID))
	if err != nil {
		return nil, loadError(runID, err)
	}
	return st, nil
}

// LoadArchived reads a run from the history tree.
func (s *FileStore) LoadArchived(runID string) (*RunState, error) {
	path, err := s.archivePath(runID)
	if err != nil {
		return nil, loadError(runID, fmt.Errorf("%w: %v", ErrNotFound, err))
	}
	st, err := readState(path)
	if err != nil {
		return nil, loadError(runID, err)
	}
	return st, nil
}

func loadError(runID string, err error) error {
	guidance := "Check the run id with 'catalyst runs list'."
	switch {
	case errors.Is(err, ErrCorrupted):
		guidance = "The run file is not valid JSON. Repair it by hand or remove it."
	case errors.Is(err, ErrIncomplete):
		guidance = "The run file lacks required fields. Repair it by hand or remove it."
	}
	return caterrors.New(caterrors.KindStateLoadFailed, fmt.Sprintf("loading run %s", runID), guidance, err)
}

func readState(path string) (*RunState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, err
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupted, path, err)
	}
	var missing []string
	if st.RunID == "" {
		missing = append(missing, "runId")
	}
	if st.PlaybookName == "" {
		missing = append(missing, "playbookName")
	}
	if st.StartTime.IsZero() {
		missing = append(missing, "startTime")
	}
	if !st.Status.Valid() {
		missing = append(missing, "status")
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s: %s", ErrIncomplete, path, strings.Join(missing, ", "))
	}
	if st.Variables == nil {
		st.Variables = map[string]any{}
	}
	if st.Inputs == nil {
		st.Inputs = map[string]any{}
	}
	if st.CompletedSteps == nil {
		st.CompletedSteps = []string{}
	}
	return &st, nil
}

// Exists reports whether runID is active or archived.
func (s *FileStore) Exists(runID string) bool {
	if _, err := os.Stat(s.activePath(runID)); err == nil {
		return true
	}
	if p, err := s.archivePath(runID); err == nil {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// NextRunID formats now as a run id, advancing by a millisecond until the
// id is neither on disk nor already handed out by this store.
func (s *FileStore) NextRunID(now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := FormatRunID(now)
		if _, taken := s.issued[id]; !taken && !s.Exists(id) {
			s.issued[id] = struct{}{}
			return id
		}
		now = now.Add(time.Millisecond)
	}
}

// Archive moves an active run into history/YYYY/MM/DD. The written copy is
// read back and compared by BLAKE3 digest before the source is deleted. If
// deleting the source fails, the archived copy is kept and the failure is
// only logged.
func (s *FileStore) Archive(runID string) error {
	src := s.activePath(runID)
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("%w: %s", ErrNotFound, src)
		}
		return caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("archiving run %s", runID),
			"The run is not active; it may already be archived.", err)
	}

	target, err := s.archivePath(runID)
	if err != nil {
		return caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("archiving run %s", runID), "", err)
	}
	if _, err := os.Stat(target); err == nil {
		return caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("archiving run %s", runID),
			"Remove either the active or the archived copy by hand.", fmt.Errorf("%w: %s", ErrAlreadyArchived, target))
	}
	if err := s.ensureGitignore(); err != nil {
		return caterrors.New(caterrors.KindArchiveFailed, "creating history .gitignore", "", err)
	}

	if err := fsutil.WriteFileAtomic(target, data, 0o644); err != nil {
		return caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("writing archive for run %s", runID),
			"Check free disk space and permissions on the history directory.", err)
	}
	written, err := os.ReadFile(target)
	if err == nil && blake3.Sum256(written) != blake3.Sum256(data) {
		err = fmt.Errorf("digest mismatch for %s", target)
	}
	if err != nil {
		_ = os.Remove(target)
		return caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("verifying archive for run %s", runID),
			"The active run file was left in place.", err)
	}

	if err := os.Remove(src); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warnf("Run %s archived to %s but the active file could not be removed: %v", runID, target, err)
	}
	return nil
}

func (s *FileStore) ensureGitignore() error {
	path := filepath.Join(s.HistoryRoot(), gitignore)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return fsutil.WriteFileAtomic(path, []byte("*\n"), 0o644)
}

// ListActiveRuns returns the ids of active runs, sorted. A missing runs
// directory means there are none.
func (s *FileStore) ListActiveRuns() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, caterrors.New(caterrors.KindStateLoadFailed, fmt.Sprintf("listing runs in %s", s.root), "", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
	}
	sort.Strings(ids)
	return ids, nil
}

// ListArchivedRuns returns the ids of archived runs, sorted.
func (s *FileStore) ListArchivedRuns() ([]string, error) {
	var ids []string
	err := filepath.WalkDir(s.HistoryRoot(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if !d.IsDir() && strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix) {
			ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix))
		}
		return nil
	})
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, caterrors.New(caterrors.KindStateLoadFailed, "listing archived runs", "", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// PruneArchive removes archived run files whose modification time is older
// than retentionDays. A missing history directory prunes nothing. Failures
// on individual entries do not stop the sweep; they are joined into the
// returned error alongside the count of files that were removed.
func (s *FileStore) PruneArchive(retentionDays int) (int, error) {
	root := s.HistoryRoot()
	if _, err := os.Stat(root); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, caterrors.New(caterrors.KindArchiveFailed, fmt.Sprintf("reading %s", root), "", err)
	}
	cutoff := s.now().Add(-time.Duration(retentionDays) * 24 * time.Hour)

	deleted := 0
	var errs []error
	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			errs = append(errs, err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() || d.Name() == gitignore {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			errs = append(errs, err)
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			errs = append(errs, err)
			return nil
		}
		deleted++
		return nil
	})
	if walkErr != nil {
		errs = append(errs, walkErr)
	}
	if len(errs) > 0 {
		s.log.Warnf("Pruned %d archived run(s) with %d error(s)", deleted, len(errs))
		return deleted, caterrors.New(caterrors.KindArchiveFailed, "pruning archive",
			"Check permissions on the history directory.", errors.Join(errs...))
	}
	if deleted > 0 {
		s.log.Infof("Pruned %d archived run(s) older than %d day(s)", deleted, retentionDays)
	}
	return deleted, nil
}
