package state_test

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xerilium/catalyst/internal/logger"
	"github.com/xerilium/catalyst/internal/secrets"
	"github.com/xerilium/catalyst/internal/state"
	caterrors "github.com/xerilium/catalyst/pkg/catalyst/v1/errors"
)

var runStart = time.Date(2025, 3, 7, 14, 5, 9, 42*int(time.Millisecond), time.Local)

func newStore(t *testing.T, opts ...state.FileStoreOption) *state.FileStore {
	t.Helper()
	return state.NewFileStore(filepath.Join(t.TempDir(), "runs"), logger.NewLogger("error", "text", io.Discard), opts...)
}

func sampleRun() *state.RunState {
	st := state.New(state.FormatRunID(runStart), "release", runStart.Truncate(time.Second), map[string]any{"tag": "v1"})
	st.Variables["build"] = map[string]any{"version": "1.0.0", "artifacts": []any{"a", "b"}}
	st.CompletedSteps = append(st.CompletedSteps, "build")
	st.CurrentStepName = "test"
	return st
}

func TestFormatRunID(t *testing.T) {
	assert.Equal(t, "20250307-140509-042", state.FormatRunID(runStart))
	parsed, err := state.RunIDTime("20250307-140509-042")
	require.NoError(t, err)
	assert.Equal(t, runStart.Truncate(time.Second), parsed)
}

func TestSaveLoad_RoundTrip(t *testing.T) {
	s := newStore(t)
	st := sampleRun()
	require.NoError(t, s.Save(st))

	got, err := s.Load(st.RunID)
	require.NoError(t, err)
	assert.Equal(t, st.RunID, got.RunID)
	assert.True(t, st.StartTime.Equal(got.StartTime))
	got.StartTime = st.StartTime
	assert.Equal(t, st, got)
}

func TestLoad_DistinguishesFailures(t *testing.T) {
	s := newStore(t)

	_, err := s.Load("20250101-000000-000")
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.True(t, caterrors.IsKind(err, caterrors.KindStateLoadFailed))

	require.NoError(t, os.MkdirAll(s.Root(), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "run-bad.json"), []byte("{not json"), 0o644))
	_, err = s.Load("bad")
	assert.ErrorIs(t, err, state.ErrCorrupted)
	assert.NotErrorIs(t, err, state.ErrNotFound)

	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "run-partial.json"), []byte(`{"runId":"partial"}`), 0o644))
	_, err = s.Load("partial")
	assert.ErrorIs(t, err, state.ErrIncomplete)
	assert.Contains(t, err.Error(), "playbookName")
}

func TestSave_RejectsIllegalTransitions(t *testing.T) {
	s := newStore(t)
	st := sampleRun()
	st.Status = state.StatusCompleted
	require.NoError(t, s.Save(st))

	st.Status = state.StatusRunning
	err := s.Save(st)
	assert.ErrorIs(t, err, state.ErrIllegalUpdate)
	assert.True(t, caterrors.IsKind(err, caterrors.KindStateSaveFailed))

	st.Status = state.StatusCompleted
	st.CompletedSteps = nil
	assert.ErrorIs(t, s.Save(st), state.ErrIllegalUpdate)
}

func TestStatus_CanTransition(t *testing.T) {
	assert.True(t, state.StatusRunning.CanTransition(state.StatusSuspended))
	assert.True(t, state.StatusSuspended.CanTransition(state.StatusCompleted))
	assert.True(t, state.StatusSuspended.CanTransition(state.StatusSuspended))
	assert.False(t, state.StatusSuspended.CanTransition(state.StatusRunning))
	assert.False(t, state.StatusFailed.CanTransition(state.StatusCompleted))
	assert.False(t, state.StatusCompleted.CanTransition(state.StatusFailed))
}

func TestArchive_MovesAndVerifies(t *testing.T) {
	s := newStore(t)
	st := sampleRun()
	require.NoError(t, s.Save(st))
	src := filepath.Join(s.Root(), "run-"+st.RunID+".json")
	before, err := os.ReadFile(src)
	require.NoError(t, err)

	require.NoError(t, s.Archive(st.RunID))

	assert.NoFileExists(t, src)
	target := filepath.Join(s.HistoryRoot(), "2025", "03", "07", "run-"+st.RunID+".json")
	after, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	ignore, err := os.ReadFile(filepath.Join(s.HistoryRoot(), ".gitignore"))
	require.NoError(t, err)
	assert.Equal(t, "*\n", string(ignore))

	archived, err := s.LoadArchived(st.RunID)
	require.NoError(t, err)
	assert.Equal(t, st.CompletedSteps, archived.CompletedSteps)
	assert.True(t, s.Exists(st.RunID))

	err = s.Archive(st.RunID)
	require.Error(t, err)
	assert.ErrorIs(t, err, state.ErrNotFound)
	assert.True(t, caterrors.IsKind(err, caterrors.KindArchiveFailed))
	after2, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, before, after2, "history must be untouched by a second archive")
}

func TestArchive_RefusesToOverwriteHistory(t *testing.T) {
	s := newStore(t)
	st := sampleRun()
	require.NoError(t, s.Save(st))
	require.NoError(t, s.Archive(st.RunID))
	require.NoError(t, s.Save(st))

	err := s.Archive(st.RunID)
	assert.ErrorIs(t, err, state.ErrAlreadyArchived)
	assert.FileExists(t, filepath.Join(s.Root(), "run-"+st.RunID+".json"))
}

func TestListActiveRuns_SortedAndFiltered(t *testing.T) {
	s := newStore(t)
	ids, err := s.ListActiveRuns()
	require.NoError(t, err)
	assert.Empty(t, ids)

	for _, id := range []string{"20250102-000000-000", "20250101-000000-000"} {
		require.NoError(t, s.Save(state.New(id, "p", runStart, nil)))
	}
	require.NoError(t, os.WriteFile(filepath.Join(s.Root(), "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(s.Root(), "locks"), 0o755))

	ids, err = s.ListActiveRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{"20250101-000000-000", "20250102-000000-000"}, ids)
}

func TestPruneArchive_ByModificationTime(t *testing.T) {
	now := time.Now()
	s := newStore(t, state.WithClock(func() time.Time { return now }))

	n, err := s.PruneArchive(30)
	require.NoError(t, err)
	assert.Zero(t, n, "missing history prunes nothing")

	old := state.New("20240101-000000-000", "p", runStart, nil)
	fresh := state.New("20240102-000000-000", "p", runStart, nil)
	for _, st := range []*state.RunState{old, fresh} {
		require.NoError(t, s.Save(st))
		require.NoError(t, s.Archive(st.RunID))
	}
	oldPath := filepath.Join(s.HistoryRoot(), "2024", "01", "01", "run-"+old.RunID+".json")
	require.NoError(t, os.Chtimes(oldPath, now.Add(-40*24*time.Hour), now.Add(-40*24*time.Hour)))

	n, err = s.PruneArchive(30)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoFileExists(t, oldPath)
	assert.FileExists(t, filepath.Join(s.HistoryRoot(), ".gitignore"))

	archived, err := s.ListArchivedRuns()
	require.NoError(t, err)
	assert.Equal(t, []string{fresh.RunID}, archived)
}

func TestNextRunID_BumpsOnCollision(t *testing.T) {
	s := newStore(t)
	first := s.NextRunID(runStart)
	second := s.NextRunID(runStart)
	assert.Equal(t, "20250307-140509-042", first)
	assert.Equal(t, "20250307-140509-043", second)

	require.NoError(t, s.Save(state.New("20250307-140509-044", "p", runStart, nil)))
	assert.Equal(t, "20250307-140509-045", s.NextRunID(runStart))
}

func TestMasked_HidesSecretsWithoutTouchingLiveState(t *testing.T) {
	m := secrets.NewMasker()
	m.Register("TOKEN", "hunter2")
	st := sampleRun()
	st.Inputs["auth"] = "Bearer hunter2"
	st.Error = &state.ErrorInfo{Code: "X", Message: "bad hunter2"}

	masked := st.Masked(m)
	assert.Equal(t, "Bearer [SECRET:TOKEN]", masked.Inputs["auth"])
	assert.Equal(t, "bad [SECRET:TOKEN]", masked.Error.Message)
	assert.Equal(t, "Bearer hunter2", st.Inputs["auth"])
}
