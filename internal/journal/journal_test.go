package journal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rbright/candor/internal/answer"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMigrationsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	s1, err := Open(path)
	require.NoError(t, err)
	v1, err := s1.AppliedMigrations()
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	require.NoError(t, err)

	require.Equal(t, []int{1, 2}, v1)
	require.Equal(t, v1, v2)
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	_, err := Open("  ")
	require.Error(t, err)
}

func TestRecordUpsertsLatestStateAndKeepsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, Entry{Token: "tok", QuestionID: "q1", State: answer.StateSaving, TextLength: 5, At: base}))
	require.NoError(t, s.Record(ctx, Entry{Token: "tok", QuestionID: "q1", State: answer.StateSaving, VideoRef: "ref-1", TextLength: 5, At: base.Add(time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{Token: "tok", QuestionID: "q1", State: answer.StateSaved, TextLength: 5, At: base.Add(2 * time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{Token: "tok", QuestionID: "q2", State: answer.StateFailed, Error: "boom", At: base.Add(3 * time.Second)}))
	require.NoError(t, s.Record(ctx, Entry{Token: "other", QuestionID: "q1", State: answer.StateSaved, At: base}))

	answers, err := s.Answers(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, answers, 2)
	require.Equal(t, "q1", answers[0].QuestionID)
	require.Equal(t, answer.StateSaved, answers[0].State)
	require.Equal(t, "ref-1", answers[0].VideoRef)
	require.Equal(t, 5, answers[0].TextLength)
	require.True(t, answers[0].At.Equal(base.Add(2*time.Second)))
	require.Equal(t, answer.StateFailed, answers[1].State)
	require.Equal(t, "boom", answers[1].Error)

	history, err := s.History(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, history, 4)
	states := make([]answer.SaveState, 0, len(history))
	for _, e := range history {
		states = append(states, e.State)
	}
	require.Equal(t, []answer.SaveState{answer.StateSaving, answer.StateSaving, answer.StateSaved, answer.StateFailed}, states)
}

func TestRecordRequiresKeys(t *testing.T) {
	s := openTestStore(t)
	require.Error(t, s.Record(context.Background(), Entry{QuestionID: "q1"}))
	require.Error(t, s.Record(context.Background(), Entry{Token: "tok"}))
}

func TestRecordDefaultsTimestamp(t *testing.T) {
	s := openTestStore(t)
	fixed := time.Date(2026, 4, 2, 8, 30, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	require.NoError(t, s.Record(context.Background(), Entry{Token: "tok", QuestionID: "q1", State: answer.StateSaved}))
	answers, err := s.Answers(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, answers, 1)
	require.True(t, answers[0].At.Equal(fixed))
}

func TestRunsRecordStartAndOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	clock := time.Date(2026, 4, 3, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	require.NoError(t, s.BeginRun(ctx, "a", "run-1"))
	clock = clock.Add(time.Minute)
	require.NoError(t, s.BeginRun(ctx, "b", "run-2"))
	clock = clock.Add(time.Minute)
	require.NoError(t, s.FinishRun(ctx, "a", "completed"))

	runs, err := s.Runs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "b", runs[0].Token)
	require.Nil(t, runs[0].FinishedAt)
	require.Equal(t, "a", runs[1].Token)
	require.Equal(t, "completed", runs[1].Outcome)
	require.NotNil(t, runs[1].FinishedAt)
	require.True(t, runs[1].FinishedAt.Equal(clock))

	require.NoError(t, s.BeginRun(ctx, "a", "run-3"))
	runs, err = s.Runs(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-3", runs[0].RunID)
	require.Empty(t, runs[0].Outcome)
}
