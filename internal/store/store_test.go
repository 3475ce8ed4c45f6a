package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/webpilot/api/schemas"
	"github.com/xkilldash9x/webpilot/internal/trace"
)

// flexibleSQLMatcher creates a regex that is insensitive to whitespace for more robust SQL mock testing.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mockPool.Close)

	mockPool.ExpectPing()
	s, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return s, mockPool
}

func TestNewStore(t *testing.T) {
	t.Run("should return error if ping fails", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr, "Error from ping should be propagated")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestEnsureSchema(t *testing.T) {
	t.Run("creates every table", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		for _, stmt := range schemaStatements {
			mockPool.ExpectExec(flexibleSQLMatcher(stmt)).WillReturnResult(pgxmock.NewResult("CREATE", 0))
		}
		require.NoError(t, s.EnsureSchema(context.Background()))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("stops at the first failure", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(schemaStatements[0])).WillReturnError(errors.New("permission denied"))

		err := s.EnsureSchema(context.Background())
		assert.ErrorContains(t, err, "permission denied")
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestSaveRun(t *testing.T) {
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	t.Run("running run has no finish time", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", "Create a project", "https://linear.app", "running", "", "", started, (*time.Time)(nil), 0).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.SaveRun(context.Background(), schemas.RunSummary{
			RunID: "run-1", Goal: "Create a project", StartURL: "https://linear.app",
			Status: schemas.StatusRunning, StartedAt: started,
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("finished run", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		finished := started.Add(time.Minute)
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).
			WithArgs("run-1", "g", "", "failed", "Stalled: page unchanged", "Stalled", started, &finished, 7).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		err := s.SaveRun(context.Background(), schemas.RunSummary{
			RunID: "run-1", Goal: "g", Status: schemas.StatusFailed,
			LastError: "Stalled: page unchanged", LastErrorKind: schemas.KindStalled,
			StartedAt: started, FinishedAt: finished, Steps: 7,
		})
		require.NoError(t, err)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("propagates errors", func(t *testing.T) {
		s, mockPool := newMockStore(t)
		dbErr := errors.New("connection reset")
		mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertRun)).WillReturnError(dbErr)

		err := s.SaveRun(context.Background(), schemas.RunSummary{RunID: "run-1", StartedAt: started})
		assert.ErrorIs(t, err, dbErr)
		assert.ErrorContains(t, err, "run-1")
	})
}

func TestSaveStep(t *testing.T) {
	s, mockPool := newMockStore(t)
	decision := schemas.MustDecision(schemas.DecisionDraft{Action: "click", Target: "Save"})
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	step := trace.StepRecord{
		Index:       3,
		Fingerprint: "abc",
		URL:         "https://linear.app/team",
		Decision:    &decision,
		Outcome:     trace.Outcome{ErrorKind: schemas.KindElementNotFound, ErrorDetail: "not found"},
		Timestamp:   at,
	}

	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertStep)).
		WithArgs("run-1", 3, "abc", "https://linear.app/team", "click", "ElementNotFoundError", false, false,
			pgxmock.AnyArg(), at).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveStep(context.Background(), "run-1", step))
	assert.NoError(t, mockPool.ExpectationsWereMet())

	stored, err := json.Marshal(step)
	require.NoError(t, err)
	assert.Contains(t, string(stored), `"action":"click"`)
}

func TestSaveStep_WithoutDecision(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectExec(flexibleSQLMatcher(sqlUpsertStep)).
		WithArgs("run-1", 0, "", "", "", "CaptureError", false, false, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.SaveStep(context.Background(), "run-1", trace.StepRecord{Outcome: trace.Outcome{ErrorKind: schemas.KindCapture}})
	require.NoError(t, err)
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns(t *testing.T) {
	s, mockPool := newMockStore(t)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	finished := started.Add(90 * time.Second)

	columns := []string{"run_id", "goal", "start_url", "status", "last_error", "last_error_kind", "started_at", "finished_at", "steps"}
	rows := pgxmock.NewRows(columns).
		AddRow("run-2", "Create a project", "https://linear.app", "succeeded", "", "", started, finished, 4).
		AddRow("run-1", "Sign in", "", "running", "", "", started, started, 1)

	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).WithArgs(10).WillReturnRows(rows)

	runs, err := s.RecentRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, "run-2", runs[0].RunID)
	assert.Equal(t, schemas.StatusSucceeded, runs[0].Status)
	assert.True(t, runs[0].FinishedAt.Equal(finished))
	assert.Equal(t, 4, runs[0].Steps)

	assert.Equal(t, schemas.StatusRunning, runs[1].Status)
	assert.True(t, runs[1].FinishedAt.IsZero(), "runs in progress have no finish time")
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

func TestRecentRuns_QueryError(t *testing.T) {
	s, mockPool := newMockStore(t)
	mockPool.ExpectQuery(flexibleSQLMatcher(sqlRecentRuns)).WithArgs(5).WillReturnError(errors.New("relation does not exist"))

	_, err := s.RecentRuns(context.Background(), 5)
	assert.ErrorContains(t, err, "relation does not exist")
}
