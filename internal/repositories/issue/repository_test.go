package issue

import (
	"context"
	"database/sql/driver"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/thistle/pkg/database"
	"github.com/Ramsey-B/thistle/pkg/models"
)

var fixedNow = time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	repo := NewRepository(database.NewDatabaseInstance(sqlx.NewDb(mockDB, "sqlmock"), logger), logger)
	repo.now = func() time.Time { return fixedNow }
	return repo, mock
}

func issueRows() *sqlmock.Rows {
	return sqlmock.NewRows(issueColumns).AddRow(
		"8c0f7b8e-4f0e-5d3a-9b0a-0d2c9b7c1a11", "student.duplicate", "student", "s1", []byte(`["s2"]`),
		"duplicate", "warning", 0.92, "Likely duplicate student", []byte(`{"matched_fields":["email"]}`),
		"open", fixedNow.Add(-48*time.Hour), fixedNow, "run-1", fixedNow,
	)
}

func sampleIssue(id string) models.Issue {
	return models.Issue{
		ID:               id,
		RuleID:           "student.duplicate",
		EntityType:       "student",
		PrimaryRecordID:  "s1",
		RelatedRecordIDs: []string{"s2"},
		IssueType:        models.IssueTypeDuplicate,
		Severity:         models.SeverityWarning,
		Confidence:       0.92,
		Description:      "Likely duplicate student",
		Evidence:         map[string]any{"matched_fields": []string{"email"}},
		Status:           models.IssueStatusOpen,
		FirstDetected:    fixedNow,
		LastSeen:         fixedNow,
		LastRunID:        "run-1",
	}
}

func anyArgs(n int) []driver.Value {
	args := make([]driver.Value, n)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	return args
}

func TestRepository_GetByKeys(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(`SELECT .* FROM issues WHERE`).
		WithArgs("student.duplicate", "s1", "student.duplicate", "s9").
		WillReturnRows(issueRows())

	issues, err := repo.GetByKeys(context.Background(), []models.IssueKey{
		{RuleID: "student.duplicate", PrimaryRecordID: "s1"},
		{RuleID: "student.duplicate", PrimaryRecordID: "s9"},
	})
	require.NoError(t, err)
	require.Len(t, issues, 1)

	got := issues[0]
	assert.Equal(t, models.IssueKey{RuleID: "student.duplicate", PrimaryRecordID: "s1"}, got.Key())
	assert.Equal(t, []string{"s2"}, got.RelatedRecordIDs)
	assert.Equal(t, models.IssueTypeDuplicate, got.IssueType)
	assert.Equal(t, []any{"email"}, got.Evidence["matched_fields"])
	assert.Equal(t, "run-1", got.LastRunID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_GetByKeysEmpty(t *testing.T) {
	repo, mock := newRepo(t)

	issues, err := repo.GetByKeys(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, issues)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpsertBatch(t *testing.T) {
	t.Run("upserts on the identity key", func(t *testing.T) {
		repo, mock := newRepo(t)
		second := sampleIssue("id-2")
		second.PrimaryRecordID = "s3"

		mock.ExpectExec(`INSERT INTO issues .* ON CONFLICT \(rule_id, primary_record_id\) DO UPDATE SET .*status = CASE WHEN issues.status IN \('resolved', 'ignored'\) AND .* THEN issues.status ELSE EXCLUDED.status END.*GREATEST\(issues.last_seen, EXCLUDED.last_seen\)`).
			WithArgs(anyArgs(2 * len(issueColumns))...).
			WillReturnResult(sqlmock.NewResult(0, 2))

		require.NoError(t, repo.UpsertBatch(context.Background(), []models.Issue{sampleIssue("id-1"), second}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("same key twice in a batch is written once", func(t *testing.T) {
		repo, mock := newRepo(t)
		later := sampleIssue("id-1")
		later.Severity = models.SeverityCritical

		mock.ExpectExec(`INSERT INTO issues`).
			WithArgs(anyArgs(len(issueColumns))...).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.UpsertBatch(context.Background(), []models.Issue{sampleIssue("id-1"), later}))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("stored user status only yields to a severity increase", func(t *testing.T) {
		assert.Equal(t,
			"CASE WHEN issues.status IN ('resolved', 'ignored') AND "+
				"(CASE EXCLUDED.severity WHEN 'info' THEN 1 WHEN 'warning' THEN 2 WHEN 'critical' THEN 3 ELSE 0 END) <= "+
				"(CASE issues.severity WHEN 'info' THEN 1 WHEN 'warning' THEN 2 WHEN 'critical' THEN 3 ELSE 0 END) "+
				"THEN issues.status ELSE EXCLUDED.status END",
			statusOnConflict)
	})

	t.Run("nothing to write", func(t *testing.T) {
		repo, mock := newRepo(t)
		require.NoError(t, repo.UpsertBatch(context.Background(), nil))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("driver failure", func(t *testing.T) {
		repo, mock := newRepo(t)
		mock.ExpectExec(`INSERT INTO issues`).WillReturnError(errors.New("connection reset by peer"))

		err := repo.UpsertBatch(context.Background(), []models.Issue{sampleIssue("id-1")})
		require.Error(t, err)
		assert.True(t, httperror.IsHTTPError(err))
		assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
	})
}

func TestRepository_Get(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(`SELECT .* FROM issues WHERE id = \$1`).
		WithArgs("8c0f7b8e-4f0e-5d3a-9b0a-0d2c9b7c1a11").
		WillReturnRows(issueRows())
	mock.ExpectQuery(`SELECT .* FROM issues WHERE id = \$1`).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(issueColumns))

	issue, err := repo.Get(context.Background(), "8c0f7b8e-4f0e-5d3a-9b0a-0d2c9b7c1a11")
	require.NoError(t, err)
	assert.Equal(t, "s1", issue.PrimaryRecordID)

	_, err = repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_List(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(`SELECT .* FROM issues WHERE entity_type = \$1 AND status = \$2 ORDER BY last_seen DESC, id LIMIT`).
		WillReturnRows(issueRows())

	issues, err := repo.List(context.Background(), models.IssueFilter{
		EntityType: "student",
		Status:     models.IssueStatusOpen,
		Limit:      10,
		Offset:     20,
	})
	require.NoError(t, err)
	assert.Len(t, issues, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_UpdateStatus(t *testing.T) {
	repo, mock := newRepo(t)

	mock.ExpectQuery(`UPDATE issues SET status = \$1, updated_at = \$2 WHERE id = \$3 RETURNING`).
		WithArgs("resolved", fixedNow, "id-1").
		WillReturnRows(issueRows())
	mock.ExpectQuery(`UPDATE issues`).
		WithArgs("ignored", fixedNow, "missing").
		WillReturnRows(sqlmock.NewRows(issueColumns))

	issue, err := repo.UpdateStatus(context.Background(), "id-1", models.IssueStatusResolved)
	require.NoError(t, err)
	assert.Equal(t, "student.duplicate", issue.RuleID)

	_, err = repo.UpdateStatus(context.Background(), "missing", models.IssueStatusIgnored)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
