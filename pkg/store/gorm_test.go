package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/speedrun-hq/speedrun-dca/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func newMockStore(t *testing.T) (*GormStore, sqlmock.Sqlmock) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormConfig())
	require.NoError(t, err)

	s := NewGormStore(db)
	s.now = func() time.Time { return baseTime }
	return s, mock
}

var intentColumns = []string{
	"id", "account", "source_token", "source_chain", "target_token", "target_chain",
	"amount", "cadence", "fee_tolerance", "status", "created_at", "updated_at", "last_executed_at",
}

func TestGormStoreListDueIntents(t *testing.T) {
	s, mock := newMockStore(t)

	rows := sqlmock.NewRows(intentColumns).
		AddRow("i-1", "0xabc", "USDC", 8453, "WETH", 8453, "10", "daily", "0.01", "active", baseTime, baseTime, nil)
	mock.ExpectQuery(`SELECT \* FROM "dca_intents" WHERE \(status = \$1 AND cadence = \$2\) AND \(last_executed_at IS NULL OR last_executed_at <= \$3\) ORDER BY id`).
		WithArgs(models.IntentStatusActive, models.CadenceDaily, baseTime.Add(-24*time.Hour)).
		WillReturnRows(rows)

	due, err := s.ListDueIntents(context.Background(), models.CadenceDaily, baseTime)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "i-1", due[0].ID)
	assert.Equal(t, "10", due[0].Amount.String())
	assert.Nil(t, due[0].LastExecutedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreGetIntentNotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(`SELECT \* FROM "dca_intents" WHERE id = \$1`).
		WillReturnRows(sqlmock.NewRows(intentColumns))

	_, err := s.GetIntent(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrIntentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreRecordExecution(t *testing.T) {
	t.Run("Inserts record", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "dca_executions"`).
			WillReturnResult(sqlmock.NewResult(0, 1))

		rec := &models.ExecutionRecord{IntentID: "i-1", AttemptID: "att-1", Status: models.ExecutionStatusFilled, ExecutedAt: baseTime}
		require.NoError(t, s.RecordExecution(context.Background(), rec))
		assert.NotEmpty(t, rec.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Duplicate attempt", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectExec(`INSERT INTO "dca_executions"`).
			WillReturnError(errors.New(`ERROR: duplicate key value violates unique constraint "idx_dca_executions_attempt_id"`))

		err := s.RecordExecution(context.Background(), &models.ExecutionRecord{IntentID: "i-1", AttemptID: "att-1"})
		assert.ErrorIs(t, err, ErrDuplicateExecution)
	})
}

func TestGormStoreTouchLastExecuted(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE "dca_intents" SET .*"last_executed_at"=\$1.*WHERE id = \$\d`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.TouchLastExecuted(context.Background(), "i-1", baseTime))

	mock.ExpectExec(`UPDATE "dca_intents"`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	assert.ErrorIs(t, s.TouchLastExecuted(context.Background(), "missing", baseTime), ErrIntentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormStoreSubmissionMarkers(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectExec(`INSERT INTO "dca_submission_markers" .* ON CONFLICT \("intent_id"\) DO UPDATE SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.SaveSubmissionMarker(ctx, &models.SubmissionMarker{
		IntentID:  "i-1",
		AttemptID: "att-1",
		OrderHash: "0xaa",
		CreatedAt: baseTime,
	}))

	mock.ExpectQuery(`SELECT \* FROM "dca_submission_markers" WHERE intent_id = \$1`).
		WillReturnRows(sqlmock.NewRows([]string{"intent_id", "attempt_id", "order_hash", "quote_id", "created_at"}))
	marker, err := s.GetSubmissionMarker(ctx, "i-1")
	require.NoError(t, err)
	assert.Nil(t, marker)

	mock.ExpectExec(`DELETE FROM "dca_submission_markers" WHERE intent_id = \$1`).
		WithArgs("i-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.ClearSubmissionMarker(ctx, "i-1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
