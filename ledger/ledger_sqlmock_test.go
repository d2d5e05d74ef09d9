package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BaSui01/agentmarket/internal/database"
	"github.com/BaSui01/agentmarket/store"
	"github.com/BaSui01/agentmarket/types"
	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupMockLedger(t *testing.T) (*Ledger, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: mockDB}), &gorm.Config{
		Logger:               logger.Default.LogMode(logger.Silent),
		DisableAutomaticPing: true,
	})
	require.NoError(t, err)

	l := New(db, zap.NewNop(), WithRetryPolicy(database.RetryPolicy{
		MaxAttempts: 3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	}))
	return l, mock
}

func userRow(credits, version int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "name", "credits", "version"}).
		AddRow("u1", "alice", credits, version)
}

// 版本号冲突时整个事务重跑
func TestLedger_DebitRetriesOnVersionConflict(t *testing.T) {
	l, mock := setupMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "users"`).WillReturnRows(userRow(100, 1))
	mock.ExpectExec(`UPDATE "users"`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "users"`).WillReturnRows(userRow(90, 2))
	mock.ExpectExec(`UPDATE "users"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO "transactions"`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx, err := l.Debit(context.Background(), Entry{UserID: "u1", Type: store.TxAgentUsage, Amount: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(-10), tx.Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_PersistentConflictSurfacesAsConflict(t *testing.T) {
	l, mock := setupMockLedger(t)

	for i := 0; i < 3; i++ {
		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT .* FROM "users"`).WillReturnRows(userRow(100, int64(i)))
		mock.ExpectExec(`UPDATE "users"`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()
	}

	_, err := l.Debit(context.Background(), Entry{UserID: "u1", Type: store.TxAgentUsage, Amount: 10})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrConflict))
	assert.True(t, types.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedger_StorageFailureIsRetryableServiceError(t *testing.T) {
	l, mock := setupMockLedger(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT .* FROM "users"`).WillReturnError(errors.New("connection refused"))
	mock.ExpectRollback()

	_, err := l.Debit(context.Background(), Entry{UserID: "u1", Type: store.TxAgentUsage, Amount: 10})
	require.Error(t, err)
	assert.True(t, types.IsErrorCode(err, types.ErrServiceUnavailable))
	assert.True(t, types.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
