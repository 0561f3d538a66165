package vault

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newMockLedger(t *testing.T) (*GormLedger, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	db, err := gorm.Open(mysql.New(mysql.Config{Conn: sqlDB, SkipInitializeWithVersion: true}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return NewGormLedger(db, 0), mock
}

func TestDeploymentOf(t *testing.T) {
	dep, err := deploymentOf(Vault{ID: "v", Address: " addr_script ", PoolID: "ABCD.706f6f6c"})
	require.NoError(t, err)
	assert.Equal(t, Deployment{ScriptAddress: "addr_script", PolicyID: "abcd", PoolName: "706f6f6c"}, dep)

	for _, pid := range []string{"", "abcd", "abcd.", ".pool"} {
		_, err := deploymentOf(Vault{Address: "a", PoolID: pid})
		assert.ErrorIs(t, err, ErrDeploymentNotFound, pid)
	}
	_, err = deploymentOf(Vault{PoolID: "a.b"})
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
}

func TestGormLedger_DeploymentNotFound(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectQuery("SELECT (.+) FROM `vault`").WillReturnRows(sqlmock.NewRows([]string{"id", "address", "pool_id"}))

	_, err := l.Deployment(context.Background(), "Vault-1")
	assert.ErrorIs(t, err, ErrDeploymentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedger_Deployment(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectQuery("SELECT (.+) FROM `vault`").
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "pool_id"}).AddRow("vault-1", "addr_script", "abcd.706f6f6c"))

	dep, err := l.Deployment(context.Background(), " Vault-1 ")
	require.NoError(t, err)
	assert.Equal(t, "706f6f6c", dep.PoolName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormLedger_MarkFailed(t *testing.T) {
	l, mock := newMockLedger(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE `vault_log` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	req := Request{TxID: strings.Repeat("b", 64), User: "addr1", VaultID: "vault-1"}
	require.NoError(t, l.MarkFailed(context.Background(), req, "stale"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
