package config

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cocktail-auth/internal/observability"
)

func TestNewPostgresConnection_InvalidURL(t *testing.T) {
	t.Run("invalid_database_url", func(t *testing.T) {
		db, err := NewPostgresConnection("invalid://malformed")
		assert.Error(t, err)
		assert.Nil(t, db)
	})

	t.Run("empty_database_url", func(t *testing.T) {
		db, err := NewPostgresConnection("")
		assert.Error(t, err)
		assert.Nil(t, db)
	})
}

func TestConfigurePool(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	configurePool(db)

	assert.Equal(t, 25, db.Stats().MaxOpenConnections)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReportPoolStats(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectPing()
	require.NoError(t, db.PingContext(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		ReportPoolStats(ctx, db, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(observability.DBConnectionsOpen) == float64(db.Stats().OpenConnections)
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ReportPoolStats did not stop")
	}
	assert.NoError(t, mock.ExpectationsWereMet())
}
