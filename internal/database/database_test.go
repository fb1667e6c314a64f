package database

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"kbapi/internal/config"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildPostgresDSN(t *testing.T) {
	base := config.DatabaseConfig{Host: "db", Port: "5432", User: "kb", Name: "knowledge"}

	tests := []struct {
		name    string
		mutate  func(c *config.DatabaseConfig)
		want    string
		wantErr bool
	}{
		{
			name: "minimal",
			want: "postgres://kb@db:5432/knowledge",
		},
		{
			name: "all runtime parameters",
			mutate: func(c *config.DatabaseConfig) {
				c.Password = "s3cret"
				c.SSLMode = "disable"
				c.ApplicationName = "kbapi"
				c.StatementTimeoutMs = 30000
			},
			want: "postgres://kb:s3cret@db:5432/knowledge?application_name=kbapi&sslmode=disable&statement_timeout=30000",
		},
		{
			name:   "zero timeout is omitted",
			mutate: func(c *config.DatabaseConfig) { c.ApplicationName = "kbctl" },
			want:   "postgres://kb@db:5432/knowledge?application_name=kbctl",
		},
		{
			name:    "negative timeout",
			mutate:  func(c *config.DatabaseConfig) { c.StatementTimeoutMs = -1 },
			wantErr: true,
		},
		{
			name:    "missing host",
			mutate:  func(c *config.DatabaseConfig) { c.Host = "" },
			wantErr: true,
		},
		{
			name:    "missing database name",
			mutate:  func(c *config.DatabaseConfig) { c.Name = "" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base
			if tt.mutate != nil {
				tt.mutate(&c)
			}
			got, err := BuildPostgresDSN(c)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func stubOpen(t *testing.T, db *sql.DB, err error) {
	t.Helper()
	orig := sqlOpen
	sqlOpen = func(string, string) (*sql.DB, error) { return db, err }
	t.Cleanup(func() { sqlOpen = orig })
}

func TestNewPostgres(t *testing.T) {
	conf := config.DatabaseConfig{
		Host:               "db",
		Port:               "5432",
		User:               "kb",
		Name:               "knowledge",
		MaxOpenConns:       10,
		MaxIdleConns:       5,
		ConnMaxLifetimeSec: 300,
		ApplicationName:    "kbapi",
	}

	t.Run("success", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		defer db.Close()
		stubOpen(t, db, nil)

		mock.ExpectPing()

		got, err := NewPostgres(context.Background(), conf)
		require.NoError(t, err)
		assert.Same(t, db, got)
		assert.Equal(t, 10, got.Stats().MaxOpenConnections)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("open error", func(t *testing.T) {
		stubOpen(t, nil, errors.New("open error"))

		got, err := NewPostgres(context.Background(), conf)
		assert.ErrorContains(t, err, "sql open: open error")
		assert.Nil(t, got)
	})

	t.Run("ping error", func(t *testing.T) {
		db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		stubOpen(t, db, nil)

		mock.ExpectPing().WillReturnError(errors.New("ping failed"))

		got, err := NewPostgres(context.Background(), conf)
		assert.ErrorContains(t, err, "db ping: ping failed")
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("cancelled context", func(t *testing.T) {
		db, _, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
		require.NoError(t, err)
		stubOpen(t, db, nil)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got, err := NewPostgres(ctx, conf)
		assert.Error(t, err)
		assert.Nil(t, got)
	})

	t.Run("invalid config", func(t *testing.T) {
		got, err := NewPostgres(context.Background(), config.DatabaseConfig{})
		assert.Error(t, err)
		assert.Nil(t, got)
	})
}
