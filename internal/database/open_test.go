package database

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestConfig_DSN(t *testing.T) {
	c := Config{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "pf", SSLMode: "require"}
	dsn, err := c.DSN()
	require.NoError(t, err)
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=pf sslmode=require", dsn)

	c = Config{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "pf"}
	dsn, err = c.DSN()
	require.NoError(t, err)
	assert.Equal(t, "u:p@tcp(db:3306)/pf?charset=utf8mb4&parseTime=True&loc=UTC", dsn)

	c = Config{Driver: "sqlite", Name: "tasks.db"}
	dsn, err = c.DSN()
	require.NoError(t, err)
	assert.Equal(t, "tasks.db", dsn)

	_, err = Config{Driver: "oracle"}.DSN()
	assert.Error(t, err)
	_, err = Config{Driver: "sqlite"}.DSN()
	assert.Error(t, err)
}

func TestOpen_SQLiteMemory(t *testing.T) {
	c := DefaultConfig()
	c.Name = ":memory:"
	c.Pool.HealthCheckInterval = 0

	pool, err := Open(c, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer pool.Close()

	require.NoError(t, pool.Ping(context.Background()))
	assert.Equal(t, 1, pool.GetStats().MaxOpenConnections)

	var n int
	require.NoError(t, pool.DB().Raw("SELECT 1 + 1").Scan(&n).Error)
	assert.Equal(t, 2, n)
}
