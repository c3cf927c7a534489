package database

import (
	"context"
	"path/filepath"
	"testing"

	"docsense-go/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "test.db")
	db, err := Open(config.DatabaseConfig{Driver: "sqlite", SQLite: config.SQLiteConfig{Path: path}})
	require.NoError(t, err)

	type row struct {
		ID   uint
		Name string
	}
	require.NoError(t, db.AutoMigrate(&row{}))
	require.NoError(t, db.Create(&row{Name: "a"}).Error)

	var n int64
	require.NoError(t, db.Model(&row{}).Count(&n).Error)
	assert.Equal(t, int64(1), n)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
}

func TestNewRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := NewRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	defer rdb.Close()
	require.NoError(t, rdb.Set(context.Background(), "k", "v", 0).Err())
	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	addr := mr.Addr()
	mr.Close()
	_, err = NewRedis(context.Background(), config.RedisConfig{Addr: addr})
	assert.Error(t, err)
}
