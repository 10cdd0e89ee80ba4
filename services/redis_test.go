package services

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcraig150/Skybound-realms-sub002/config"
)

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), config.RedisConfig{
		Address:     mr.Addr(),
		PoolSize:    4,
		PoolTimeout: 1,
	})
	require.NoError(t, err)
	defer CloseRedisClient(client)

	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestNewRedisClientUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisClient(context.Background(), config.RedisConfig{Address: addr, PoolSize: 1, PoolTimeout: 1})
	assert.Error(t, err)
}

func TestCloseNilClient(t *testing.T) {
	assert.NoError(t, CloseRedisClient(nil))
}
