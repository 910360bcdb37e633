package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenMemory(t *testing.T) {
	q, closeQ, err := Open(context.Background(), Options{Backend: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &MemQ{}, q)
	require.NoError(t, closeQ())
}

func TestOpenRejectsUnknownBackend(t *testing.T) {
	_, _, err := Open(context.Background(), Options{Backend: "kafka"})
	assert.ErrorContains(t, err, "kafka")
}

func TestOpenRedis(t *testing.T) {
	rdb := setupRedis(t)
	q, closeQ, err := Open(context.Background(), Options{Backend: "redis", Addr: rdb.Options().Addr, Prefix: "open"})
	require.NoError(t, err)
	defer closeQ()
	assert.IsType(t, &RedisQ{}, q)
}
