package redis

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/mossy-p/meet-signaling/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port, err := net.SplitHostPort(mr.Addr())
	require.NoError(t, err)

	client, err := Connect(context.Background(), config.RedisConfig{Host: host, Port: port}, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestConnectFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	mr.Close()

	_, err = Connect(context.Background(), config.RedisConfig{Host: host, Port: port}, 200*time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), addr)
}

func TestOptions(t *testing.T) {
	opts := Options(config.RedisConfig{Host: "cache", Port: "6380", Password: "pw", DB: 2}, 0)
	assert.Equal(t, "cache:6380", opts.Addr)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, defaultTimeout, opts.DialTimeout)
	assert.Equal(t, defaultTimeout, opts.ReadTimeout)
}
