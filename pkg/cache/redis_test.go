package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClientParsesURL(t *testing.T) {
	c, err := NewClient("redis://:s3cret@cache.internal:6380/2", Options{PoolSize: 7, ReadTimeout: time.Second})
	require.NoError(t, err)
	defer c.Close()

	opts := c.Options()
	assert.Equal(t, "cache.internal:6380", opts.Addr)
	assert.Equal(t, "s3cret", opts.Password)
	assert.Equal(t, 2, opts.DB)
	assert.Equal(t, 7, opts.PoolSize)
	assert.Equal(t, time.Second, opts.ReadTimeout)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient("http://not-redis", Options{})
	assert.Error(t, err)
}

func TestConnectFailsWhenUnreachable(t *testing.T) {
	_, err := Connect(context.Background(), "redis://127.0.0.1:1/0", 200*time.Millisecond)
	assert.Error(t, err)
}
