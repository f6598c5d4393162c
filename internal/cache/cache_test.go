package cache

import (
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory()

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("k", []byte("v"), time.Minute)
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	c.Delete("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestMemoryExpiry(t *testing.T) {
	c := NewMemory()
	c.Set("k", []byte("v"), 10*time.Millisecond)

	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok, "entry must expire after its ttl")
}

func TestMemoryCopiesValue(t *testing.T) {
	c := NewMemory()
	buf := []byte("original")
	c.Set("k", buf, 0)
	buf[0] = 'X'

	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("original"), got, "stored value must not alias caller's slice")
}

func TestNewAutoFallsBackToMemory(t *testing.T) {
	c, err := NewAuto("")
	require.NoError(t, err)
	require.NotNil(t, c)

	c.Set("k", []byte("v"), time.Minute)
	_, ok := c.Get("k")
	assert.True(t, ok)
}

func TestNewAutoRejectsBadURL(t *testing.T) {
	_, err := NewAuto("not-a-url")
	assert.Error(t, err)
}

func TestRedisCacheRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &redisCache{r: db}

	mock.ExpectSet("k", []byte("v"), time.Minute).SetVal("OK")
	c.Set("k", []byte("v"), time.Minute)

	mock.ExpectGet("k").SetVal("v")
	got, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	mock.ExpectDel("k").SetVal(1)
	c.Delete("k")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisCacheMissAndError(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := &redisCache{r: db}

	mock.ExpectGet("absent").RedisNil()
	_, ok := c.Get("absent")
	assert.False(t, ok)

	assert.NoError(t, mock.ExpectationsWereMet())
}
