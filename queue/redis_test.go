package queue

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisBackend(t *testing.T, clock *fakeClock) Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedis(client, RedisOptions{
		Key:        "test:jobs",
		Visibility: 30 * time.Second,
		MaxReceive: 3,
		Now:        clock.Now,
	})
}

func TestRedisLeaseLifecycle(t *testing.T) { testLeaseLifecycle(t, newRedisBackend) }
func TestRedisDeadLetter(t *testing.T)     { testDeadLetter(t, newRedisBackend) }
func TestRedisReceiveWaits(t *testing.T)   { testReceiveWaits(t, newRedisBackend) }
