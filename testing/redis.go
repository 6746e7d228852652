package testing

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

// redisPwd is the default test redis password, overridden by REDIS_PASSWORD env var
var redisPwd = "redispassword"

// redisAddr is the default test redis address, overridden by REDIS_ADDR env var
var redisAddr = "localhost:6379"

func init() {
	if p := os.Getenv("REDIS_PASSWORD"); p != "" {
		redisPwd = p
	}
	if a := os.Getenv("REDIS_ADDR"); a != "" {
		redisAddr = a
	}
}

// NewRedisClient returns a client connected to the test Redis server. The
// test is skipped if the server cannot be reached.
func NewRedisClient(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr, Password: redisPwd})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available at %s: %v", redisAddr, err)
	}
	return rdb
}

// CleanupRedis cleans up the Redis database after a test.
// If checkClean is true, it will check for keys in the database that
// contain the test name and fail the test if any are found.
// It will then flush the database.
func CleanupRedis(t *testing.T, rdb *redis.Client, checkClean bool, testName string) {
	t.Helper()
	ctx := context.Background()
	if checkClean {
		assert.Eventually(t, func() bool {
			keys, err := rdb.Keys(ctx, "*"+testName+"*").Result()
			if err != nil {
				return false
			}
			var filtered []string
			for _, k := range keys {
				if strings.HasSuffix(k, ":seq") {
					// Sequence counters are never reused and outlive the jobs
					continue
				}
				filtered = append(filtered, k)
			}
			return len(filtered) == 0
		}, time.Second, time.Millisecond*10, "found keys for %s", testName)
	}
	assert.NoError(t, rdb.FlushDB(ctx).Err())
	assert.NoError(t, rdb.Close())
}
