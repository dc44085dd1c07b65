package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker 保证同一时间只有一轮采集。TryLock 未抢到锁时返回 ok=false。
type Locker interface {
	TryLock(ctx context.Context) (release func(), ok bool, err error)
}

// LocalLock 单进程部署使用
type LocalLock struct {
	mu sync.Mutex
}

func (l *LocalLock) TryLock(context.Context) (func(), bool, error) {
	if !l.mu.TryLock() {
		return nil, false, nil
	}
	return l.mu.Unlock, true, nil
}

// 只删除自己持有的锁
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLock 多实例部署时基于 Redis SET NX 的锁。TTL 需大于一轮采集的最长耗时。
type RedisLock struct {
	Client *redis.Client
	Key    string
	TTL    time.Duration
}

func NewRedisLock(client *redis.Client) *RedisLock {
	return &RedisLock{Client: client, Key: "newscheck:collect:lock", TTL: 2 * time.Hour}
}

func (l *RedisLock) TryLock(ctx context.Context) (func(), bool, error) {
	token := uuid.NewString()
	ok, err := l.Client.SetNX(ctx, l.Key, token, l.TTL).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.Client, []string{l.Key}, token).Err()
	}
	return release, true, nil
}
