package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrRunInProgress means another settlement run holds the single-flight lock.
var ErrRunInProgress = errors.New("settlement run already in progress")

// RunGuard provides single-flight execution across overlapping triggers.
// Acquire returns a release func when the lock was taken, or ErrRunInProgress.
type RunGuard interface {
	Acquire(ctx context.Context, name string) (release func(), err error)
}

var runLockReleaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

var runLockRenewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisRunLock is a RunGuard shared by every replica through Redis. A held lock
// is renewed every ttl/3 until it is released.
type RedisRunLock struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisRunLock(client redis.UniversalClient, prefix string, ttl time.Duration, logger *slog.Logger) *RedisRunLock {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "vibepe:payouts:run_lock"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &RedisRunLock{client: client, prefix: trimmedPrefix, ttl: ttl, logger: logger}
}

func (l *RedisRunLock) Acquire(ctx context.Context, name string) (func(), error) {
	key := l.prefix + ":" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrRunInProgress
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(key, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done

			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := runLockReleaseScript.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
				l.logger.Error("failed to release run lock", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisRunLock) renew(key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 3
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			held, err := runLockRenewScript.Run(renewCtx, l.client, []string{key}, token, l.ttl.Milliseconds()).Int()
			cancel()
			if err != nil {
				l.logger.Warn("failed to renew run lock", "key", key, "error", err)
				continue
			}
			if held == 0 {
				l.logger.Error("run lock lost before release", "key", key)
				return
			}
		}
	}
}

// LocalRunGuard is an in-process RunGuard for single-replica deployments.
type LocalRunGuard struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalRunGuard() *LocalRunGuard {
	return &LocalRunGuard{held: make(map[string]bool)}
}

func (g *LocalRunGuard) Acquire(_ context.Context, name string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held[name] {
		return nil, ErrRunInProgress
	}
	g.held[name] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.held, name)
			g.mu.Unlock()
		})
	}, nil
}
