package app

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestLocalRunGuard_SingleFlightPerName(t *testing.T) {
	guard := NewLocalRunGuard()

	release, err := guard.Acquire(context.Background(), JobSettlement)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := guard.Acquire(context.Background(), JobSettlement); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}

	otherRelease, err := guard.Acquire(context.Background(), JobReconcile)
	if err != nil {
		t.Fatalf("expected independent lock per job name, got %v", err)
	}
	otherRelease()

	release()
	release()

	again, err := guard.Acquire(context.Background(), JobSettlement)
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	again()
}

// TestRedisRunLock runs against a real Redis when TEST_REDIS_URL is set.
func TestRedisRunLock(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	prefix := "vibepe:test:" + uuid.NewString()
	first := NewRedisRunLock(client, prefix, time.Minute, testLogger())
	second := NewRedisRunLock(client, prefix, time.Minute, testLogger())

	release, err := first.Acquire(context.Background(), JobSettlement)
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if _, err := second.Acquire(context.Background(), JobSettlement); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress from second replica, got %v", err)
	}

	release()
	releaseAgain, err := second.Acquire(context.Background(), JobSettlement)
	if err != nil {
		t.Fatalf("expected acquire after release, got %v", err)
	}
	releaseAgain()
}

func TestRedisRunLock_RenewsWhileHeld(t *testing.T) {
	redisURL := os.Getenv("TEST_REDIS_URL")
	if redisURL == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { client.Close() })

	prefix := "vibepe:test:" + uuid.NewString()
	lock := NewRedisRunLock(client, prefix, 300*time.Millisecond, testLogger())

	release, err := lock.Acquire(context.Background(), JobSettlement)
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}

	time.Sleep(time.Second)
	if _, err := lock.Acquire(context.Background(), JobSettlement); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected lock to outlive its ttl while held, got %v", err)
	}

	release()
	release()
	if exists := client.Exists(context.Background(), prefix+":"+JobSettlement).Val(); exists != 0 {
		t.Fatalf("expected lock key deleted on release")
	}
}
