package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"AgentIntent-Chain/internal/config"
)

func TestOpenRequiresAddress(t *testing.T) {
	if _, err := Open(context.Background(), config.RedisConfig{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestOpenAgainstLiveRedis(t *testing.T) {
	addr := os.Getenv("INTENTD_REDIS_ADDR")
	if addr == "" {
		t.Skip("INTENTD_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := Open(ctx, config.RedisConfig{Address: addr})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	if err := client.Set(ctx, "intentd:test:ping", "1", time.Minute).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}
}
