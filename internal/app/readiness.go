package app

import (
	"context"

	httpserver "github.com/fairyhunter13/llm-keyrouter/internal/adapter/httpserver"
)

// RedisPingResult is the minimal return type of a Redis client's Ping.
type RedisPingResult interface{ Err() error }

// RedisClient is the minimal interface for a Redis client needed for readiness.
type RedisClient interface {
	Ping(ctx context.Context) RedisPingResult
}

// BuildReadinessChecks returns the probes for optional dependencies. Without
// a shared limiter there is nothing external to probe.
func BuildReadinessChecks(rdb RedisClient) []httpserver.Check {
	if rdb == nil {
		return nil
	}
	return []httpserver.Check{{
		Name:  "redis",
		Probe: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}}
}
