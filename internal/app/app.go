// Package app wires configuration into a running router and hosts the
// startup helpers used by cmd/keyrouter.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/redis/go-redis/v9"

	httpserver "github.com/fairyhunter13/llm-keyrouter/internal/adapter/httpserver"
	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/tokencount"
	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/upstream/openai"
	"github.com/fairyhunter13/llm-keyrouter/internal/adapter/upstream/simulated"
	"github.com/fairyhunter13/llm-keyrouter/internal/config"
	"github.com/fairyhunter13/llm-keyrouter/internal/domain"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/consensus"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/dispatcher"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/executor"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/keypool"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/ledger"
	"github.com/fairyhunter13/llm-keyrouter/internal/service/ratelimiter"
	"github.com/fairyhunter13/llm-keyrouter/internal/usecase"
)

// App is a fully wired router.
type App struct {
	Service *usecase.Service
	Router  http.Handler
	Monitor *PoolMonitor

	closers []func() error
}

// Close releases external connections.
func (a *App) Close() error {
	var first error
	for _, c := range a.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type redisPinger struct{ rdb *redis.Client }

func (p redisPinger) Ping(ctx context.Context) RedisPingResult { return p.rdb.Ping(ctx) }

// Build constructs every component from cfg. A nil upstream selects one by
// cfg.UpstreamMode.
func Build(ctx context.Context, cfg config.Config, up domain.Upstream) (*App, error) {
	specs, err := config.LoadKeySpecs(cfg)
	if err != nil {
		return nil, fmt.Errorf("op=app.Build: %w", err)
	}
	pool, err := keypool.New(specs, keypool.Options{
		Window:            cfg.RollingWindow(),
		QuotaPerWindow:    cfg.QuotaPerWindow,
		SoftQuotaFraction: cfg.SoftQuotaFraction,
	})
	if err != nil {
		return nil, fmt.Errorf("op=app.Build: %w", err)
	}

	a := &App{}
	bucket := ratelimiter.NewBucketConfigFromWindow(cfg.QuotaPerWindow, cfg.RollingWindow())
	var limiter ratelimiter.Limiter
	var pinger RedisClient
	if cfg.RedisURL != "" {
		rdb, err := ratelimiter.NewClientFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.Build: %w", err)
		}
		a.closers = append(a.closers, rdb.Close)
		limiter = ratelimiter.NewRedisLuaLimiter(rdb, "", bucket)
		pinger = redisPinger{rdb: rdb}
		slog.Info("shared rate limiter enabled", slog.String("backend", "redis"))
	} else {
		limiter = ratelimiter.NewLocalLimiter(bucket)
	}

	d := dispatcher.New(pool, dispatcher.Options{
		PollInterval:   cfg.DispatchPollInterval,
		WaitTimeout:    cfg.DispatchWaitTimeout,
		NearQuotaDelay: cfg.NearQuotaDelay,
		MinInterCall:   cfg.MinInterCall(),
		MaxParallel:    int64(cfg.MaxParallelCalls),
		Limiter:        limiter,
	})

	l := ledger.New(ledger.Options{
		HistoryDepth:   cfg.ContextHistoryDepth,
		SummaryEntries: cfg.ContextSummaryEntries,
		SummaryTokens:  cfg.ContextSummaryTokens,
		Truncator:      tokencount.NewCounter(cfg.UpstreamModel),
	})

	if up == nil {
		up = newUpstream(cfg)
	}
	retry := cfg.GetRetryConfig()
	ex := executor.New(pool, d, l, up, nil, executor.Options{
		CooldownDuration: cfg.CooldownDuration(),
		BackoffBase:      retry.BackoffBase,
	})

	cc := cfg.GetConsensusConfig()
	a.Service = usecase.NewService(d, ex, usecase.Options{
		MaxRetries:       retry.MaxRetries,
		RetryBackoffBase: retry.BackoffBase,
		Consensus: consensus.Options{
			InterRunDelay:     cc.InterRunDelay,
			RetryInterval:     cc.RetryInterval,
			MaxAttemptsPerRun: cc.MaxAttemptsPerRun,
			MaxTotalAttempts:  cc.MaxTotalAttempts,
			MaxDuration:       cc.MaxDuration,
		},
	})

	srv := httpserver.NewServer(a.Service, BuildReadinessChecks(pinger)...)
	a.Router = BuildRouter(cfg, srv)
	a.Monitor = NewPoolMonitor(a.Service, cfg.PoolMonitorInterval)

	slog.Info("key router ready",
		slog.Int("keys", pool.Len()),
		slog.String("upstream_mode", cfg.UpstreamMode),
		slog.Int("quota_per_window", cfg.QuotaPerWindow),
		slog.Int("soft_threshold", keypool.SoftThreshold(cfg.QuotaPerWindow, cfg.SoftQuotaFraction)),
		slog.Int("max_parallel", cfg.MaxParallelCalls))
	return a, nil
}

func newUpstream(cfg config.Config) domain.Upstream {
	if cfg.UpstreamMode == "simulated" {
		return simulated.New(simulated.Options{
			QuotaPerWindow: cfg.SimulatedQuotaPerWindow,
			Window:         cfg.RollingWindow(),
		})
	}
	return openai.New(openai.Options{
		BaseURL:     cfg.UpstreamBaseURL,
		Model:       cfg.UpstreamModel,
		Temperature: cfg.UpstreamTemperature,
		Timeout:     cfg.UpstreamTimeout,
		Referer:     cfg.UpstreamReferer,
		Title:       cfg.UpstreamTitle,
	})
}
