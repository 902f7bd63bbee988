package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stratbase/tradecopier/internal/alert"
	"github.com/stratbase/tradecopier/internal/archive"
	"github.com/stratbase/tradecopier/internal/brokerage"
	"github.com/stratbase/tradecopier/internal/cache/redis"
	"github.com/stratbase/tradecopier/internal/config"
	"github.com/stratbase/tradecopier/internal/crypto"
	"github.com/stratbase/tradecopier/internal/dispatcher"
	"github.com/stratbase/tradecopier/internal/domain"
	"github.com/stratbase/tradecopier/internal/executor"
	"github.com/stratbase/tradecopier/internal/keystore"
	"github.com/stratbase/tradecopier/internal/listener"
	"github.com/stratbase/tradecopier/internal/retry"
	"github.com/stratbase/tradecopier/internal/scaling"
	"github.com/stratbase/tradecopier/internal/store/postgres"
)

// Dependencies bundles everything the replication loop needs. Constructed by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	Store    *keystore.KeyStore
	Alerts   *alert.Manager
	Engine   *scaling.Engine
	Executor *executor.Executor
	Listener *listener.Listener
	Archiver *archive.Archiver // nil unless archive.enabled
}

// Wire constructs all concrete dependencies from the configuration and
// returns them with a cleanup function to be called on shutdown. Cleanup runs
// closers in reverse registration order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	// --- Credential cipher ---
	cipher, err := crypto.New(cfg.Encryption.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: cipher: %w", err)
	}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Database.DSN,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		Database: cfg.Database.Database,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.PoolMaxConns,
		MinConns: cfg.Database.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)

	if cfg.Database.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	store := keystore.New(pgClient.Pool(), cipher, logger)

	// --- Alerts ---
	var senders []alert.Sender
	if cfg.Alerts.SlackWebhookURL != "" {
		senders = append(senders, alert.NewSlackSender(cfg.Alerts.SlackWebhookURL))
	}
	if cfg.Alerts.SMTP.Host != "" {
		senders = append(senders, alert.NewEmailSender(alert.EmailConfig{
			Host:     cfg.Alerts.SMTP.Host,
			Port:     cfg.Alerts.SMTP.Port,
			User:     cfg.Alerts.SMTP.User,
			Password: cfg.Alerts.SMTP.Password,
			From:     cfg.Alerts.SMTP.From,
			To:       cfg.Alerts.SMTP.To,
		}))
	}
	alerts := alert.NewManager(senders, cfg.Alerts.Cooldown.Duration, logger)

	// --- Master account ---
	master, masterCreds, err := store.GetMaster(ctx)
	if err != nil {
		cleanup()
		if errors.Is(err, domain.ErrNoMasterAccount) {
			return nil, nil, fmt.Errorf("wire: no active master account configured; run copierctl set-master first")
		}
		return nil, nil, fmt.Errorf("wire: loading master account: %w", err)
	}
	logger.Info("master account loaded",
		slog.String("account_id", master.AccountID),
		slog.Bool("paper", cfg.Brokerage.Paper))

	// --- Brokerage ---
	factory := brokerage.NewFactory(cfg.Brokerage.TradingHost, cfg.Brokerage.DataHost)

	// --- Scaling ---
	engine := scaling.NewEngine(factory, masterCreds, scaling.Config{
		MinOrderSize:          cfg.Copier.MinOrderSize,
		MinNotional:           cfg.Copier.MinNotional,
		AllowFractionalShares: cfg.Copier.AllowFractionalShares,
		BuyingPowerBuffer:     cfg.Copier.BuyingPowerBuffer,
		EquityCacheTTL:        cfg.Copier.EquityCacheTTL.Duration,
	}, logger)

	// --- Executor ---
	exec := executor.New(factory, executor.Config{
		MaxConcurrentOrders: cfg.Copier.MaxConcurrentOrders,
		Retry: retry.Policy{
			MaxAttempts:  cfg.Retry.MaxAttempts,
			InitialDelay: cfg.Retry.InitialDelay.Duration,
			MaxDelay:     cfg.Retry.MaxDelay.Duration,
			Base:         cfg.Retry.Base,
			Jitter:       cfg.Retry.Jitter,
		},
		BreakerThreshold:  cfg.Breaker.FailureThreshold,
		BreakerTimeout:    cfg.Breaker.OpenTimeout.Duration,
		LatencyWarnMS:     cfg.Latency.WarnMS,
		LatencyCriticalMS: cfg.Latency.CriticalMS,
	}, store, store, store, alerts, alert.NewLatencyTracker(), logger)

	// --- Quote cache (optional) ---
	var quotes dispatcher.QuoteCache
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })
		quotes = redis.NewQuoteCache(redisClient, cfg.Redis.QuoteTTL.Duration, logger)
	}

	// --- Dispatcher + listener ---
	disp := dispatcher.New(store, engine, exec, quotes, logger)

	lst := listener.New(brokerage.DialStream, brokerage.StreamConfig{
		URL:       cfg.Brokerage.StreamHost,
		APIKey:    masterCreds.APIKey,
		SecretKey: masterCreds.SecretKey,
	}, listener.Config{
		ReconnectDelay:       cfg.Listener.ReconnectDelay.Duration,
		MaxReconnectAttempts: cfg.Listener.MaxReconnectAttempts,
	}, store, disp.HandleFill, alerts, logger)
	closers = append(closers, lst.Close)

	deps := &Dependencies{
		Store:    store,
		Alerts:   alerts,
		Engine:   engine,
		Executor: exec,
		Listener: lst,
	}

	// --- Audit archiver (optional) ---
	if cfg.Archive.Enabled {
		uploader, err := archive.NewS3Uploader(ctx, archive.S3Config{
			Endpoint:       cfg.Archive.Endpoint,
			Region:         cfg.Archive.Region,
			Bucket:         cfg.Archive.Bucket,
			AccessKey:      cfg.Archive.AccessKey,
			SecretKey:      cfg.Archive.SecretKey,
			ForcePathStyle: cfg.Archive.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3 archive: %w", err)
		}
		deps.Archiver = archive.New(store, uploader, archive.Config{
			RetentionDays: cfg.Archive.RetentionDays,
			Interval:      cfg.Archive.Interval.Duration,
		}, logger)
	}

	return deps, cleanup, nil
}
