package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/jmerrifield20/chainmail/internal/directory"
	"github.com/jmerrifield20/chainmail/internal/discovery"
	"github.com/jmerrifield20/chainmail/internal/httpserver"
	"github.com/jmerrifield20/chainmail/internal/logging"
	"github.com/jmerrifield20/chainmail/internal/scheduler"
)

func main() {
	found, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainmail-directory: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Must(logging.Config{
		Level:       viper.GetString("log.level"),
		File:        viper.GetString("log.file"),
		MaxSizeMB:   viper.GetInt("log.max_size_mb"),
		MaxAgeDays:  viper.GetInt("log.max_age_days"),
		Development: viper.GetBool("log.development"),
	})
	defer logger.Sync() //nolint:errcheck

	if !found {
		logger.Warn("no config file found, using defaults and env vars")
	}
	if err := run(logger); err != nil {
		logger.Fatal("directory exited with error", zap.Error(err))
	}
}

func loadConfig() (bool, error) {
	viper.SetConfigName("directory")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("directory.port", 4000)
	viper.SetDefault("directory.secret", "")
	viper.SetDefault("directory.active_window", "1m")
	viper.SetDefault("directory.prune_after", "1h")
	viper.SetDefault("directory.rate_limit_rps", 20)
	viper.SetDefault("directory.cors_origins", []string{"*"})
	viper.SetDefault("database.url", "")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.file", "")
	viper.SetDefault("log.max_size_mb", 50)
	viper.SetDefault("log.max_age_days", 14)
	viper.SetDefault("log.development", false)

	if err := viper.ReadInConfig(); err != nil {
		var cfgNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgNotFound) {
			return false, fmt.Errorf("read config: %w", err)
		}
		return false, nil
	}
	return true, nil
}

func run(logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Repository ────────────────────────────────────────────────────────────
	var repo directory.Repository
	if dbURL := viper.GetString("database.url"); dbURL != "" {
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer pool.Close()
		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping database: %w", err)
		}
		pg := directory.NewPostgresRepository(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		repo = pg
		logger.Info("directory using postgres")
	} else {
		repo = directory.NewMemoryRepository()
		logger.Info("directory using in-memory store")
	}

	var tokens *discovery.TokenIssuer
	if secret := viper.GetString("directory.secret"); secret != "" {
		tokens = discovery.NewTokenIssuer(secret, discovery.DefaultTokenTTL)
	} else {
		logger.Warn("directory.secret not set, heartbeats are unauthenticated")
	}

	window := viper.GetDuration("directory.active_window")
	pruneAfter := viper.GetDuration("directory.prune_after")

	// ── Background: prune nodes that stopped heartbeating ───────────────────
	sched := scheduler.New(logger)
	sched.Add(scheduler.Job{
		Name:     "prune",
		Interval: 5 * time.Minute,
		Timeout:  10 * time.Second,
		Run: func(ctx context.Context) error {
			n, err := repo.Prune(ctx, time.Now().Add(-pruneAfter))
			if n > 0 {
				logger.Info("pruned stale nodes", zap.Int("count", n))
			}
			return err
		},
	})
	sched.Start(ctx)

	// ── HTTP Router ───────────────────────────────────────────────────────────
	router := httpserver.NewRouter(ctx, httpserver.Config{
		CORSOrigins:  viper.GetStringSlice("directory.cors_origins"),
		RateLimitRPS: viper.GetFloat64("directory.rate_limit_rps"),
		Metrics:      true,
	}, logger)
	directory.NewHandler(repo, tokens, window, logger).Register(&router.RouterGroup)

	err := httpserver.Serve(ctx, viper.GetInt("directory.port"), router, logger)
	stop()
	sched.Wait()
	logger.Info("directory stopped")
	return err
}
