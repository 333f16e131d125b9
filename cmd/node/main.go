package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jmerrifield20/chainmail/internal/chain"
	"github.com/jmerrifield20/chainmail/internal/discovery"
	"github.com/jmerrifield20/chainmail/internal/grpchealth"
	"github.com/jmerrifield20/chainmail/internal/httpserver"
	"github.com/jmerrifield20/chainmail/internal/keystore"
	"github.com/jmerrifield20/chainmail/internal/logging"
	"github.com/jmerrifield20/chainmail/internal/node/handler"
	"github.com/jmerrifield20/chainmail/internal/notify"
	"github.com/jmerrifield20/chainmail/internal/peer"
	"github.com/jmerrifield20/chainmail/internal/reconcile"
	"github.com/jmerrifield20/chainmail/internal/scheduler"
	"github.com/jmerrifield20/chainmail/internal/store"
)

func main() {
	found, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chainmail-node: %v\n", err)
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
		logger.Fatal("node exited with error", zap.Error(err))
	}
}

func loadConfig() (bool, error) {
	viper.SetConfigName("node")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("node.port", 3000)
	viper.SetDefault("node.public_url", "")
	viper.SetDefault("node.data_dir", "data")
	viper.SetDefault("node.keys_dir", "keys")
	viper.SetDefault("node.difficulty", chain.DefaultDifficulty)
	viper.SetDefault("node.max_mining_attempts", chain.DefaultMaxAttempts)
	viper.SetDefault("node.sync_interval", "10s")
	viper.SetDefault("node.heartbeat_interval", "30s")
	viper.SetDefault("node.peer_timeout", "5s")
	viper.SetDefault("node.sync_concurrency", reconcile.DefaultConcurrency)
	viper.SetDefault("node.key_miss_ttl", "30s")
	viper.SetDefault("node.peers", []string{})
	viper.SetDefault("node.rate_limit_rps", 20)
	viper.SetDefault("node.cors_origins", []string{"*"})
	viper.SetDefault("node.grpc_port", 0)
	viper.SetDefault("node.metrics", true)
	viper.SetDefault("node.webhooks", []map[string]any{})
	viper.SetDefault("directory.url", "http://localhost:4000")
	viper.SetDefault("directory.secret", "")
	viper.SetDefault("store.driver", store.DriverFile)
	viper.SetDefault("store.path", "")
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

	port := viper.GetInt("node.port")
	publicURL := viper.GetString("node.public_url")
	if publicURL == "" {
		publicURL = fmt.Sprintf("http://localhost:%d", port)
	}
	publicURL = discovery.NormalizeURL(publicURL)
	dataDir := viper.GetString("node.data_dir")

	// ── Chain ─────────────────────────────────────────────────────────────────
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory: %w", err)
	}
	storePath := viper.GetString("store.path")
	if storePath == "" {
		switch viper.GetString("store.driver") {
		case store.DriverBolt:
			storePath = filepath.Join(dataDir, "chain.db")
		default:
			storePath = filepath.Join(dataDir, "chain.json")
		}
	}
	st, err := store.Open(ctx, store.Options{
		Driver:      viper.GetString("store.driver"),
		Path:        storePath,
		DatabaseURL: viper.GetString("database.url"),
		NodeID:      publicURL,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close() //nolint:errcheck

	ledger, err := chain.LoadLedger(ctx, st, chain.Config{
		Difficulty:  viper.GetInt("node.difficulty"),
		MaxAttempts: viper.GetUint64("node.max_mining_attempts"),
	}, logger)
	if err != nil {
		return err
	}
	var subs []notify.Subscription
	if err := viper.UnmarshalKey("node.webhooks", &subs); err != nil {
		return fmt.Errorf("parse node.webhooks: %w", err)
	}
	var notifier *notify.Dispatcher
	if len(subs) > 0 {
		notifier = notify.NewDispatcher(ctx, subs, logger)
		logger.Info("webhook notifications enabled", zap.Int("subscriptions", len(subs)))
	}
	handler.InstrumentLedger(ledger, notifier)

	// ── Peers & keys ──────────────────────────────────────────────────────────
	peerTimeout := viper.GetDuration("node.peer_timeout")

	var tokens *discovery.TokenIssuer
	if secret := viper.GetString("directory.secret"); secret != "" {
		tokens = discovery.NewTokenIssuer(secret, discovery.DefaultTokenTTL)
	}
	var dir *discovery.Client
	peers := discovery.Multi{discovery.Static(viper.GetStringSlice("node.peers"))}
	if dirURL := viper.GetString("directory.url"); dirURL != "" {
		dir = discovery.NewClient(dirURL, peerTimeout, tokens)
		peers = append(peers, dir)
	}

	peerClient := peer.NewClient(peerTimeout)

	keys, err := keystore.NewFileKeyStore(viper.GetString("node.keys_dir"))
	if err != nil {
		return err
	}
	resolver := keystore.NewResolver(keys, peers, peerClient, viper.GetDuration("node.key_miss_ttl"), logger)

	syncer := reconcile.NewSyncer(ledger, peers, peerClient, publicURL, reconcile.Options{
		Concurrency: viper.GetInt("node.sync_concurrency"),
		PeerTimeout: peerTimeout,
	}, logger)
	handler.InstrumentSyncer(syncer)

	// ── Background jobs ──────────────────────────────────────────────────────
	sched := scheduler.New(logger)
	if dir != nil {
		sched.Add(scheduler.Job{
			Name:      "heartbeat",
			Interval:  viper.GetDuration("node.heartbeat_interval"),
			Immediate: true,
			Run: func(ctx context.Context) error {
				err := dir.Heartbeat(ctx, publicURL, port)
				handler.RecordHeartbeat(err == nil)
				return err
			},
		})
	}
	sched.Add(scheduler.Job{
		Name:      "sync",
		Interval:  viper.GetDuration("node.sync_interval"),
		Immediate: true,
		Run: func(ctx context.Context) error {
			_, err := syncer.Sync(ctx)
			if err != nil {
				handler.RecordSync(false, err)
			}
			return err
		},
	})
	sched.Add(scheduler.Job{
		Name:     "key-miss-eviction",
		Interval: time.Minute,
		Run: func(context.Context) error {
			if n := resolver.EvictMisses(); n > 0 {
				logger.Debug("evicted key lookup misses", zap.Int("count", n))
			}
			return nil
		},
	})

	// ── HTTP Router ───────────────────────────────────────────────────────────
	router := httpserver.NewRouter(ctx, httpserver.Config{
		CORSOrigins:  viper.GetStringSlice("node.cors_origins"),
		RateLimitRPS: viper.GetFloat64("node.rate_limit_rps"),
		Metrics:      viper.GetBool("node.metrics"),
	}, logger)

	handler.NewNodeHandler(ledger, handler.NewKeyStore(resolver), syncer, peers, logger).Register(&router.RouterGroup)
	handler.NewLedgerHandler(ledger, logger).Register(&router.RouterGroup)

	logger.Info("node starting",
		zap.String("public_url", publicURL),
		zap.Int("chain_len", ledger.Len()),
		zap.Int("difficulty", ledger.Difficulty()),
		zap.String("store", viper.GetString("store.driver")),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return httpserver.Serve(gctx, port, router, logger)
	})
	if grpcPort := viper.GetInt("node.grpc_port"); grpcPort > 0 {
		hs := grpchealth.New(logger)
		hs.SetServing(true)
		g.Go(func() error {
			return hs.ListenAndServe(gctx, grpcPort)
		})
	}
	sched.Start(gctx)

	err = g.Wait()
	stop()
	sched.Wait()
	if notifier != nil {
		notifier.Wait()
	}
	logger.Info("node stopped", zap.Int("chain_len", ledger.Len()))
	return err
}
