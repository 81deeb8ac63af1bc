// Package main is the entry point for the HyperAsset control plane: the
// request gateway, the per-user worker supervisor and the shared scheduler
// jobs (check-signal pulse, retention, backups).
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/config"
	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/gateway"
	"github.com/hyperasset/hyperasset/internal/notify"
	"github.com/hyperasset/hyperasset/internal/pipeline"
	"github.com/hyperasset/hyperasset/internal/reliability"
	"github.com/hyperasset/hyperasset/internal/scheduler"
	"github.com/hyperasset/hyperasset/internal/supervisor"
	"github.com/hyperasset/hyperasset/internal/userconfig"
	"github.com/hyperasset/hyperasset/internal/vectorstore"
	"github.com/hyperasset/hyperasset/pkg/logger"
)

// Exit codes: 1 for configuration failures, 2 for dependency failures.
const (
	exitConfig     = 1
	exitDependency = 2
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: "gateway",
	})
	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting HyperAsset control plane")

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid market timezone")
		os.Exit(exitConfig)
	}

	// Core event and user store.
	coreDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "core.db"),
		Profile: database.ProfileEvents,
		Name:    "core",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open core database")
		os.Exit(exitDependency)
	}
	defer coreDB.Close()

	if err := coreDB.Migrate(); err != nil {
		log.Error().Err(err).Msg("Migration failed")
		os.Exit(exitDependency)
	}

	// Supervisor process state lives in its own file so worker crashes never
	// contend with event writes.
	stateDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.DataDir, "state.db"),
		Profile: database.ProfileStandard,
		Name:    "state",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open state database")
		os.Exit(exitDependency)
	}
	defer stateDB.Close()

	vectorDB, err := database.New(database.Config{
		Path:    filepath.Join(cfg.ChromaPersistDir, "vectors.db"),
		Profile: database.ProfileStandard,
		Name:    "vectors",
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to open vector database")
		os.Exit(exitDependency)
	}
	defer vectorDB.Close()

	vectors, err := vectorstore.New(vectorDB, vectorstore.LocalEmbedder(), log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize vector store")
		os.Exit(exitDependency)
	}

	users := userconfig.NewManager(userconfig.NewRepository(coreDB.Conn(), log), log)

	transport := notify.NewTelegram(notify.TelegramConfig{
		BotToken:  cfg.TelegramBotToken,
		ChatID:    cfg.TelegramChatID,
		ParseMode: cfg.TelegramParseMode,
	}, log)
	dispatcher := notify.NewDispatcher(coreDB.Conn(), users, transport, log)

	// Redis is optional here. Workers own the LLM traffic; the control plane
	// only verifies reachability so misconfiguration surfaces at startup.
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Str("addr", cfg.RedisAddr).Msg("Redis unreachable")
		}
		cancel()
		defer rdb.Close()
	}

	stateStore, err := supervisor.NewStateStore(stateDB, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize supervisor state")
		os.Exit(exitDependency)
	}

	super, err := supervisor.New(supervisor.Config{
		WorkerBin: getEnv("WORKER_BIN", "./hyperasset-worker"),
		PortFor:   cfg.WorkerPort,
		ExtraEnv:  os.Environ(),
	}, users, dispatcher, stateStore, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize supervisor")
		os.Exit(exitDependency)
	}

	sched := scheduler.New(loc, log)
	registerJobs(cfg, sched, dispatcher, coreDB, stateDB, vectorDB, vectors, loc, log)
	sched.Start()

	workers := func(service domain.ServiceName) (string, bool) {
		return cfg.WorkerURL(service), true
	}
	srv := gateway.New(gateway.Config{
		Port:      cfg.Port,
		RateLimit: getEnvAsInt("RATE_LIMIT_PER_MINUTE", 120),
	}, users, super, workers, nil, log)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("Gateway stopped unexpectedly")
	}

	// Drain the gateway first so in-flight proxied requests finish against
	// still-running workers.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Gateway shutdown failed")
	}

	sched.Stop()
	super.Shutdown()

	log.Info().Msg("Shutdown complete")
}

// registerJobs wires the shared cron jobs. Cron specs include seconds.
func registerJobs(cfg *config.Config, sched *scheduler.Scheduler, dispatcher *notify.Dispatcher,
	coreDB, stateDB, vectorDB *database.DB, vectors *vectorstore.Store,
	loc *time.Location, log zerolog.Logger) {

	targets := func(ctx context.Context) ([]scheduler.WorkerTarget, error) {
		out := make([]scheduler.WorkerTarget, 0, len(domain.AllServices))
		for _, service := range domain.AllServices {
			out = append(out, scheduler.WorkerTarget{
				Service: service,
				URL:     cfg.WorkerURL(service),
			})
		}
		return out, nil
	}
	checkSignal := scheduler.NewCheckSignal(targets, dispatcher, loc, log)
	spec := fmt.Sprintf("0 */%d * * * *", cfg.CheckIntervalMinutes)
	if err := sched.AddJob(spec, checkSignal); err != nil {
		log.Error().Err(err).Msg("Failed to schedule check-signal")
	}

	retention := reliability.NewRetentionJob(
		pipeline.NewRepository(coreDB.Conn(), log),
		vectors,
		map[string]*database.DB{"core": coreDB, "state": stateDB, "vectors": vectorDB},
		cfg.DataRetentionDays, log)
	if err := sched.AddJob("0 30 3 * * *", retention); err != nil {
		log.Error().Err(err).Msg("Failed to schedule retention")
	}

	if cfg.BackupBucket == "" {
		log.Info().Msg("Backups disabled, no bucket configured")
		return
	}
	s3, err := reliability.NewS3Client(context.Background(), reliability.S3Config{
		Endpoint:  cfg.BackupEndpoint,
		AccessKey: cfg.BackupAccessKey,
		SecretKey: cfg.BackupSecretKey,
		Bucket:    cfg.BackupBucket,
	}, log)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize backup storage")
		return
	}
	backup := reliability.NewBackupService(s3, cfg.DataDir, map[string]*sql.DB{
		"core":    coreDB.Conn(),
		"state":   stateDB.Conn(),
		"vectors": vectorDB.Conn(),
	}, log)
	if err := sched.AddJob("0 0 4 * * *", backup); err != nil {
		log.Error().Err(err).Msg("Failed to schedule backups")
	}
}
