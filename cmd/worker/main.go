// Package main is the entry point for one HyperAsset worker process. The
// supervisor spawns one process per (user, service); the service is selected
// by the -service flag or the WORKER_SERVICE environment variable.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hyperasset/hyperasset/internal/chart"
	"github.com/hyperasset/hyperasset/internal/clients/dart"
	"github.com/hyperasset/hyperasset/internal/clients/kis"
	"github.com/hyperasset/hyperasset/internal/clients/newsapi"
	"github.com/hyperasset/hyperasset/internal/config"
	"github.com/hyperasset/hyperasset/internal/database"
	"github.com/hyperasset/hyperasset/internal/dedup"
	"github.com/hyperasset/hyperasset/internal/domain"
	"github.com/hyperasset/hyperasset/internal/flow"
	"github.com/hyperasset/hyperasset/internal/llm"
	"github.com/hyperasset/hyperasset/internal/notify"
	"github.com/hyperasset/hyperasset/internal/pipeline"
	"github.com/hyperasset/hyperasset/internal/userconfig"
	"github.com/hyperasset/hyperasset/internal/vectorstore"
	"github.com/hyperasset/hyperasset/internal/worker"
	"github.com/hyperasset/hyperasset/pkg/logger"
)

const exitConfig = 1

func main() {
	serviceFlag := flag.String("service", "", "worker service (news|disclosure|chart|report|flow)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(exitConfig)
	}

	serviceName := *serviceFlag
	if serviceName == "" {
		serviceName = cfg.WorkerService
	}
	service := domain.ServiceName(serviceName)
	if !domain.ValidService(service) {
		fmt.Fprintf(os.Stderr, "unknown worker service %q\n", serviceName)
		os.Exit(exitConfig)
	}

	log := logger.New(logger.Config{
		Level:   cfg.LogLevel,
		Pretty:  cfg.DevMode,
		Service: string(service) + "-worker",
	})

	loc, err := cfg.Location()
	if err != nil {
		log.Error().Err(err).Msg("Invalid market timezone")
		os.Exit(exitConfig)
	}

	deps := &workerDeps{cfg: cfg, loc: loc, log: log}
	defer deps.close()

	srv := worker.NewServer(service, cfg.WorkerPort(service), cfg.WorkerUserID,
		func() (worker.Runner, error) { return deps.buildRunner(service) }, log)

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
		log.Error().Err(err).Msg("Worker stopped unexpectedly")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Worker shutdown failed")
	}
}

// workerDeps builds and owns the downstream clients. Everything is created
// lazily from buildRunner so a worker that never executes opens nothing.
type workerDeps struct {
	cfg *config.Config
	loc *time.Location
	log zerolog.Logger

	coreDB   *database.DB
	dedupDB  *database.DB
	vectorDB *database.DB
	filter   *dedup.Filter
	llmGW    *llm.Gateway
	stream   *kis.TickStream
}

func (d *workerDeps) close() {
	if d.stream != nil {
		_ = d.stream.Stop()
	}
	if d.filter != nil {
		d.filter.Close()
	}
	for _, db := range []*database.DB{d.coreDB, d.dedupDB, d.vectorDB} {
		if db != nil {
			_ = db.Close()
		}
	}
}

func (d *workerDeps) core() (*database.DB, error) {
	if d.coreDB != nil {
		return d.coreDB, nil
	}
	db, err := database.New(database.Config{
		Path:    filepath.Join(d.cfg.DataDir, "core.db"),
		Profile: database.ProfileEvents,
		Name:    "core",
	})
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	d.coreDB = db
	return db, nil
}

func (d *workerDeps) users() (*userconfig.Manager, error) {
	db, err := d.core()
	if err != nil {
		return nil, err
	}
	return userconfig.NewManager(userconfig.NewRepository(db.Conn(), d.log), d.log), nil
}

func (d *workerDeps) dispatcher(users *userconfig.Manager) (*notify.Dispatcher, error) {
	db, err := d.core()
	if err != nil {
		return nil, err
	}
	transport := notify.NewTelegram(notify.TelegramConfig{
		BotToken:  d.cfg.TelegramBotToken,
		ChatID:    d.cfg.TelegramChatID,
		ParseMode: d.cfg.TelegramParseMode,
	}, d.log)
	return notify.NewDispatcher(db.Conn(), users, transport, d.log), nil
}

func (d *workerDeps) gateway(users *userconfig.Manager) (*llm.Gateway, error) {
	if d.llmGW != nil {
		return d.llmGW, nil
	}

	var providers []llm.Provider
	if d.cfg.HyperclovaAPIKey != "" {
		providers = append(providers, llm.NewHyperclova(d.cfg.HyperclovaAPIKey))
	}
	if d.cfg.OpenAIAPIKey != "" {
		providers = append(providers, llm.NewChatGPT(d.cfg.OpenAIAPIKey))
	}
	if d.cfg.ClaudeAPIKey != "" {
		providers = append(providers, llm.NewClaude(d.cfg.ClaudeAPIKey))
	}
	if d.cfg.GeminiAPIKey != "" {
		providers = append(providers, llm.NewGemini(context.Background(), d.cfg.GeminiAPIKey))
	}
	if d.cfg.GrokAPIKey != "" {
		providers = append(providers, llm.NewGrok(d.cfg.GrokAPIKey))
	}

	var rdb *redis.Client
	if d.cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     d.cfg.RedisAddr,
			Password: d.cfg.RedisPassword,
			DB:       d.cfg.RedisDB,
		})
	}

	gw, err := llm.NewGateway(llm.NewRegistry(providers...), users, rdb, llm.Config{
		FallbackOrder:  d.cfg.LLMFallbackOrder,
		Timeout:        d.cfg.LLMTimeout,
		DefaultTTL:     d.cfg.CacheDefaultTTL,
		LocalCacheSize: d.cfg.LocalCacheMaxSize,
	}, d.log)
	if err != nil {
		return nil, err
	}
	d.llmGW = gw
	return gw, nil
}

func (d *workerDeps) vectors() (*vectorstore.Store, error) {
	if d.vectorDB == nil {
		db, err := database.New(database.Config{
			Path:    filepath.Join(d.cfg.ChromaPersistDir, "vectors.db"),
			Profile: database.ProfileStandard,
			Name:    "vectors",
		})
		if err != nil {
			return nil, err
		}
		d.vectorDB = db
	}

	embed := vectorstore.LocalEmbedder()
	if d.cfg.GeminiAPIKey != "" {
		if g, err := vectorstore.GeminiEmbedder(context.Background(), d.cfg.GeminiAPIKey, "text-embedding-004"); err == nil {
			embed = g
		} else {
			d.log.Warn().Err(err).Msg("Gemini embedder unavailable, using local hashing embedder")
		}
	}
	return vectorstore.New(d.vectorDB, embed, d.log)
}

func (d *workerDeps) deduper() (*dedup.Filter, error) {
	if d.filter != nil {
		return d.filter, nil
	}
	db, err := database.New(database.Config{
		Path:    filepath.Join(d.cfg.DataDir, "simhash.db"),
		Profile: database.ProfileCache,
		Name:    "simhash",
	})
	if err != nil {
		return nil, err
	}
	filter, err := dedup.NewFilter(db, dedup.Config{
		HammingThreshold: d.cfg.HammingThreshold,
		TTLHours:         d.cfg.TTLHours,
		DuplicateLogPath: d.cfg.DuplicateLogPath,
	}, d.log)
	if err != nil {
		db.Close()
		return nil, err
	}
	d.dedupDB = db
	d.filter = filter
	return filter, nil
}

func (d *workerDeps) kisClient() (*kis.Client, error) {
	return kis.NewClient(kis.Config{
		AppKey:    d.cfg.KISAppKey,
		AppSecret: d.cfg.KISAppSecret,
	}, d.log)
}

func (d *workerDeps) buildRunner(service domain.ServiceName) (worker.Runner, error) {
	users, err := d.users()
	if err != nil {
		return nil, err
	}
	dispatcher, err := d.dispatcher(users)
	if err != nil {
		return nil, err
	}

	switch service {
	case domain.ServiceNews:
		source, err := newsapi.NewClient(newsapi.Config{
			ClientID:     os.Getenv("NAVER_CLIENT_ID"),
			ClientSecret: os.Getenv("NAVER_CLIENT_SECRET"),
		}, d.log)
		if err != nil {
			return nil, err
		}
		deduper, err := d.deduper()
		if err != nil {
			return nil, err
		}
		vectors, err := d.vectors()
		if err != nil {
			return nil, err
		}
		gw, err := d.gateway(users)
		if err != nil {
			return nil, err
		}
		p := pipeline.NewNewsPipeline(source, deduper, vectors, gw,
			pipeline.NewRepository(d.coreDB.Conn(), d.log), dispatcher, users,
			d.cfg.NewsImpactThreshold, d.log)
		return worker.NewNewsRunner(p, d.log), nil

	case domain.ServiceDisclosure:
		source, err := dart.NewClient(dart.Config{APIKey: d.cfg.DartAPIKey}, d.log)
		if err != nil {
			return nil, err
		}
		gw, err := d.gateway(users)
		if err != nil {
			return nil, err
		}
		p := pipeline.NewDisclosurePipeline(source, gw,
			pipeline.NewRepository(d.coreDB.Conn(), d.log), dispatcher, users, d.log)
		return worker.NewDisclosureRunner(p, d.log), nil

	case domain.ServiceChart:
		prices, err := d.kisClient()
		if err != nil {
			return nil, err
		}
		engine := chart.NewEngine(chart.NewRepository(d.coreDB.Conn(), d.log),
			prices, dispatcher, d.loc, d.log)
		d.startTickStream(engine, users)
		return worker.NewChartRunner(engine, users, d.loc, 16, d.log), nil

	case domain.ServiceFlow:
		source, err := d.kisClient()
		if err != nil {
			return nil, err
		}
		engine := flow.NewEngine(flow.NewRepository(d.coreDB.Conn(), d.log),
			dispatcher, flow.Config{
				LookbackDays:      d.cfg.InstitutionalTriggerDays,
				InstBuyThreshold:  d.cfg.InstitutionalTriggerThreshold,
				ProgramMultiplier: d.cfg.ProgramTriggerMultiplier,
				ProgramMeanDays:   30,
			}, d.loc, d.log)
		return worker.NewFlowRunner(engine, source, users, d.loc, 16, d.log), nil

	case domain.ServiceReport:
		gw, err := d.gateway(users)
		if err != nil {
			return nil, err
		}
		vectors, err := d.vectors()
		if err != nil {
			return nil, err
		}
		return worker.NewReportRunner(d.coreDB.Conn(), users, gw, vectors,
			dispatcher, d.loc, d.log), nil
	}
	return nil, domain.ConfigError("no runner for service %q", service)
}

// startTickStream attaches the realtime execution stream to the chart engine
// when an approval key is configured. Scheduled close evaluation still runs
// either way.
func (d *workerDeps) startTickStream(engine *chart.Engine, users *userconfig.Manager) {
	approvalKey := os.Getenv("KIS_APPROVAL_KEY")
	if approvalKey == "" || d.cfg.WorkerUserID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	cfg, err := users.GetUserConfig(ctx, d.cfg.WorkerUserID)
	if err != nil {
		d.log.Warn().Err(err).Msg("tick stream skipped, user config unavailable")
		return
	}
	var codes []string
	for _, stock := range cfg.Stocks {
		if stock.Enabled {
			codes = append(codes, stock.StockCode)
		}
	}
	if len(codes) == 0 {
		return
	}

	handler := func(ctx context.Context, tick domain.Tick) {
		if err := engine.OnTick(ctx, tick); err != nil {
			d.log.Warn().Err(err).Str("stock_code", tick.StockCode).Msg("tick handling failed")
		}
	}
	d.stream = kis.NewTickStream(os.Getenv("KIS_WS_URL"), approvalKey, codes, handler, d.loc, d.log)
	if err := d.stream.Start(); err != nil {
		d.log.Warn().Err(err).Msg("tick stream initial connect failed")
	}
}
