// Package app arma las dependencias compartidas por los binarios.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"ragchat/internal/config"
	"ragchat/internal/db"
	"ragchat/internal/llm"
	"ragchat/internal/metrics"
	"ragchat/internal/rag"
	"ragchat/internal/repository"
	"ragchat/internal/service"
)

// App contiene los servicios listos para usar y lo que hay que cerrar al salir.
type App struct {
	Config   *config.Config
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	Bots     *llm.Registry
	Store    repository.Storage
	Embedder llm.Embedder
	Sessions *service.SessionService
	Chat     *service.ChatService
	Corpus   *service.CorpusService
	Checks   map[string]func(ctx context.Context) error

	closers []func()
}

// NewLogger crea el logger de produccion con el nivel de LOG_LEVEL.
func NewLogger(level string) (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = lvl
	return zcfg.Build()
}

func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
		Checks:  make(map[string]func(ctx context.Context) error),
	}
	if err := a.openStorage(ctx); err != nil {
		a.Close()
		return nil, err
	}

	bots, err := config.LoadBots(cfg.BotsFile)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Bots, err = llm.BuildRegistry(ctx, bots, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := a.Bots.Close(); err != nil {
			logger.Warn("close bots", zap.Error(err))
		}
	})

	if cfg.OpenAIAPIKey != "" {
		a.Embedder = llm.NewOpenAIEmbedder(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.EmbeddingModel, cfg.EmbeddingDim)
	}
	retriever := a.newRetriever()

	var (
		locker  service.SessionLocker = service.NewKeyedLocker()
		limiter service.ChatRateLimiter
	)
	if cfg.ChatRateLimit > 0 {
		limiter = service.NewMemoryChatRateLimiter(cfg.ChatRateWindow, cfg.ChatRateLimit)
	}
	if client := a.connectRedis(ctx); client != nil {
		locker = service.NewRedisSessionLocker(client, cfg.LockTTL)
		if cfg.ChatRateLimit > 0 {
			limiter = service.NewRedisChatRateLimiter(client, logger, cfg.ChatRateWindow, cfg.ChatRateLimit)
		}
	}

	var measurer service.Measurer = service.RuneMeasurer{}
	if cfg.ContextMeasure == config.MeasureTokens {
		tm, err := service.NewTokenMeasurer(cfg.TokenEncoding)
		if err != nil {
			a.Close()
			return nil, err
		}
		measurer = tm
	}
	namer := service.NewPrefixNamer(cfg.AutoNameMaxLen)
	if cfg.AutoNameMode == config.AutoNameModel {
		namer = service.NewModelNamer(cfg.AutoNameMaxLen)
	}

	a.Sessions = service.NewSessionService(cfg, logger, a.Store, a.Store, locker, a.Bots, a.Metrics)
	a.Chat = service.NewChatService(cfg, logger, a.Store, a.Store, locker, a.Bots, retriever,
		service.NewContextBuilder(cfg, measurer), namer, limiter, a.Metrics)
	cache, _ := retriever.(service.CorpusCache)
	a.Corpus = service.NewCorpusService(cfg, logger, a.Store, a.Embedder, cache)
	return a, nil
}

// Close libera conexiones en orden inverso de apertura.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *App) openStorage(ctx context.Context) error {
	cfg := a.Config
	switch cfg.StorageDriver {
	case config.StoragePostgres:
		pool, err := db.NewPool(ctx, cfg)
		if err != nil {
			return fmt.Errorf("postgres connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		if err := db.Ping(ctx, pool); err != nil {
			return fmt.Errorf("postgres ping: %w", err)
		}
		if err := repository.EnsurePgSchema(ctx, pool); err != nil {
			return err
		}
		a.Store = repository.NewPgStore(pool)
		a.Checks["postgres"] = func(ctx context.Context) error { return db.Ping(ctx, pool) }
	case config.StorageMySQL:
		conn, err := db.OpenMySQL(ctx, cfg)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		store := repository.NewMySQLStore(conn, cfg.RetrievalScan)
		if err := store.EnsureSchema(ctx); err != nil {
			return err
		}
		a.Store = store
		a.Checks["mysql"] = conn.PingContext
	default:
		a.Store = repository.NewMemoryStore()
	}
	a.Logger.Info("storage ready", zap.String("driver", cfg.StorageDriver))
	return nil
}

func (a *App) newRetriever() rag.Retriever {
	cfg := a.Config
	if cfg.Retriever == config.RetrieverNone {
		return nil
	}
	if a.Embedder == nil {
		a.Logger.Warn("retrieval disabled: no embedding provider configured")
		return nil
	}
	if cfg.Retriever == config.RetrieverChromem {
		return rag.NewChromemRetriever(a.Embedder, a.Store, cfg.RetrievalTopK, cfg.RetrievalScan)
	}
	return rag.NewCorpusRetriever(a.Embedder, a.Store, cfg.RetrievalTopK)
}

// connectRedis devuelve nil si no hay REDIS_ADDR o el ping falla; en ese caso
// se usan el lock y el rate limit en proceso.
func (a *App) connectRedis(ctx context.Context) *redis.Client {
	cfg := a.Config
	if cfg.RedisAddr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctxPing, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		a.Logger.Warn("redis ping failed, using in-process locks", zap.Error(err))
		_ = client.Close()
		return nil
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.Checks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	return client
}
