package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"golang.org/x/time/rate"

	apihttp "streamengine/internal/api/http"
	"streamengine/internal/app"
	"streamengine/internal/domain/ports"
	"streamengine/internal/metrics"
	"streamengine/internal/providers/direct"
	"streamengine/internal/providers/opensubtitles"
	"streamengine/internal/providers/tmdb"
	"streamengine/internal/providers/torznab"
	mongorepo "streamengine/internal/repository/mongo"
	"streamengine/internal/resolve"
	"streamengine/internal/services/torrent/engine/anacrolix"
	"streamengine/internal/services/torrent/engine/ffprobe"
	"streamengine/internal/services/transcode"
	"streamengine/internal/storage/memory"
	"streamengine/internal/telemetry"
	"streamengine/internal/usecase"
)

const serviceName = "stream-engine"

func main() {
	cfg := app.LoadConfig()
	logger := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)
	metrics.Register(prometheus.DefaultRegisterer)

	shutdownTracer, err := telemetry.Init(context.Background(), serviceName)
	if err != nil {
		logger.Warn("otel init failed", slog.String("error", err.Error()))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	logger.Info("configuration loaded",
		slog.String("service", serviceName),
		slog.String("httpAddr", cfg.HTTPAddr),
		slog.String("logLevel", cfg.LogLevel),
		slog.String("logFormat", cfg.LogFormat),
		slog.Bool("mongo", cfg.MongoURI != ""),
		slog.Bool("redis", cfg.RedisAddr != ""),
		slog.Int("directProviders", len(cfg.DirectProviders)),
		slog.Bool("torznab", cfg.TorznabEndpoint != ""),
		slog.Int("maxSessions", cfg.MaxSessions),
		slog.String("dataDir", cfg.TorrentDataDir),
	)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ctx, cancel := context.WithTimeout(rootCtx, 10*time.Second)
	defer cancel()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			// Caches degrade to in-process only.
			logger.Warn("redis ping failed", slog.String("error", err.Error()))
			_ = redisClient.Close()
			redisClient = nil
		}
	}

	var mongoClient *mongo.Client
	var fallbackStore ports.FallbackStore = memory.NewFallbackStore(memory.WithTTL(cfg.FallbackTTL))
	if cfg.MongoURI != "" {
		mongoClient, err = mongorepo.Connect(ctx, cfg.MongoURI)
		if err != nil {
			logger.Error("mongo connect failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		if err := mongoClient.Ping(ctx, readpref.Primary()); err != nil {
			logger.Error("mongo ping failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
		repo := mongorepo.NewFallbackStateRepository(mongoClient, cfg.MongoDatabase, cfg.FallbackTTL)
		if err := repo.EnsureIndexes(ctx); err != nil {
			logger.Warn("mongo ensure indexes failed", slog.String("error", err.Error()))
		}
		fallbackStore = repo
	}

	catalog := tmdb.NewClient(tmdb.Config{
		APIKey:   cfg.TMDBAPIKey,
		Redis:    redisClient,
		CacheTTL: cfg.CatalogCacheTTL,
	})
	resolver := resolve.NewService(buildProviders(cfg), cfg.ResolveProviderTimeout,
		resolve.WithLogger(logger),
		resolve.WithCatalog(catalog),
		resolve.WithCacheTTL(cfg.ResolveCacheTTL),
		resolve.WithTieBreak(resolve.ParseTieBreak(cfg.ResolveTieBreak)),
		resolve.WithMaxConcurrency(cfg.ResolveMaxConcurrency),
		resolve.WithProviderPriority(cfg.ProviderPriority...),
		resolve.WithProviderRateLimit(providerRateLimit(cfg.ResolveProviderRPS), 1),
		resolve.WithRedisCache(redisCacheBackend(redisClient)),
	)
	if len(resolver.Providers()) == 0 {
		logger.Warn("no source providers configured; every resolve will report no streams")
	}

	engine, err := anacrolix.New(anacrolix.Config{
		DataDir:        cfg.TorrentDataDir,
		MaxSessions:    cfg.MaxSessions,
		IdleGrace:      cfg.TorrentIdleGrace,
		ConnectTimeout: cfg.TorrentConnectTimeout,
		ReadMaxWait:    cfg.TorrentReadMaxWait,
		Readahead:      cfg.TorrentReadahead,
		Trackers:       cfg.Trackers,
	})
	if err != nil {
		logger.Error("torrent engine init failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ffmpeg := transcode.New(transcode.Config{
		FFmpegPath:   cfg.FFMPEGPath,
		AudioBitrate: cfg.TranscodeAudioBitrate,
	})
	probeUC := usecase.NewProbeTracks(engine, ffprobe.New(cfg.FFProbePath), cfg.ProbeTimeout, logger)
	subtitlesUC := &usecase.AggregateSubtitles{
		Sessions:  engine,
		Probe:     probeUC,
		Extractor: ffmpeg,
		Logger:    logger,
	}
	subs := opensubtitles.NewClient(opensubtitles.Config{
		APIKey:    cfg.OpenSubtitlesAPIKey,
		UserAgent: cfg.OpenSubtitlesUserAgent,
		Redis:     redisClient,
	})
	if subs.Enabled() {
		subtitlesUC.External = subs
	}
	fallbackUC := &usecase.Fallback{
		Store:    fallbackStore,
		Results:  resolver,
		Resolver: resolver,
		Probe:    probeUC,
		Logger:   logger,
	}

	options := []apihttp.ServerOption{
		apihttp.WithLogger(logger),
		apihttp.WithProviderHealth(resolver),
		apihttp.WithSessions(engine),
		apihttp.WithTrackProbe(probeUC),
		apihttp.WithSubtitles(subtitlesUC),
		apihttp.WithFallback(fallbackUC),
		apihttp.WithAllowedOrigins(cfg.AllowedOrigins),
		apihttp.WithRateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst),
	}
	if cfg.TranscodeEnabled {
		options = append(options, apihttp.WithTranscode(&usecase.TranscodeAudio{
			Sessions:   engine,
			Transcoder: ffmpeg,
			Logger:     logger,
		}))
	}
	handler := apihttp.NewServer(resolver, options...)

	go updateEngineMetrics(rootCtx, engine)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	logger.Info("server started", slog.String("addr", cfg.HTTPAddr))

	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown error", slog.String("error", err.Error()))
	}
	if err := engine.Close(); err != nil {
		logger.Warn("engine close error", slog.String("error", err.Error()))
	}
	if mongoClient != nil {
		if err := mongoClient.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect error", slog.String("error", err.Error()))
		}
	}
	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close error", slog.String("error", err.Error()))
		}
	}

	logger.Info("server stopped")
}

// buildProviders returns the direct providers in configuration order, then
// the indexer.
func buildProviders(cfg app.Config) []ports.SourceProvider {
	var providers []ports.SourceProvider
	for _, p := range cfg.DirectProviders {
		providers = append(providers, direct.NewProvider(direct.Config{
			Name:             p.Name,
			MovieTemplates:   p.MovieTemplates,
			EpisodeTemplates: p.EpisodeTemplates,
			MaxServers:       cfg.DirectMaxServer,
			FastPath:         p.Name == cfg.DirectFastPath,
		}))
	}
	if cfg.TorznabEndpoint != "" {
		providers = append(providers, torznab.NewProvider(torznab.Config{
			Endpoint: cfg.TorznabEndpoint,
			APIKey:   cfg.TorznabAPIKey,
			Trackers: cfg.Trackers,
			Limit:    cfg.TorznabLimit,
		}))
	}
	return providers
}

func providerRateLimit(rps float64) rate.Limit {
	if rps <= 0 {
		return rate.Inf
	}
	return rate.Limit(rps)
}

func redisCacheBackend(client *redis.Client) *resolve.RedisCacheBackend {
	if client == nil {
		return nil
	}
	return resolve.NewRedisCacheBackend(client)
}

func updateEngineMetrics(ctx context.Context, engine *anacrolix.Engine) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			engine.UpdateMetrics()
		}
	}
}

func newLogger(levelRaw, formatRaw string) *slog.Logger {
	level := parseLogLevel(levelRaw)
	options := &slog.HandlerOptions{Level: level}
	format := strings.ToLower(strings.TrimSpace(formatRaw))
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, options))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, options))
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
