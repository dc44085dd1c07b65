// Package app 把配置组装成可运行的采集流水线、调度器与读接口。
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/LJTian/NewsCheck/internal/api"
	"github.com/LJTian/NewsCheck/internal/collector"
	"github.com/LJTian/NewsCheck/internal/config"
	"github.com/LJTian/NewsCheck/internal/extractor"
	"github.com/LJTian/NewsCheck/internal/pipeline"
	"github.com/LJTian/NewsCheck/internal/processor"
	"github.com/LJTian/NewsCheck/internal/scheduler"
	"github.com/LJTian/NewsCheck/internal/storage"
	"github.com/LJTian/NewsCheck/internal/summarizer"
	"github.com/LJTian/NewsCheck/internal/transcript"
)

type App struct {
	Config       *config.Config
	Store        storage.Repository
	Orchestrator *pipeline.Orchestrator
	Scheduler    *scheduler.Scheduler

	log     *zap.Logger
	diag    *zap.Logger
	closers []func() error
}

// New 初始化存储 → 数据源 → 提取器 → 摘要 → 调度器
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	if cfg == nil || cfg.Rules == nil {
		return nil, errors.New("config is nil")
	}
	a := &App{Config: cfg, log: logger}

	lock, err := a.openStore(cfg)
	if err != nil {
		return nil, err
	}

	lanes, err := buildLanes(cfg, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.LLMAPIKey == "" {
		logger.Warn("LLM_API_KEY is empty, collection runs will fail until it is set")
	}
	diag, err := summarizer.NewDiagnosticLogger(cfg.DiagnosticLog)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("diagnostic log: %w", err)
	}
	a.diag = diag
	sum := summarizer.New(summarizer.Config{
		Model:      cfg.LLMModel,
		MaxRetries: cfg.LLMMaxRetries,
		BaseDelay:  cfg.LLMBaseDelay,
		Jitter:     cfg.LLMBaseDelay / 2,
	}, summarizer.NewOpenAIBackend(cfg.LLMAPIKey, cfg.LLMBaseURL, cfg.LLMTimeout), logger, diag)

	a.Orchestrator = pipeline.New(a.Store, sum, logger, lanes...)
	if cfg.Rules.MinTextRunes > 0 {
		a.Orchestrator.MinTextRunes = cfg.Rules.MinTextRunes
	}

	a.Scheduler, err = scheduler.New(cfg.CronSpec, a.Orchestrator, lock, logger)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	if err := registerChannels(ctx, a.Store, cfg.Rules); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) openStore(cfg *config.Config) (scheduler.Locker, error) {
	if cfg.StoreDriver == "memory" {
		a.Store = storage.NewMemoryStore()
		a.log.Info("using in-memory store, data is lost on exit")
		return &scheduler.LocalLock{}, nil
	}

	store, err := storage.NewStore(cfg.PostgresDSN, cfg.RedisAddr, a.log)
	if err != nil {
		return nil, fmt.Errorf("init store: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, func() error {
		sqlDB, err := store.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
	if store.Redis == nil {
		return &scheduler.LocalLock{}, nil
	}
	a.closers = append(a.closers, store.Redis.Close)
	return scheduler.NewRedisLock(store.Redis), nil
}

func buildLanes(cfg *config.Config, logger *zap.Logger) ([]pipeline.Lane, error) {
	rules := cfg.Rules
	loc := rules.Location()

	var ytAPI *collector.YouTubeAPI
	if cfg.YouTubeAPIKey != "" {
		ytAPI = collector.NewYouTubeAPI(cfg.YouTubeAPIKey)
	}
	channels := make([]collector.Channel, 0, len(rules.Video.Channels))
	for _, ch := range rules.Video.Channels {
		channels = append(channels, collector.Channel{ID: ch.ID, Handle: ch.Handle, Name: ch.Name})
	}
	videoFilter, err := processor.NewFilter(processor.FilterRules{
		PromoMarkers:    rules.Video.PromoMarkers,
		ExcludeKeywords: rules.Video.ExcludeKeywords,
		DigestPattern:   rules.Video.DigestPattern,
		DigestPhrases:   rules.Video.DigestPhrases,
		RequireDigest:   true,
	}, time.Now, loc)
	if err != nil {
		return nil, fmt.Errorf("video filter: %w", err)
	}
	video := pipeline.Lane{
		Source: collector.NewVideoSource(channels, rules.Video.MaxItems, ytAPI, logger),
		Filter: videoFilter,
		Extractor: extractor.NewTranscriptExtractor(extractor.TranscriptConfig{
			PreferredLanguage:   rules.Video.PreferredLanguage,
			BoilerplatePhrases:  rules.Video.BoilerplatePhrases,
			MinDescriptionRunes: rules.Video.MinDescriptionRunes,
			Delay:               rules.Video.TranscriptDelay,
			Jitter:              rules.Video.TranscriptJitter,
		}, transcript.NewClient(), transcript.NewTranslator(), logger),
	}

	articles, err := collector.NewArticleSource(rules.Article.Feeds, rules.Article.MaxItems, logger)
	if err != nil {
		return nil, err
	}
	articleFilter, err := processor.NewFilter(processor.FilterRules{
		PromoMarkers:    rules.Article.PromoMarkers,
		ExcludeKeywords: rules.Article.ExcludeKeywords,
	}, time.Now, loc)
	if err != nil {
		return nil, fmt.Errorf("article filter: %w", err)
	}
	article := pipeline.Lane{
		Source: articles,
		Filter: articleFilter,
		Extractor: extractor.NewArticleBodyExtractor(extractor.ArticleConfig{
			MinDescriptionRunes:   rules.Article.MinDescriptionRunes,
			MinBodyRunes:          rules.Article.MinBodyRunes,
			Selectors:             rules.Article.Selectors,
			StripSelectors:        rules.Article.StripSelectors,
			DelayMin:              rules.Article.DelayMin,
			DelayMax:              rules.Article.DelayMax,
			AllowShortDescription: rules.Article.AllowShortDescription,
		}, &extractor.CollyFetcher{}, logger),
	}
	return []pipeline.Lane{video, article}, nil
}

// registerChannels 确保配置中的频道与订阅源都登记在 channels 表中
func registerChannels(ctx context.Context, store storage.Repository, rules *config.Rules) error {
	for _, ch := range rules.Video.Channels {
		code, base := ch.ID, "https://www.youtube.com/channel/"+ch.ID
		if code == "" {
			code, base = ch.Handle, "https://www.youtube.com/"+ch.Handle
		}
		name := ch.Name
		if name == "" {
			name = code
		}
		if _, err := store.EnsureChannel(ctx, storage.Channel{Code: code, Kind: storage.KindVideo, Name: name, BaseURL: base}); err != nil {
			return fmt.Errorf("ensure channel %s: %w", code, err)
		}
	}
	for _, spec := range rules.Article.Feeds {
		feed, err := collector.ResolveFeed(spec)
		if err != nil {
			return err
		}
		if _, err := store.EnsureChannel(ctx, storage.Channel{Code: spec, Kind: storage.KindArticle, Name: feed.Category, BaseURL: feed.URL}); err != nil {
			return fmt.Errorf("ensure channel %s: %w", spec, err)
		}
	}
	return nil
}

// Router 构建读接口：CORS、可选的 Basic Auth、请求日志
func (a *App) Router() http.Handler {
	router := gin.New()
	router.HandleMethodNotAllowed = true
	router.Use(gin.Recovery())
	router.Use(requestLogger(a.log))

	corsConfig := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	if len(a.Config.CORSOrigins) > 0 {
		corsConfig.AllowOrigins = a.Config.CORSOrigins
		corsConfig.AllowCredentials = true
	} else {
		corsConfig.AllowAllOrigins = true
	}
	router.Use(cors.New(corsConfig))

	// 若配置了全局访问密码，则启用 Basic Auth 保护（/health 仍然免认证）
	if a.Config.BasicAuthEnabled() {
		router.Use(api.BasicAuth(a.Config.BasicAuthUser, a.Config.BasicAuthPass))
	}

	api.NewServer(a.Store, a.Scheduler, a.log).RegisterRoutes(router)
	return router
}

// Addr 监听地址
func (a *App) Addr() string { return ":" + a.Config.AppPort }

// Close 停止调度并释放连接，可重复调用
func (a *App) Close() error {
	if a.Scheduler != nil {
		a.Scheduler.Stop()
		a.Scheduler = nil
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	if a.diag != nil {
		_ = a.diag.Sync()
		a.diag = nil
	}
	return errors.Join(errs...)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)))
	}
}
