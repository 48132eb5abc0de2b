package main

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/config"
	"github.com/anixart-desktop/mediahost/internal/fetch"
	"github.com/anixart-desktop/mediahost/internal/logging"
	"github.com/anixart-desktop/mediahost/internal/media"
	"github.com/anixart-desktop/mediahost/internal/server"
)

// hostRuntime 是一次进程生命周期内共享的组件集合。
type hostRuntime struct {
	cfg         *config.Config
	logger      *logrus.Logger
	store       cache.Store
	coordinator *fetch.Coordinator
	service     *media.Service
}

// loadConfig 读取配置并初始化日志，失败时返回 exitError。
func loadConfig(opts *globalOptions) (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, nil, &exitError{code: 1, err: fmt.Errorf("加载配置失败: %w", err)}
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		return nil, nil, &exitError{code: 1, err: fmt.Errorf("初始化日志失败: %w", err)}
	}
	return cfg, logger, nil
}

// buildRuntime 遵循“配置 → 磁盘缓存 → 下载协调器 → Service”的顺序组装组件，
// serve 与 cache 子命令共用同一套实例化逻辑。
func buildRuntime(opts *globalOptions) (*hostRuntime, error) {
	cfg, logger, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	store, err := cache.NewStore(cfg.Cache.StoragePath, logger)
	if err != nil {
		return nil, &exitError{code: 1, err: fmt.Errorf("初始化缓存目录失败: %w", err)}
	}

	coordinator := fetch.New(server.NewUpstreamClient(cfg), store, fetch.Options{
		MaxAssetSize: cfg.Cache.MaxAssetSize,
		UserAgent:    cfg.Global.UserAgent,
		Logger:       logger,
	})
	service := media.NewService(store, coordinator, media.Options{
		PrefetchConcurrency: cfg.Cache.PrefetchConcurrency,
		Logger:              logger,
	})

	return &hostRuntime{
		cfg:         cfg,
		logger:      logger,
		store:       store,
		coordinator: coordinator,
		service:     service,
	}, nil
}
