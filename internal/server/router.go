package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/recover"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/media"
)

// CacheService 是传输层可调用的全部缓存边界操作，由 media.Service 实现，测试中可替换。
type CacheService interface {
	Resolve(ctx context.Context, rawURL string) (media.LocalAsset, error)
	ReadText(ctx context.Context, localPath string) (string, error)
	TotalSize(ctx context.Context) (int64, error)
	Clear(ctx context.Context) error
	CopyOut(ctx context.Context, cachedPath, destinationPath string) error
	FetchBadge(ctx context.Context, rawURL string) (string, error)
	Prefetch(ctx context.Context, urls []string) media.PrefetchReport
	Stats() cache.Stats
}

// AppOptions controls how the Fiber application is assembled.
type AppOptions struct {
	Logger  *logrus.Logger
	Service CacheService
	// AuthToken 非空时，/api/* 请求必须携带 Authorization: Bearer <token>。
	AuthToken string
}

const contextKeyRequestID = "_mediahost_request_id"

// NewApp builds a Fiber application exposing the media cache boundary under /api.
// Diagnostics under /-/ are registered separately by the routes package.
func NewApp(opts AppOptions) (*fiber.App, error) {
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Service == nil {
		return nil, errors.New("cache service is required")
	}

	app := fiber.New(fiber.Config{
		CaseSensitive: true,
		AppName:       "mediahost",
	})

	app.Use(recover.New())
	app.Use(requestContextMiddleware(opts.Logger))

	h := &handlers{service: opts.Service, logger: opts.Logger}
	api := app.Group("/api")
	api.Use(requireToken(opts.AuthToken, opts.Logger))
	api.Post("/cache_media", h.cacheMedia)
	api.Post("/read_cached_media", h.readCachedMedia)
	api.Get("/get_cache_size", h.getCacheSize)
	api.Post("/clear_media_cache", h.clearMediaCache)
	api.Post("/copy_cached_file", h.copyCachedFile)
	api.Post("/fetch_badge_data", h.fetchBadgeData)
	api.Post("/prefetch", h.prefetch)

	return app, nil
}

// requestContextMiddleware 负责生成请求 ID，并在请求结束后输出一条访问日志。
func requestContextMiddleware(logger *logrus.Logger) fiber.Handler {
	return func(c fiber.Ctx) error {
		started := time.Now()
		reqID := uuid.NewString()
		c.Locals(contextKeyRequestID, reqID)
		c.Set("X-Request-ID", reqID)

		err := c.Next()

		fields := logrus.Fields{
			"action":     "http_request",
			"method":     c.Method(),
			"path":       c.Path(),
			"status":     c.Response().StatusCode(),
			"request_id": reqID,
			"elapsed_ms": time.Since(started).Milliseconds(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		logger.WithFields(fields).Debug("http_request_complete")
		return err
	}
}

// requireToken 校验 Bearer Token；token 为空时放行所有请求。
func requireToken(token string, logger *logrus.Logger) fiber.Handler {
	token = strings.TrimSpace(token)
	return func(c fiber.Ctx) error {
		if token == "" {
			return c.Next()
		}
		presented, ok := strings.CutPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(presented)), []byte(token)) == 1 {
			return c.Next()
		}
		logger.WithFields(logrus.Fields{
			"action":     "auth",
			"path":       c.Path(),
			"request_id": RequestID(c),
		}).Warn("api_unauthorized")
		c.Set(fiber.HeaderWWWAuthenticate, `Bearer realm="mediahost"`)
		return c.Status(fiber.StatusUnauthorized).JSON(FetchError{Kind: ErrorKindOther, Message: "unauthorized"})
	}
}

// RequestID returns the request identifier stored by the router middleware.
func RequestID(c fiber.Ctx) string {
	if value := c.Locals(contextKeyRequestID); value != nil {
		if reqID, ok := value.(string); ok {
			return reqID
		}
	}
	return ""
}
