package server

import (
	"context"
	"encoding/json"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/media"
)

type handlers struct {
	service CacheService
	logger  *logrus.Logger
}

type urlRequest struct {
	URL string `json:"url"`
}

type pathRequest struct {
	Path string `json:"path"`
}

type copyRequest struct {
	CachedPath      string `json:"cachedPath"`
	DestinationPath string `json:"destinationPath"`
}

type prefetchRequest struct {
	URLs []string `json:"urls"`
}

type localAssetPayload struct {
	LocalPath   string  `json:"local_path"`
	ContentType *string `json:"content_type"`
	Filename    string  `json:"filename,omitempty"`
}

type badgePayload struct {
	Content string `json:"content"`
}

type prefetchFailurePayload struct {
	URL   string     `json:"url"`
	Error FetchError `json:"error"`
}

type prefetchPayload struct {
	Resolved int                      `json:"resolved"`
	Failed   []prefetchFailurePayload `json:"failed"`
}

func (h *handlers) cacheMedia(c fiber.Ctx) error {
	var req urlRequest
	if err := decodeBody(c, &req); err != nil {
		return h.renderError(c, err)
	}
	asset, err := h.service.Resolve(serviceContext(c), req.URL)
	if err != nil {
		return h.renderError(c, err)
	}
	payload := localAssetPayload{LocalPath: asset.LocalPath, Filename: asset.Filename}
	if asset.ContentType != "" {
		contentType := asset.ContentType
		payload.ContentType = &contentType
	}
	return c.JSON(payload)
}

func (h *handlers) readCachedMedia(c fiber.Ctx) error {
	var req pathRequest
	if err := decodeBody(c, &req); err != nil {
		return h.renderError(c, err)
	}
	text, err := h.service.ReadText(serviceContext(c), req.Path)
	if err != nil {
		return h.renderError(c, err)
	}
	c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
	return c.SendString(text)
}

func (h *handlers) getCacheSize(c fiber.Ctx) error {
	size, err := h.service.TotalSize(serviceContext(c))
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(size)
}

func (h *handlers) clearMediaCache(c fiber.Ctx) error {
	if err := h.service.Clear(serviceContext(c)); err != nil {
		return h.renderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) copyCachedFile(c fiber.Ctx) error {
	var req copyRequest
	if err := decodeBody(c, &req); err != nil {
		return h.renderError(c, err)
	}
	if err := h.service.CopyOut(serviceContext(c), req.CachedPath, req.DestinationPath); err != nil {
		return h.renderError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *handlers) fetchBadgeData(c fiber.Ctx) error {
	var req urlRequest
	if err := decodeBody(c, &req); err != nil {
		return h.renderError(c, err)
	}
	content, err := h.service.FetchBadge(serviceContext(c), req.URL)
	if err != nil {
		return h.renderError(c, err)
	}
	return c.JSON(badgePayload{Content: content})
}

func (h *handlers) prefetch(c fiber.Ctx) error {
	var req prefetchRequest
	if err := decodeBody(c, &req); err != nil {
		return h.renderError(c, err)
	}
	if len(req.URLs) == 0 {
		return h.renderError(c, &media.InvalidInputError{Field: "urls", Reason: "at least one url is required"})
	}
	report := h.service.Prefetch(serviceContext(c), req.URLs)
	payload := prefetchPayload{
		Resolved: report.Resolved,
		Failed:   make([]prefetchFailurePayload, 0, len(report.Failed)),
	}
	for _, failure := range report.Failed {
		_, fetchErr := classifyError(failure.Err)
		payload.Failed = append(payload.Failed, prefetchFailurePayload{URL: failure.URL, Error: fetchErr})
	}
	return c.JSON(payload)
}

func (h *handlers) renderError(c fiber.Ctx, err error) error {
	status, payload := classifyError(err)
	h.logger.WithFields(logrus.Fields{
		"action":     "api_error",
		"path":       c.Path(),
		"status":     status,
		"kind":       media.Classify(err).String(),
		"request_id": RequestID(c),
		"error":      err.Error(),
	}).Warn("api_request_failed")
	return c.Status(status).JSON(payload)
}

// decodeBody 解析 JSON 请求体，解析失败视为调用方输入错误。
func decodeBody(c fiber.Ctx, out any) error {
	body := c.Body()
	if len(body) == 0 {
		return &media.InvalidInputError{Field: "body", Reason: "request body is required"}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &media.InvalidInputError{Field: "body", Reason: err.Error()}
	}
	return nil
}

// serviceContext 返回传给 Service 的 context。fasthttp 会在 handler 返回后复用请求对象，
// 而下载协程可能比请求存活更久，不能持有它。
func serviceContext(fiber.Ctx) context.Context {
	return context.Background()
}
