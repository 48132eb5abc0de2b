package routes

import (
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gofiber/fiber/v3"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/version"
)

// StatsSource 提供缓存目录的快照统计。
type StatsSource interface {
	Stats() cache.Stats
}

// InFlightCounter 报告当前正在进行的下载数量，可为 nil。
type InFlightCounter interface {
	InFlight() int
}

type statsPayload struct {
	cache.Stats
	SizeHuman string `json:"size_human"`
	InFlight  int    `json:"in_flight"`
	UptimeSec int64  `json:"uptime_seconds"`
}

// RegisterDiagnostics 暴露 /-/healthz、/-/stats 与 /-/version 诊断接口。
// 这些接口不经过 /api 的 token 校验，只返回不含缓存内容的元信息。
func RegisterDiagnostics(app *fiber.App, stats StatsSource, inflight InFlightCounter) {
	if app == nil || stats == nil {
		return
	}
	started := time.Now()

	app.Get("/-/healthz", func(c fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	app.Get("/-/stats", func(c fiber.Ctx) error {
		return c.JSON(encodeStats(stats.Stats(), inflight, time.Since(started)))
	})

	app.Get("/-/version", func(c fiber.Ctx) error {
		return c.JSON(version.Current())
	})
}

func encodeStats(snapshot cache.Stats, inflight InFlightCounter, uptime time.Duration) statsPayload {
	payload := statsPayload{
		Stats:     snapshot,
		SizeHuman: humanize.IBytes(uint64(max(snapshot.SizeBytes, 0))),
		UptimeSec: int64(uptime / time.Second),
	}
	if inflight != nil {
		payload.InFlight = inflight.InFlight()
	}
	return payload
}
