package config

import (
	"errors"
	"net"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

// Validate 针对语义级别做进一步校验，防止非法配置启动服务。
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("配置为空")
	}

	g := c.Global
	if err := validateListenAddr(g.ListenAddr); err != nil {
		return newFieldError("ListenAddr", err.Error())
	}
	if _, err := logrus.ParseLevel(g.LogLevel); err != nil {
		return newFieldError("LogLevel", "仅支持 trace/debug/info/warn/error/fatal/panic")
	}
	if g.LogMaxSize < 0 {
		return newFieldError("LogMaxSize", "不能为负数")
	}
	if g.LogMaxBackups < 0 {
		return newFieldError("LogMaxBackups", "不能为负数")
	}
	if g.UpstreamTimeout.DurationValue() <= 0 {
		return newFieldError("UpstreamTimeout", "必须大于 0")
	}
	if strings.ContainsAny(g.AuthToken, " \t\r\n") {
		return newFieldError("AuthToken", "不能包含空白字符")
	}

	cache := c.Cache
	if strings.TrimSpace(cache.StoragePath) == "" {
		return newFieldError(cacheField("StoragePath"), "不能为空")
	}
	if cache.MaxAssetSize <= 0 {
		return newFieldError(cacheField("MaxAssetSize"), "必须大于 0")
	}
	if cache.ReconcileInterval.DurationValue() < 0 {
		return newFieldError(cacheField("ReconcileInterval"), "不能为负数，0 表示关闭周期对账")
	}
	if cache.PrefetchConcurrency <= 0 || cache.PrefetchConcurrency > 64 {
		return newFieldError(cacheField("PrefetchConcurrency"), "必须在 1-64")
	}

	return nil
}

func validateListenAddr(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return errors.New("必须为 host:port 形式")
	}
	if host != "" && host != "localhost" && net.ParseIP(host) == nil {
		return errors.New("host 必须为 IP 或 localhost")
	}
	value, err := strconv.Atoi(port)
	if err != nil || value <= 0 || value > 65535 {
		return errors.New("端口必须在 1-65535")
	}
	return nil
}
