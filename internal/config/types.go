package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration 提供更灵活的反序列化能力，同时兼容纯秒整数与 Go Duration 字符串。
type Duration time.Duration

// UnmarshalText 使 Viper 可以识别诸如 "30s"、"5m" 或纯数字秒值等配置写法。
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		*d = Duration(0)
		return nil
	}

	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}

	if intVal, err := parseInt(raw); err == nil {
		*d = Duration(time.Duration(intVal) * time.Second)
		return nil
	}

	return fmt.Errorf("invalid duration value: %s", raw)
}

// DurationValue 返回真实的 time.Duration，便于调用方计算。
func (d Duration) DurationValue() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

// parseInt 支持十进制或 0x 前缀的十六进制字符串解析。
func parseInt(value string) (int64, error) {
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		return strconv.ParseInt(value, 0, 64)
	}
	return strconv.ParseInt(value, 10, 64)
}

// GlobalConfig 描述进程级运行参数：监听地址、日志与上游访问。
type GlobalConfig struct {
	ListenAddr      string   `mapstructure:"ListenAddr"`
	AuthToken       string   `mapstructure:"AuthToken"`
	LogLevel        string   `mapstructure:"LogLevel"`
	LogFilePath     string   `mapstructure:"LogFilePath"`
	LogMaxSize      int      `mapstructure:"LogMaxSize"`
	LogMaxBackups   int      `mapstructure:"LogMaxBackups"`
	LogCompress     bool     `mapstructure:"LogCompress"`
	UpstreamTimeout Duration `mapstructure:"UpstreamTimeout"`
	UserAgent       string   `mapstructure:"UserAgent"`
}

// CacheConfig 描述媒体缓存的落盘位置与下载限制。
type CacheConfig struct {
	StoragePath         string   `mapstructure:"StoragePath"`
	MaxAssetSize        int64    `mapstructure:"MaxAssetSize"`
	ReconcileInterval   Duration `mapstructure:"ReconcileInterval"`
	PrefetchConcurrency int      `mapstructure:"PrefetchConcurrency"`
}

// Config 是 TOML 文件映射的整体结构，全局字段位于顶层，缓存字段位于 [Cache]。
type Config struct {
	Global GlobalConfig `mapstructure:",squash"`
	Cache  CacheConfig  `mapstructure:"Cache"`

	// Path 记录实际读取的配置文件，未找到文件时为空。
	Path string `mapstructure:"-"`
}

// AuthEnabled 表示 /api/* 是否需要 Bearer Token。
func (g GlobalConfig) AuthEnabled() bool {
	return strings.TrimSpace(g.AuthToken) != ""
}

// AuthEnabled 是 Global.AuthEnabled 的便捷写法。
func (c *Config) AuthEnabled() bool {
	return c != nil && c.Global.AuthEnabled()
}
