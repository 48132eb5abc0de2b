package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const (
	// EnvConfigPath 指定配置文件路径，优先级低于 --config。
	EnvConfigPath = "MEDIAHOST_CONFIG"
	// envPrefix 用于以环境变量覆盖单个字段，例如 MEDIAHOST_CACHE_STORAGEPATH。
	envPrefix = "MEDIAHOST"

	defaultConfigFile = "config.toml"
)

// Load 读取并解析 TOML 配置文件，同时注入默认值与校验逻辑。
// path 为空时依次尝试 MEDIAHOST_CONFIG 与 ./config.toml；默认文件不存在时仅使用默认值。
func Load(path string) (*Config, error) {
	optional := false
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvConfigPath))
	}
	if path == "" {
		path = defaultConfigFile
		optional = true
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	loadedFrom := path
	if err := v.ReadInConfig(); err != nil {
		if !optional || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("读取配置失败: %w", err)
		}
		loadedFrom = ""
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyGlobalDefaults(&cfg.Global)
	applyCacheDefaults(&cfg.Cache)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	absStorage, err := filepath.Abs(cfg.Cache.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("无法解析缓存目录: %w", err)
	}
	cfg.Cache.StoragePath = absStorage
	if loadedFrom != "" {
		if abs, err := filepath.Abs(loadedFrom); err == nil {
			loadedFrom = abs
		}
	}
	cfg.Path = loadedFrom

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("ListenAddr", "127.0.0.1:47110")
	v.SetDefault("AuthToken", "")
	v.SetDefault("LogLevel", "info")
	v.SetDefault("LogFilePath", "")
	v.SetDefault("LogMaxSize", 100)
	v.SetDefault("LogMaxBackups", 10)
	v.SetDefault("LogCompress", true)
	v.SetDefault("UpstreamTimeout", "30s")
	v.SetDefault("UserAgent", defaultUserAgent)
	v.SetDefault("Cache.StoragePath", "./media_cache")
	v.SetDefault("Cache.MaxAssetSize", 64*1024*1024)
	v.SetDefault("Cache.ReconcileInterval", "10m")
	v.SetDefault("Cache.PrefetchConcurrency", 4)
}

const defaultUserAgent = "mediahost"

func applyGlobalDefaults(g *GlobalConfig) {
	if strings.TrimSpace(g.ListenAddr) == "" {
		g.ListenAddr = "127.0.0.1:47110"
	}
	if g.LogLevel == "" {
		g.LogLevel = "info"
	}
	if g.UpstreamTimeout.DurationValue() == 0 {
		g.UpstreamTimeout = Duration(30 * time.Second)
	}
	if g.UserAgent == "" {
		g.UserAgent = defaultUserAgent
	}
}

func applyCacheDefaults(c *CacheConfig) {
	if strings.TrimSpace(c.StoragePath) == "" {
		c.StoragePath = "./media_cache"
	}
	if c.MaxAssetSize == 0 {
		c.MaxAssetSize = 64 * 1024 * 1024
	}
	if c.PrefetchConcurrency == 0 {
		c.PrefetchConcurrency = 4
	}
}

func durationDecodeHook() mapstructure.DecodeHookFunc {
	targetType := reflect.TypeOf(Duration(0))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != targetType {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			if v == "" {
				return Duration(0), nil
			}
			if parsed, err := time.ParseDuration(v); err == nil {
				return Duration(parsed), nil
			}
			if seconds, err := strconv.ParseFloat(v, 64); err == nil {
				return Duration(time.Duration(seconds * float64(time.Second))), nil
			}
			return nil, fmt.Errorf("无法解析 Duration 字段: %s", v)
		case int:
			return Duration(time.Duration(v) * time.Second), nil
		case int64:
			return Duration(time.Duration(v) * time.Second), nil
		case float64:
			return Duration(time.Duration(v * float64(time.Second))), nil
		case time.Duration:
			return Duration(v), nil
		case Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("不支持的 Duration 类型: %T", v)
		}
	}
}
