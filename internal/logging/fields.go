package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// OperationFields 提供缓存边界操作的公共字段，target 为 URL 或本地路径。
func OperationFields(op, target string) logrus.Fields {
	return logrus.Fields{
		"action": op,
		"target": target,
	}
}

// FetchFields 提供 url/key/命中状态字段，供下载与解析日志复用。
func FetchFields(url, key string, cacheHit bool) logrus.Fields {
	fields := logrus.Fields{
		"url":       url,
		"cache_hit": cacheHit,
	}
	if key != "" {
		fields["key"] = key
	}
	return fields
}
