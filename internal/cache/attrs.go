package cache

import (
	"github.com/pkg/xattr"
	"github.com/sirupsen/logrus"
)

const (
	attrSourceURL   = "user.mediahost.source_url"
	attrContentType = "user.mediahost.content_type"
)

// writeAttrs 将来源 URL 与 Content-Type 写入扩展属性，供索引丢失后的对账恢复元数据。
// 文件系统不支持时静默降级。
func (s *fileStore) writeAttrs(entry Entry) {
	attrs := [][2]string{
		{attrSourceURL, entry.SourceURL},
		{attrContentType, entry.ContentType},
	}
	for _, attr := range attrs {
		if attr[1] == "" {
			continue
		}
		if err := xattr.Set(entry.FilePath, attr[0], []byte(attr[1])); err != nil {
			s.logger.WithError(err).WithFields(logrus.Fields{
				"action": "cache_xattr",
				"path":   entry.FilePath,
			}).Debug("xattr_unavailable")
			return
		}
	}
}

func readAttrs(path string) (contentType, sourceURL string) {
	if value, err := xattr.Get(path, attrContentType); err == nil {
		contentType = string(value)
	}
	if value, err := xattr.Get(path, attrSourceURL); err == nil {
		sourceURL = string(value)
	}
	return contentType, sourceURL
}
