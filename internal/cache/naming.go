package cache

import (
	"mime"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen 是内容嗅探读取的前缀长度。
const sniffLen = 3072

// preferredExtensions 覆盖 mime.ExtensionsByType 的字典序结果（例如 image/jpeg 会先给出 .jfif）。
var preferredExtensions = map[string]string{
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/gif":        ".gif",
	"image/webp":       ".webp",
	"image/avif":       ".avif",
	"image/svg+xml":    ".svg",
	"image/x-icon":     ".ico",
	"application/json": ".json",
	"text/plain":       ".txt",
	"text/html":        ".html",
	"video/mp4":        ".mp4",
	"video/webm":       ".webm",
}

// weakTypes 不能说明真实格式，遇到时继续尝试下一种推断方式。
var weakTypes = map[string]struct{}{
	"":                         {},
	"application/octet-stream": {},
	"binary/octet-stream":      {},
	"text/plain":               {},
}

// ExtensionFor 按 Content-Type → 内容嗅探 → URL 后缀 的顺序推断文件扩展名，全部失败时返回空串。
func ExtensionFor(contentType string, head []byte, sourceURL string) string {
	mediaType := normalizeMediaType(contentType)
	if _, weak := weakTypes[mediaType]; !weak {
		if ext := extensionForType(mediaType); ext != "" {
			return ext
		}
	}

	var sniffed string
	if len(head) > 0 {
		detected := mimetype.Detect(head)
		sniffedType := normalizeMediaType(detected.String())
		if _, weak := weakTypes[sniffedType]; !weak {
			if ext := sanitizeExtension(detected.Extension()); ext != "" {
				return ext
			}
		}
		sniffed = sanitizeExtension(detected.Extension())
	}

	if ext := urlExtension(sourceURL); ext != "" {
		return ext
	}
	if ext := extensionForType(mediaType); ext != "" {
		return ext
	}
	return sniffed
}

// SniffContentType 在上游未给出 Content-Type 时根据内容推断，无法判断时返回空串。
func SniffContentType(head []byte) string {
	if len(head) == 0 {
		return ""
	}
	detected := mimetype.Detect(head)
	if detected.Is("application/octet-stream") {
		return ""
	}
	return detected.String()
}

// contentTypeForExtension 供对账收养孤儿文件时补全元数据。
func contentTypeForExtension(ext string) string {
	if ext == "" {
		return ""
	}
	return mime.TypeByExtension(ext)
}

func extensionForType(mediaType string) string {
	if mediaType == "" {
		return ""
	}
	if ext, ok := preferredExtensions[mediaType]; ok {
		return ext
	}
	exts, err := mime.ExtensionsByType(mediaType)
	if err != nil || len(exts) == 0 {
		return ""
	}
	return sanitizeExtension(exts[0])
}

func normalizeMediaType(contentType string) string {
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	return strings.ToLower(mediaType)
}

func urlExtension(sourceURL string) string {
	if sourceURL == "" {
		return ""
	}
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		return ""
	}
	return sanitizeExtension(path.Ext(parsed.Path))
}

// sanitizeExtension 仅接受形如 ".png" 的短扩展名，其余一律丢弃，防止路径注入。
func sanitizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if len(ext) < 2 || len(ext) > 11 || ext[0] != '.' {
		return ""
	}
	for i := 1; i < len(ext); i++ {
		c := ext[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') {
			return ""
		}
	}
	return ext
}
