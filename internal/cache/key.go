package cache

import (
	"encoding/hex"
	"strings"

	"github.com/minio/sha256-simd"
)

// Key 是 URL 的 SHA-256 十六进制摘要，同一 URL 永远映射到同一 Key。
type Key string

const keyLen = sha256.Size * 2

// KeyFor 计算 URL 对应的缓存键，不做任何规范化，调用方传入什么就摘要什么。
func KeyFor(rawURL string) Key {
	sum := sha256.Sum256([]byte(rawURL))
	return Key(hex.EncodeToString(sum[:]))
}

func (k Key) String() string {
	return string(k)
}

// Valid reports whether k looks like a key produced by KeyFor.
func (k Key) Valid() bool {
	if len(k) != keyLen {
		return false
	}
	for i := 0; i < len(k); i++ {
		c := k[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// splitFileName 将 "<key><ext>" 拆分为 Key 与扩展名，不符合布局的文件名返回 false。
func splitFileName(name string) (Key, string, bool) {
	if len(name) < keyLen {
		return "", "", false
	}
	key := Key(name[:keyLen])
	if !key.Valid() {
		return "", "", false
	}
	ext := name[keyLen:]
	if ext != "" && sanitizeExtension(ext) != ext {
		return "", "", false
	}
	return key, ext, true
}

func fileNameFor(key Key, ext string) string {
	return string(key) + strings.ToLower(ext)
}
