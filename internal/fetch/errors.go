package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTooLarge 表示响应体超过 MaxAssetSize。
	ErrTooLarge = errors.New("response body exceeds the maximum asset size")

	// ErrEmptyBody 表示上游返回了零字节的正文，这类响应不会写入缓存。
	ErrEmptyBody = errors.New("upstream returned an empty body")
)

// NetworkError 表示传输未能完成：DNS、连接、超时、非 2xx 状态或正文读取中断。
// 调用方可以直接重试同一请求。
type NetworkError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *NetworkError) Error() string {
	if e.Err == nil && e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: unexpected status %d %s", e.URL, e.StatusCode, http.StatusText(e.StatusCode))
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s (status %d): %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// BodyError 表示响应已成功返回，但正文未能完整读取（读取中断或超过大小上限）。
type BodyError struct {
	URL string
	Err error
}

func (e *BodyError) Error() string {
	return fmt.Sprintf("read body of %s: %v", e.URL, e.Err)
}

func (e *BodyError) Unwrap() error {
	return e.Err
}

// IsNetwork reports whether err is, or wraps, a *NetworkError.
func IsNetwork(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
