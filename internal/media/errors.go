package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/fetch"
)

// ErrBinaryContent 表示被当作文本读取的缓存文件不是合法的 UTF-8。
var ErrBinaryContent = errors.New("cached file is not valid UTF-8 text")

// InvalidInputError 表示调用方传入的参数不可用。
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Kind 是边界层区分失败原因所用的分类。
type Kind int

const (
	KindOther Kind = iota
	KindNetwork
	KindStorage
	KindNotFound
	KindInvalidInput
	KindContent
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindStorage:
		return "storage"
	case KindNotFound:
		return "not_found"
	case KindInvalidInput:
		return "invalid_input"
	case KindContent:
		return "content"
	case KindCanceled:
		return "canceled"
	default:
		return "other"
	}
}

// Classify 将 Service 返回的错误归类，nil 归为 KindOther。
func Classify(err error) Kind {
	var (
		netErr     *fetch.NetworkError
		storageErr *cache.StorageError
		inputErr   *InvalidInputError
		bodyErr    *fetch.BodyError
	)
	switch {
	case err == nil:
		return KindOther
	case errors.As(err, &netErr):
		return KindNetwork
	case errors.As(err, &storageErr):
		return KindStorage
	case errors.Is(err, cache.ErrNotFound):
		return KindNotFound
	case errors.As(err, &inputErr):
		return KindInvalidInput
	case errors.As(err, &bodyErr), errors.Is(err, ErrBinaryContent):
		return KindContent
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindOther
	}
}
