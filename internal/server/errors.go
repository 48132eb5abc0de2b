package server

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v3"

	"github.com/anixart-desktop/mediahost/internal/media"
)

// ErrorKind 是边界错误的变体标签。
type ErrorKind int

const (
	ErrorKindNetwork ErrorKind = iota + 1
	ErrorKindOther
)

const (
	tagNetwork = "Network"
	tagOther   = "Other"
)

// FetchError 是返回给界面的错误形状，序列化为 {"Network": msg} 或 {"Other": msg} 之一。
type FetchError struct {
	Kind    ErrorKind
	Message string
}

func (e FetchError) Error() string {
	return fmt.Sprintf("%s: %s", e.tag(), e.Message)
}

func (e FetchError) tag() string {
	switch e.Kind {
	case ErrorKindNetwork:
		return tagNetwork
	case ErrorKindOther:
		return tagOther
	default:
		return ""
	}
}

func (e FetchError) MarshalJSON() ([]byte, error) {
	tag := e.tag()
	if tag == "" {
		return nil, fmt.Errorf("fetch error has no kind")
	}
	return json.Marshal(map[string]string{tag: e.Message})
}

func (e *FetchError) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 1 {
		return errors.New("fetch error must carry exactly one variant")
	}
	for tag, message := range raw {
		switch tag {
		case tagNetwork:
			e.Kind = ErrorKindNetwork
		case tagOther:
			e.Kind = ErrorKindOther
		default:
			return fmt.Errorf("unknown fetch error variant %q", tag)
		}
		e.Message = message
	}
	return nil
}

// classifyError 将 Service 错误映射为 HTTP 状态码与边界错误。
func classifyError(err error) (int, FetchError) {
	kind := media.Classify(err)
	switch kind {
	case media.KindNetwork:
		return fiber.StatusBadGateway, FetchError{Kind: ErrorKindNetwork, Message: err.Error()}
	case media.KindNotFound:
		return fiber.StatusNotFound, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	case media.KindInvalidInput:
		return fiber.StatusBadRequest, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	case media.KindContent:
		return fiber.StatusUnprocessableEntity, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	case media.KindCanceled:
		return fiber.StatusRequestTimeout, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	case media.KindStorage, media.KindOther:
		return fiber.StatusInternalServerError, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	default:
		return fiber.StatusInternalServerError, FetchError{Kind: ErrorKindOther, Message: err.Error()}
	}
}
