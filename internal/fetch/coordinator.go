package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/logging"
)

// DefaultMaxAssetSize 是未配置上限时单个响应体允许的最大字节数。
const DefaultMaxAssetSize int64 = 64 << 20

// Options 控制 Coordinator 的下载行为。
type Options struct {
	// MaxAssetSize 限制单个响应体大小，<= 0 时使用 DefaultMaxAssetSize。
	MaxAssetSize int64
	// UserAgent 为空时沿用 http.Client 的默认值。
	UserAgent string
	Logger    logrus.FieldLogger
}

// Result 是一次 Resolve 的结果。Hit 表示未发生网络传输，Joined 表示复用了其他调用方发起的下载。
type Result struct {
	Entry  cache.Entry
	Hit    bool
	Joined bool
}

// Coordinator 将 URL 解析为缓存条目：命中直接返回；未命中时同一 Key 只发起一次下载，
// 所有并发调用方共享同一个结果。
type Coordinator struct {
	client    *http.Client
	store     cache.Store
	logger    logrus.FieldLogger
	maxSize   int64
	userAgent string

	mu      sync.Mutex
	pending map[cache.Key]*pendingFetch
}

// pendingFetch 是某个 Key 正在进行的下载。done 关闭之后 entry/hit/err 只读。
type pendingFetch struct {
	done    chan struct{}
	entry   *cache.Entry
	hit     bool
	err     error
	waiters int
}

// New 创建 Coordinator。client 与 store 在进程内共享，不能为空。
func New(client *http.Client, store cache.Store, opts Options) *Coordinator {
	if client == nil {
		client = http.DefaultClient
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	maxSize := opts.MaxAssetSize
	if maxSize <= 0 {
		maxSize = DefaultMaxAssetSize
	}
	return &Coordinator{
		client:    client,
		store:     store,
		logger:    logger,
		maxSize:   maxSize,
		userAgent: opts.UserAgent,
		pending:   make(map[cache.Key]*pendingFetch),
	}
}

// Resolve 返回 rawURL 对应的缓存条目，必要时下载。
//
// ctx 只决定调用方等待多久：调用方放弃后下载仍会完成并写入缓存。
// 失败不会被缓存，下一次 Resolve 会重新发起网络请求。
func (c *Coordinator) Resolve(ctx context.Context, rawURL string) (Result, error) {
	key := cache.KeyFor(rawURL)

	entry, err := c.store.Get(ctx, key)
	if err == nil {
		return Result{Entry: *entry, Hit: true}, nil
	}
	if !errors.Is(err, cache.ErrNotFound) {
		return Result{}, err
	}

	c.mu.Lock()
	flight, joined := c.pending[key]
	if !joined {
		flight = &pendingFetch{done: make(chan struct{})}
		c.pending[key] = flight
		go c.run(context.WithoutCancel(ctx), key, rawURL, flight)
	}
	flight.waiters++
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		flight.waiters--
		c.mu.Unlock()
	}()

	select {
	case <-flight.done:
		if flight.err != nil {
			return Result{}, flight.err
		}
		return Result{Entry: *flight.entry, Hit: flight.hit, Joined: joined}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// FetchText 直接读取 rawURL 的正文作为文本返回，不经过缓存。非法 UTF-8 字节按替换字符解码。
func (c *Coordinator) FetchText(ctx context.Context, rawURL string) (string, error) {
	started := time.Now()
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		c.logResult("fetch_text", rawURL, "", 0, 0, started, err)
		return "", err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err != nil {
		err = &BodyError{URL: rawURL, Err: err}
		c.logResult("fetch_text", rawURL, "", resp.StatusCode, 0, started, err)
		return "", err
	}
	text := string(body)
	if !utf8.ValidString(text) {
		// 与浏览器读取文本一致：非法字节替换为 U+FFFD，而不是整体失败。
		text = strings.ToValidUTF8(text, "\uFFFD")
	}
	c.logResult("fetch_text", rawURL, "", resp.StatusCode, len(body), started, nil)
	return text, nil
}

// InFlight 返回当前尚未结束的下载数量。
func (c *Coordinator) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Coordinator) waiters(key cache.Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if flight, ok := c.pending[key]; ok {
		return flight.waiters
	}
	return 0
}

// run 执行一次下载并向全部等待者发布结果。结果先写入 flight 并从表中移除，
// 最后关闭 done，这样等待者醒来时新的 Resolve 已经会发起新的下载或命中缓存。
func (c *Coordinator) run(ctx context.Context, key cache.Key, rawURL string, flight *pendingFetch) {
	var (
		entry *cache.Entry
		hit   bool
		err   error
	)
	defer func() {
		if r := recover(); r != nil {
			entry, hit = nil, false
			err = fmt.Errorf("fetch %s panicked: %v", rawURL, r)
			c.logger.WithFields(logging.FetchFields(rawURL, key.String(), false)).
				WithField("action", "fetch").Error("fetch_panic")
		}
		c.mu.Lock()
		flight.entry, flight.hit, flight.err = entry, hit, err
		delete(c.pending, key)
		c.mu.Unlock()
		close(flight.done)
	}()

	entry, hit, err = c.fetchAndStore(ctx, key, rawURL)
}

func (c *Coordinator) fetchAndStore(ctx context.Context, key cache.Key, rawURL string) (*cache.Entry, bool, error) {
	// 在 Get 未命中与登记 pendingFetch 之间，上一次下载可能刚好完成。
	if entry, err := c.store.Get(ctx, key); err == nil {
		return entry, true, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, false, err
	}

	started := time.Now()
	resp, err := c.get(ctx, rawURL)
	if err != nil {
		c.logResult("fetch", rawURL, key, 0, 0, started, err)
		return nil, false, err
	}
	defer resp.Body.Close()

	body, err := c.readBody(resp)
	if err == nil && len(body) == 0 {
		err = ErrEmptyBody
	}
	if err != nil {
		err = &NetworkError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
		c.logResult("fetch", rawURL, key, resp.StatusCode, 0, started, err)
		return nil, false, err
	}

	entry, err := c.store.Put(ctx, key, bytes.NewReader(body), cache.PutOptions{
		ContentType: resp.Header.Get("Content-Type"),
		SourceURL:   rawURL,
	})
	if err != nil {
		var storageErr *cache.StorageError
		if !errors.As(err, &storageErr) {
			err = &cache.StorageError{Op: "put", Path: key.String(), Err: err}
		}
		c.logResult("fetch", rawURL, key, resp.StatusCode, len(body), started, err)
		return nil, false, err
	}
	c.logResult("fetch", rawURL, key, resp.StatusCode, len(body), started, nil)
	return entry, false, nil
}

// get 发起 GET 请求，只在得到 2xx 响应时返回；其余情况一律为 *NetworkError。
func (c *Coordinator) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: rawURL, Err: err}
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		return nil, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode}
	}
	if resp.ContentLength > c.maxSize {
		resp.Body.Close()
		return nil, &NetworkError{URL: rawURL, StatusCode: resp.StatusCode, Err: ErrTooLarge}
	}
	return resp, nil
}

// readBody 读取完整正文，超过 maxSize 返回 ErrTooLarge。
func (c *Coordinator) readBody(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxSize+1))
	if err != nil {
		return nil, err
	}
	if int64(len(body)) > c.maxSize {
		return nil, ErrTooLarge
	}
	return body, nil
}

func (c *Coordinator) logResult(action, rawURL string, key cache.Key, status, size int, started time.Time, err error) {
	fields := logging.FetchFields(rawURL, key.String(), false)
	fields["action"] = action
	fields["upstream_status"] = status
	fields["bytes"] = size
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		c.logger.WithFields(fields).Warn("fetch_failed")
		return
	}
	c.logger.WithFields(fields).Info("fetch_complete")
}
