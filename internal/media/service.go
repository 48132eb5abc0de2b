// Package media 是缓存边界对外的唯一入口：解析 URL 为本地文件、读取缓存文本、
// 统计与清空缓存、导出缓存文件以及读取徽章数据。
package media

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/anixart-desktop/mediahost/internal/cache"
	"github.com/anixart-desktop/mediahost/internal/fetch"
	"github.com/anixart-desktop/mediahost/internal/logging"
)

// DefaultPrefetchConcurrency 是 Prefetch 未配置并发度时的取值。
const DefaultPrefetchConcurrency = 4

// LocalAsset 是 Resolve 返回给调用方的本地文件描述。
type LocalAsset struct {
	LocalPath   string
	ContentType string
	// Filename 为导出时建议使用的文件名。
	Filename string
}

// Fetcher 抽象 fetch.Coordinator，便于在测试中替换。
type Fetcher interface {
	Resolve(ctx context.Context, rawURL string) (fetch.Result, error)
	FetchText(ctx context.Context, rawURL string) (string, error)
}

// Options 描述 Service 的可选参数。
type Options struct {
	PrefetchConcurrency int
	Logger              logrus.FieldLogger
}

// Service 在进程启动时构建一次，注入到传输层与 CLI。
type Service struct {
	store       cache.Store
	fetcher     Fetcher
	logger      logrus.FieldLogger
	concurrency int
}

// NewService 组装缓存边界。store 与 fetcher 必须指向同一份缓存。
func NewService(store cache.Store, fetcher Fetcher, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	concurrency := opts.PrefetchConcurrency
	if concurrency <= 0 {
		concurrency = DefaultPrefetchConcurrency
	}
	return &Service{
		store:       store,
		fetcher:     fetcher,
		logger:      logger,
		concurrency: concurrency,
	}
}

// Resolve 返回 rawURL 对应的本地文件，未缓存时下载。
func (s *Service) Resolve(ctx context.Context, rawURL string) (LocalAsset, error) {
	started := time.Now()
	if err := validateURL(rawURL); err != nil {
		s.logOperation("resolve", rawURL, started, logrus.Fields{"url": rawURL}, err)
		return LocalAsset{}, err
	}

	result, err := s.fetcher.Resolve(ctx, rawURL)
	fields := logging.FetchFields(rawURL, cache.KeyFor(rawURL).String(), result.Hit)
	fields["joined"] = result.Joined
	s.logOperation("resolve", rawURL, started, fields, err)
	if err != nil {
		return LocalAsset{}, err
	}
	return LocalAsset{
		LocalPath:   result.Entry.FilePath,
		ContentType: result.Entry.ContentType,
		Filename:    suggestFilename(rawURL, result.Entry),
	}, nil
}

// ReadText 读取此前 Resolve 返回的本地文件并作为文本返回。由调用方决定文件是否为文本。
func (s *Service) ReadText(ctx context.Context, localPath string) (string, error) {
	started := time.Now()
	text, err := s.readText(ctx, localPath)
	s.logOperation("read_text", localPath, started, logrus.Fields{"bytes": len(text)}, err)
	return text, err
}

func (s *Service) readText(ctx context.Context, localPath string) (string, error) {
	if strings.TrimSpace(localPath) == "" {
		return "", &InvalidInputError{Field: "path", Reason: "path is required"}
	}
	entry, err := s.store.Lookup(ctx, localPath)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", cache.ErrNotFound
		}
		return "", &cache.StorageError{Op: "read", Path: entry.FilePath, Err: err}
	}
	if !utf8.Valid(data) {
		return "", ErrBinaryContent
	}
	return string(data), nil
}

// TotalSize 返回缓存占用的字节数。
func (s *Service) TotalSize(ctx context.Context) (int64, error) {
	started := time.Now()
	size, err := s.store.TotalSize(ctx)
	s.logOperation("total_size", "", started, logrus.Fields{"size_bytes": size}, err)
	return size, err
}

// Clear 删除全部缓存文件。
func (s *Service) Clear(ctx context.Context) error {
	started := time.Now()
	err := s.store.Clear(ctx)
	s.logOperation("clear", "", started, nil, err)
	return err
}

// CopyOut 将 cachedPath 指向的缓存文件复制到 destinationPath。
func (s *Service) CopyOut(ctx context.Context, cachedPath, destinationPath string) error {
	started := time.Now()
	err := s.copyOut(ctx, cachedPath, destinationPath)
	s.logOperation("copy_out", cachedPath, started, logrus.Fields{"destination": destinationPath}, err)
	return err
}

func (s *Service) copyOut(ctx context.Context, cachedPath, destinationPath string) error {
	if strings.TrimSpace(cachedPath) == "" {
		return &InvalidInputError{Field: "cachedPath", Reason: "path is required"}
	}
	if strings.TrimSpace(destinationPath) == "" {
		return &InvalidInputError{Field: "destinationPath", Reason: "path is required"}
	}
	entry, err := s.store.Lookup(ctx, cachedPath)
	if err != nil {
		return err
	}
	return s.store.CopyOut(ctx, entry.Key, destinationPath)
}

// CopyURL 导出某个 URL 的缓存副本，URL 未缓存时返回 cache.ErrNotFound，不会触发下载。
func (s *Service) CopyURL(ctx context.Context, rawURL, destinationPath string) error {
	started := time.Now()
	err := s.store.CopyOut(ctx, cache.KeyFor(rawURL), destinationPath)
	s.logOperation("copy_out", rawURL, started, logrus.Fields{"destination": destinationPath}, err)
	return err
}

// FetchBadge 读取徽章数据的原始文本，不经过缓存。
func (s *Service) FetchBadge(ctx context.Context, rawURL string) (string, error) {
	started := time.Now()
	if err := validateURL(rawURL); err != nil {
		s.logOperation("fetch_badge", rawURL, started, nil, err)
		return "", err
	}
	content, err := s.fetcher.FetchText(ctx, rawURL)
	s.logOperation("fetch_badge", rawURL, started, logrus.Fields{"bytes": len(content)}, err)
	return content, err
}

// PrefetchFailure 记录 Prefetch 中单个 URL 的失败原因。
type PrefetchFailure struct {
	URL string
	Err error
}

// PrefetchReport 汇总一次批量预取。
type PrefetchReport struct {
	Resolved int
	Failed   []PrefetchFailure
}

// Prefetch 以有限并发预热一批 URL，单个失败不会中断其余 URL。
// 重复的 URL 只处理一次；ctx 结束后尚未开始的 URL 记为失败。
func (s *Service) Prefetch(ctx context.Context, urls []string) PrefetchReport {
	started := time.Now()
	unique := make([]string, 0, len(urls))
	seen := make(map[string]struct{}, len(urls))
	for _, rawURL := range urls {
		if _, dup := seen[rawURL]; dup {
			continue
		}
		seen[rawURL] = struct{}{}
		unique = append(unique, rawURL)
	}

	errs := make([]error, len(unique))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(s.concurrency)
	for i, rawURL := range unique {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return nil
			}
			_, errs[i] = s.Resolve(groupCtx, rawURL)
			return nil
		})
	}
	_ = group.Wait()

	var report PrefetchReport
	for i, err := range errs {
		if err != nil {
			report.Failed = append(report.Failed, PrefetchFailure{URL: unique[i], Err: err})
			continue
		}
		report.Resolved++
	}
	s.logger.WithFields(logrus.Fields{
		"action":     "prefetch",
		"requested":  len(urls),
		"resolved":   report.Resolved,
		"failed":     len(report.Failed),
		"elapsed_ms": time.Since(started).Milliseconds(),
	}).Info("media_prefetch_complete")
	return report
}

// Stats 返回缓存索引快照。
func (s *Service) Stats() cache.Stats {
	return s.store.Stats()
}

func (s *Service) logOperation(op, target string, started time.Time, extra logrus.Fields, err error) {
	fields := logging.OperationFields(op, target)
	for k, v := range extra {
		fields[k] = v
	}
	fields["elapsed_ms"] = time.Since(started).Milliseconds()
	if err != nil {
		fields["error"] = err.Error()
		fields["error_kind"] = Classify(err).String()
		s.logger.WithFields(fields).Warn("media_operation_failed")
		return
	}
	s.logger.WithFields(fields).Info("media_operation_complete")
}

func validateURL(rawURL string) error {
	if strings.TrimSpace(rawURL) == "" {
		return &InvalidInputError{Field: "url", Reason: "url is required"}
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return &InvalidInputError{Field: "url", Reason: fmt.Sprintf("malformed url: %v", err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return &InvalidInputError{Field: "url", Reason: "only http and https urls are supported"}
	}
	if parsed.Host == "" {
		return &InvalidInputError{Field: "url", Reason: "url host is required"}
	}
	return nil
}

// suggestFilename 优先使用 URL 最后一段（带扩展名时），否则退回缓存文件名。
func suggestFilename(rawURL string, entry cache.Entry) string {
	if parsed, err := url.Parse(rawURL); err == nil {
		base := path.Base(parsed.Path)
		if base != "." && base != "/" && path.Ext(base) != "" && !strings.ContainsAny(base, `\:*?"<>|`) {
			return base
		}
	}
	return entry.FileName()
}
