package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/logging"
)

const (
	indexFileName = "index.json"
	tempPrefix    = ".tmp-"
)

// NewStore 以 basePath 为根目录构建磁盘缓存，整个进程复用一份实例。
// 构造时会载入 index.json 并做一次对账，确保索引与磁盘一致。
func NewStore(basePath string, logger logrus.FieldLogger) (Store, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	if logger == nil {
		logger = logging.Discard()
	}

	s := &fileStore{
		basePath: abs,
		logger:   logger,
		locks:    make(map[Key]*entryLock),
		index:    make(map[Key]Entry),
	}

	if err := s.loadIndex(); err != nil {
		// 索引损坏不阻止启动：对账会从磁盘文件重新收养条目。
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_index_load",
			"root":   abs,
		}).Warn("cache_index_unreadable")
	}

	report, err := s.Reconcile(context.Background())
	if err != nil {
		return nil, fmt.Errorf("reconcile storage path: %w", err)
	}
	if report.Changed() {
		s.logger.WithFields(logrus.Fields{
			"action":       "cache_reconcile",
			"root":         abs,
			"dropped":      report.Dropped,
			"truncated":    report.Truncated,
			"adopted":      report.Adopted,
			"temp_removed": report.TempRemoved,
		}).Info("cache_reconciled")
	}
	return s, nil
}

// fileStore 通过 entryLock 避免同一 Key 并发写入；sweep 让 Clear/Reconcile 与写入互斥，
// 而不同 Key 的写入只共享 sweep 的读锁，彼此不串行。
type fileStore struct {
	basePath string
	logger   logrus.FieldLogger

	sweep sync.RWMutex

	mu    sync.Mutex
	locks map[Key]*entryLock

	indexMu sync.RWMutex
	index   map[Key]Entry
	total   int64
	gen     uint64

	persistMu sync.Mutex
	savedGen  uint64
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

func (s *fileStore) Has(ctx context.Context, key Key) bool {
	if ctx.Err() != nil {
		return false
	}
	_, ok := s.indexed(key)
	return ok
}

func (s *fileStore) Get(ctx context.Context, key Key) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entry, ok := s.indexed(key)
	if !ok {
		return nil, ErrNotFound
	}

	info, err := os.Stat(entry.FilePath)
	switch {
	case err == nil && !info.IsDir() && info.Size() == entry.SizeBytes:
		return &entry, nil
	case err == nil, errors.Is(err, fs.ErrNotExist):
		// 文件在正常流程之外被删除或改写，丢弃条目让调用方重新下载。
		s.evict(key, entry)
		return nil, ErrNotFound
	default:
		return nil, storageErr("stat", entry.FilePath, err)
	}
}

func (s *fileStore) Lookup(ctx context.Context, filePath string) (*Entry, error) {
	if filePath == "" {
		return nil, ErrNotFound
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		return nil, ErrNotFound
	}
	if filepath.Dir(abs) != s.basePath {
		return nil, ErrNotFound
	}
	key, _, ok := splitFileName(filepath.Base(abs))
	if !ok {
		return nil, ErrNotFound
	}

	entry, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if entry.FilePath != abs {
		return nil, ErrNotFound
	}
	return entry, nil
}

func (s *fileStore) Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("invalid cache key %q", key)
	}

	unlock := s.lockEntry(key)
	defer unlock()

	s.sweep.RLock()
	defer s.sweep.RUnlock()

	reader := bufio.NewReaderSize(body, sniffLen)
	head, _ := reader.Peek(sniffLen)
	if len(head) == 0 {
		if _, err := reader.Peek(1); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("read body: %w", err)
		}
		return nil, ErrEmptyBody
	}

	ext := sanitizeExtension(opts.Extension)
	if ext == "" {
		ext = ExtensionFor(opts.ContentType, head, opts.SourceURL)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = SniffContentType(head)
	}

	tempFile, err := os.CreateTemp(s.basePath, tempPrefix+"*")
	if err != nil {
		return nil, storageErr("create", s.basePath, err)
	}
	tempName := tempFile.Name()

	written, err := copyWithContext(ctx, tempFile, reader)
	if err == nil {
		if syncErr := tempFile.Sync(); syncErr != nil {
			err = storageErr("sync", tempName, syncErr)
		}
	}
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = storageErr("close", tempName, closeErr)
	}
	if err != nil {
		os.Remove(tempName)
		return nil, err
	}

	finalPath := filepath.Join(s.basePath, fileNameFor(key, ext))
	if prev, ok := s.indexed(key); ok && prev.FilePath != finalPath {
		// 同一 Key 换了扩展名，旧文件不再被索引引用，先行移除避免成为孤儿。
		if err := os.Remove(prev.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			os.Remove(tempName)
			return nil, storageErr("remove", prev.FilePath, err)
		}
	}
	if err := os.Rename(tempName, finalPath); err != nil {
		os.Remove(tempName)
		return nil, storageErr("rename", finalPath, err)
	}

	entry := Entry{
		Key:         key,
		FilePath:    finalPath,
		ContentType: contentType,
		SizeBytes:   written,
		CreatedAt:   time.Now().UTC(),
		SourceURL:   opts.SourceURL,
	}
	s.writeAttrs(entry)
	s.record(entry)
	s.persistQuietly()
	return &entry, nil
}

func (s *fileStore) CopyOut(ctx context.Context, key Key, destination string) error {
	if destination == "" {
		return storageErr("copy", destination, errors.New("destination path required"))
	}
	dst, err := filepath.Abs(destination)
	if err != nil {
		return storageErr("copy", destination, err)
	}

	// Get 可能触发 evict（需要条目锁），必须在持有 sweep 之前调用。
	entry, err := s.Get(ctx, key)
	if err != nil {
		return err
	}

	s.sweep.RLock()
	defer s.sweep.RUnlock()

	if dst == entry.FilePath {
		return storageErr("copy", dst, errors.New("destination is the cached file itself"))
	}

	src, err := os.Open(entry.FilePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return storageErr("open", entry.FilePath, err)
	}
	defer src.Close()

	tempFile, err := os.CreateTemp(filepath.Dir(dst), ".mediahost-copy-*")
	if err != nil {
		return storageErr("create", filepath.Dir(dst), err)
	}
	tempName := tempFile.Name()

	_, err = copyWithContext(ctx, tempFile, src)
	if err == nil {
		if syncErr := tempFile.Sync(); syncErr != nil {
			err = storageErr("sync", tempName, syncErr)
		}
	}
	if closeErr := tempFile.Close(); err == nil && closeErr != nil {
		err = storageErr("close", tempName, closeErr)
	}
	if err != nil {
		os.Remove(tempName)
		return err
	}
	if err := os.Chmod(tempName, 0o644); err != nil {
		os.Remove(tempName)
		return storageErr("chmod", tempName, err)
	}
	if err := os.Rename(tempName, dst); err != nil {
		os.Remove(tempName)
		return storageErr("rename", dst, err)
	}
	return nil
}

func (s *fileStore) TotalSize(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.total, nil
}

func (s *fileStore) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.sweep.Lock()
	defer s.sweep.Unlock()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return storageErr("list", s.basePath, err)
	}

	var failures []error
	for _, dirEntry := range dirEntries {
		target := filepath.Join(s.basePath, dirEntry.Name())
		if err := os.RemoveAll(target); err != nil {
			failures = append(failures, err)
		}
	}

	// 删除失败的文件仍保留在索引中，保证索引与磁盘一致；调用方会收到错误。
	s.indexMu.Lock()
	survivors := make(map[Key]Entry)
	var total int64
	for key, entry := range s.index {
		if _, err := os.Stat(entry.FilePath); err == nil {
			survivors[key] = entry
			total += entry.SizeBytes
		}
	}
	s.index = survivors
	s.total = total
	s.gen++
	s.indexMu.Unlock()

	if err := s.persistIndex(); err != nil {
		failures = append(failures, err)
	}
	if len(failures) > 0 {
		return storageErr("clear", s.basePath, errors.Join(failures...))
	}
	return nil
}

func (s *fileStore) Stats() Stats {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return Stats{
		Root:      s.basePath,
		Entries:   len(s.index),
		SizeBytes: s.total,
	}
}

func (s *fileStore) indexed(key Key) (Entry, bool) {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	entry, ok := s.index[key]
	return entry, ok
}

func (s *fileStore) record(entry Entry) {
	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	if prev, ok := s.index[entry.Key]; ok {
		s.total -= prev.SizeBytes
	}
	s.index[entry.Key] = entry
	s.total += entry.SizeBytes
	s.gen++
}

// evict 在持有条目锁的前提下复核索引，只有索引仍指向同一份文件时才删除，
// 避免误删并发 Put 刚刚落盘的新文件。
func (s *fileStore) evict(key Key, stale Entry) {
	unlock := s.lockEntry(key)
	defer unlock()

	// 与 Put 相同的加锁顺序：条目锁 → sweep 读锁。Reconcile 会清理临时文件，
	// 索引快照的临时文件必须在 sweep 保护下写入。
	s.sweep.RLock()
	defer s.sweep.RUnlock()

	s.indexMu.Lock()
	current, ok := s.index[key]
	if !ok || current.FilePath != stale.FilePath || !current.CreatedAt.Equal(stale.CreatedAt) {
		s.indexMu.Unlock()
		return
	}
	delete(s.index, key)
	s.total -= current.SizeBytes
	s.gen++
	s.indexMu.Unlock()

	if err := os.Remove(current.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_evict",
			"key":    key.String(),
			"path":   current.FilePath,
		}).Warn("cache_evict_remove_failed")
	}
	s.persistQuietly()
}

func (s *fileStore) lockEntry(key Key) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// copyWithContext 按块复制并在每块之间检查 ctx；读失败与写失败分别归类，
// 写失败一律包装为 *StorageError。
func copyWithContext(ctx context.Context, dst *os.File, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, storageErr("write", dst.Name(), wErr)
			}
			if w < n {
				return copied, storageErr("write", dst.Name(), io.ErrShortWrite)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, fmt.Errorf("read body: %w", err)
		}
	}
}
