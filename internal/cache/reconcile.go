package cache

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/anixart-desktop/mediahost/internal/logging"
)

type diskFile struct {
	name    string
	ext     string
	size    int64
	modTime time.Time
}

// Reconcile 以磁盘为准修正索引。执行期间独占 sweep，因此不存在进行中的写入，
// 目录中残留的临时文件都可以安全删除。
func (s *fileStore) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var report ReconcileReport
	if err := ctx.Err(); err != nil {
		return report, err
	}

	s.sweep.Lock()
	defer s.sweep.Unlock()

	dirEntries, err := os.ReadDir(s.basePath)
	if err != nil {
		return report, storageErr("list", s.basePath, err)
	}

	onDisk := make(map[Key]diskFile, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if name == indexFileName || dirEntry.IsDir() {
			continue
		}
		path := filepath.Join(s.basePath, name)
		if strings.HasPrefix(name, tempPrefix) {
			if err := os.Remove(path); err == nil {
				report.TempRemoved++
			}
			continue
		}
		key, ext, ok := splitFileName(name)
		if !ok {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return report, storageErr("stat", path, err)
		}
		if info.Size() == 0 {
			os.Remove(path)
			report.Truncated++
			continue
		}
		file := diskFile{name: name, ext: ext, size: info.Size(), modTime: info.ModTime()}
		if prev, dup := onDisk[key]; dup {
			// 同一 Key 出现多个扩展名时保留较新的一份。
			older := prev
			if file.modTime.Before(prev.modTime) {
				older = file
				file = prev
			}
			os.Remove(filepath.Join(s.basePath, older.name))
		}
		onDisk[key] = file
	}

	s.indexMu.Lock()
	for key, entry := range s.index {
		file, ok := onDisk[key]
		switch {
		case !ok || file.name != entry.FileName():
			delete(s.index, key)
			report.Dropped++
		case file.size != entry.SizeBytes:
			delete(s.index, key)
			delete(onDisk, key)
			os.Remove(entry.FilePath)
			report.Truncated++
		}
	}
	for key, file := range onDisk {
		if _, ok := s.index[key]; ok {
			continue
		}
		path := filepath.Join(s.basePath, file.name)
		contentType, sourceURL := readAttrs(path)
		if contentType == "" {
			contentType = contentTypeForExtension(file.ext)
		}
		s.index[key] = Entry{
			Key:         key,
			FilePath:    path,
			ContentType: contentType,
			SizeBytes:   file.size,
			CreatedAt:   file.modTime.UTC(),
			SourceURL:   sourceURL,
		}
		report.Adopted++
	}
	var total int64
	for _, entry := range s.index {
		total += entry.SizeBytes
	}
	s.total = total
	if report.Changed() {
		s.gen++
	}
	s.indexMu.Unlock()

	if err := s.persistIndex(); err != nil {
		return report, err
	}
	return report, nil
}

// RunReconciler 周期性执行对账，直到 ctx 结束。interval <= 0 时直接返回。
func RunReconciler(ctx context.Context, store Store, interval time.Duration, logger logrus.FieldLogger) {
	if interval <= 0 || store == nil {
		return
	}
	if logger == nil {
		logger = logging.Discard()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			report, err := store.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.WithError(err).WithField("action", "cache_reconcile").Error("cache_reconcile_failed")
				continue
			}
			if report.Changed() {
				logger.WithFields(logrus.Fields{
					"action":       "cache_reconcile",
					"dropped":      report.Dropped,
					"truncated":    report.Truncated,
					"adopted":      report.Adopted,
					"temp_removed": report.TempRemoved,
				}).Info("cache_reconciled")
			}
		case <-ctx.Done():
			return
		}
	}
}
