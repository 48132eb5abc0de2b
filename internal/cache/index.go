package cache

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const indexVersion = 1

// indexFile 是 index.json 的落盘格式，文件名以相对根目录的形式保存，整个缓存目录可以搬迁。
type indexFile struct {
	Version int           `json:"version"`
	Entries []indexRecord `json:"entries"`
}

type indexRecord struct {
	Key         Key       `json:"key"`
	File        string    `json:"file"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// loadIndex reads index.json into memory. Records that do not match the disk
// layout are skipped; Reconcile decides what survives.
func (s *fileStore) loadIndex() error {
	data, err := os.ReadFile(filepath.Join(s.basePath, indexFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return errors.Wrap(err, "failed to read index file")
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}

	var file indexFile
	if err := json.Unmarshal(data, &file); err != nil {
		return errors.Wrap(err, "failed to parse index file")
	}
	if file.Version != indexVersion {
		return errors.Errorf("unsupported index version %d", file.Version)
	}

	s.indexMu.Lock()
	defer s.indexMu.Unlock()
	for _, rec := range file.Entries {
		if strings.ContainsAny(rec.File, `/\`) {
			continue
		}
		key, _, ok := splitFileName(rec.File)
		if !ok || key != rec.Key {
			continue
		}
		s.index[key] = Entry{
			Key:         key,
			FilePath:    filepath.Join(s.basePath, rec.File),
			ContentType: rec.ContentType,
			SizeBytes:   rec.SizeBytes,
			CreatedAt:   rec.CreatedAt,
			SourceURL:   rec.SourceURL,
		}
		s.total += rec.SizeBytes
	}
	s.gen++
	return nil
}

// persistIndex 将索引快照写入 index.json。快照与写盘都在 persistMu 内完成，
// 后写入的一定是更新的快照；若已落盘的代数不落后则直接跳过。
func (s *fileStore) persistIndex() error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.indexMu.RLock()
	gen := s.gen
	if gen == s.savedGen {
		s.indexMu.RUnlock()
		return nil
	}
	file := indexFile{
		Version: indexVersion,
		Entries: make([]indexRecord, 0, len(s.index)),
	}
	for _, entry := range s.index {
		file.Entries = append(file.Entries, indexRecord{
			Key:         entry.Key,
			File:        entry.FileName(),
			ContentType: entry.ContentType,
			SizeBytes:   entry.SizeBytes,
			CreatedAt:   entry.CreatedAt,
			SourceURL:   entry.SourceURL,
		})
	}
	s.indexMu.RUnlock()

	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].Key < file.Entries[j].Key
	})

	data, err := json.MarshalIndent(file, "", "\t")
	if err != nil {
		return errors.Wrap(err, "failed to marshal index")
	}

	tempFile, err := os.CreateTemp(s.basePath, tempPrefix+"index-*")
	if err != nil {
		return storageErr("create", s.basePath, errors.Wrap(err, "failed to open index for writing"))
	}
	tempName := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempName)
		return storageErr("write", tempName, errors.Wrap(err, "failed to write index"))
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempName)
		return storageErr("close", tempName, errors.Wrap(err, "failed to write index"))
	}
	target := filepath.Join(s.basePath, indexFileName)
	if err := os.Rename(tempName, target); err != nil {
		os.Remove(tempName)
		return storageErr("rename", target, errors.Wrap(err, "failed to replace index file"))
	}

	s.savedGen = gen
	return nil
}

// persistQuietly 用于写入路径：文件已落盘、内存索引已更新，快照失败只影响重启后的元数据，
// 下次启动的对账会从磁盘收养该文件。
func (s *fileStore) persistQuietly() {
	if err := s.persistIndex(); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"action": "cache_index_persist",
			"root":   s.basePath,
		}).Warn("cache_index_persist_failed")
	}
}
