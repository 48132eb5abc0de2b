package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"
)

// Store 负责管理媒体缓存的磁盘读写与索引。磁盘布局遵循：
//
//	<StoragePath>/index.json    # 索引快照
//	<StoragePath>/<key><ext>    # 实际正文，key 为 URL 的 SHA-256
//
// 正文先写入临时文件并 rename，之后才登记到索引，读者不会观察到半写入的条目。
type Store interface {
	// Has 仅查询索引，不触碰磁盘。
	Has(ctx context.Context, key Key) bool

	// Get 返回已索引的条目；不存在或文件已丢失时返回 ErrNotFound。
	Get(ctx context.Context, key Key) (*Entry, error)

	// Lookup 将此前返回给调用方的本地路径反查为条目，根目录之外的路径一律视为不存在。
	Lookup(ctx context.Context, filePath string) (*Entry, error)

	// Put 将 body 完整写入磁盘后登记索引。文件系统失败返回 *StorageError。
	Put(ctx context.Context, key Key, body io.Reader, opts PutOptions) (*Entry, error)

	// CopyOut 将缓存文件复制到调用方指定的位置，用于“另存为”。
	CopyOut(ctx context.Context, key Key, destination string) error

	// TotalSize 返回所有已索引条目的字节数之和。
	TotalSize(ctx context.Context) (int64, error)

	// Clear 删除根目录下的全部文件并清空索引，期间与 Put 互斥。
	Clear(ctx context.Context) error

	// Reconcile 以磁盘为准修正索引：丢弃文件缺失的条目、收养孤儿文件、清理残留临时文件。
	Reconcile(ctx context.Context) (ReconcileReport, error)

	// Stats 返回索引的即时快照，供诊断接口使用。
	Stats() Stats
}

// PutOptions 控制写入过程中的可选属性。
type PutOptions struct {
	// ContentType 为上游响应头中的原始值，可为空。
	ContentType string
	// SourceURL 记录条目来源，用于推断扩展名与诊断。
	SourceURL string
	// Extension 带前导点的扩展名；为空时按 ContentType → 内容嗅探 → URL 后缀推断。
	Extension string
}

// Entry 描述一个已落盘并登记的缓存条目。Entry 是值类型，修改请使用 With* 方法返回副本。
type Entry struct {
	Key         Key       `json:"key"`
	FilePath    string    `json:"file_path"`
	ContentType string    `json:"content_type,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
	SourceURL   string    `json:"source_url,omitempty"`
}

// WithSize returns a copy of the entry with SizeBytes replaced.
func (e Entry) WithSize(size int64) Entry {
	e.SizeBytes = size
	return e
}

// WithContentType returns a copy of the entry with ContentType replaced.
func (e Entry) WithContentType(contentType string) Entry {
	e.ContentType = contentType
	return e
}

// FileName 返回条目在缓存根目录下的文件名。
func (e Entry) FileName() string {
	return filepath.Base(e.FilePath)
}

// Stats 汇总索引状态。
type Stats struct {
	Root      string `json:"root"`
	Entries   int    `json:"entries"`
	SizeBytes int64  `json:"size_bytes"`
}

// ReconcileReport 记录一次对账的修正结果。
type ReconcileReport struct {
	Dropped     int `json:"dropped"`
	Truncated   int `json:"truncated"`
	Adopted     int `json:"adopted"`
	TempRemoved int `json:"temp_removed"`
}

// Changed reports whether the pass modified the index or the directory.
func (r ReconcileReport) Changed() bool {
	return r.Dropped+r.Truncated+r.Adopted+r.TempRemoved > 0
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")

	// ErrEmptyBody 表示拒绝写入零字节正文，避免索引指向空文件。
	ErrEmptyBody = errors.New("refusing to cache an empty body")
)

// StorageError wraps a failed filesystem operation on the cache root or an
// export destination.
type StorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("cache %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, path string, err error) error {
	return &StorageError{Op: op, Path: path, Err: err}
}
