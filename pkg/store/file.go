package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
)

// FileStore 作业日志文件存储（封装文件操作和并发锁）
type FileStore struct {
	filePath string       // 数据文件路径
	mu       sync.RWMutex // 读写锁：读并发、写互斥
}

// NewFileStore 创建文件存储实例（初始化目录+文件）
func NewFileStore(filePath string) (*FileStore, error) {
	fs := &FileStore{
		filePath: filePath,
	}

	// 1. 确保父目录存在
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create parent dir %s failed: %w", dir, err)
	}

	// 2. 若文件不存在则写入空数组（避免首次读取报错）
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		if err := os.WriteFile(filePath, []byte("[]"), 0644); err != nil {
			return nil, fmt.Errorf("create empty journal %s failed: %w", filePath, err)
		}
		log.Infof("created empty job journal: %s", filePath)
	} else if err != nil {
		return nil, fmt.Errorf("check file %s failed: %w", filePath, err)
	}

	return fs, nil
}

func (fs *FileStore) Path() string {
	return fs.filePath
}

func (fs *FileStore) read() ([]*Record, error) {
	var records []*Record
	data, err := os.ReadFile(fs.filePath)
	if err != nil {
		return nil, fmt.Errorf("read journal failed: %w", err)
	}
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("unmarshal journal failed: %w", err)
	}
	return records, nil
}

// write 原子写入（先写临时文件，再重命名）
func (fs *FileStore) write(records []*Record) error {
	output, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal failed: %w", err)
	}
	tempFile := fs.filePath + ".tmp"
	if err := os.WriteFile(tempFile, output, 0644); err != nil {
		return fmt.Errorf("write temp file failed: %w", err)
	}
	if err := os.Rename(tempFile, fs.filePath); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("rename temp file failed: %w", err)
	}
	return nil
}

// Save 存在同名记录则覆盖，否则新增
func (fs *FileStore) Save(_ context.Context, r *Record) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("invalid job record: nil or empty name")
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.read()
	if err != nil {
		return err
	}
	found := false
	for i, rec := range records {
		if rec.Name == r.Name {
			records[i] = r
			found = true
			break
		}
	}
	if !found {
		records = append(records, r)
	}
	if err := fs.write(records); err != nil {
		return err
	}
	log.Debugf("saved job record: name=%s kind=%s status=%s", r.Name, r.Kind, r.Status)
	return nil
}

func (fs *FileStore) Get(_ context.Context, name string) (*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.read()
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.Name == name {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

func (fs *FileStore) Delete(_ context.Context, name string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := fs.read()
	if err != nil {
		return err
	}
	kept := records[:0]
	for _, rec := range records {
		if rec.Name != name {
			kept = append(kept, rec)
		}
	}
	if len(kept) == len(records) {
		return ErrNotFound
	}
	return fs.write(kept)
}

func (fs *FileStore) List(_ context.Context, kind string) ([]*Record, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	records, err := fs.read()
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	sortNewestFirst(out)
	return out, nil
}

func (fs *FileStore) Close(context.Context) error {
	return nil
}

func sortNewestFirst(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
}
