package trajectory

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const keepInMemory = 512

// FileRepository 以 JSONL 追加写的方式记录轨迹，并在内存中保留最近的记录。
type FileRepository struct {
	mu       sync.RWMutex
	dataFile string
	records  []StepRecord
}

// NewFileRepository opens or creates the JSONL file at path.
func NewFileRepository(path string) (*FileRepository, error) {
	if path == "" {
		path = "trajectory.jsonl"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	repo := &FileRepository{dataFile: path}
	if err := repo.loadFromDisk(); err != nil {
		return nil, err
	}
	return repo, nil
}

// Save 以追加写的方式记录一步轨迹。
func (f *FileRepository) Save(_ context.Context, record StepRecord) error {
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("序列化轨迹记录失败: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.OpenFile(f.dataFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("打开轨迹日志失败: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(encoded, '\n')); err != nil {
		return fmt.Errorf("写入轨迹日志失败: %w", err)
	}

	f.records = append([]StepRecord{record}, f.records...)
	if len(f.records) > keepInMemory {
		f.records = f.records[:keepInMemory]
	}
	return nil
}

// ListLatest 返回最近的轨迹记录，按时间倒序排列。
func (f *FileRepository) ListLatest(_ context.Context, limit int) ([]StepRecord, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.records) {
		limit = len(f.records)
	}
	results := make([]StepRecord, limit)
	copy(results, f.records[:limit])
	return results, nil
}

// Close is a no-op; every Save closes the file.
func (f *FileRepository) Close() error { return nil }

func (f *FileRepository) loadFromDisk() error {
	file, err := os.OpenFile(f.dataFile, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("读取轨迹日志失败: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	var restored []StepRecord
	for scanner.Scan() {
		var record StepRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue
		}
		restored = append(restored, record)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("解析轨迹日志失败: %w", err)
	}

	// newest first
	for i, j := 0, len(restored)-1; i < j; i, j = i+1, j-1 {
		restored[i], restored[j] = restored[j], restored[i]
	}
	if len(restored) > keepInMemory {
		restored = restored[:keepInMemory]
	}
	f.records = restored
	return nil
}
