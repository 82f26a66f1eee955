// Package trajectory records every explorer step so episodes can be replayed
// and analysed offline.
package trajectory

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// StepRecord 表示一次技能调用及其奖励归因的落库结构。
type StepRecord struct {
	EpisodeID    string   `json:"episode_id"`
	Step         int      `json:"step"`
	Skill        string   `json:"skill"`
	OK           bool     `json:"ok"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`
	BaseReward   float64  `json:"base_reward"`
	Bonus        float64  `json:"bonus"`
	TotalReward  float64  `json:"total_reward"`
	DoneReason   string   `json:"done_reason"`
	NewProtocols []string `json:"new_protocols"`
	Programs     []string `json:"programs"`
	Signature    string   `json:"signature,omitempty"`
	ComputeUnits uint64   `json:"compute_units,omitempty"`
	DurationMS   int64    `json:"duration_ms"`
	CreatedAt    int64    `json:"created_at"`
}

// Repository 抽象轨迹数据的持久化接口。
type Repository interface {
	Save(ctx context.Context, record StepRecord) error
	// ListLatest returns the newest records first.
	ListLatest(ctx context.Context, limit int) ([]StepRecord, error)
	Close() error
}

// ErrUnsupportedDriver 表示未知的存储驱动。
var ErrUnsupportedDriver = errors.New("暂不支持的存储驱动")

// Supported drivers.
const (
	DriverFile   = "file"
	DriverMySQL  = "mysql"
	DriverSQLite = "sqlite"
)

// Options selects and configures a driver.
type Options struct {
	Driver string
	// Path is the JSONL file for file and the database file for sqlite.
	Path string
	DSN  string
}

// Open builds the repository for opts.Driver.
func Open(ctx context.Context, opts Options) (Repository, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Driver)) {
	case "", DriverFile:
		return NewFileRepository(opts.Path)
	case DriverMySQL:
		return NewMySQLRepository(ctx, opts.DSN)
	case DriverSQLite:
		return NewSQLiteRepository(ctx, opts.Path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, opts.Driver)
	}
}
