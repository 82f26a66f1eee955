package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"ChainVoyager/pkg/logger"
)

const (
	// EnvPrefix 为环境变量覆盖的统一前缀，层级之间使用双下划线分隔，
	// 例如 VOYAGER_SANDBOX__COMPILE_TIMEOUT_MS -> sandbox.compile_timeout_ms。
	EnvPrefix = "VOYAGER_"
	// EnvConfigPath 指定配置文件路径。
	EnvConfigPath = "VOYAGER_CONFIG"
	// DefaultPath 为未指定路径时使用的配置文件。
	DefaultPath = "configs/voyager.yaml"
)

// Config 描述了 voyagerd 启动阶段需要加载的全部配置。
type Config struct {
	Log        logger.Config    `koanf:"log"`
	Lookup     LookupConfig     `koanf:"lookup"`
	Sandbox    SandboxConfig    `koanf:"sandbox"`
	Skills     SkillsConfig     `koanf:"skills"`
	Chain      ChainConfig      `koanf:"chain"`
	Explorer   ExplorerConfig   `koanf:"explorer"`
	Trajectory TrajectoryConfig `koanf:"trajectory"`
	Events     EventsConfig     `koanf:"events"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Runtime    RuntimeConfig    `koanf:"runtime"`
}

// LookupConfig 指向 programID -> 项目名称 的 CSV 表。
type LookupConfig struct {
	Path string `koanf:"path"`
}

// SandboxConfig 控制技能子进程的启动方式与时间预算。
type SandboxConfig struct {
	// Command 为空时使用当前可执行文件。
	Command          string   `koanf:"command"`
	Args             []string `koanf:"args"`
	CompileTimeoutMS int      `koanf:"compile_timeout_ms"`
	ExecTimeoutMS    int      `koanf:"exec_timeout_ms"`
	MaxOutputBytes   int      `koanf:"max_output_bytes"`
	WorkDir          string   `koanf:"work_dir"`
	AllowImports     []string `koanf:"allow_imports"`
	DenyImports      []string `koanf:"deny_imports"`
}

// SkillsConfig 描述技能源码目录以及向量索引目录。
type SkillsConfig struct {
	Dir          string `koanf:"dir"`
	StoreDir     string `koanf:"store_dir"`
	EmbeddingDim int    `koanf:"embedding_dim"`
}

// ChainConfig 选择链定义文件中的某条链，并给出代理账户。
type ChainConfig struct {
	Definitions string `koanf:"definitions"`
	Name        string `koanf:"name"`
	Agent       string `koanf:"agent"`
}

// ExplorerConfig 控制回合长度与并行度。
type ExplorerConfig struct {
	MaxSteps int `koanf:"max_steps"`
	Parallel int `koanf:"parallel"`
}

// TrajectoryConfig 选择轨迹记录的存储后端。
type TrajectoryConfig struct {
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
	Path   string `koanf:"path"`
}

// EventsConfig 选择发现事件总线的实现。
type EventsConfig struct {
	Driver   string         `koanf:"driver"`
	Buffer   int            `koanf:"buffer"`
	Redis    RedisConfig    `koanf:"redis"`
	RabbitMQ RabbitMQConfig `koanf:"rabbitmq"`
}

// RedisConfig 为 Redis 队列的连接参数。
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
	Queue    string `koanf:"queue"`
}

// RabbitMQConfig 为 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL      string `koanf:"url"`
	Queue    string `koanf:"queue"`
	Prefetch int    `koanf:"prefetch"`
}

// MetricsConfig 控制 /metrics 端点。
type MetricsConfig struct {
	Address string `koanf:"address"`
}

// RuntimeConfig 用于放置运行时的通用参数。
type RuntimeConfig struct {
	DataDir string `koanf:"data_dir"`
}

// ResolvePath 依次使用显式参数、VOYAGER_CONFIG 与默认路径。
func ResolvePath(flagValue string) string {
	if strings.TrimSpace(flagValue) != "" {
		return flagValue
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfigPath)); v != "" {
		return v
	}
	return DefaultPath
}

// Load 解析 YAML 配置文件并叠加环境变量覆盖。
// 文件不存在且 path 为默认路径时，仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	k := koanf.New(".")
	baseDir := filepath.Dir(path)
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
	} else if !errors.Is(err, os.ErrNotExist) || path != DefaultPath {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	} else {
		baseDir = "."
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("加载环境变量失败: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(baseDir)
	return &cfg, nil
}

func envKey(s string) string {
	if s == EnvConfigPath {
		return ""
	}
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Audit.Enabled {
		c.Log.Audit.Path = resolve(baseDir, c.Log.Audit.Path, "logs/audit.log")
	}

	c.Runtime.DataDir = resolve(baseDir, c.Runtime.DataDir, "data")

	c.Lookup.Path = resolveData(baseDir, c.Runtime.DataDir, c.Lookup.Path, "program_ids.csv")

	if c.Sandbox.CompileTimeoutMS <= 0 {
		c.Sandbox.CompileTimeoutMS = 10_000
	}
	if c.Sandbox.ExecTimeoutMS <= 0 {
		c.Sandbox.ExecTimeoutMS = 5_000
	}
	if c.Sandbox.MaxOutputBytes <= 0 {
		c.Sandbox.MaxOutputBytes = 64 << 10
	}
	if c.Sandbox.WorkDir != "" {
		c.Sandbox.WorkDir = resolve(baseDir, c.Sandbox.WorkDir, "")
	}

	c.Skills.Dir = resolveData(baseDir, c.Runtime.DataDir, c.Skills.Dir, "skills")
	c.Skills.StoreDir = resolveData(baseDir, c.Runtime.DataDir, c.Skills.StoreDir, "skillstore")
	if c.Skills.EmbeddingDim <= 0 {
		c.Skills.EmbeddingDim = 256
	}

	if c.Chain.Definitions != "" {
		c.Chain.Definitions = resolve(baseDir, c.Chain.Definitions, "")
	}
	if c.Chain.Name == "" {
		c.Chain.Name = "local"
	}

	if c.Explorer.MaxSteps <= 0 {
		c.Explorer.MaxSteps = 50
	}
	if c.Explorer.Parallel <= 0 {
		c.Explorer.Parallel = 1
	}

	if c.Trajectory.Driver == "" {
		c.Trajectory.Driver = "file"
	}
	if c.Trajectory.Driver == "file" || c.Trajectory.Driver == "sqlite" {
		name := "trajectory.jsonl"
		if c.Trajectory.Driver == "sqlite" {
			name = "trajectory.db"
		}
		c.Trajectory.Path = resolveData(baseDir, c.Runtime.DataDir, c.Trajectory.Path, name)
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Redis.Queue == "" {
		c.Events.Redis.Queue = "voyager:discoveries"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "voyager.discoveries"
	}
	if c.Events.RabbitMQ.Prefetch <= 0 {
		c.Events.RabbitMQ.Prefetch = 16
	}
}

func resolve(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if value == "" || filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// resolveData 把未填写的路径放到数据目录下，填写的相对路径仍以配置目录为准。
func resolveData(baseDir, dataDir, value, name string) string {
	if value == "" {
		return filepath.Join(dataDir, name)
	}
	return resolve(baseDir, value, "")
}
