package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"ChainVoyager/internal/chain"
	"ChainVoyager/internal/config"
	"ChainVoyager/internal/events"
	"ChainVoyager/internal/explorer"
	"ChainVoyager/internal/lookup"
	"ChainVoyager/internal/reward"
	"ChainVoyager/internal/sandbox"
	"ChainVoyager/internal/skill"
	"ChainVoyager/internal/skillstore"
	"ChainVoyager/internal/trajectory"
	"ChainVoyager/pkg/logger"
)

// app 聚合一次命令执行所需的组件，按需懒加载。
type app struct {
	cfg *config.Config

	table    *lookup.Table
	labeler  *reward.Labeler
	engine   *reward.Engine
	library  *skill.Library
	chains   *chain.Registry
	sandbox  *sandbox.Sandbox
	recorder trajectory.Repository
	bus      events.Bus

	closers []func() error
}

func newApplication(_ context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("创建数据目录失败: %w", err)
	}
	return &app{cfg: cfg}, nil
}

// Close 按创建顺序的逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := logger.Sync(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Reward 加载查找表并构建奖励引擎；查找表缺失属于致命错误。
func (a *app) Reward() (*reward.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	table, err := lookup.Load(a.cfg.Lookup.Path)
	if err != nil {
		return nil, err
	}
	logger.L().Info("lookup table loaded", "path", table.Source(), "programs", table.Len(), "skipped", table.Skipped())
	labeler, err := reward.NewLabeler(table)
	if err != nil {
		return nil, err
	}
	engine, err := reward.NewEngine(labeler)
	if err != nil {
		return nil, err
	}
	a.table, a.labeler, a.engine = table, labeler, engine
	return engine, nil
}

func (a *app) Labeler() (*reward.Labeler, error) {
	if _, err := a.Reward(); err != nil {
		return nil, err
	}
	return a.labeler, nil
}

func (a *app) Library() (*skill.Library, error) {
	if a.library != nil {
		return a.library, nil
	}
	store, err := skillstore.OpenOrNew(a.cfg.Skills.StoreDir, a.cfg.Skills.EmbeddingDim)
	if err != nil {
		return nil, fmt.Errorf("打开技能索引失败: %w", err)
	}
	lib, err := skill.OpenLibrary(a.cfg.Skills.Dir, store, a.cfg.Skills.StoreDir, skill.NewHashingEmbedder(store.Dim()))
	if err != nil {
		return nil, err
	}
	a.library = lib
	return lib, nil
}

func (a *app) Chains(ctx context.Context) (*chain.Registry, error) {
	if a.chains != nil {
		return a.chains, nil
	}
	defs, err := chain.LoadDefinitions(a.cfg.Chain.Definitions)
	if err != nil {
		return nil, err
	}
	registry, err := chain.NewRegistry(ctx, defs, a.cfg.Chain.Name, filepath.Dir(a.cfg.Chain.Definitions))
	if err != nil {
		return nil, err
	}
	a.chains = registry
	a.closers = append(a.closers, func() error { registry.Close(); return nil })
	return registry, nil
}

func (a *app) Sandbox() (*sandbox.Sandbox, error) {
	if a.sandbox != nil {
		return a.sandbox, nil
	}
	sc := a.cfg.Sandbox
	sb, err := sandbox.New(sandbox.Config{
		Command:        sc.Command,
		Args:           sc.Args,
		CompileTimeout: time.Duration(sc.CompileTimeoutMS) * time.Millisecond,
		ExecTimeout:    time.Duration(sc.ExecTimeoutMS) * time.Millisecond,
		MaxOutputBytes: sc.MaxOutputBytes,
		WorkDir:        sc.WorkDir,
		Policy:         sandbox.ImportPolicy{Allow: sc.AllowImports, Deny: sc.DenyImports},
	})
	if err != nil {
		return nil, err
	}
	a.sandbox = sb
	return sb, nil
}

func (a *app) Recorder(ctx context.Context) (trajectory.Repository, error) {
	if a.recorder != nil {
		return a.recorder, nil
	}
	tc := a.cfg.Trajectory
	repo, err := trajectory.Open(ctx, trajectory.Options{Driver: tc.Driver, Path: tc.Path, DSN: tc.DSN})
	if err != nil {
		return nil, err
	}
	a.recorder = repo
	a.closers = append(a.closers, repo.Close)
	return repo, nil
}

func (a *app) Bus() (events.Bus, error) {
	if a.bus != nil {
		return a.bus, nil
	}
	ec := a.cfg.Events
	bus, err := events.Open(events.Options{
		Driver: ec.Driver,
		Buffer: ec.Buffer,
		Redis: events.RedisConfig{
			Address:  ec.Redis.Addr,
			Password: ec.Redis.Password,
			DB:       ec.Redis.DB,
			Queue:    ec.Redis.Queue,
		},
		RabbitMQ: events.RabbitMQConfig{
			URL:      ec.RabbitMQ.URL,
			Queue:    ec.RabbitMQ.Queue,
			Prefetch: ec.RabbitMQ.Prefetch,
			Durable:  true,
		},
	})
	if err != nil {
		return nil, err
	}
	a.bus = bus
	a.closers = append(a.closers, bus.Close)
	return bus, nil
}

// Explorer 为一个回合构建独立的 Explorer，其余组件在回合之间共享。
func (a *app) Explorer(ctx context.Context, maxSteps int, extra ...explorer.Option) (*explorer.Explorer, error) {
	engine, err := a.Reward()
	if err != nil {
		return nil, err
	}
	registry, err := a.Chains(ctx)
	if err != nil {
		return nil, err
	}
	client, err := registry.Default()
	if err != nil {
		return nil, err
	}
	sb, err := a.Sandbox()
	if err != nil {
		return nil, err
	}
	lib, err := a.Library()
	if err != nil {
		return nil, err
	}
	recorder, err := a.Recorder(ctx)
	if err != nil {
		return nil, err
	}
	bus, err := a.Bus()
	if err != nil {
		return nil, err
	}
	if maxSteps <= 0 {
		maxSteps = a.cfg.Explorer.MaxSteps
	}
	opts := append([]explorer.Option{
		explorer.WithAgent(a.cfg.Chain.Agent),
		explorer.WithMaxSteps(maxSteps),
		explorer.WithRecorder(recorder),
		explorer.WithPublisher(bus),
		explorer.WithPromoter(lib),
	}, extra...)
	return explorer.New(client, sb, engine, opts...)
}
