package chain

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
)

// Registry manages a set of chain clients keyed by human readable names.
type Registry struct {
	defaultChain string
	clients      map[string]Client
}

// NewRegistry instantiates a client for every definition. baseDir resolves
// relative receipt paths of static chains. Without definitions a single
// static chain named defaultChain is registered.
func NewRegistry(ctx context.Context, defs Definitions, defaultChain, baseDir string) (*Registry, error) {
	clients := make(map[string]Client)
	closeAll := func() {
		for _, c := range clients {
			c.Close()
		}
	}

	for name, def := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(def.Type))
		if chainType == "" {
			chainType = TypeSolana
		}
		switch chainType {
		case TypeSolana:
			client, err := NewSolanaClient(ctx, name, def.RPCURL, def.Commitment)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		case TypeEVM:
			client, err := NewEVMClient(ctx, name, def.RPCURL)
			if err != nil {
				closeAll()
				return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
			}
			clients[name] = client
		case TypeStatic:
			static := def.Static
			if len(static.Receipts) > 0 {
				resolved := make(map[string]string, len(static.Receipts))
				for sig, path := range static.Receipts {
					if !filepath.IsAbs(path) && baseDir != "" {
						path = filepath.Join(baseDir, path)
					}
					resolved[sig] = path
				}
				static.Receipts = resolved
			}
			clients[name] = NewStaticClient(name, static)
		default:
			closeAll()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
	}

	if len(clients) == 0 {
		if defaultChain == "" {
			defaultChain = "local"
		}
		clients[defaultChain] = NewStaticClient(defaultChain, StaticDefinition{})
	}

	if defaultChain == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultChain = names[0]
	}
	if _, ok := clients[defaultChain]; !ok {
		closeAll()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", defaultChain)
	}

	return &Registry{defaultChain: defaultChain, clients: clients}, nil
}

// Default returns the client configured as default chain.
func (r *Registry) Default() (Client, error) {
	if r == nil {
		return nil, errors.New("未初始化的链客户端注册表")
	}
	client, ok := r.clients[r.defaultChain]
	if !ok {
		return nil, fmt.Errorf("默认链 %s 未在注册表中", r.defaultChain)
	}
	return client, nil
}

// Client returns the chain client identified by name.
func (r *Registry) Client(name string) (Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// Chains returns the registered chain names in sorted order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, name)
	}
}
