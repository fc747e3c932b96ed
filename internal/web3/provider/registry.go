package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"Aegis-Evaluator/internal/config"
	"Aegis-Evaluator/internal/web3"
	"Aegis-Evaluator/internal/web3/ethereum"
)

// fallbackChain names the chain built from web3.rpc_url when no chain file is given.
const fallbackChain = "default"

// Endpoint pairs a connected client with the definition it was built from.
type Endpoint struct {
	Name       string
	Client     web3.Client
	Definition web3.ChainDefinition
}

// Registry holds the chain endpoints available to anchor sinks.
type Registry struct {
	defaultChain string
	endpoints    map[string]Endpoint
}

// NewRegistry dials every chain in the chain file, or web3.rpc_url when the file lists none.
func NewRegistry(ctx context.Context, cfg config.Web3Config) (*Registry, error) {
	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}
	if len(defs.Chains) == 0 && strings.TrimSpace(cfg.RPCURL) != "" {
		defs.Chains[fallbackChain] = web3.ChainDefinition{RPCURL: cfg.RPCURL}
		if cfg.DefaultChain == "" {
			cfg.DefaultChain = fallbackChain
		}
	}
	if len(defs.Chains) == 0 {
		return nil, errors.New("未配置任何链的 RPC 端点")
	}

	r := &Registry{endpoints: make(map[string]Endpoint, len(defs.Chains))}
	for _, name := range defs.Names() {
		def := defs.Chains[name]
		if def.Kind() != "evm" {
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, def.Type)
		}
		client, err := ethereum.NewClient(ctx, ethereum.Config{Name: name, RPCURL: def.RPCURL, Notes: def.Description})
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
		}
		r.endpoints[name] = Endpoint{Name: name, Client: client, Definition: def}
	}

	r.defaultChain = cfg.DefaultChain
	if r.defaultChain == "" {
		r.defaultChain = defs.Names()[0]
	}
	if _, ok := r.endpoints[r.defaultChain]; !ok {
		r.Close()
		return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
	}
	return r, nil
}

// DefaultChain returns the name used when a sink does not pick a chain.
func (r *Registry) DefaultChain() string {
	if r == nil {
		return ""
	}
	return r.defaultChain
}

// Resolve returns the named endpoint, or the default one when name is empty.
func (r *Registry) Resolve(name string) (Endpoint, error) {
	if r == nil {
		return Endpoint{}, errors.New("未初始化的链客户端注册表")
	}
	if name == "" {
		name = r.defaultChain
	}
	ep, ok := r.endpoints[name]
	if !ok {
		return Endpoint{}, fmt.Errorf("链 %s 未在注册表中", name)
	}
	return ep, nil
}

// Chains lists the registered chain names in order.
func (r *Registry) Chains() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.endpoints))
	for name := range r.endpoints {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close disconnects every client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for name, ep := range r.endpoints {
		if ep.Client != nil {
			ep.Client.Close()
		}
		delete(r.endpoints, name)
	}
}
