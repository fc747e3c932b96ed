package web3

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// ChainDefinitions models configs/chain.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one chain the anchor sink may submit roots to.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	ChainID     int64  `yaml:"chain_id"`
	Description string `yaml:"description"`
	// AnchorContract is the default anchor contract on this chain.
	AnchorContract string `yaml:"anchor_contract"`
}

// Kind returns the normalised chain type, "evm" when unset.
func (d ChainDefinition) Kind() string {
	kind := strings.ToLower(strings.TrimSpace(d.Type))
	if kind == "" {
		return "evm"
	}
	return kind
}

// Validate checks the fields the registry relies on.
func (d ChainDefinition) Validate() error {
	if strings.TrimSpace(d.RPCURL) == "" {
		return errors.New("缺少 rpc_url")
	}
	if d.ChainID < 0 {
		return fmt.Errorf("chain_id 不能为负数: %d", d.ChainID)
	}
	if d.AnchorContract != "" && !common.IsHexAddress(d.AnchorContract) {
		return fmt.Errorf("anchor_contract 不是有效地址: %q", d.AnchorContract)
	}
	return nil
}

// Names returns the chain names in lexical order.
func (c ChainDefinitions) Names() []string {
	names := make([]string, 0, len(c.Chains))
	for name := range c.Chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadChainDefinitions reads and validates the chain file. An empty path yields no chains.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	defs := ChainDefinitions{Chains: map[string]ChainDefinition{}}
	if strings.TrimSpace(path) == "" {
		return defs, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for _, name := range defs.Names() {
		if err := defs.Chains[name].Validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
	}
	return defs, nil
}
