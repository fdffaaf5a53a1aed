package web3

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes a single execution domain.
type ChainDefinition struct {
	Type        string `yaml:"type"`
	DomainID    uint64 `yaml:"domain_id"`
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}
	return ParseChainDefinitions(content)
}

// ParseChainDefinitions decodes chain metadata and rejects duplicate domain ids.
func ParseChainDefinitions(content []byte) (ChainDefinitions, error) {
	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	seen := make(map[uint64]string, len(defs.Chains))
	for name, chain := range defs.Chains {
		if chain.DomainID == 0 {
			return ChainDefinitions{}, fmt.Errorf("链 %s 缺少 domain_id", name)
		}
		if other, ok := seen[chain.DomainID]; ok {
			return ChainDefinitions{}, fmt.Errorf("链 %s 与 %s 使用了相同的 domain_id %d", name, other, chain.DomainID)
		}
		seen[chain.DomainID] = name
	}
	return defs, nil
}
