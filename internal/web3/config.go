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

// ChainDefinition describes a single verification target.
type ChainDefinition struct {
	// Type is evm or simulated. Empty means evm.
	Type            string `yaml:"type"`
	RPCURL          string `yaml:"rpc_url"`
	ChainID         int64  `yaml:"chain_id"`
	VerifierAddress string `yaml:"verifier_address"`
	// Domain is the payment gateway domain of this chain.
	Domain      uint32 `yaml:"domain"`
	Description string `yaml:"description"`
	// Simulated chains only.
	RejectEmptyProofs bool `yaml:"reject_empty_proofs"`
	PendingPolls      int  `yaml:"pending_polls"`
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

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	for name, def := range defs.Chains {
		if err := def.validate(); err != nil {
			return ChainDefinitions{}, fmt.Errorf("链 %s 配置无效: %w", name, err)
		}
	}
	return defs, nil
}

// NormalizedType returns the lowercase chain type, defaulting to evm.
func (d ChainDefinition) NormalizedType() string {
	t := strings.ToLower(strings.TrimSpace(d.Type))
	if t == "" {
		return "evm"
	}
	return t
}

func (d ChainDefinition) validate() error {
	switch d.NormalizedType() {
	case "evm":
		if strings.TrimSpace(d.RPCURL) == "" {
			return fmt.Errorf("rpc_url is required")
		}
		if strings.TrimSpace(d.VerifierAddress) == "" {
			return fmt.Errorf("verifier_address is required")
		}
	case "simulated":
	default:
		return fmt.Errorf("unsupported type %q", d.Type)
	}
	return nil
}
