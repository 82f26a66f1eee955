package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported definition types.
const (
	TypeSolana = "solana"
	TypeEVM    = "evm"
	TypeStatic = "static"
)

// Definitions models the structure of configs/chain.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single chain endpoint.
type Definition struct {
	Type        string `yaml:"type"`
	RPCURL      string `yaml:"rpc_url"`
	Commitment  string `yaml:"commitment"`
	Description string `yaml:"description"`
	// Static is only read for type static.
	Static StaticDefinition `yaml:"static"`
}

// StaticDefinition is the fixed data served by a static chain.
type StaticDefinition struct {
	Family          string            `yaml:"family"`
	LatestBlockhash string            `yaml:"latest_blockhash"`
	Slot            uint64            `yaml:"slot"`
	Balances        map[string]uint64 `yaml:"balances"`
	Data            map[string]string `yaml:"data"`
	// Receipts maps signatures to receipt JSON files.
	Receipts map[string]string `yaml:"receipts"`
}

// LoadDefinitions parses the YAML chain definition file. An empty path
// yields no definitions.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}
