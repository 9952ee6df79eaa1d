package config

import (
	"github.com/ethereum/go-ethereum/common"

	"bridge-agent/internal/agent"
)

// ToAgent converts a validated root section.
func (c RootAgentConfig) ToAgent() agent.RootConfig {
	branches := make(map[uint16]common.Address, len(c.Branches))
	for chain, addr := range c.Branches {
		branches[chain] = common.HexToAddress(addr)
	}
	return agent.RootConfig{
		ChainID:       c.ChainID,
		Self:          common.HexToAddress(c.Address),
		Endpoint:      common.HexToAddress(c.Endpoint),
		Router:        common.HexToAddress(c.Router),
		Manager:       common.HexToAddress(c.Manager),
		SafetyAccount: common.HexToAddress(c.SafetyAccount),
		Delegation: agent.Delegation{
			Factory:      common.HexToAddress(c.DelegationFactory),
			InitCodeHash: common.HexToHash(c.DelegationInitCodeHash),
		},
		Branches: branches,
	}
}

// ToAgent converts a validated branch section.
func (c BranchAgentConfig) ToAgent() agent.BranchConfig {
	return agent.BranchConfig{
		ChainID:       c.ChainID,
		Self:          common.HexToAddress(c.Address),
		Endpoint:      common.HexToAddress(c.Endpoint),
		RootChainID:   c.RootChainID,
		RootAgent:     common.HexToAddress(c.RootAgent),
		Router:        common.HexToAddress(c.Router),
		SafetyAccount: common.HexToAddress(c.SafetyAccount),
	}
}
