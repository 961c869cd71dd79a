package pipeline

import (
	"fmt"

	"github.com/factfin/decision-pipeline/internal/tools"
)

// #region agent-config

// AgentConfig is one role's fixed capability set. Allowlists are closed at
// construction and never mutated at runtime; there is no all-capable role.
type AgentConfig struct {
	Name         string
	AllowedTools []string
}

// CheckTool returns nil when the tool is in this agent's allowlist. It
// runs before every invocation, so a disallowed call fails before any
// side effect.
func (a AgentConfig) CheckTool(name string) error {
	for _, t := range a.AllowedTools {
		if t == name {
			return nil
		}
	}
	return fmt.Errorf("%w: %q for agent %s", tools.ErrNotAllowlisted, name, a.Name)
}

// #endregion agent-config

// #region agents

// Agents is the full fixed cast of the pipeline.
type Agents struct {
	Planner     AgentConfig
	Executor    AgentConfig
	Critic      AgentConfig
	Compliance  AgentConfig
	RiskManager AgentConfig
}

// DefaultAgents returns the production role configuration. Planner,
// critic, and risk manager have no tool access at all.
func DefaultAgents() Agents {
	return Agents{
		Planner: AgentConfig{Name: "planner"},
		Executor: AgentConfig{
			Name: "executor",
			AllowedTools: []string{
				tools.ToolFetchMarketData,
				tools.ToolCleanData,
				tools.ToolRunAnalysis,
			},
		},
		Critic: AgentConfig{Name: "critic"},
		Compliance: AgentConfig{
			Name: "compliance",
			AllowedTools: []string{
				tools.ToolCheckRestricted,
				tools.ToolCheckWashSale,
			},
		},
		RiskManager: AgentConfig{Name: "risk_manager"},
	}
}

// validate rejects ambiguous tool configuration: every allowlisted name
// must be a known tool. Ambiguity never resolves permissively.
func (ag Agents) validate() error {
	known := tools.Known()
	for _, a := range []AgentConfig{ag.Planner, ag.Executor, ag.Critic, ag.Compliance, ag.RiskManager} {
		if a.Name == "" {
			return fmt.Errorf("agent with empty name in configuration")
		}
		for _, t := range a.AllowedTools {
			if !known[t] {
				return fmt.Errorf("agent %s allowlists unknown tool %q", a.Name, t)
			}
		}
	}
	return nil
}

// #endregion agents
