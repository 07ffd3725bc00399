package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/zhouzirui/z-voice/backend/internal/model/agent"
)

type agentsFile struct {
	Agents []agent.Config `yaml:"agents"`
}

// LoadAgents 读取 agent 种子文件；未配置时返回内置种子。
func LoadAgents(cfg AgentsConfig) ([]agent.Config, error) {
	if cfg.File == "" {
		return agent.Seed(), nil
	}

	data, err := os.ReadFile(cfg.File)
	if err != nil {
		return nil, fmt.Errorf("read agents file: %w", err)
	}

	var parsed agentsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse agents file %s: %w", cfg.File, err)
	}

	seen := make(map[string]struct{}, len(parsed.Agents))
	for i, item := range parsed.Agents {
		if item.ID == "" {
			return nil, fmt.Errorf("agents file %s: entry %d has no id", cfg.File, i)
		}
		if _, dup := seen[item.ID]; dup {
			return nil, fmt.Errorf("agents file %s: duplicate id %q", cfg.File, item.ID)
		}
		seen[item.ID] = struct{}{}
	}
	return parsed.Agents, nil
}
