package repo

import (
	"context"

	"go.uber.org/zap"

	"github.com/acpbridge/acpbridge/internal/common/config"
)

// BuildAgentEnv assembles the extra environment for an agent subprocess:
// model API keys plus service tokens for every enabled service, resolved
// per agent. GitHub gets a freshly minted installation token since the
// cached one may expire mid-session.
func (p *Provider) BuildAgentEnv(ctx context.Context, agentName string) []string {
	var env []string

	if v := config.GetServiceCredential("ANTHROPIC_API_KEY", agentName); v != "" {
		env = append(env, "ANTHROPIC_API_KEY="+v)
	}
	if v := config.GetServiceCredential("OPENAI_API_KEY", agentName); v != "" {
		env = append(env, "OPENAI_API_KEY="+v)
	}

	for _, service := range p.cfg.EnabledServices {
		switch service {
		case "github":
			if p.tokens == nil {
				continue
			}
			token, err := p.tokens.Token(ctx)
			if err != nil {
				p.log.Warn("Failed to get GitHub token for agent env", zap.Error(err))
				continue
			}
			env = append(env, "GH_TOKEN="+token)
		case "slack":
			if v := config.GetServiceCredential("SLACK_BOT_TOKEN", agentName); v != "" {
				env = append(env, "SLACK_BOT_TOKEN="+v)
			}
			if v := config.GetServiceCredential("SLACK_USER_TOKEN", agentName); v != "" {
				env = append(env, "SLACK_USER_TOKEN="+v)
			}
		case "linear":
			if v := config.GetServiceCredential("LINEAR_ACCESS_TOKEN", agentName); v != "" {
				env = append(env, "LINEAR_ACCESS_TOKEN="+v)
			}
		}
	}

	return env
}
