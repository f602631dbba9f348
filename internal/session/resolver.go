package session

import (
	"context"
	"fmt"
	"maps"

	"github.com/nugget/harbor/internal/config"
)

// ResolveRequest names what a sandbox launch must be resolved for.
type ResolveRequest struct {
	AgentID string
	UserID  string
	Model   string
}

// Launch is the resolved launch material for one session.
type Launch struct {
	Image        string
	Model        string
	SystemPrompt string
	// Env holds credentials and any other per-agent variables. The
	// orchestrator adds the session keys on top.
	Env map[string]string
}

// Resolver turns an agent identity into launch material.
type Resolver interface {
	Resolve(ctx context.Context, req ResolveRequest) (Launch, error)
}

// ConfigResolver resolves launches from the agents section of the
// configuration.
type ConfigResolver struct {
	cfg *config.Config
}

// NewConfigResolver creates a resolver over cfg.
func NewConfigResolver(cfg *config.Config) *ConfigResolver {
	return &ConfigResolver{cfg: cfg}
}

// Resolve implements Resolver. Environment layers apply in order:
// sandbox defaults, the agent profile, then the profile's entry for the
// user. The model is the request's, else the profile's, else the
// configured default. When no profiles are configured every agent id
// launches the default image.
func (r *ConfigResolver) Resolve(_ context.Context, req ResolveRequest) (Launch, error) {
	profile := r.cfg.Profile(req.AgentID)
	if profile == nil && len(r.cfg.Agents) > 0 {
		return Launch{}, fmt.Errorf("unknown agent %q", req.AgentID)
	}

	l := Launch{
		Image: r.cfg.Sandbox.Image,
		Model: req.Model,
		Env:   maps.Clone(r.cfg.Sandbox.Env),
	}
	if l.Env == nil {
		l.Env = make(map[string]string)
	}
	if profile != nil {
		if profile.Image != "" {
			l.Image = profile.Image
		}
		if l.Model == "" {
			l.Model = profile.Model
		}
		l.SystemPrompt = profile.SystemPrompt
		maps.Copy(l.Env, profile.Env)
		if req.UserID != "" {
			maps.Copy(l.Env, profile.UserEnv[req.UserID])
		}
	}
	if l.Model == "" {
		l.Model = r.cfg.Models.Default
	}
	if l.Image == "" {
		return Launch{}, fmt.Errorf("no sandbox image for agent %q", req.AgentID)
	}
	if l.Model == "" {
		return Launch{}, fmt.Errorf("no model for agent %q", req.AgentID)
	}
	return l, nil
}
