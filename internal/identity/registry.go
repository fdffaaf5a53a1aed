package identity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentIntent-Chain/pkg/logger"
)

// Registry 保存智能体记录以及签名凭证到智能体的反向索引。
// 所有写操作在同一把锁内完成先检查后生效。
type Registry struct {
	mu       sync.RWMutex
	agents   map[AgentID]*Agent
	bySigner map[common.Address]AgentID
	now      func() time.Time
}

// Option 定义可选配置。
type Option func(*Registry)

// WithClock 指定时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRegistry 创建空的注册表。
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		agents:   make(map[AgentID]*Agent),
		bySigner: make(map[common.Address]AgentID),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RequireOwner 是仅所有者可调用操作的授权判定，不产生任何副作用。
func RequireOwner(agent *Agent, caller common.Address) error {
	if agent == nil {
		return ErrAgentNotFound
	}
	if caller == (common.Address{}) || agent.Owner != caller {
		return ErrUnauthorizedCaller
	}
	return nil
}

// Register 注册新的智能体并绑定签名凭证。
func (r *Registry) Register(agentID AgentID, owner, signer common.Address, policy Policy) (*Agent, error) {
	if agentID == (AgentID{}) {
		return nil, ErrInvalidAgentID
	}
	if owner == (common.Address{}) || signer == (common.Address{}) {
		return nil, ErrInvalidCredential
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agentID]; exists {
		return nil, ErrAgentAlreadyExists
	}
	if bound, exists := r.bySigner[signer]; exists && bound != agentID {
		return nil, ErrCredentialAlreadyBound
	}

	now := r.now().Unix()
	agent := &Agent{
		ID:           agentID,
		Owner:        owner,
		Signer:       signer,
		Policy:       policy.Clone(),
		Active:       true,
		RegisteredAt: now,
		UpdatedAt:    now,
	}
	r.agents[agentID] = agent
	r.bySigner[signer] = agentID

	logger.Audit().Info("智能体注册成功",
		slog.String("agent_id", agentID.Hex()),
		slog.String("owner", owner.Hex()),
		slog.String("signer", signer.Hex()),
	)
	return agent.clone(), nil
}

// UpdatePolicy 由所有者替换智能体策略。
func (r *Registry) UpdatePolicy(caller common.Address, agentID AgentID, policy Policy) error {
	if err := policy.validate(); err != nil {
		return err
	}
	return r.mutate(caller, agentID, "policy_updated", func(agent *Agent) {
		agent.Policy = policy.Clone()
	})
}

// UpdateMetadata 由所有者更新外部元数据引用。
func (r *Registry) UpdateMetadata(caller common.Address, agentID AgentID, ref string) error {
	return r.mutate(caller, agentID, "metadata_updated", func(agent *Agent) {
		agent.MetadataRef = ref
	})
}

// Deactivate 停用智能体，之后的意图将被拒绝。
func (r *Registry) Deactivate(caller common.Address, agentID AgentID) error {
	return r.mutate(caller, agentID, "deactivated", func(agent *Agent) {
		agent.Active = false
	})
}

// Reactivate 重新启用智能体。
func (r *Registry) Reactivate(caller common.Address, agentID AgentID) error {
	return r.mutate(caller, agentID, "reactivated", func(agent *Agent) {
		agent.Active = true
	})
}

func (r *Registry) mutate(caller common.Address, agentID AgentID, action string, apply func(*Agent)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	if err := RequireOwner(agent, caller); err != nil {
		return err
	}
	apply(agent)
	agent.UpdatedAt = r.now().Unix()

	logger.Audit().Info("智能体记录变更",
		slog.String("agent_id", agentID.Hex()),
		slog.String("action", action),
		slog.String("caller", caller.Hex()),
	)
	return nil
}

// IsActive 返回智能体是否处于启用状态，未知智能体视为未启用。
func (r *Registry) IsActive(agentID AgentID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	return ok && agent.Active
}

// GetPolicy 返回智能体策略的副本。
func (r *Registry) GetPolicy(agentID AgentID) (Policy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return Policy{}, ErrAgentNotFound
	}
	return agent.Policy.Clone(), nil
}

// Get 返回智能体记录的副本。
func (r *Registry) Get(agentID AgentID) (*Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agent, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return agent.clone(), nil
}

// ResolveBySigningCredential 通过签名凭证反查智能体。
func (r *Registry) ResolveBySigningCredential(signer common.Address) (AgentID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.bySigner[signer]
	return id, ok
}
