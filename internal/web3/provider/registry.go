package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"AgentIntent-Chain/internal/config"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/web3"
	"AgentIntent-Chain/internal/web3/ethereum"
	"AgentIntent-Chain/pkg/logger"
)

// Dialer builds a chain client for an EVM domain.
type Dialer func(ctx context.Context, cfg ethereum.Config) (web3.Client, error)

// Registry tracks the execution domains known to the service, keyed by domain id.
type Registry struct {
	defaultChain string
	domains      map[uint64]web3.Domain
	clients      map[uint64]web3.Client
	log          *slog.Logger
}

// Option customises registry construction.
type Option func(*options)

type options struct {
	dialer  Dialer
	statics []uint64
}

// WithDialer overrides how EVM clients are created.
func WithDialer(dialer Dialer) Option {
	return func(o *options) {
		if dialer != nil {
			o.dialer = dialer
		}
	}
}

// WithStaticDomains registers domain ids that have no chain definition or RPC endpoint.
func WithStaticDomains(ids ...uint64) Option {
	return func(o *options) {
		o.statics = append(o.statics, ids...)
	}
}

func dialEthereum(ctx context.Context, cfg ethereum.Config) (web3.Client, error) {
	return ethereum.NewClient(ctx, cfg)
}

// NewRegistry loads chain definitions and instantiates concrete clients.
func NewRegistry(ctx context.Context, cfg config.Web3Config, opts ...Option) (*Registry, error) {
	o := options{dialer: dialEthereum}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	defs, err := web3.LoadChainDefinitions(cfg.ChainConfig)
	if err != nil {
		return nil, err
	}

	r := &Registry{
		domains: make(map[uint64]web3.Domain),
		clients: make(map[uint64]web3.Client),
		log:     logger.Named("web3"),
	}
	for name, chain := range defs.Chains {
		chainType := strings.ToLower(strings.TrimSpace(chain.Type))
		if chainType == "" {
			chainType = "evm"
		}
		domain := web3.Domain{Name: name, ID: chain.DomainID, Type: chainType, Description: chain.Description}
		switch chainType {
		case "evm":
			if strings.TrimSpace(chain.RPCURL) != "" {
				client, err := o.dialer(ctx, ethereum.Config{Name: name, RPCURL: chain.RPCURL, Notes: chain.Description})
				if err != nil {
					r.Close()
					return nil, fmt.Errorf("初始化链 %s 失败: %w", name, err)
				}
				r.clients[chain.DomainID] = client
				domain.Connected = true
			}
		case "external":
			// 由外部适配器负责投递，仅登记域编号。
		default:
			r.Close()
			return nil, fmt.Errorf("链 %s 使用了不支持的类型 %s", name, chain.Type)
		}
		r.domains[chain.DomainID] = domain
	}

	for _, id := range o.statics {
		if _, ok := r.domains[id]; ok || id == 0 {
			continue
		}
		r.domains[id] = web3.Domain{Name: fmt.Sprintf("domain-%d", id), ID: id, Type: "external"}
	}

	r.defaultChain = cfg.DefaultChain
	if r.defaultChain != "" {
		if _, ok := r.lookupByName(r.defaultChain); !ok {
			r.Close()
			return nil, fmt.Errorf("默认链 %s 未在配置中找到", r.defaultChain)
		}
	}
	return r, nil
}

func (r *Registry) lookupByName(name string) (web3.Domain, bool) {
	for _, d := range r.domains {
		if d.Name == name {
			return d, true
		}
	}
	return web3.Domain{}, false
}

// Empty reports whether no domain is configured, in which case domain checks are disabled.
func (r *Registry) Empty() bool {
	return r == nil || len(r.domains) == 0
}

// SupportsDomain implements intent.DomainValidator.
func (r *Registry) SupportsDomain(id uint64) bool {
	if r == nil {
		return false
	}
	_, ok := r.domains[id]
	return ok
}

// Domains returns the registered domains ordered by id.
func (r *Registry) Domains() []web3.Domain {
	if r == nil {
		return nil
	}
	out := make([]web3.Domain, 0, len(r.domains))
	for _, d := range r.domains {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// DefaultDomain returns the domain configured as default chain.
func (r *Registry) DefaultDomain() (web3.Domain, bool) {
	if r == nil || r.defaultChain == "" {
		return web3.Domain{}, false
	}
	return r.lookupByName(r.defaultChain)
}

// Client returns the chain client backing the domain.
func (r *Registry) Client(id uint64) (web3.Client, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[id]
	return client, ok
}

// Verify checks that every connected domain reports the chain id it is registered under.
func (r *Registry) Verify(ctx context.Context) error {
	if r == nil {
		return errors.New("未初始化的链注册表")
	}
	var errs []error
	for id, client := range r.clients {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("域 %d: %w", id, err))
			continue
		}
		if !chainID.IsUint64() || chainID.Uint64() != id {
			errs = append(errs, fmt.Errorf("域 %d 的节点返回链 ID %s", id, chainID))
		}
	}
	return errors.Join(errs...)
}

// Dispatch implements intent.Dispatcher. Delivery itself is external; connected
// destination domains are checked for liveness before the intent is released.
func (r *Registry) Dispatch(ctx context.Context, in *intent.Intent, payload intent.Payload) error {
	if r == nil || in == nil {
		return nil
	}
	client, ok := r.clients[in.DestinationDomain]
	if !ok {
		r.log.Info("目标域由外部适配器投递",
			slog.String("intent_id", in.IntentID.Hex()),
			slog.Uint64("destination_domain", in.DestinationDomain),
		)
		return nil
	}
	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("目标域 %d 不可用: %w", in.DestinationDomain, err)
	}
	r.log.Info("意图已交付目标域",
		slog.String("intent_id", in.IntentID.Hex()),
		slog.Uint64("destination_domain", in.DestinationDomain),
		slog.String("block_number", snapshot.BlockNumber),
		slog.String("recipient", payload.Recipient.Hex()),
		slog.String("value", payload.Value.String()),
	)
	return nil
}

// Snapshots returns a health snapshot for every connected domain.
func (r *Registry) Snapshots(ctx context.Context) map[uint64]web3.ChainSnapshot {
	out := make(map[uint64]web3.ChainSnapshot)
	if r == nil {
		return out
	}
	for id, client := range r.clients {
		snapshot, err := client.FetchChainSnapshot(ctx)
		if err != nil {
			snapshot = web3.ChainSnapshot{Notes: err.Error()}
		}
		out[id] = snapshot
	}
	return out
}

// Close releases all clients managed by the registry.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	for id, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, id)
	}
}
