package provider

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"AgentIntent-Chain/internal/config"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/web3"
	"AgentIntent-Chain/internal/web3/ethereum"
)

type stubClient struct {
	chainID *big.Int
	err     error
	closed  bool
}

func (s *stubClient) ChainID(context.Context) (*big.Int, error) { return s.chainID, s.err }

func (s *stubClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	if s.err != nil {
		return web3.ChainSnapshot{}, s.err
	}
	return web3.ChainSnapshot{ChainID: "0x" + s.chainID.Text(16), BlockNumber: "0x10"}, nil
}

func (s *stubClient) Close() { s.closed = true }

const chainsYAML = `
chains:
  mainnet:
    type: evm
    domain_id: 1
    rpc_url: http://mainnet.invalid
  arbitrum:
    type: evm
    domain_id: 42161
    rpc_url: http://arbitrum.invalid
  cosmos-hub:
    type: external
    domain_id: 118
`

func writeChains(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	return path
}

func newTestRegistry(t *testing.T, clients map[string]*stubClient, opts ...Option) *Registry {
	t.Helper()
	dialer := func(_ context.Context, cfg ethereum.Config) (web3.Client, error) {
		client, ok := clients[cfg.Name]
		if !ok {
			return nil, errors.New("unexpected dial " + cfg.Name)
		}
		return client, nil
	}
	cfg := config.Web3Config{ChainConfig: writeChains(t, chainsYAML), DefaultChain: "mainnet"}
	reg, err := NewRegistry(context.Background(), cfg, append([]Option{WithDialer(dialer)}, opts...)...)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return reg
}

func TestRegistryDomains(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubClient{
		"mainnet":  {chainID: big.NewInt(1)},
		"arbitrum": {chainID: big.NewInt(42161)},
	}, WithStaticDomains(10, 1))

	for _, id := range []uint64{1, 10, 118, 42161} {
		if !reg.SupportsDomain(id) {
			t.Fatalf("expected domain %d to be supported", id)
		}
	}
	if reg.SupportsDomain(56) {
		t.Fatalf("unknown domain must not be supported")
	}
	domains := reg.Domains()
	if len(domains) != 4 || domains[0].ID != 1 || domains[3].ID != 42161 {
		t.Fatalf("unexpected domains %+v", domains)
	}
	if !domains[0].Connected || domains[1].Connected {
		t.Fatalf("connection flags wrong: %+v", domains)
	}
	def, ok := reg.DefaultDomain()
	if !ok || def.ID != 1 {
		t.Fatalf("unexpected default domain %+v", def)
	}
}

func TestRegistryVerifyDetectsChainIDMismatch(t *testing.T) {
	reg := newTestRegistry(t, map[string]*stubClient{
		"mainnet":  {chainID: big.NewInt(1)},
		"arbitrum": {chainID: big.NewInt(421614)},
	})
	err := reg.Verify(context.Background())
	if err == nil || !strings.Contains(err.Error(), "42161") {
		t.Fatalf("expected mismatch error, got %v", err)
	}
}

func TestRegistryDispatch(t *testing.T) {
	down := &stubClient{chainID: big.NewInt(42161), err: errors.New("connection refused")}
	reg := newTestRegistry(t, map[string]*stubClient{
		"mainnet":  {chainID: big.NewInt(1)},
		"arbitrum": down,
	})
	in := &intent.Intent{Descriptor: intent.Descriptor{
		IntentID:          common.HexToHash("0x1"),
		DestinationDomain: 1,
		Value:             big.NewInt(5),
	}}
	payload := intent.Payload{Value: big.NewInt(5)}

	if err := reg.Dispatch(context.Background(), in, payload); err != nil {
		t.Fatalf("dispatch to live domain: %v", err)
	}
	in.DestinationDomain = 118
	if err := reg.Dispatch(context.Background(), in, payload); err != nil {
		t.Fatalf("external domain should be accepted: %v", err)
	}
	in.DestinationDomain = 42161
	if err := reg.Dispatch(context.Background(), in, payload); err == nil {
		t.Fatalf("expected error for unreachable domain")
	}

	reg.Close()
	if !down.closed {
		t.Fatalf("close should release clients")
	}
}

func TestRegistryRejectsBadDefinitions(t *testing.T) {
	cases := map[string]string{
		"missing domain id": "chains:\n  a:\n    type: evm\n",
		"duplicate ids":     "chains:\n  a:\n    domain_id: 1\n  b:\n    domain_id: 1\n",
		"unknown type":      "chains:\n  a:\n    type: solana\n    domain_id: 7\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Web3Config{ChainConfig: writeChains(t, content)}
			if _, err := NewRegistry(context.Background(), cfg); err == nil {
				t.Fatalf("expected error")
			}
		})
	}

	cfg := config.Web3Config{ChainConfig: writeChains(t, "chains: {}\n"), DefaultChain: "ghost"}
	if _, err := NewRegistry(context.Background(), cfg); err == nil {
		t.Fatalf("expected error for missing default chain")
	}
}

func TestEmptyRegistry(t *testing.T) {
	reg, err := NewRegistry(context.Background(), config.Web3Config{})
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	if !reg.Empty() {
		t.Fatalf("registry without definitions should be empty")
	}
}
