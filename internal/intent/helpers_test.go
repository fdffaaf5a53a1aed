package intent

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/policy"
	"AgentIntent-Chain/internal/relayer"
)

var (
	testOwner     = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	testRelayer   = common.HexToAddress("0x00000000000000000000000000000000000000e1")
	testRecipient = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	testAction    = crypto.Keccak256Hash([]byte("transfer"))
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, evt events.Event) error {
	r.mu.Lock()
	r.events = append(r.events, evt)
	r.mu.Unlock()
	return nil
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, len(r.events))
	for i, evt := range r.events {
		out[i] = evt.Type
	}
	return out
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	key      *ecdsa.PrivateKey
	agentID  identity.AgentID
	registry *identity.Registry
	policy   *policy.Engine
	relayers *relayer.Directory
	store    Store
	events   *recorder
	engine   *Engine
}

func testDomain() Domain {
	return Domain{
		Name:              "AgentIntent",
		Version:           "1",
		ChainID:           big.NewInt(31337),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	}
}

func defaultTestPolicy() identity.Policy {
	return identity.Policy{
		MaxSpendPerDay: big.NewInt(1_000_000),
		MaxTxPerHour:   100,
		MaxValuePerTx:  big.NewInt(1_000),
	}
}

func newHarness(t *testing.T, pol identity.Policy, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		clock:  &fakeClock{now: time.Unix(1_700_000_000, 0)},
		events: &recorder{},
		store:  NewMemoryStore(),
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	h.key = key
	h.agentID = crypto.Keccak256Hash([]byte("agent:" + t.Name()))
	h.registry = identity.NewRegistry(identity.WithClock(h.clock.Now))
	if _, err := h.registry.Register(h.agentID, testOwner, crypto.PubkeyToAddress(key.PublicKey), pol); err != nil {
		t.Fatalf("register agent: %v", err)
	}
	h.policy = policy.NewEngine(h.registry, policy.WithClock(h.clock.Now))
	h.relayers = relayer.NewDirectory(relayer.WithMinStake(big.NewInt(1)), relayer.WithClock(h.clock.Now))
	if _, err := h.relayers.Register(context.Background(), testRelayer, big.NewInt(10)); err != nil {
		t.Fatalf("register relayer: %v", err)
	}

	base := []Option{
		WithStore(h.store),
		WithClock(h.clock.Now),
		WithPublisher(h.events),
	}
	h.engine = NewEngine(testDomain(), h.registry, h.policy, h.relayers, append(base, opts...)...)
	return h
}

func (h *harness) descriptor(nonce uint64, value int64) Descriptor {
	return Descriptor{
		IntentID:          crypto.Keccak256Hash(h.agentID.Bytes(), big.NewInt(int64(nonce)).Bytes(), []byte(h.t.Name())),
		AgentID:           h.agentID,
		SourceDomain:      1,
		DestinationDomain: 10,
		ActionHash:        testAction,
		Nonce:             nonce,
		Expiry:            h.clock.Now().Add(time.Hour).Unix(),
		Value:             big.NewInt(value),
		Recipient:         testRecipient,
	}
}

func (h *harness) sign(desc Descriptor) []byte {
	h.t.Helper()
	sig, err := testDomain().Sign(desc, h.key)
	if err != nil {
		h.t.Fatalf("sign: %v", err)
	}
	return sig
}

func (h *harness) emit(nonce uint64, value int64) (*Intent, error) {
	desc := h.descriptor(nonce, value)
	return h.engine.Emit(context.Background(), desc, h.sign(desc))
}

func (h *harness) mustPayload(desc Descriptor) []byte {
	h.t.Helper()
	payload, err := EncodePayload(PayloadFor(desc))
	if err != nil {
		h.t.Fatalf("encode payload: %v", err)
	}
	return payload
}
