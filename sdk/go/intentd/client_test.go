package intentd

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentIntent-Chain/internal/api"
	"AgentIntent-Chain/internal/audit"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/intent"
	"AgentIntent-Chain/internal/policy"
	"AgentIntent-Chain/internal/relayer"
)

func newTestServer(t *testing.T, domain intent.Domain) *httptest.Server {
	t.Helper()
	registry := identity.NewRegistry()
	policies := policy.NewEngine(registry)
	relayers := relayer.NewDirectory(relayer.WithMinStake(big.NewInt(1)))
	recorder := audit.NewRecorder()
	pipeline := audit.NewPipeline(recorder, nil)
	engine := intent.NewEngine(domain, registry, policies, relayers,
		intent.WithTimelock(0),
		intent.WithPublisher(events.NewFanout(pipeline)),
	)
	srv := httptest.NewServer(api.NewServer(":0", api.Services{
		Identity: registry,
		Policy:   policies,
		Intents:  engine,
		Relayers: relayers,
		Audit:    recorder,
		Pipeline: pipeline,
	}).Handler())
	t.Cleanup(srv.Close)
	return srv
}

func TestClientDrivesIntentLifecycle(t *testing.T) {
	domain := intent.Domain{
		Name:              "AgentIntent",
		Version:           "1",
		ChainID:           big.NewInt(1),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	}
	srv := newTestServer(t, domain)
	ctx := context.Background()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	owner := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	relayerAddr := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	agentID := crypto.Keccak256Hash([]byte("sdk-agent"))

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	client.SetCaller(owner.Hex())
	agent, err := client.RegisterAgent(ctx, AgentRegistration{
		AgentID: agentID.Hex(),
		Signer:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Policy:  Policy{MaxSpendPerDay: "1000", MaxTxPerHour: 5, MaxValuePerTx: "100"},
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	if !agent.Active || agent.Policy.MaxValuePerTx.String() != "100" {
		t.Fatalf("unexpected agent %+v", agent)
	}

	nonce, err := client.Nonce(ctx, agentID.Hex())
	if err != nil || nonce != 0 {
		t.Fatalf("unexpected nonce %d (%v)", nonce, err)
	}

	desc := intent.Descriptor{
		IntentID:          crypto.Keccak256Hash([]byte("sdk-intent")),
		AgentID:           agentID,
		SourceDomain:      1,
		DestinationDomain: 10,
		ActionHash:        crypto.Keccak256Hash([]byte("swap")),
		Nonce:             nonce,
		Expiry:            time.Now().Add(time.Hour).Unix(),
		Value:             big.NewInt(42),
		Recipient:         common.HexToAddress("0x00000000000000000000000000000000000000f0"),
	}
	sig, err := domain.Sign(desc, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	emitted, err := client.Emit(ctx, IntentRequest{
		IntentID:          desc.IntentID.Hex(),
		AgentID:           agentID.Hex(),
		SourceDomain:      desc.SourceDomain,
		DestinationDomain: desc.DestinationDomain,
		ActionHash:        desc.ActionHash.Hex(),
		Nonce:             desc.Nonce,
		Expiry:            desc.Expiry,
		Value:             "42",
		Recipient:         desc.Recipient.Hex(),
		Signature:         sig,
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if emitted.Status != string(intent.StatusPending) || emitted.Value.String() != "42" {
		t.Fatalf("unexpected emitted intent %+v", emitted)
	}

	client.SetCaller(relayerAddr.Hex())
	if _, err := client.RegisterRelayer(ctx, "10"); err != nil {
		t.Fatalf("register relayer: %v", err)
	}
	if _, err := client.Submit(ctx, emitted.IntentID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	payload, err := intent.EncodePayload(intent.PayloadFor(desc))
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	executed, err := client.Execute(ctx, emitted.IntentID, payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if executed.Status != string(intent.StatusExecuted) || common.HexToAddress(executed.Relayer) != relayerAddr {
		t.Fatalf("unexpected executed intent %+v", executed)
	}

	trail, err := client.AuditTrail(ctx, agentID.Hex())
	if err != nil {
		t.Fatalf("audit trail: %v", err)
	}
	if trail.Count != 3 || trail.Entries[2].EventType != string(events.TypeIntentExecuted) {
		t.Fatalf("unexpected audit trail %+v", trail)
	}

	_, err = client.Emit(ctx, IntentRequest{
		IntentID:   desc.IntentID.Hex(),
		AgentID:    agentID.Hex(),
		ActionHash: desc.ActionHash.Hex(),
		Nonce:      0,
		Value:      "1",
		Recipient:  desc.Recipient.Hex(),
		Signature:  sig,
	})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusConflict {
		t.Fatalf("expected conflict for replayed nonce, got %v", err)
	}
}

func TestMutatingCallsRequireCaller(t *testing.T) {
	client, err := NewClient("http://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if _, err := client.RegisterRelayer(context.Background(), "1"); err == nil || !strings.Contains(err.Error(), "caller") {
		t.Fatalf("expected missing caller error, got %v", err)
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/intents/0xabc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(APIError{Code: "INTENT_NOT_FOUND", Message: "intent not found"})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.GetIntent(context.Background(), "0xabc")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.Code != "INTENT_NOT_FOUND" || apiErr.StatusCode != http.StatusNotFound {
		t.Fatalf("unexpected error: %+v", apiErr)
	}
}
