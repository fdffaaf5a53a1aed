package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http/httptest"
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
	"AgentIntent-Chain/sdk/go/intentd"
)

func main() {
	domain := intent.Domain{
		Name:              "AgentIntent",
		Version:           "1",
		ChainID:           big.NewInt(1),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
	}

	// 进程内启动一个无时间锁的 intentd。
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
	defer srv.Close()

	client, err := intentd.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		panic(err)
	}
	agentID := crypto.Keccak256Hash([]byte("demo-agent"))

	client.SetCaller("0x00000000000000000000000000000000000000a1")
	agent, err := client.RegisterAgent(ctx, intentd.AgentRegistration{
		AgentID: agentID.Hex(),
		Signer:  crypto.PubkeyToAddress(key.PublicKey).Hex(),
		Policy:  intentd.Policy{MaxSpendPerDay: "1000000", MaxTxPerHour: 10, MaxValuePerTx: "5000"},
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("registered agent %s owned by %s\n", agent.ID, agent.Owner)

	desc := intent.Descriptor{
		IntentID:          crypto.Keccak256Hash([]byte("demo-intent")),
		AgentID:           agentID,
		SourceDomain:      1,
		DestinationDomain: 10,
		ActionHash:        crypto.Keccak256Hash([]byte("bridge")),
		Nonce:             0,
		Expiry:            time.Now().Add(time.Hour).Unix(),
		Value:             big.NewInt(1500),
		Recipient:         common.HexToAddress("0x00000000000000000000000000000000000000f0"),
	}
	sig, err := domain.Sign(desc, key)
	if err != nil {
		panic(err)
	}
	emitted, err := client.Emit(ctx, intentd.IntentRequest{
		IntentID:          desc.IntentID.Hex(),
		AgentID:           agentID.Hex(),
		SourceDomain:      desc.SourceDomain,
		DestinationDomain: desc.DestinationDomain,
		ActionHash:        desc.ActionHash.Hex(),
		Nonce:             desc.Nonce,
		Expiry:            desc.Expiry,
		Value:             desc.Value.String(),
		Recipient:         desc.Recipient.Hex(),
		Signature:         sig,
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("emitted intent %s (status=%s)\n", emitted.IntentID, emitted.Status)

	client.SetCaller("0x00000000000000000000000000000000000000e1")
	if _, err := client.RegisterRelayer(ctx, "100"); err != nil {
		panic(err)
	}
	if _, err := client.Submit(ctx, emitted.IntentID); err != nil {
		panic(err)
	}
	payload, err := intent.EncodePayload(intent.PayloadFor(desc))
	if err != nil {
		panic(err)
	}
	executed, err := client.Execute(ctx, emitted.IntentID, payload)
	if err != nil {
		panic(err)
	}
	fmt.Printf("executed intent %s by relayer %s\n", executed.IntentID, executed.Relayer)

	trail, err := client.AuditTrail(ctx, agentID.Hex())
	if err != nil {
		panic(err)
	}
	for _, entry := range trail.Entries {
		fmt.Printf("audit #%d %s %s\n", entry.Index, entry.EventType, entry.Commitment)
	}
}
