package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"AgentIntent-Chain/internal/events"
)

var (
	agentA = crypto.Keccak256Hash([]byte("agent-a"))
	agentB = crypto.Keccak256Hash([]byte("agent-b"))
)

func TestDuplicateCommitmentRejectedAcrossAgents(t *testing.T) {
	recorder := NewRecorder()
	ctx := context.Background()
	commitment := crypto.Keccak256Hash([]byte("payload"))

	if _, err := recorder.LogCommitment(ctx, agentA, commitment, "ref-1"); err != nil {
		t.Fatalf("log commitment: %v", err)
	}
	for _, agent := range []common.Hash{agentA, agentB} {
		if _, err := recorder.LogCommitment(ctx, agent, commitment, "ref-2"); !errors.Is(err, ErrCommitmentAlreadyExists) {
			t.Fatalf("expected CommitmentAlreadyExists, got %v", err)
		}
	}
	if total, _ := recorder.GetTotalCount(ctx); total != 1 {
		t.Fatalf("trail length must be unchanged, got %d", total)
	}
	if count, _ := recorder.GetAgentCount(ctx, agentB); count != 0 {
		t.Fatalf("agent B should have no entries, got %d", count)
	}
}

func TestLogCommitmentValidation(t *testing.T) {
	recorder := NewRecorder()
	ctx := context.Background()
	if _, err := recorder.LogCommitment(ctx, common.Hash{}, common.Hash{1}, ""); !errors.Is(err, ErrInvalidAgentID) {
		t.Fatalf("expected InvalidAgentId, got %v", err)
	}
	if _, err := recorder.LogCommitment(ctx, agentA, common.Hash{}, ""); !errors.Is(err, ErrInvalidCommitment) {
		t.Fatalf("expected InvalidCommitment, got %v", err)
	}
}

func TestTrailAndEntries(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	recorder := NewRecorder(WithClock(func() time.Time { return now }))
	ctx := context.Background()

	agents := []common.Hash{agentA, agentB, agentA}
	for i, agent := range agents {
		entry, err := recorder.LogCommitment(ctx, agent, common.Hash{byte(i + 1)}, "", WithEventType("intent.emitted"))
		if err != nil {
			t.Fatalf("log %d: %v", i, err)
		}
		if entry.Index != uint64(i) || entry.RecordedAt != now.Unix() || entry.EventType != "intent.emitted" {
			t.Fatalf("unexpected entry: %+v", entry)
		}
	}

	trail, err := recorder.GetTrail(ctx, agentA)
	if err != nil {
		t.Fatalf("trail: %v", err)
	}
	if len(trail) != 2 || trail[0].Index != 0 || trail[1].Index != 2 {
		t.Fatalf("unexpected trail %+v", trail)
	}
	entry, err := recorder.GetEntry(ctx, 1)
	if err != nil || entry.AgentID != agentB {
		t.Fatalf("unexpected entry %+v err=%v", entry, err)
	}
	if _, err := recorder.GetEntry(ctx, 3); !errors.Is(err, ErrEntryNotFound) {
		t.Fatalf("expected EntryNotFound, got %v", err)
	}
}

func TestPipelineStoresCanonicalBody(t *testing.T) {
	recorder := NewRecorder()
	content := NewMemoryContentStore()
	pipeline := NewPipeline(recorder, content)
	ctx := context.Background()

	evt := events.New(events.TypeIntentEmitted, common.Hash{0x11}, agentA, time.Unix(10, 0), map[string]string{"value": "5", "nonce": "0"})
	if err := pipeline.Handle(ctx, evt); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if err := pipeline.Handle(ctx, evt); err != nil {
		t.Fatalf("redelivery should be idempotent: %v", err)
	}

	trail, _ := recorder.GetTrail(ctx, agentA)
	if len(trail) != 1 {
		t.Fatalf("expected one entry, got %d", len(trail))
	}
	body, commitment, err := Canonicalize(evt)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	if trail[0].Commitment != commitment || trail[0].EventType != string(events.TypeIntentEmitted) {
		t.Fatalf("unexpected entry %+v", trail[0])
	}
	stored, err := pipeline.Content(ctx, trail[0].ContentRef)
	if err != nil {
		t.Fatalf("content: %v", err)
	}
	if string(stored) != string(body) {
		t.Fatalf("stored body differs from canonical form")
	}
	if crypto.Keccak256Hash(stored) != trail[0].Commitment {
		t.Fatalf("commitment must be keccak256 of the stored body")
	}
}

func TestContentStoreWriteOnce(t *testing.T) {
	store := NewMemoryContentStore()
	ctx := context.Background()
	ref, _ := store.Put(ctx, common.Hash{1}, []byte("first"))
	if _, err := store.Put(ctx, common.Hash{1}, []byte("second")); err != nil {
		t.Fatalf("put: %v", err)
	}
	body, err := store.Get(ctx, ref)
	if err != nil || string(body) != "first" {
		t.Fatalf("content must be write-once, got %q err=%v", body, err)
	}
	if _, err := store.Get(ctx, ContentRef(common.Hash{2})); !errors.Is(err, ErrContentNotFound) {
		t.Fatalf("expected ContentNotFound, got %v", err)
	}
	if _, err := store.Get(ctx, "ipfs://x"); err == nil {
		t.Fatalf("unknown ref scheme should fail")
	}
}
