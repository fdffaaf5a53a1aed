package intent

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentIntent-Chain/internal/errors"
	"AgentIntent-Chain/internal/events"
	"AgentIntent-Chain/internal/identity"
	"AgentIntent-Chain/internal/policy"
)

func TestLifecycleAndTimelockBoundary(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()

	emitted, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if emitted.Status != StatusPending || emitted.Signer != crypto.PubkeyToAddress(h.key.PublicKey) {
		t.Fatalf("unexpected emitted intent: %+v", emitted)
	}
	if nonce, _ := h.engine.GetNonce(ctx, h.agentID); nonce != 1 {
		t.Fatalf("nonce should advance to 1, got %d", nonce)
	}

	submitted, err := h.engine.Submit(ctx, emitted.IntentID, testRelayer)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if submitted.Status != StatusSubmitted || submitted.Relayer != testRelayer {
		t.Fatalf("unexpected submitted intent: %+v", submitted)
	}

	payload := h.mustPayload(emitted.Descriptor)
	h.clock.Advance(DefaultTimelock - time.Second)
	if _, err := h.engine.Execute(ctx, emitted.IntentID, payload); !errors.Is(err, ErrTimelockNotExpired) {
		t.Fatalf("expected TimelockNotExpired one second early, got %v", err)
	}
	h.clock.Advance(time.Second)
	executed, err := h.engine.Execute(ctx, emitted.IntentID, payload)
	if err != nil {
		t.Fatalf("execute at boundary: %v", err)
	}
	if executed.Status != StatusExecuted || executed.ExecutedAt != h.clock.Now().Unix() {
		t.Fatalf("unexpected executed intent: %+v", executed)
	}
	if _, err := h.engine.Execute(ctx, emitted.IntentID, payload); !errors.Is(err, ErrIntentAlreadyProcessed) {
		t.Fatalf("second execute should be rejected, got %v", err)
	}

	want := []events.Type{events.TypeIntentEmitted, events.TypeIntentSubmitted, events.TypeIntentExecuted}
	got := h.events.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], got[i])
		}
	}
}

func TestDuplicateIntentRejected(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	desc := h.descriptor(0, 5)
	if _, err := h.engine.Emit(context.Background(), desc, h.sign(desc)); err != nil {
		t.Fatalf("emit: %v", err)
	}

	desc.Nonce = 1
	_, err := h.engine.Emit(context.Background(), desc, h.sign(desc))
	if !errors.Is(err, ErrIntentAlreadyExists) {
		t.Fatalf("expected IntentAlreadyExists, got %v", err)
	}
	if nonce, _ := h.engine.GetNonce(context.Background(), h.agentID); nonce != 1 {
		t.Fatalf("duplicate must not advance nonce, got %d", nonce)
	}
	window, _ := h.policy.WindowState(context.Background(), h.agentID)
	if window.HourlyCount != 1 {
		t.Fatalf("duplicate must not reserve policy budget: %+v", window)
	}
}

func TestEmitRejections(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()

	expired := h.descriptor(0, 1)
	expired.Expiry = h.clock.Now().Unix() - 1
	if _, err := h.engine.Emit(ctx, expired, h.sign(expired)); !errors.Is(err, ErrIntentExpired) {
		t.Fatalf("expected IntentExpired, got %v", err)
	}

	skipped := h.descriptor(1, 1)
	if _, err := h.engine.Emit(ctx, skipped, h.sign(skipped)); !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected InvalidNonce, got %v", err)
	}

	desc := h.descriptor(0, 1)
	if _, err := h.engine.Emit(ctx, desc, make([]byte, SignatureLength)); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature for zero signature, got %v", err)
	}
	if _, err := h.engine.Emit(ctx, desc, []byte{1, 2, 3}); !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected InvalidSignature for short signature, got %v", err)
	}

	stranger, _ := crypto.GenerateKey()
	foreign, _ := testDomain().Sign(desc, stranger)
	if _, err := h.engine.Emit(ctx, desc, foreign); !errors.Is(err, identity.ErrUnauthorizedCaller) {
		t.Fatalf("expected UnauthorizedCaller for foreign signer, got %v", err)
	}

	otherDomain := testDomain()
	otherDomain.ChainID = big.NewInt(1)
	crossDeploy, _ := otherDomain.Sign(desc, h.key)
	if _, err := h.engine.Emit(ctx, desc, crossDeploy); !errors.Is(err, identity.ErrUnauthorizedCaller) {
		t.Fatalf("signature from another deployment must not verify, got %v", err)
	}

	if err := h.registry.Deactivate(testOwner, h.agentID); err != nil {
		t.Fatalf("deactivate: %v", err)
	}
	if _, err := h.engine.Emit(ctx, desc, h.sign(desc)); !errors.Is(err, identity.ErrUnauthorizedCaller) {
		t.Fatalf("expected UnauthorizedCaller for inactive agent, got %v", err)
	}

	if nonce, _ := h.engine.GetNonce(ctx, h.agentID); nonce != 0 {
		t.Fatalf("rejections must not advance nonce, got %d", nonce)
	}
	if len(h.events.types()) != 0 {
		t.Fatalf("rejections must not emit events")
	}
}

func TestHourlyLimitTripsBreakerThroughEmit(t *testing.T) {
	pol := defaultTestPolicy()
	pol.MaxTxPerHour = 3
	h := newHarness(t, pol)

	for i := uint64(0); i < 3; i++ {
		if _, err := h.emit(i, 10); err != nil {
			t.Fatalf("emit %d: %v", i, err)
		}
		h.clock.Advance(time.Minute)
	}
	_, err := h.emit(3, 10)
	if !errors.Is(err, policy.ErrPolicyViolation) {
		t.Fatalf("expected PolicyViolation, got %v", err)
	}
	if !h.policy.BreakerState().Tripped {
		t.Fatalf("breaker should be tripped")
	}
	_, err = h.emit(3, 1)
	if !errors.Is(err, policy.ErrCircuitBreakerActive) {
		t.Fatalf("expected CircuitBreakerActive, got %v", err)
	}
	if nonce, _ := h.engine.GetNonce(context.Background(), h.agentID); nonce != 3 {
		t.Fatalf("nonce should stay at 3, got %d", nonce)
	}
}

func TestPerTxCapThroughEmit(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	_, err := h.emit(0, 1_001)
	if !errors.Is(err, policy.ErrPolicyViolation) || xerrors.ReasonOf(err) != policy.ReasonPerTxCap {
		t.Fatalf("expected per-tx violation, got %v", err)
	}
}

func TestDisputeTransitions(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()
	disputer := common.HexToAddress("0x00000000000000000000000000000000000000d1")

	pending, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.engine.Dispute(ctx, pending.IntentID, disputer, "fraud"); !errors.Is(err, ErrIntentAlreadyProcessed) {
		t.Fatalf("pending intents are not disputable, got %v", err)
	}

	if _, err := h.engine.Submit(ctx, pending.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(DefaultTimelock)
	if _, err := h.engine.Execute(ctx, pending.IntentID, h.mustPayload(pending.Descriptor)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := h.engine.Dispute(ctx, pending.IntentID, disputer, "   "); !errors.Is(err, ErrDisputeReasonRequired) {
		t.Fatalf("expected DisputeReasonRequired, got %v", err)
	}
	disputed, err := h.engine.Dispute(ctx, pending.IntentID, disputer, "recipient never credited")
	if err != nil {
		t.Fatalf("dispute executed intent: %v", err)
	}
	if disputed.Status != StatusDisputed || disputed.DisputedBy != disputer || disputed.DisputeReason != "recipient never credited" {
		t.Fatalf("unexpected disputed intent: %+v", disputed)
	}
	if _, err := h.engine.Dispute(ctx, pending.IntentID, disputer, "again"); !errors.Is(err, ErrIntentAlreadyProcessed) {
		t.Fatalf("disputed intents are terminal, got %v", err)
	}
	if _, err := h.engine.Dispute(ctx, common.Hash{0xff}, disputer, "x"); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected IntentNotFound, got %v", err)
	}
}

func TestSubmitRequiresActiveRelayer(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()
	in, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000e9")
	if _, err := h.engine.Submit(ctx, in.IntentID, stranger); !errors.Is(err, ErrUnauthorizedRelayer) {
		t.Fatalf("expected UnauthorizedRelayer, got %v", err)
	}
	if _, err := h.engine.Submit(ctx, common.Hash{0xee}, testRelayer); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected IntentNotFound, got %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); !errors.Is(err, ErrIntentAlreadyProcessed) {
		t.Fatalf("expected IntentAlreadyProcessed, got %v", err)
	}
}

func TestExecuteRejectsMismatchedPayload(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()
	in, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(DefaultTimelock)

	wrong := PayloadFor(in.Descriptor)
	wrong.Value = big.NewInt(11)
	encoded, _ := EncodePayload(wrong)
	if _, err := h.engine.Execute(ctx, in.IntentID, encoded); !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ActionMismatch for value, got %v", err)
	}
	if _, err := h.engine.Execute(ctx, in.IntentID, []byte("garbage")); !errors.Is(err, ErrActionMismatch) {
		t.Fatalf("expected ActionMismatch for undecodable payload, got %v", err)
	}
	stored, _ := h.engine.GetIntent(ctx, in.IntentID)
	if stored.Status != StatusSubmitted {
		t.Fatalf("mismatch must not change status, got %s", stored.Status)
	}
}

func TestDispatcherFailureMarksFailed(t *testing.T) {
	dispatcher := DispatcherFunc(func(context.Context, *Intent, Payload) error {
		return errors.New("bridge offline")
	})
	h := newHarness(t, defaultTestPolicy(), WithDispatcher(dispatcher))
	ctx := context.Background()

	in, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(DefaultTimelock)
	failed, err := h.engine.Execute(ctx, in.IntentID, h.mustPayload(in.Descriptor))
	if !errors.Is(err, ErrDispatchFailed) {
		t.Fatalf("expected DispatchFailed, got %v", err)
	}
	if failed == nil || failed.Status != StatusFailed || failed.FailureReason != "bridge offline" {
		t.Fatalf("unexpected failed intent: %+v", failed)
	}
	types := h.events.types()
	if types[len(types)-1] != events.TypeIntentFailed {
		t.Fatalf("expected intent.failed event, got %v", types)
	}
}

func TestReentrantCallRejected(t *testing.T) {
	var (
		engine    *Engine
		nestedErr error
	)
	dispatcher := DispatcherFunc(func(ctx context.Context, in *Intent, _ Payload) error {
		_, nestedErr = engine.Dispute(ctx, in.IntentID, testOwner, "nested")
		return nil
	})
	h := newHarness(t, defaultTestPolicy(), WithDispatcher(dispatcher))
	engine = h.engine
	ctx := context.Background()

	in, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(DefaultTimelock)
	if _, err := h.engine.Execute(ctx, in.IntentID, h.mustPayload(in.Descriptor)); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !errors.Is(nestedErr, ErrReentrantCall) {
		t.Fatalf("nested call should be rejected, got %v", nestedErr)
	}
	stored, _ := h.engine.GetIntent(ctx, in.IntentID)
	if stored.Status != StatusExecuted {
		t.Fatalf("nested call must not alter state, got %s", stored.Status)
	}
}

type failingInsertStore struct {
	*MemoryStore
}

func (failingInsertStore) Insert(context.Context, *Intent) error {
	return xerrors.New(xerrors.CodeStorageFailure, "disk full")
}

func TestEmitReleasesReservationWhenPersistFails(t *testing.T) {
	h := newHarness(t, defaultTestPolicy(), WithStore(failingInsertStore{NewMemoryStore()}))
	if _, err := h.emit(0, 10); !errors.Is(err, xerrors.New(xerrors.CodeStorageFailure, "")) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	window, _ := h.policy.WindowState(context.Background(), h.agentID)
	if window.DailySpent.Sign() != 0 || window.HourlyCount != 0 {
		t.Fatalf("reservation should be released: %+v", window)
	}
}

func TestNestedCallWithFreshContextRejected(t *testing.T) {
	var (
		engine     *Engine
		disputeErr error
		emitErr    error
		inFlight   bool
	)
	dispatcher := DispatcherFunc(func(_ context.Context, in *Intent, _ Payload) error {
		inFlight = engine.InFlight(context.Background())
		_, disputeErr = engine.Dispute(context.Background(), in.IntentID, testOwner, "nested")
		_, emitErr = engine.Emit(context.Background(), Descriptor{}, nil)
		return nil
	})
	h := newHarness(t, defaultTestPolicy(), WithDispatcher(dispatcher))
	engine = h.engine
	ctx := context.Background()

	in, err := h.emit(0, 10)
	if err != nil {
		t.Fatalf("emit: %v", err)
	}
	if _, err := h.engine.Submit(ctx, in.IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	h.clock.Advance(DefaultTimelock)

	done := make(chan error, 1)
	go func() {
		_, err := h.engine.Execute(ctx, in.IntentID, h.mustPayload(in.Descriptor))
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("execute: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("nested call with a fresh context deadlocked the engine")
	}

	if !inFlight {
		t.Fatalf("engine should report an in-flight dispatch")
	}
	if !errors.Is(disputeErr, ErrReentrantCall) || !errors.Is(emitErr, ErrReentrantCall) {
		t.Fatalf("nested calls should be rejected, got dispute=%v emit=%v", disputeErr, emitErr)
	}
	if h.engine.InFlight(context.Background()) {
		t.Fatalf("in-flight flag must clear once dispatch returns")
	}
	stored, _ := h.engine.GetIntent(ctx, in.IntentID)
	if stored.Status != StatusExecuted {
		t.Fatalf("nested call must not alter state, got %s", stored.Status)
	}
}

// stallingPublisher 在第一次发布时阻塞，直到 release 被关闭。
type stallingPublisher struct {
	first   atomic.Bool
	stalled chan struct{}
	release chan struct{}
}

func (p *stallingPublisher) Publish(ctx context.Context, _ events.Event) error {
	if !p.first.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stalled)
	select {
	case <-p.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestStalledSubscriberDoesNotBlockEngine(t *testing.T) {
	pub := &stallingPublisher{stalled: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, defaultTestPolicy(), WithPublisher(pub))
	ctx := context.Background()

	first := h.descriptor(0, 10)
	emitted := make(chan error, 1)
	go func() {
		_, err := h.engine.Emit(ctx, first, h.sign(first))
		emitted <- err
	}()
	select {
	case <-pub.stalled:
	case <-time.After(2 * time.Second):
		t.Fatalf("first emit never reached the publisher")
	}

	progressed := make(chan error, 1)
	go func() {
		if _, err := h.engine.GetIntent(ctx, first.IntentID); err != nil {
			progressed <- err
			return
		}
		if _, err := h.engine.Submit(ctx, first.IntentID, testRelayer); err != nil {
			progressed <- err
			return
		}
		_, err := h.emit(1, 10)
		progressed <- err
	}()
	select {
	case err := <-progressed:
		if err != nil {
			t.Fatalf("engine call while a subscriber stalls: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("engine is blocked by a stalled subscriber")
	}

	close(pub.release)
	if err := <-emitted; err != nil {
		t.Fatalf("first emit: %v", err)
	}
}

func TestEmitOnFullMemoryQueueDoesNotBlock(t *testing.T) {
	queue := events.NewMemoryQueue(1)
	defer queue.Close()
	h := newHarness(t, defaultTestPolicy(), WithPublisher(queue))

	done := make(chan error, 1)
	go func() {
		for nonce := uint64(0); nonce < 3; nonce++ {
			if _, err := h.emit(nonce, 10); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("emit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("emit blocked on an undrained queue")
	}
	if queue.Len() != 1 {
		t.Fatalf("expected the queue to hold one event, got %d", queue.Len())
	}
}

// toggleInsertStore 在 fail 置位时拒绝写入新意图。
type toggleInsertStore struct {
	*MemoryStore
	fail *atomic.Bool
}

func (s toggleInsertStore) Insert(ctx context.Context, in *Intent) error {
	if s.fail.Load() {
		return xerrors.New(xerrors.CodeStorageFailure, "disk full")
	}
	return s.MemoryStore.Insert(ctx, in)
}

func TestEmitRollbackRestoresWindowAcrossBoundary(t *testing.T) {
	fail := &atomic.Bool{}
	h := newHarness(t, defaultTestPolicy(), WithStore(toggleInsertStore{MemoryStore: NewMemoryStore(), fail: fail}))
	ctx := context.Background()

	if _, err := h.emit(0, 10); err != nil {
		t.Fatalf("emit: %v", err)
	}
	h.clock.Advance(25 * time.Hour)
	before, _ := h.policy.WindowState(ctx, h.agentID)

	fail.Store(true)
	if _, err := h.emit(1, 20); !errors.Is(err, xerrors.New(xerrors.CodeStorageFailure, "")) {
		t.Fatalf("expected storage failure, got %v", err)
	}
	after, _ := h.policy.WindowState(ctx, h.agentID)
	if !after.Equal(before) {
		t.Fatalf("window should be restored exactly: before %+v after %+v", before, after)
	}
}

type domainSet map[uint64]bool

func (d domainSet) SupportsDomain(id uint64) bool { return d[id] }

func TestUnsupportedDomain(t *testing.T) {
	h := newHarness(t, defaultTestPolicy(), WithDomainValidator(domainSet{1: true}))
	if _, err := h.emit(0, 10); !errors.Is(err, ErrUnsupportedDomain) {
		t.Fatalf("expected UnsupportedDomain, got %v", err)
	}
}

func TestListFiltersByAgentAndStatus(t *testing.T) {
	h := newHarness(t, defaultTestPolicy())
	ctx := context.Background()
	for i := uint64(0); i < 3; i++ {
		if _, err := h.emit(i, 1); err != nil {
			t.Fatalf("emit: %v", err)
		}
		h.clock.Advance(time.Second)
	}
	all, err := h.engine.List(ctx, WithAgent(h.agentID))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].Nonce != 2 {
		t.Fatalf("expected newest first, got %d items", len(all))
	}
	if _, err := h.engine.Submit(ctx, all[2].IntentID, testRelayer); err != nil {
		t.Fatalf("submit: %v", err)
	}
	submitted, _ := h.engine.List(ctx, WithStatuses(StatusSubmitted))
	if len(submitted) != 1 || submitted[0].Nonce != 0 {
		t.Fatalf("unexpected submitted list: %+v", submitted)
	}
}
