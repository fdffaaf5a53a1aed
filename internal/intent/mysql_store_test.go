package intent

import (
	"context"
	"errors"
	"math/big"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-sql-driver/mysql"
)

func newMockStore(t *testing.T) (*MySQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewMySQLStore(db), mock
}

func sampleIntent() *Intent {
	return &Intent{
		Descriptor: sampleDescriptor(),
		Signature:  make([]byte, SignatureLength),
		Signer:     common.HexToAddress("0x00000000000000000000000000000000000000a2"),
		Status:     StatusPending,
		CreatedAt:  100,
		UpdatedAt:  100,
	}
}

func TestMySQLInsertAdvancesNonceInTransaction(t *testing.T) {
	store, mock := newMockStore(t)
	in := sampleIntent()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intents")).WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_nonces")).
		WithArgs(in.AgentID.Hex(), in.Nonce+1).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	if err := store.Insert(context.Background(), in); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLInsertDuplicate(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intents")).WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '0x01' for key 'intents.PRIMARY'"})
	mock.ExpectRollback()

	err := store.Insert(context.Background(), sampleIntent())
	if !errors.Is(err, ErrIntentAlreadyExists) {
		t.Fatalf("expected IntentAlreadyExists, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLInsertNonceCollision(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO intents")).WillReturnError(&mysql.MySQLError{
		Number:  1062,
		Message: "Duplicate entry '0xa1-0' for key 'intents.uniq_intents_agent_nonce'",
	})
	mock.ExpectRollback()

	err := store.Insert(context.Background(), sampleIntent())
	if errors.Is(err, ErrIntentAlreadyExists) {
		t.Fatalf("nonce collision must not be reported as a duplicate intent")
	}
	if !errors.Is(err, ErrInvalidNonce) {
		t.Fatalf("expected InvalidNonce, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLGetAndNonce(t *testing.T) {
	store, mock := newMockStore(t)
	in := sampleIntent()

	columns := []string{"id", "agent_id", "source_domain", "destination_domain", "action_hash", "nonce", "expiry", "value",
		"recipient", "signature", "signer", "status", "relayer", "created_at", "submitted_at", "executed_at", "disputed_by",
		"dispute_reason", "failure_reason", "updated_at"}
	rows := sqlmock.NewRows(columns).AddRow(
		in.IntentID.Hex(), in.AgentID.Hex(), in.SourceDomain, in.DestinationDomain, in.ActionHash.Hex(), in.Nonce, in.Expiry,
		in.Value.String(), in.Recipient.Hex(), in.Signature, in.Signer.Hex(), "submitted", common.Address{1}.Hex(), in.CreatedAt,
		int64(160), int64(0), common.Address{}.Hex(), nil, nil, int64(160),
	)
	mock.ExpectQuery(regexp.QuoteMeta("FROM intents WHERE id = ?")).WithArgs(in.IntentID.Hex()).WillReturnRows(rows)

	got, err := store.Get(context.Background(), in.IntentID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSubmitted || got.Value.Cmp(big.NewInt(123456789)) != 0 || got.Relayer != (common.Address{1}) || got.SubmittedAt != 160 {
		t.Fatalf("unexpected intent: %+v", got)
	}

	mock.ExpectQuery(regexp.QuoteMeta("FROM intents WHERE id = ?")).WillReturnRows(sqlmock.NewRows(columns))
	if _, err := store.Get(context.Background(), common.Hash{9}); !errors.Is(err, ErrIntentNotFound) {
		t.Fatalf("expected IntentNotFound, got %v", err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT next_nonce FROM agent_nonces")).
		WithArgs(in.AgentID.Hex()).
		WillReturnRows(sqlmock.NewRows([]string{"next_nonce"}).AddRow(uint64(8)))
	nonce, err := store.Nonce(context.Background(), in.AgentID)
	if err != nil || nonce != 8 {
		t.Fatalf("unexpected nonce %d err=%v", nonce, err)
	}

	mock.ExpectQuery(regexp.QuoteMeta("SELECT next_nonce FROM agent_nonces")).WillReturnRows(sqlmock.NewRows([]string{"next_nonce"}))
	if nonce, err := store.Nonce(context.Background(), common.Hash{7}); err != nil || nonce != 0 {
		t.Fatalf("unknown agent should start at nonce 0, got %d err=%v", nonce, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestMySQLListBuildsFilters(t *testing.T) {
	store, mock := newMockStore(t)
	agent := common.HexToHash("0xaa")

	mock.ExpectQuery(regexp.QuoteMeta("FROM intents WHERE agent_id = ? AND status IN (?, ?) ORDER BY created_at DESC, nonce DESC LIMIT ? OFFSET ?")).
		WithArgs(agent.Hex(), "pending", "submitted", 20, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	opts := BuildListOptions(WithAgent(agent), WithStatuses(StatusPending, StatusSubmitted))
	list, err := store.List(context.Background(), opts)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("expected empty list, got %d", len(list))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
