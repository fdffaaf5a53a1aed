package intent

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func sampleDescriptor() Descriptor {
	return Descriptor{
		IntentID:          common.HexToHash("0x01"),
		AgentID:           crypto.Keccak256Hash([]byte("agent")),
		SourceDomain:      1,
		DestinationDomain: 137,
		ActionHash:        crypto.Keccak256Hash([]byte("swap")),
		Nonce:             7,
		Expiry:            1_800_000_000,
		Value:             big.NewInt(123456789),
		Recipient:         common.HexToAddress("0x00000000000000000000000000000000000000f0"),
	}
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	domain := testDomain()
	desc := sampleDescriptor()

	sig, err := domain.Sign(desc, key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if len(sig) != SignatureLength || (sig[64] != 27 && sig[64] != 28) {
		t.Fatalf("unexpected signature shape: len=%d v=%d", len(sig), sig[64])
	}
	signer, err := domain.Recover(desc, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if signer != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("recovered %s", signer.Hex())
	}

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	if again, err := domain.Recover(desc, raw); err != nil || again != signer {
		t.Fatalf("v in 0/1 form should also verify: %v", err)
	}

	tampered := desc
	tampered.Value = big.NewInt(1)
	if other, _ := domain.Recover(tampered, sig); other == signer {
		t.Fatalf("tampered descriptor must not recover the same signer")
	}

	bad := append([]byte(nil), sig...)
	bad[64] = 5
	if _, err := domain.Recover(desc, bad); err != ErrInvalidSignature {
		t.Fatalf("expected ErrInvalidSignature for bad recovery id, got %v", err)
	}
}

func TestDigestDependsOnDomain(t *testing.T) {
	desc := sampleDescriptor()
	a := testDomain()
	b := testDomain()
	b.VerifyingContract = common.HexToAddress("0x00000000000000000000000000000000000000c1")

	da, err := a.Digest(desc)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	db, err := b.Digest(desc)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	if da == db {
		t.Fatalf("digest must bind the verifying contract")
	}
	// intent id 不参与签名。
	desc.IntentID = common.HexToHash("0x02")
	if again, _ := a.Digest(desc); again != da {
		t.Fatalf("intent id should not change the digest")
	}
}

func TestPayloadCodec(t *testing.T) {
	desc := sampleDescriptor()
	encoded, err := EncodePayload(PayloadFor(desc))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) != 96 {
		t.Fatalf("unexpected payload length %d", len(encoded))
	}
	decoded, err := DecodePayload(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Matches(desc) {
		t.Fatalf("decoded payload should match descriptor: %+v", decoded)
	}
	other := desc
	other.Recipient = common.HexToAddress("0x01")
	if decoded.Matches(other) {
		t.Fatalf("payload must not match a different recipient")
	}
	if _, err := DecodePayload(encoded[:64]); err != ErrActionMismatch {
		t.Fatalf("truncated payload should be ActionMismatch, got %v", err)
	}
}
