package signer

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentVault/internal/errors"
)

func TestSignVerifyRoundtrip(t *testing.T) {
	s, err := GenerateLocalSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	digest := Digest(map[string]string{"requestId": "req-1", "walletKey": "wallet-1"})

	encoded, err := s.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig, err := hexutil.Decode(encoded)
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	pub, err := hexutil.Decode(s.PublicKey())
	if err != nil {
		t.Fatalf("decode public key: %v", err)
	}
	// Drop the recovery id for verification.
	if !crypto.VerifySignature(pub, digest, sig[:64]) {
		t.Fatal("signature does not verify against the signer's public key")
	}
}

func TestSignRejectsBadDigestLength(t *testing.T) {
	s, err := GenerateLocalSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := s.Sign([]byte("short")); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestNewLocalSignerParsesHexKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	hexKey := hexutil.Encode(crypto.FromECDSA(key))

	for _, raw := range []string{hexKey, hexKey[2:]} { // with and without 0x
		s, err := NewLocalSigner(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		want := hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey))
		if s.PublicKey() != want {
			t.Fatalf("public key mismatch for %q", raw)
		}
	}

	if _, err := NewLocalSigner("  "); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for empty key, got %v", err)
	}
	if _, err := NewLocalSigner("zz"); xerrors.CodeOf(err) != xerrors.CodeValidationFailed {
		t.Fatalf("expected validation failure for junk key, got %v", err)
	}
}

func TestDigestDeterministicAcrossFieldOrder(t *testing.T) {
	a := Digest(map[string]string{"b": "2", "a": "1", "c": "3"})
	b := Digest(map[string]string{"c": "3", "a": "1", "b": "2"})
	if string(a) != string(b) {
		t.Fatal("digest depends on map iteration order")
	}
	if len(a) != 32 {
		t.Fatalf("expected 32-byte digest, got %d", len(a))
	}

	changed := Digest(map[string]string{"a": "1", "b": "2", "c": "4"})
	if string(a) == string(changed) {
		t.Fatal("digest ignores field values")
	}
}
