// Package signer produces the signatures required by the remote
// authorization service for session requests, approvals and transfers.
// Every submission path goes through a Signer; there is no unsigned
// fallback.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentVault/internal/errors"
)

// Signer signs canonical payload digests on behalf of the wallet holder.
type Signer interface {
	// Sign returns the signature over a 32-byte digest, hex encoded.
	Sign(digest []byte) (string, error)
	// PublicKey returns the hex-encoded public key of the signing key.
	PublicKey() string
}

// LocalSigner signs with an in-process secp256k1 key.
type LocalSigner struct {
	key *ecdsa.PrivateKey
}

// NewLocalSigner parses a hex-encoded secp256k1 private key.
func NewLocalSigner(hexKey string) (*LocalSigner, error) {
	trimmed := strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if trimmed == "" {
		return nil, xerrors.New(xerrors.CodeValidationFailed, "signing key is empty")
	}
	key, err := crypto.HexToECDSA(trimmed)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeValidationFailed, err, "parse signing key")
	}
	return &LocalSigner{key: key}, nil
}

// GenerateLocalSigner creates a signer with a fresh key, used in tests and
// first-run provisioning.
func GenerateLocalSigner() (*LocalSigner, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "generate signing key")
	}
	return &LocalSigner{key: key}, nil
}

// Sign implements Signer.
func (s *LocalSigner) Sign(digest []byte) (string, error) {
	if s == nil || s.key == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "signer has no key")
	}
	if len(digest) != 32 {
		return "", xerrors.New(xerrors.CodeValidationFailed, "digest must be 32 bytes")
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeUnknown, err, "sign digest")
	}
	return hexutil.Encode(sig), nil
}

// PublicKey implements Signer.
func (s *LocalSigner) PublicKey() string {
	if s == nil || s.key == nil {
		return ""
	}
	return hexutil.Encode(crypto.FromECDSAPub(&s.key.PublicKey))
}

// Digest computes the canonical keccak digest of a payload expressed as
// key/value fields. Fields are sorted by key and joined so both sides of
// the exchange derive the same bytes regardless of map iteration order.
func Digest(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, key := range keys {
		fmt.Fprintf(&b, "%s=%s\n", key, fields[key])
	}
	return crypto.Keccak256([]byte(b.String()))
}
