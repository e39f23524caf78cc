package notary

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// HMACSigner signs digests with HMAC-SHA256 under a shared secret.
type HMACSigner struct {
	secret []byte
	id     string
}

// NewHMACSigner creates an HMAC signer. If secret is empty it returns nil.
func NewHMACSigner(secret string) *HMACSigner {
	if secret == "" {
		return nil
	}
	fp := sha256.Sum256([]byte(secret))
	return &HMACSigner{secret: []byte(secret), id: "hmac:" + hex.EncodeToString(fp[:4])}
}

func (s *HMACSigner) Algorithm() string { return "hmac-sha256" }
func (s *HMACSigner) ID() string        { return s.id }

func (s *HMACSigner) Sign(digest []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(digest)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(digest []byte, signature, signerID string) bool {
	if signerID != s.id {
		return false
	}
	expected, _ := s.Sign(digest)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// KeySigner signs digests with a secp256k1 key. Anyone holding the proof
// can recover the signing address without the key.
type KeySigner struct {
	key     *ecdsa.PrivateKey
	address string
}

// NewKeySigner parses a hex private key (with or without 0x prefix).
func NewKeySigner(hexKey string) (*KeySigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("notary: invalid private key: %w", err)
	}
	return &KeySigner{key: key, address: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

func (s *KeySigner) Algorithm() string { return "secp256k1-keccak256" }
func (s *KeySigner) ID() string        { return s.address }

func (s *KeySigner) Sign(digest []byte) (string, error) {
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Verify recovers the signer from the signature; it does not need the key.
func (s *KeySigner) Verify(digest []byte, signature, signerID string) bool {
	return RecoverVerify(digest, signature, signerID)
}

// RecoverVerify checks a secp256k1 signature against an expected address.
func RecoverVerify(digest []byte, signature, address string) bool {
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return false
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return false
	}
	return strings.EqualFold(crypto.PubkeyToAddress(*pub).Hex(), address)
}
