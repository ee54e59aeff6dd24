package federation

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"AllocMesh/internal/model"
)

// Signer holds the node's ed25519 keypair and produces detached signatures
// over exact payload bytes.
type Signer struct {
	priv ed25519.PrivateKey
}

// LoadSigner reads the hex-encoded ed25519 seed from keyFile, generating
// and persisting a fresh key (0600) on first run.
func LoadSigner(keyFile string) (*Signer, error) {
	data, err := os.ReadFile(keyFile)
	if err == nil {
		seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decode key file %s: %w", keyFile, err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("key file %s: want %d-byte seed, got %d", keyFile, ed25519.SeedSize, len(seed))
		}
		return &Signer{priv: ed25519.NewKeyFromSeed(seed)}, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read key file: %w", err)
	}

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(keyFile), 0o755); err != nil {
		return nil, fmt.Errorf("create key dir: %w", err)
	}
	if err := os.WriteFile(keyFile, []byte(hex.EncodeToString(priv.Seed())), 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// NewSignerFromSeed builds a Signer from a raw seed (tests).
func NewSignerFromSeed(seed []byte) *Signer {
	return &Signer{priv: ed25519.NewKeyFromSeed(seed)}
}

// Sign produces a detached signature over payload.
func (s *Signer) Sign(payload []byte) []byte {
	return ed25519.Sign(s.priv, payload)
}

// PublicKeyHex returns the node's public key for peer registration.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.priv.Public().(ed25519.PublicKey))
}

// VerifyDetached checks sig over payload against a hex-encoded public key.
func VerifyDetached(publicKeyHex string, payload, sig []byte) error {
	pub, err := hex.DecodeString(publicKeyHex)
	if err != nil {
		return model.E(model.KindIntegrity, "registered public key is not valid hex")
	}
	if len(pub) != ed25519.PublicKeySize {
		return model.E(model.KindIntegrity, "registered public key has wrong length %d", len(pub))
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
		return model.E(model.KindIntegrity, "signature verification failed")
	}
	return nil
}
