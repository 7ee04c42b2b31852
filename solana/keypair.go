// Package solana contains the minimal chain plumbing the settlement engine
// needs: vault keypair handling, wire transaction encoding, and a JSON-RPC
// client.
package solana

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

// ErrInvalidKey indicates the supplied private key material is unusable.
var ErrInvalidKey = errors.New("solana: invalid private key")

// Keypair holds the vault signing key. It is read-only after construction and
// never persisted.
type Keypair struct {
	priv    ed25519.PrivateKey
	address string
}

// ParsePrivateKey accepts the common wallet export formats: a base58-encoded
// 64-byte secret key, a base58-encoded 32-byte seed, or a JSON byte array.
func ParsePrivateKey(raw string) (*Keypair, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidKey
	}

	var material []byte
	if strings.HasPrefix(raw, "[") {
		var values []int
		if err := json.Unmarshal([]byte(raw), &values); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		material = make([]byte, len(values))
		for i, v := range values {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidKey, v)
			}
			material[i] = byte(v)
		}
	} else {
		material = base58.Decode(raw)
	}

	var priv ed25519.PrivateKey
	switch len(material) {
	case ed25519.PrivateKeySize:
		priv = ed25519.PrivateKey(material)
	case ed25519.SeedSize:
		priv = ed25519.NewKeyFromSeed(material)
	default:
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKey, len(material))
	}

	pub := priv.Public().(ed25519.PublicKey)
	return &Keypair{priv: priv, address: base58.Encode(pub)}, nil
}

// Address returns the base58 public key.
func (k *Keypair) Address() string {
	return k.address
}

// PublicKey returns the raw 32-byte public key.
func (k *Keypair) PublicKey() [32]byte {
	var pub [32]byte
	copy(pub[:], k.priv.Public().(ed25519.PublicKey))
	return pub
}

// Sign produces an ed25519 signature over the message bytes.
func (k *Keypair) Sign(message []byte) [64]byte {
	var sig [64]byte
	copy(sig[:], ed25519.Sign(k.priv, message))
	return sig
}

// ValidAddress reports whether addr looks like a chain address: base58 text
// of 32 to 44 characters decoding to exactly 32 bytes.
func ValidAddress(addr string) bool {
	if len(addr) < 32 || len(addr) > 44 {
		return false
	}
	decoded := base58.Decode(addr)
	return len(decoded) == 32
}

// DecodeAddress returns the raw 32-byte key behind a base58 address.
func DecodeAddress(addr string) ([32]byte, error) {
	var key [32]byte
	if !ValidAddress(addr) {
		return key, fmt.Errorf("solana: invalid address %q", addr)
	}
	copy(key[:], base58.Decode(addr))
	return key, nil
}
