package sol

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"

	"github.com/hermeznetwork/tracerr"
)

// Keypair is an ed25519 signing key with its Solana public key.
type Keypair struct {
	priv ed25519.PrivateKey
	pub  PublicKey
}

// NewKeypairFromBytes builds a Keypair from a 64-byte expanded private key
// (seed || public key), the layout used by solana-keygen.
func NewKeypairFromBytes(b []byte) (*Keypair, error) {
	if len(b) != ed25519.PrivateKeySize {
		return nil, tracerr.Wrap(fmt.Errorf("invalid keypair length %v", len(b)))
	}
	priv := ed25519.PrivateKey(b)
	var pub PublicKey
	copy(pub[:], priv.Public().(ed25519.PublicKey))
	return &Keypair{priv: priv, pub: pub}, nil
}

// LoadKeypair reads a keypair from a solana-keygen JSON file (a JSON array
// of 64 byte values).
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tracerr.Wrap(err)
	}
	var raw []uint16
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, tracerr.Wrap(err)
	}
	b := make([]byte, len(raw))
	for i, v := range raw {
		if v > 255 {
			return nil, tracerr.Wrap(fmt.Errorf("invalid byte value %v in keypair file", v))
		}
		b[i] = byte(v)
	}
	return NewKeypairFromBytes(b)
}

// PublicKey returns the public half of the keypair.
func (k *Keypair) PublicKey() PublicKey {
	return k.pub
}
