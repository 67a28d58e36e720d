// Package identity derives a node's libp2p identity from a 32-byte seed
// kept on disk.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io/fs"
	"os"

	libp2pcrypto "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

const SeedSize = 32

// GenerateSeed creates a new 32-byte random seed.
func GenerateSeed() ([]byte, error) {
	seed := make([]byte, SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	return seed, nil
}

// SaveSeed writes a seed to file with 0600 permissions.
func SaveSeed(path string, seed []byte) error {
	if len(seed) != SeedSize {
		return fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return os.WriteFile(path, seed, 0600)
}

// LoadSeed reads a seed from file.
func LoadSeed(path string) ([]byte, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load seed: %w", err)
	}
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}
	return seed, nil
}

// LoadOrCreateSeed loads the seed at path, creating it first if the file
// does not exist. An empty path yields an ephemeral seed.
func LoadOrCreateSeed(path string) ([]byte, error) {
	if path == "" {
		return GenerateSeed()
	}
	seed, err := LoadSeed(path)
	if err == nil || !errors.Is(err, fs.ErrNotExist) {
		return seed, err
	}
	if seed, err = GenerateSeed(); err != nil {
		return nil, err
	}
	if err := SaveSeed(path, seed); err != nil {
		return nil, fmt.Errorf("save seed: %w", err)
	}
	return seed, nil
}

// Keys holds the keys derived from a seed.
type Keys struct {
	Ed25519Priv ed25519.PrivateKey
	Libp2pPriv  libp2pcrypto.PrivKey
	Libp2pPub   libp2pcrypto.PubKey
	PeerID      peer.ID
}

// DeriveKeys derives the node keys from a seed.
func DeriveKeys(seed []byte) (*Keys, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("invalid seed size: %d", len(seed))
	}

	edPriv := ed25519.NewKeyFromSeed(seed)
	libp2pPriv, libp2pPub, err := libp2pcrypto.KeyPairFromStdKey(&edPriv)
	if err != nil {
		return nil, fmt.Errorf("derive libp2p key: %w", err)
	}

	peerID, err := peer.IDFromPublicKey(libp2pPub)
	if err != nil {
		return nil, fmt.Errorf("derive peer ID: %w", err)
	}

	return &Keys{
		Ed25519Priv: edPriv,
		Libp2pPriv:  libp2pPriv,
		Libp2pPub:   libp2pPub,
		PeerID:      peerID,
	}, nil
}
