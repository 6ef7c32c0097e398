package identity

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	nostr "github.com/nbd-wtf/go-nostr"
)

const (
	// KeyFileName is the name of the file where the client key is stored
	KeyFileName = "client.key"
	// KeyDir is the directory under the data dir holding identity files
	KeyDir = ".feedcore"
)

// ClientIdentity holds the secp256k1 keypair the client authenticates with.
// Relays that gate access behind NIP-42 challenge this key.
type ClientIdentity struct {
	PublicKey  string `json:"public_key"`
	privateKey string
}

// Generate creates a new client identity with a secp256k1 keypair.
func Generate() (*ClientIdentity, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate keypair: %w", err)
	}

	privHex := hex.EncodeToString(priv.Serialize())
	// x-only public key, the Nostr pubkey format
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])

	return &ClientIdentity{
		PublicKey:  pubHex,
		privateKey: privHex,
	}, nil
}

// Sign signs a Nostr event with the client key, filling ID, PubKey and Sig.
func (id *ClientIdentity) Sign(evt *nostr.Event) error {
	return evt.Sign(id.privateKey)
}

// GetOrCreate loads the client identity from dataDir, generating and saving
// one when none exists. An empty dataDir means the user's home directory.
func GetOrCreate(dataDir string) (*ClientIdentity, error) {
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dataDir = home
	}

	keyPath := filepath.Join(dataDir, KeyDir, KeyFileName)

	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := save(id, keyPath); err != nil {
			return nil, fmt.Errorf("failed to save client identity: %w", err)
		}
		return id, nil
	}

	return load(keyPath)
}

// save writes only the private key, with restricted permissions. The public
// key is derived on load.
func save(id *ClientIdentity, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return os.WriteFile(path, []byte(id.privateKey+"\n"), 0600)
}

// load reads a private key file written by save.
func load(path string) (*ClientIdentity, error) {
	cleaned := filepath.Clean(path)
	if strings.Contains(cleaned, "..") {
		return nil, fmt.Errorf("invalid path: directory traversal detected")
	}

	content, err := os.ReadFile(cleaned)
	if err != nil {
		return nil, fmt.Errorf("failed to read client key file: %w", err)
	}

	privHex := strings.TrimSpace(string(content))
	privBytes, err := hex.DecodeString(privHex)
	if err != nil || len(privBytes) != 32 {
		return nil, fmt.Errorf("failed to decode private key")
	}

	priv, _ := btcec.PrivKeyFromBytes(privBytes)
	pubHex := hex.EncodeToString(priv.PubKey().SerializeCompressed()[1:])

	return &ClientIdentity{
		PublicKey:  pubHex,
		privateKey: privHex,
	}, nil
}
