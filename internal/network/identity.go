package network

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	crypto "github.com/libp2p/go-libp2p/core/crypto"
	peer "github.com/libp2p/go-libp2p/core/peer"
)

// PersistentIdentity holds the private key and peer ID.
type PersistentIdentity struct {
	PrivKey []byte `json:"priv_key"`
	PeerID  string `json:"peer_id"`
}

// SaveIdentity writes id to path with owner-only permissions.
func SaveIdentity(path string, id *PersistentIdentity) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// LoadIdentity reads an identity file.
func LoadIdentity(path string) (*PersistentIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var id PersistentIdentity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, err
	}
	return &id, nil
}

// LoadOrCreateIdentity returns the key stored at path, generating and
// saving a new Ed25519 key when the file does not exist. An empty path
// yields an ephemeral key.
func LoadOrCreateIdentity(path string) (crypto.PrivKey, peer.ID, error) {
	if path != "" {
		id, err := LoadIdentity(path)
		switch {
		case err == nil:
			priv, err := crypto.UnmarshalPrivateKey(id.PrivKey)
			if err != nil {
				return nil, "", fmt.Errorf("identity: decode key: %w", err)
			}
			pid, err := peer.IDFromPrivateKey(priv)
			if err != nil {
				return nil, "", err
			}
			if id.PeerID != "" && id.PeerID != pid.String() {
				return nil, "", fmt.Errorf("identity: peer id %s does not match key (%s)", id.PeerID, pid)
			}
			return priv, pid, nil
		case !errors.Is(err, os.ErrNotExist):
			return nil, "", fmt.Errorf("identity: load %s: %w", path, err)
		}
	}

	priv, _, err := crypto.GenerateEd25519Key(nil)
	if err != nil {
		return nil, "", err
	}
	pid, err := peer.IDFromPrivateKey(priv)
	if err != nil {
		return nil, "", err
	}

	if path != "" {
		privBytes, err := crypto.MarshalPrivateKey(priv)
		if err != nil {
			return nil, "", err
		}
		if err := SaveIdentity(path, &PersistentIdentity{PrivKey: privBytes, PeerID: pid.String()}); err != nil {
			return nil, "", fmt.Errorf("identity: save %s: %w", path, err)
		}
	}
	return priv, pid, nil
}
