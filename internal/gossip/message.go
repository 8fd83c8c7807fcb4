package gossip

import (
	"encoding/hex"
	"encoding/json"

	"github.com/nmxmxh/orgmesh/internal/core"
	"golang.org/x/crypto/sha3"
)

// GlobalEntity is the well-known key under which whole-store hashes are gossiped.
const GlobalEntity = "global"

// HashGossipMessage is the unit exchanged between peers.
type HashGossipMessage struct {
	EntityID  string `json:"entity_id"`
	StateHash string `json:"state_hash"`
	Timestamp int64  `json:"timestamp"` // unix seconds
	PeerID    string `json:"peer_id"`
}

// Marshal encodes the message as JSON.
func (m HashGossipMessage) Marshal() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, core.ErrSerializationFailed("encode gossip message", err)
	}
	return data, nil
}

// UnmarshalMessage decodes a JSON gossip message.
func UnmarshalMessage(data []byte) (HashGossipMessage, error) {
	var msg HashGossipMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return HashGossipMessage{}, core.ErrSerializationFailed("decode gossip message", err)
	}
	return msg, nil
}

// HashState returns the hex SHA3-256 digest of data.
func HashState(data []byte) string {
	sum := sha3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Update is an event emitted by a gossip node or transport.
// Concrete types: HashReceived, MismatchDetected, PeerConnected,
// PeerDisconnected, LocalListenAddr.
type Update interface {
	isUpdate()
}

// HashReceived reports a hash heard from a peer (or from self).
type HashReceived struct {
	PeerID   string
	EntityID string
	Hash     string
}

// MismatchDetected reports that a peer's hash differs from ours.
type MismatchDetected struct {
	EntityID  string
	LocalHash string
	PeerHash  string
	PeerID    string
}

// PeerConnected reports a new live connection.
type PeerConnected struct {
	PeerID string
}

// PeerDisconnected reports a dropped connection.
type PeerDisconnected struct {
	PeerID string
}

// LocalListenAddr reports a resolved address this node listens on.
type LocalListenAddr struct {
	Addr string
}

func (HashReceived) isUpdate()     {}
func (MismatchDetected) isUpdate() {}
func (PeerConnected) isUpdate()    {}
func (PeerDisconnected) isUpdate() {}
func (LocalListenAddr) isUpdate()  {}
