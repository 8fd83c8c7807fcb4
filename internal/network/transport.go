package network

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/gossip"
)

// Control is the command surface shared by every backend.
type Control interface {
	// Publish floods payload to every currently known peer.
	Publish(payload []byte) error
	// Dial opens an outbound connection. Port-0 addresses are rejected.
	Dial(addr ma.Multiaddr) error
	// AddPeer forces peerID into the broadcast set.
	AddPeer(peerID string) error
}

// Transport is a Control plus its inbound event stream.
type Transport interface {
	Control
	ID() string
	ListenAddrs() []ma.Multiaddr
	Events() <-chan gossip.Update
	Close() error
}

// StateFetcher is implemented by transports able to pull a peer's full
// exported state.
type StateFetcher interface {
	FetchState(ctx context.Context, peerID string) ([]byte, error)
}

// StateProvider returns this node's exported state for a requesting peer.
type StateProvider func() ([]byte, error)
