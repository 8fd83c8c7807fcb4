package network

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/core"
)

// ParseAddr parses a multiaddr string such as /ip4/127.0.0.1/tcp/4001.
func ParseAddr(s string) (ma.Multiaddr, error) {
	addr, err := ma.NewMultiaddr(strings.TrimSpace(s))
	if err != nil {
		return nil, core.ErrInvalidAddress(s, err)
	}
	return addr, nil
}

// TCPPort returns the tcp component of addr.
func TCPPort(addr ma.Multiaddr) (string, bool) {
	if addr == nil {
		return "", false
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", false
	}
	return port, true
}

// IsDialable reports whether addr carries a resolved (non-zero) tcp port.
// Port 0 is a bind placeholder and must never be announced or dialed.
func IsDialable(addr ma.Multiaddr) bool {
	port, ok := TCPPort(addr)
	return ok && port != "0"
}

// CheckDialable returns an INVALID_ADDRESS error for non-dialable addresses.
func CheckDialable(addr ma.Multiaddr) error {
	if addr == nil {
		return core.ErrInvalidAddress("", errors.New("nil address"))
	}
	if !IsDialable(addr) {
		return core.ErrInvalidAddress(addr.String(), errors.New("unresolved or missing tcp port"))
	}
	return nil
}

// Announcement is a discovery record "<peer_id>|<address>".
type Announcement struct {
	PeerID string
	Addr   string
}

// String renders the wire form.
func (a Announcement) String() string {
	return a.PeerID + "|" + a.Addr
}

// ParseAnnouncement splits on the first '|'.
func ParseAnnouncement(s string) (Announcement, error) {
	peerID, addr, ok := strings.Cut(s, "|")
	if !ok || peerID == "" || addr == "" {
		return Announcement{}, core.ErrInvalidAddress(s, fmt.Errorf("malformed announcement"))
	}
	return Announcement{PeerID: peerID, Addr: addr}, nil
}

// Multiaddr parses the announced address and checks it is dialable.
func (a Announcement) Multiaddr() (ma.Multiaddr, error) {
	addr, err := ParseAddr(a.Addr)
	if err != nil {
		return nil, err
	}
	if err := CheckDialable(addr); err != nil {
		return nil, err
	}
	return addr, nil
}
