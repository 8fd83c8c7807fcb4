package network

import (
	"testing"
	"time"

	"github.com/nmxmxh/orgmesh/internal/gossip"
)

// waitForUpdate reads ch until match returns true or the timeout expires.
func waitForUpdate(t *testing.T, ch <-chan gossip.Update, timeout time.Duration, match func(gossip.Update) bool) (gossip.Update, []gossip.Update) {
	t.Helper()
	deadline := time.After(timeout)
	var seen []gossip.Update
	for {
		select {
		case u, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed; seen %v", seen)
			}
			seen = append(seen, u)
			if match(u) {
				return u, seen
			}
		case <-deadline:
			t.Fatalf("timed out waiting for update; seen %v", seen)
			return nil, seen
		}
	}
}
