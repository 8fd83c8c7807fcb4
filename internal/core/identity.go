package core

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateID returns a random 128-bit hex identifier
func GenerateID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}

// NodeID returns id when set, otherwise a freshly generated one.
func NodeID(id string) string {
	if id != "" {
		return id
	}
	return "node-" + GenerateID()[:12]
}
