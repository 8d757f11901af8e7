package utils

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// NewID generates a collision-resistant random identifier with a prefix.
// Format: prefix_randomhex
// Example: inv_a1b2c3d4e5f6...
func NewID(prefix string) string {
	b := make([]byte, 16) // 32 char hex
	if _, err := rand.Read(b); err != nil {
		panic(err) // crypto/rand does not fail on supported platforms
	}
	return fmt.Sprintf("%s_%s", prefix, hex.EncodeToString(b))
}

// NewInvoiceID generates an invoice identifier: inv_xxx
func NewInvoiceID() string {
	return NewID("inv")
}

// NewEventID generates a webhook event identifier: evt_xxx
func NewEventID() string {
	return NewID("evt")
}
