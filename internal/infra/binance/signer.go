// Package binance implements the live venue: a signed REST client for
// order execution and account state, plus WebSocket workers for market
// data and the user data stream.
package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
)

// Signer produces Binance request signatures. Keys are held as []byte so
// they can be wiped when the client shuts down.
type Signer struct {
	apiKey    []byte
	secretKey []byte
}

// NewSigner creates a signer from the configured credentials.
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    []byte(apiKey),
		secretKey: []byte(secretKey),
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return string(s.apiKey)
}

// Sign computes the hex HMAC-SHA256 of the encoded query string. Binance
// expects the result appended as the signature parameter, signed over
// every other parameter including timestamp and recvWindow.
func (s *Signer) Sign(payload string) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Wipe clears the keys from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	wipeSlice(s.apiKey)
	wipeSlice(s.secretKey)
}

func wipeSlice(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
