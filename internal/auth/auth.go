// Package auth implements passkey authentication for receiver connections.
// The shared passkey never crosses the wire: both sides derive an HMAC token
// from TLS exporter material, binding the token to the specific TLS session.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

const PasskeySize = 32

// ExporterLabel is the TLS keying-material export label both sides use.
const ExporterLabel = "recvring-auth-v1"

var ErrBadPasskey = errors.New("auth: passkey must be 64 hex characters")

// GeneratePasskey returns a cryptographically random 32-byte passkey.
func GeneratePasskey() ([]byte, error) {
	key := make([]byte, PasskeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// ParsePasskey decodes a hex-encoded passkey as printed by FormatPasskey.
func ParsePasskey(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil || len(key) != PasskeySize {
		return nil, ErrBadPasskey
	}
	return key, nil
}

// FormatPasskey renders a passkey for display and CLI transfer.
func FormatPasskey(key []byte) string {
	return hex.EncodeToString(key)
}

// ComputeToken computes HMAC-SHA256(passkey, exporterMaterial). The
// exporterMaterial should come from TLS.ExportKeyingMaterial under
// ExporterLabel.
func ComputeToken(passkey, exporterMaterial []byte) [32]byte {
	mac := hmac.New(sha256.New, passkey)
	mac.Write(exporterMaterial)
	var token [32]byte
	copy(token[:], mac.Sum(nil))
	return token
}

// VerifyToken checks that the provided token matches the expected
// HMAC-SHA256(passkey, exporterMaterial).
func VerifyToken(passkey, exporterMaterial []byte, token [32]byte) bool {
	expected := ComputeToken(passkey, exporterMaterial)
	return hmac.Equal(token[:], expected[:])
}
