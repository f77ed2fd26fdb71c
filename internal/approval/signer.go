package approval

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Sign produces a 65-byte r||s||v hex signature over the personal-message
// hash of message. It is used by the approval CLI and by tests; the server
// itself never holds the authorizer's key.
func Sign(message string, key *secp256k1.PrivateKey) string {
	digest := personalHash(message)
	compact := ecdsa.SignCompact(key, digest, false)

	// Compact form is header-first; rearrange to r||s||v with v in {0,1}.
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = compact[0] - 27
	return "0x" + hex.EncodeToString(sig)
}

// ParsePrivateKey decodes a hex-encoded secp256k1 private key.
func ParsePrivateKey(hexKey string) (*secp256k1.PrivateKey, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("private key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(raw))
	}
	return secp256k1.PrivKeyFromBytes(raw), nil
}

// Address returns the 0x address belonging to a private key.
func Address(key *secp256k1.PrivateKey) string {
	return pubKeyAddress(key.PubKey())
}
