// Package approval implements off-line signature approval for payment
// batches. An authorizing party signs a canonical approval message with a
// secp256k1 key; the verifier recovers the signer's address from the
// signature and compares it to the configured authorizer. Verification fails
// closed: any malformed input yields an invalid result, never a panic or an
// ambiguous success.
package approval

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/sha3"
)

// messagePrefix is the personal-message prefix applied before hashing, which
// prevents a signed approval from doubling as a valid transaction signature.
const messagePrefix = "\x19Ethereum Signed Message:\n"

// Result is the outcome of a verification attempt. RecoveredAddress is set
// whenever recovery itself succeeded, even if the address did not match.
type Result struct {
	Valid            bool   `json:"valid"`
	RecoveredAddress string `json:"recovered_address,omitempty"`
}

// Message builds the canonical approval message for a batch. The format
// binds the batch id and nonce so a signature cannot be replayed against a
// different batch.
func Message(batchID, nonce string, signedTimestamp int64) string {
	return fmt.Sprintf("Approve payroll batch:%s|%s|%d", batchID, nonce, signedTimestamp)
}

// Verify recovers the signing address from a 65-byte r||s||v hex signature
// over message and compares it case-insensitively to authorizedAddress.
func Verify(message, signature, authorizedAddress string) Result {
	sig, err := decodeSignature(signature)
	if err != nil {
		return Result{}
	}

	digest := personalHash(message)
	pub, _, err := ecdsa.RecoverCompact(sig, digest)
	if err != nil {
		return Result{}
	}

	recovered := pubKeyAddress(pub)
	return Result{
		Valid:            strings.EqualFold(recovered, authorizedAddress),
		RecoveredAddress: recovered,
	}
}

// WithinSkew reports whether a signed timestamp (unix seconds) falls inside
// the acceptable window around now. Signatures outside the window are
// considered stale or replayed.
func WithinSkew(signedTimestamp int64, now time.Time, window time.Duration) bool {
	signed := time.Unix(signedTimestamp, 0)
	diff := now.Sub(signed)
	if diff < 0 {
		diff = -diff
	}
	return diff <= window
}

// decodeSignature parses a hex r||s||v signature into the compact
// header-first form the recovery code expects. v may be 0/1 or 27/28.
func decodeSignature(signature string) ([]byte, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil {
		return nil, fmt.Errorf("signature is not hex: %w", err)
	}
	if len(raw) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(raw))
	}

	v := raw[64]
	if v < 27 {
		v += 27
	}
	if v != 27 && v != 28 {
		return nil, fmt.Errorf("invalid recovery id %d", raw[64])
	}

	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], raw[:64])
	return compact, nil
}

// personalHash applies the personal-message prefix and keccak256.
func personalHash(message string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(messagePrefix))
	h.Write([]byte(fmt.Sprintf("%d", len(message))))
	h.Write([]byte(message))
	return h.Sum(nil)
}

// pubKeyAddress derives the 0x address from a recovered public key: the last
// twenty bytes of the keccak256 of the uncompressed key without its prefix.
func pubKeyAddress(pub *secp256k1.PublicKey) string {
	uncompressed := pub.SerializeUncompressed()
	h := sha3.NewLegacyKeccak256()
	h.Write(uncompressed[1:])
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[12:])
}
