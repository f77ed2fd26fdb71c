// Package batch assembles payment batches, computes their canonical digests
// and orchestrates approved execution against the settlement backend.
package batch

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/payroll-infra/internal/store"
)

// MaxFeeBps caps the protocol fee at 100%.
const MaxFeeBps = 10000

// ValidationError reports a malformed batch request. It is never retried
// automatically; the caller must fix the input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid batch: %s", e.Reason)
}

// Build assembles entries into a canonical batch, computing total, fee, net
// total and the digest that approvers sign. Duplicate account ids are
// rejected rather than merged so a mistaken double entry can never silently
// double a payment.
func Build(entries []store.Entry, nonce string, feeBps int64) (*store.Batch, error) {
	if len(entries) == 0 {
		return nil, &ValidationError{Reason: "entries required"}
	}
	if feeBps < 0 || feeBps > MaxFeeBps {
		return nil, &ValidationError{Reason: fmt.Sprintf("fee_bps must be between 0 and %d", MaxFeeBps)}
	}

	seen := make(map[string]bool, len(entries))
	var total int64
	for i, e := range entries {
		if e.PayeeID == "" || e.AccountID == "" {
			return nil, &ValidationError{Reason: fmt.Sprintf("entry %d missing payee or account id", i)}
		}
		if e.Amount <= 0 {
			return nil, &ValidationError{Reason: fmt.Sprintf("entry %d amount must be positive", i)}
		}
		if seen[e.AccountID] {
			return nil, &ValidationError{Reason: fmt.Sprintf("duplicate account id %s", e.AccountID)}
		}
		seen[e.AccountID] = true
		total += e.Amount
	}

	fee := computeFee(total, feeBps)
	b := &store.Batch{
		ID:       newBatchID(),
		Entries:  append([]store.Entry(nil), entries...),
		Nonce:    nonce,
		FeeBps:   feeBps,
		Total:    total,
		Fee:      fee,
		NetTotal: total - fee,
		Status:   store.BatchCreated,
	}
	b.Digest = Digest(b)
	return b, nil
}

// computeFee rounds half up on integer minor units. The rounding rule is
// applied uniformly to fee and, by subtraction, net total.
func computeFee(total, feeBps int64) int64 {
	return (total*feeBps + MaxFeeBps/2) / MaxFeeBps
}

func newBatchID() string {
	return fmt.Sprintf("batch-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// canonicalEntry and canonicalBatch fix the serialized key order
// lexicographically. Entry order is preserved because it is part of the
// batch's meaning; only key order is normalized.
type canonicalEntry struct {
	AccountID string `json:"accountId"`
	Amount    int64  `json:"amount"`
	PayeeID   string `json:"payeeId"`
}

type canonicalBatch struct {
	BatchID  string           `json:"batchId"`
	Entries  []canonicalEntry `json:"entries"`
	Fee      int64            `json:"fee"`
	NetTotal int64            `json:"netTotal"`
	Total    int64            `json:"total"`
}

// Digest computes the sha256 hex digest of a batch's canonical form. It is a
// pure function of batch content: identical entries in identical order always
// produce the same digest, and any reordering changes it.
func Digest(b *store.Batch) string {
	canonical := canonicalBatch{
		BatchID:  b.ID,
		Entries:  make([]canonicalEntry, 0, len(b.Entries)),
		Fee:      b.Fee,
		NetTotal: b.NetTotal,
		Total:    b.Total,
	}
	for _, e := range b.Entries {
		canonical.Entries = append(canonical.Entries, canonicalEntry{
			AccountID: e.AccountID,
			Amount:    e.Amount,
			PayeeID:   e.PayeeID,
		})
	}

	// Struct fields are declared in lexicographic order, so encoding/json
	// emits a deterministic canonical serialization.
	raw, err := json.Marshal(canonical)
	if err != nil {
		// Only unmarshalable types can fail here, and the struct has none.
		panic(err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
