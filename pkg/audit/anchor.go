package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

// AnchorEntry records one executed batch digest in the anchor chain.
type AnchorEntry struct {
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	BatchID      string `json:"batch_id"`
	Digest       string `json:"digest"`
	Hash         string `json:"hash"`
}

// AnchorChain is a tamper-evident hash chain over executed batch digests.
// Each executed batch is appended exactly once; verifying the chain proves no
// batch record was altered or dropped after the fact.
type AnchorChain struct {
	mu           sync.Mutex
	previousHash string
	entries      []*AnchorEntry
}

// NewAnchorChain creates an anchor chain initialized with a zero hash.
func NewAnchorChain() *AnchorChain {
	return &AnchorChain{
		previousHash: strings.Repeat("0", 64),
	}
}

// Anchor appends a batch digest to the chain and returns the new entry.
func (c *AnchorChain) Anchor(batchID, digest string) *AnchorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &AnchorEntry{
		Timestamp:    time.Now().UTC().Format(time.RFC3339),
		PreviousHash: c.previousHash,
		BatchID:      batchID,
		Digest:       digest,
	}

	hashInput := fmt.Sprintf("%s|%s|%s|%s", entry.PreviousHash, entry.Timestamp, entry.BatchID, entry.Digest)
	hash := sha256.Sum256([]byte(hashInput))
	entry.Hash = hex.EncodeToString(hash[:])

	c.previousHash = entry.Hash
	c.entries = append(c.entries, entry)
	return entry
}

// Entries returns a snapshot of the chain in append order.
func (c *AnchorChain) Entries() []*AnchorEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*AnchorEntry(nil), c.entries...)
}

// VerifyChain checks if a slice of entries forms a valid hash chain.
func VerifyChain(entries []*AnchorEntry) bool {
	if len(entries) == 0 {
		return true
	}

	for i, entry := range entries {
		var prevHash string
		if i == 0 {
			prevHash = entry.PreviousHash
		} else {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}

		hashInput := fmt.Sprintf("%s|%s|%s|%s", prevHash, entry.Timestamp, entry.BatchID, entry.Digest)
		hash := sha256.Sum256([]byte(hashInput))
		if hex.EncodeToString(hash[:]) != entry.Hash {
			return false
		}
	}
	return true
}
