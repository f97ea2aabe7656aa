package ledger

import (
	"context"
	"fmt"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// VerifyResult reports a chain walk. BrokenAt is the index, within the
// walked segment, of the earliest entry that fails; -1 when Valid.
type VerifyResult struct {
	Valid         bool   `json:"valid"`
	Checked       int    `json:"checked"`
	BrokenAt      int    `json:"brokenAt"`
	BrokenEntryID string `json:"brokenEntryId,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Err returns nil for a valid chain and an ErrChainIntegrity wrap otherwise.
func (r VerifyResult) Err() error {
	if r.Valid {
		return nil
	}
	return fmt.Errorf("%w: entry %d (%s): %s", types.ErrChainIntegrity, r.BrokenAt, r.BrokenEntryID, r.Reason)
}

// Verify walks the chain from fromID (or from the first entry when fromID is
// empty) to the tail. It only detects; nothing is repaired. A violation is
// reported in the result, not as an error.
func (l *Ledger) Verify(ctx context.Context, fromID string) (VerifyResult, error) {
	anchor, entries, err := l.store.ChainSegment(ctx, fromID)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading ledger segment: %w", err)
	}
	return VerifyEntries(anchor, entries), nil
}

// VerifyEntries checks entries in order against anchor, the stored hash of
// the entry preceding them (nil when they start the chain). Each entry must
// link to the previous stored hash and its stored hash must match the hash
// recomputed from its payload.
func VerifyEntries(anchor *string, entries []*types.AuditEntry) VerifyResult {
	prev := anchor
	for i, e := range entries {
		broken := func(reason string) VerifyResult {
			return VerifyResult{Checked: i, BrokenAt: i, BrokenEntryID: e.ID, Reason: reason}
		}

		if !sameHash(e.PreviousHash, prev) {
			return broken("previous hash does not match the preceding entry")
		}
		want, err := ComputeHash(e, prev)
		if err != nil {
			return broken(err.Error())
		}
		if want != e.Hash {
			return broken("stored hash does not match the recomputed hash")
		}
		h := e.Hash
		prev = &h
	}
	return VerifyResult{Valid: true, Checked: len(entries), BrokenAt: -1}
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
