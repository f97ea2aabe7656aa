// Package ledger implements the hash-chained audit ledger. Every entry's
// hash covers its canonical payload and the hash of the entry before it, so
// a retroactive edit breaks every recomputed hash from that entry onward.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"github.com/mesh-intelligence/schemaledger/internal/canonical"
	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// hashTimeLayout fixes the createdAt text that enters the hash.
const hashTimeLayout = "2006-01-02T15:04:05.000000000Z"

// Store persists the chain. AppendEntry must read the tail and insert the
// built entry inside one write-locked transaction.
type Store interface {
	AppendEntry(ctx context.Context, build func(tail *types.AuditEntry) (*types.AuditEntry, error)) (*types.AuditEntry, error)
	ChainSegment(ctx context.Context, fromID string) (anchor *string, entries []*types.AuditEntry, err error)
	ListEntries(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error)
}

// Ledger appends and verifies audit entries.
type Ledger struct {
	store Store
	clock clock.Clock

	// mu serializes appends from this process; the store serializes
	// appends across processes.
	mu sync.Mutex
}

// New returns a ledger over store.
func New(store Store, clk clock.Clock) *Ledger {
	return &Ledger{store: store, clock: clk}
}

// Append links a new entry to the current tail and persists it. createdAt
// is kept strictly after the tail's so chain order never regresses when
// clocks disagree.
func (l *Ledger) Append(ctx context.Context, p types.AuditPayload) (*types.AuditEntry, error) {
	if p.Actor == "" || p.Resource == "" || p.Action == "" {
		return nil, fmt.Errorf("%w: actor, resource and action are required", types.ErrInvalidEntry)
	}
	oldValues, err := canonicalValue(p.OldValues)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing old values: %w", err)
	}
	newValues, err := canonicalValue(p.NewValues)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing new values: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, err := l.store.AppendEntry(ctx, func(tail *types.AuditEntry) (*types.AuditEntry, error) {
		e := &types.AuditEntry{
			ID:        generateID(),
			Actor:     p.Actor,
			Resource:  p.Resource,
			Action:    p.Action,
			OldValues: oldValues,
			NewValues: newValues,
			Metadata:  p.Metadata,
			CreatedAt: l.clock.Now().UTC(),
		}
		if tail != nil {
			if !e.CreatedAt.After(tail.CreatedAt) {
				e.CreatedAt = tail.CreatedAt.Add(time.Nanosecond)
			}
			prev := tail.Hash
			e.PreviousHash = &prev
		}
		hash, err := ComputeHash(e, e.PreviousHash)
		if err != nil {
			return nil, err
		}
		e.Hash = hash
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("appending %s on %s: %w", p.Action, p.Resource, err)
	}
	return entry, nil
}

// Entries returns the entries matching filter in chain order.
func (l *Ledger) Entries(ctx context.Context, filter types.AuditFilter) ([]*types.AuditEntry, error) {
	entries, err := l.store.ListEntries(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing ledger entries: %w", err)
	}
	return entries, nil
}

// hashInput is every entry field except hash and previousHash.
type hashInput struct {
	ID        string              `json:"id"`
	Actor     string              `json:"actor"`
	Resource  string              `json:"resource"`
	Action    string              `json:"action"`
	OldValues json.RawMessage     `json:"oldValues"`
	NewValues json.RawMessage     `json:"newValues"`
	Metadata  types.AuditMetadata `json:"metadata"`
	CreatedAt string              `json:"createdAt"`
}

// ComputeHash returns hex(SHA256(canonical(entry without hashes) ++
// previousHash)). A nil previousHash contributes nothing.
func ComputeHash(e *types.AuditEntry, previousHash *string) (string, error) {
	body, err := canonical.Marshal(hashInput{
		ID:        e.ID,
		Actor:     e.Actor,
		Resource:  e.Resource,
		Action:    e.Action,
		OldValues: nullable(e.OldValues),
		NewValues: nullable(e.NewValues),
		Metadata:  e.Metadata,
		CreatedAt: e.CreatedAt.UTC().Format(hashTimeLayout),
	})
	if err != nil {
		return "", fmt.Errorf("canonicalizing entry %s: %w", e.ID, err)
	}

	h := sha256.New()
	h.Write(body)
	if previousHash != nil {
		h.Write([]byte(*previousHash))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// canonicalValue encodes v canonically; nil and null become an absent
// document.
func canonicalValue(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	var (
		out []byte
		err error
	)
	switch t := v.(type) {
	case json.RawMessage:
		out, err = canonical.FromJSON(t)
	case []byte:
		out, err = canonical.FromJSON(t)
	default:
		out, err = canonical.Marshal(v)
	}
	if err != nil {
		return nil, err
	}
	if string(out) == canonical.Null {
		return nil, nil
	}
	return out, nil
}

// nullable maps an absent document to nil so it hashes as null.
func nullable(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

// generateID returns a UUID v7, falling back to v4.
func generateID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
