package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// chainTo builds an entry that links to tail with a placeholder hash.
func chainTo(id string, at time.Time) func(tail *types.AuditEntry) (*types.AuditEntry, error) {
	return func(tail *types.AuditEntry) (*types.AuditEntry, error) {
		e := &types.AuditEntry{
			ID:        id,
			Actor:     "ops",
			Resource:  "collection:incident",
			Action:    "schema.create",
			NewValues: json.RawMessage(`{"a":1}`),
			CreatedAt: at,
			Hash:      "h-" + id,
		}
		if tail != nil {
			prev := tail.Hash
			e.PreviousHash = &prev
		}
		return e, nil
	}
}

func TestLedger_AppendSeesTail(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	first, err := b.AppendEntry(ctx, chainTo("e1", t0))
	require.NoError(t, err)
	assert.Nil(t, first.PreviousHash)

	second, err := b.AppendEntry(ctx, chainTo("e2", t0.Add(time.Second)))
	require.NoError(t, err)
	require.NotNil(t, second.PreviousHash)
	assert.Equal(t, "h-e1", *second.PreviousHash)

	anchor, entries, err := b.ChainSegment(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, anchor)
	require.Len(t, entries, 2)
	assert.Equal(t, "e1", entries[0].ID)
	assert.JSONEq(t, `{"a":1}`, string(entries[0].NewValues))
	assert.Nil(t, entries[0].OldValues)
	assert.Equal(t, t0, entries[0].CreatedAt)
}

func TestLedger_ForkRejected(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, err := b.AppendEntry(ctx, chainTo("e1", t0))
	require.NoError(t, err)

	// A second chain start competes with e1 for the empty previous hash.
	_, err = b.AppendEntry(ctx, func(*types.AuditEntry) (*types.AuditEntry, error) {
		return chainTo("fork", t0.Add(time.Second))(nil)
	})
	assert.Error(t, err)

	entries, err := b.ListEntries(ctx, types.AuditFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLedger_ChainSegment(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := b.AppendEntry(ctx, chainTo(id, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	anchor, entries, err := b.ChainSegment(ctx, "e2")
	require.NoError(t, err)
	require.NotNil(t, anchor)
	assert.Equal(t, "h-e1", *anchor)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, "e3", entries[1].ID)

	_, _, err = b.ChainSegment(ctx, "nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLedger_ListEntries(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for i, id := range []string{"e1", "e2", "e3"} {
		_, err := b.AppendEntry(ctx, chainTo(id, t0.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}

	all, err := b.ListEntries(ctx, types.AuditFilter{Actor: "ops", Action: "schema.create"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	none, err := b.ListEntries(ctx, types.AuditFilter{Resource: "collection:other"})
	require.NoError(t, err)
	assert.Empty(t, none)

	window, err := b.ListEntries(ctx, types.AuditFilter{Since: t0.Add(time.Minute)})
	require.NoError(t, err)
	assert.Len(t, window, 2)

	_, err = b.ListEntries(ctx, types.AuditFilter{Limit: -1})
	assert.ErrorIs(t, err, types.ErrInvalidFilter)
}

func TestLedger_Export(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	for i, id := range []string{"e1", "e2"} {
		_, err := b.AppendEntry(ctx, chainTo(id, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
	}

	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	n, err := b.ExportLedger(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	entries, err := ReadLedgerExport(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[1].ID)
	assert.Equal(t, "h-e1", *entries[1].PreviousHash)
	assert.Equal(t, t0.Add(time.Second), entries[1].CreatedAt)
}
