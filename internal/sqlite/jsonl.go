package sqlite

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mesh-intelligence/schemaledger/pkg/types"
)

// ExportLedger writes the whole audit ledger to path as JSONL, one entry per
// line in chain order. The file is replaced atomically.
func (b *Backend) ExportLedger(ctx context.Context, path string) (int, error) {
	_, entries, err := b.ChainSegment(ctx, "")
	if err != nil {
		return 0, err
	}
	records := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		rec, err := json.Marshal(e)
		if err != nil {
			return 0, fmt.Errorf("encoding ledger entry %s: %w", e.ID, err)
		}
		records = append(records, rec)
	}
	if err := writeJSONL(path, records); err != nil {
		return 0, err
	}
	return len(records), nil
}

// ReadLedgerExport loads a file written by ExportLedger. Unlike readJSONL, a
// malformed line is an error: silently dropping an entry would hide a break
// in the chain.
func ReadLedgerExport(path string) ([]*types.AuditEntry, error) {
	records, err := readJSONL(path)
	if err != nil {
		return nil, err
	}
	entries := make([]*types.AuditEntry, 0, len(records))
	for i, rec := range records {
		var e types.AuditEntry
		if err := json.Unmarshal(rec, &e); err != nil {
			return nil, fmt.Errorf("decoding line %d of %s: %w", i+1, path, err)
		}
		entries = append(entries, &e)
	}
	return entries, nil
}

// readJSONL reads a JSONL file and returns each non-empty line as a
// json.RawMessage. Lines that are not valid JSON are returned as errors.
func readJSONL(path string) ([]json.RawMessage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	var records []json.RawMessage
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("%s line %d: invalid JSON", path, line)
		}
		cp := make([]byte, len(data))
		copy(cp, data)
		records = append(records, json.RawMessage(cp))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w", path, err)
	}
	return records, nil
}

// writeJSONL atomically writes records to a JSONL file using the temp-file,
// fsync, rename pattern.
func writeJSONL(path string, records []json.RawMessage) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".jsonl-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	w := bufio.NewWriter(tmp)
	for _, rec := range records {
		if _, err := w.Write(rec); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing record: %w", err)
		}
		if err := w.WriteByte('\n'); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return fmt.Errorf("writing newline: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("flushing buffer: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}
