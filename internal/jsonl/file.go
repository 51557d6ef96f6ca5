package jsonl

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mesh-intelligence/larder/internal/store"
)

// line is one record in the file.
type line struct {
	Kind     string          `json:"kind"`
	ID       int64           `json:"id"`
	OwnerID  int64           `json:"owner_id,omitempty"`
	Modified time.Time       `json:"modified"`
	Payload  json.RawMessage `json:"payload"`
}

// readLines reads path and returns the parseable lines. Blank and
// malformed lines are skipped and counted. A missing file reads as empty.
func readLines(path string) (lines []line, skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var l line
		if err := json.Unmarshal(raw, &l); err != nil || l.Kind == "" || l.ID <= 0 {
			skipped++
			continue
		}
		lines = append(lines, l)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("scanning %s: %w", path, err)
	}
	return lines, skipped, nil
}

// writeLines atomically replaces path with rows using the temp-file,
// fsync, rename pattern. Rows are written by kind then identifier.
func writeLines(path string, rows map[string]map[int64]store.Record) error {
	kinds := make([]string, 0, len(rows))
	for k := range rows {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".larder-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	fail := func(err error) error {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, kind := range kinds {
		for _, rec := range sortedRecords(rows[kind]) {
			l := line{Kind: kind, ID: rec.ID, OwnerID: rec.OwnerID, Modified: rec.Modified, Payload: rec.Payload}
			if err := enc.Encode(l); err != nil {
				return fail(fmt.Errorf("writing %s %d: %w", kind, rec.ID, err))
			}
		}
	}
	if err := w.Flush(); err != nil {
		return fail(fmt.Errorf("flushing buffer: %w", err))
	}
	if err := tmp.Sync(); err != nil {
		return fail(fmt.Errorf("syncing temp file: %w", err))
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

func sortedRecords(m map[int64]store.Record) []store.Record {
	out := make([]store.Record, 0, len(m))
	for _, rec := range m {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
