package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/andywarduk/mirrorurl/pkg/types"
)

const (
	manifestDir  = ".mirrorurl"
	manifestFile = "manifest.jsonl"
)

// ManifestPath returns where the manifest lives under root.
func ManifestPath(root string) string {
	return filepath.Join(root, manifestDir, manifestFile)
}

// Manifest is the set of records written by a previous run, keyed by URL.
type Manifest struct {
	records map[string]types.MirrorRecord
}

// LoadManifest reads the manifest under root. A missing manifest is empty.
// Lines that fail to decode are skipped.
func LoadManifest(root string) (*Manifest, error) {
	m := &Manifest{records: make(map[string]types.MirrorRecord)}
	fh, err := os.Open(ManifestPath(root))
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("%w: open manifest: %v", types.ErrIO, err)
	}
	defer fh.Close()

	scanner := bufio.NewScanner(fh)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec types.MirrorRecord
		if err := json.Unmarshal(line, &rec); err != nil || rec.URL == "" {
			continue
		}
		m.records[rec.URL] = rec
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read manifest: %v", types.ErrIO, err)
	}
	return m, nil
}

// Get returns the record stored for a URL key.
func (m *Manifest) Get(urlKey string) (types.MirrorRecord, bool) {
	if m == nil {
		return types.MirrorRecord{}, false
	}
	rec, ok := m.records[urlKey]
	return rec, ok
}

// Len reports the number of records.
func (m *Manifest) Len() int {
	if m == nil {
		return 0
	}
	return len(m.records)
}

// Records returns all records sorted by URL.
func (m *Manifest) Records() []types.MirrorRecord {
	if m == nil {
		return nil
	}
	out := make([]types.MirrorRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec)
	}
	sortRecords(out)
	return out
}

// encodeManifest renders records as NDJSON sorted by URL.
func encodeManifest(records []types.MirrorRecord) ([]byte, error) {
	sorted := append([]types.MirrorRecord(nil), records...)
	sortRecords(sorted)
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for _, rec := range sorted {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("encode manifest record %s: %w", rec.URL, err)
		}
	}
	return buf.Bytes(), nil
}

// writeManifest persists records under root, reporting whether the file on
// disk was already identical.
func writeManifest(root string, records []types.MirrorRecord) (bool, error) {
	data, err := encodeManifest(records)
	if err != nil {
		return false, err
	}
	return writeFileAtomic(ManifestPath(root), data)
}

func sortRecords(records []types.MirrorRecord) {
	sort.Slice(records, func(i, j int) bool { return records[i].URL < records[j].URL })
}
