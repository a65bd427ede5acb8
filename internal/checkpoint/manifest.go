package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"warden/internal/store"
)

const manifestVersion = 1

// Entry is one file in a checkpoint, keyed by its slash-separated path
// relative to the project root.
type Entry struct {
	Path string     `json:"path"`
	Hash store.Hash `json:"hash"`
	Mode uint32     `json:"mode"`
	Size int64      `json:"size"`
}

// Manifest is the canonical description of a checkpoint. Entries are sorted
// lexicographically by path so the encoded bytes are reproducible.
type Manifest struct {
	Version   int       `json:"version"`
	Parent    string    `json:"parent,omitempty"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Entries   []Entry   `json:"entries"`
}

// Checkpoint pairs a manifest with its content-derived id.
type Checkpoint struct {
	ID       string   `json:"id"`
	Manifest Manifest `json:"manifest"`
}

func (m *Manifest) normalize() {
	sort.Slice(m.Entries, func(i, j int) bool {
		return m.Entries[i].Path < m.Entries[j].Path
	})
}

// idPayload is the subset of the manifest hashed into the checkpoint id.
// Creation time is excluded: checkpointing an unchanged tree with the same
// metadata must yield the same id.
type idPayload struct {
	Version int      `json:"version"`
	Parent  string   `json:"parent,omitempty"`
	Author  string   `json:"author,omitempty"`
	Message string   `json:"message,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Entries []Entry  `json:"entries"`
}

// ComputeID hashes the canonical manifest content.
func (m *Manifest) ComputeID() (string, error) {
	m.normalize()
	payload, err := json.Marshal(idPayload{
		Version: m.Version,
		Parent:  m.Parent,
		Author:  m.Author,
		Message: m.Message,
		Tags:    m.Tags,
		Entries: m.Entries,
	})
	if err != nil {
		return "", fmt.Errorf("marshal id payload: %w", err)
	}
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func (m *Manifest) encode() ([]byte, error) {
	m.normalize()
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal manifest: %w", err)
	}
	return append(b, '\n'), nil
}

func decodeManifest(b []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported manifest version %d", m.Version)
	}
	m.normalize()
	return &m, nil
}

// Hashes returns the distinct blob hashes the manifest references.
func (m *Manifest) Hashes() []store.Hash {
	seen := make(map[store.Hash]struct{}, len(m.Entries))
	var out []store.Hash
	for _, e := range m.Entries {
		if _, dup := seen[e.Hash]; dup {
			continue
		}
		seen[e.Hash] = struct{}{}
		out = append(out, e.Hash)
	}
	return out
}

func (m *Manifest) entryMap() map[string]Entry {
	out := make(map[string]Entry, len(m.Entries))
	for _, e := range m.Entries {
		out[e.Path] = e
	}
	return out
}
