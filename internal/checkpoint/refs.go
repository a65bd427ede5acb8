package checkpoint

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"warden/internal/faults"
)

// Ref is a named pointer to a checkpoint. Refs are the only GC roots.
type Ref struct {
	Name string `json:"name"`
	ID   string `json:"id"`
}

func validateRefName(name string) error {
	if !refNamePattern.MatchString(name) {
		return faults.Invalid("ref_name_invalid",
			"ref name %q must match [a-zA-Z0-9._-] and be at most 128 chars", name)
	}
	return nil
}

// CreateRef points name at an existing checkpoint, replacing any previous
// target atomically.
func (m *Manager) CreateRef(name, id string) error {
	if err := validateRefName(name); err != nil {
		return err
	}
	if _, err := m.Get(id); err != nil {
		return err
	}

	tmp := filepath.Join(m.refsDir, ".tmp-"+name)
	if err := writeFileSync(tmp, []byte(id+"\n"), 0o644); err != nil {
		return faults.Io(err, "ref_write", "write ref %s", name)
	}
	if err := os.Rename(tmp, filepath.Join(m.refsDir, name)); err != nil {
		os.Remove(tmp)
		return faults.Io(err, "ref_commit", "commit ref %s", name)
	}
	m.logger.Info("ref %s -> %s", name, shortID(id))
	return nil
}

// GetRef returns the checkpoint id a ref points at.
func (m *Manager) GetRef(name string) (string, error) {
	if err := validateRefName(name); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(m.refsDir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", faults.NotFound("ref_not_found", "ref %s not found", name)
		}
		return "", faults.Io(err, "ref_read", "read ref %s", name)
	}
	id := strings.TrimSpace(string(data))
	if err := validateID(id); err != nil {
		return "", faults.Corrupt("ref_corrupt", "ref %s does not contain a checkpoint id", name)
	}
	return id, nil
}

// DeleteRef removes a ref. The checkpoint it pointed at becomes collectable
// at the next GC unless another ref reaches it.
func (m *Manager) DeleteRef(name string) error {
	if err := validateRefName(name); err != nil {
		return err
	}
	err := os.Remove(filepath.Join(m.refsDir, name))
	if os.IsNotExist(err) {
		return faults.NotFound("ref_not_found", "ref %s not found", name)
	}
	if err != nil {
		return faults.Io(err, "ref_delete", "delete ref %s", name)
	}
	m.logger.Info("ref %s deleted", name)
	return nil
}

// ListRefs returns all refs sorted by name. Unreadable entries are skipped.
func (m *Manager) ListRefs() ([]Ref, error) {
	dirents, err := os.ReadDir(m.refsDir)
	if err != nil {
		return nil, faults.Io(err, "refs_dir", "read refs directory")
	}
	var out []Ref
	for _, d := range dirents {
		name := d.Name()
		if d.IsDir() || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		id, err := m.GetRef(name)
		if err != nil {
			m.logger.Warn("skipping ref %s: %v", name, err)
			continue
		}
		out = append(out, Ref{Name: name, ID: id})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}
