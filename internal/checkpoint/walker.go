package checkpoint

import (
	"io/fs"
	"path/filepath"
)

type treeFile struct {
	rel  string
	abs  string
	mode fs.FileMode
	size int64
}

// walkTree lists regular files under root, slash-relative and ignore-aware.
// Matching an ignore pattern on a directory prunes its whole subtree.
func walkTree(root string, ignore []string) ([]treeFile, error) {
	var out []treeFile
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if matchIgnore(rel, d.Name(), ignore) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		// Symlinks and special files are not captured.
		if !info.Mode().IsRegular() {
			return nil
		}
		out = append(out, treeFile{
			rel:  rel,
			abs:  path,
			mode: info.Mode().Perm(),
			size: info.Size(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchIgnore accepts exact base names, base-name globs, and relative-path
// globs, so ".git", "*.tmp", and "build/cache" all work.
func matchIgnore(rel, name string, patterns []string) bool {
	for _, p := range patterns {
		if p == "" {
			continue
		}
		if p == name || p == rel {
			return true
		}
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
		if ok, _ := filepath.Match(p, rel); ok {
			return true
		}
	}
	return false
}
