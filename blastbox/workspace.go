package blastbox

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"lukechampine.com/blake3"
)

// snapshot maps each regular file under root (relative path) to a fast
// content hash. blake3 is used here purely as an internal diffing
// signal — it never appears in the evidence_hash itself, which stays
// SHA-256 per spec.
func snapshot(root string) (map[string]string, error) {
	files := make(map[string]string)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		sum := blake3.Sum256(data)
		files[rel] = string(sum[:])
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// diffSnapshots compares a before/after file-hash snapshot into
// {added, modified, deleted} path lists, sorted for deterministic
// evidence hashing.
func diffSnapshots(before, after map[string]string) WorkspaceDiff {
	var diff WorkspaceDiff
	for path, hash := range after {
		prior, existed := before[path]
		if !existed {
			diff.Added = append(diff.Added, path)
			continue
		}
		if prior != hash {
			diff.Modified = append(diff.Modified, path)
		}
	}
	for path := range before {
		if _, stillPresent := after[path]; !stillPresent {
			diff.Deleted = append(diff.Deleted, path)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Modified)
	sort.Strings(diff.Deleted)
	return diff
}
