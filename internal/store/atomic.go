package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// writeJSONAtomic serialises v as indented JSON and writes it to path by
// writing to a temp file in the same directory then renaming over the
// target, so a crash mid-write never leaves a corrupt or partial file.
// This upgrades the teacher's internal/data/store.go os.WriteFile pattern
// per spec.md §9's explicit design note on priors persistence, and is
// applied to every persisted document here, not only priors.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename temp file for %s: %w", path, err)
	}
	return nil
}

// readJSON reads and unmarshals path into v. A missing file is not an
// error — callers get the zero value and proceed, matching the teacher's
// os.IsNotExist fallback in internal/data/store.go. A corrupt file falls
// back to the zero value as well (spec.md §9: "corrupt reads fall back to
// default priors without failing startup"), logged by the caller.
func readJSON(path string, v any) (found bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}
