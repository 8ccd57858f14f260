package retrieval

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// RemoveNamespaceDir deletes the namespace directory under base and then the
// tenant directory if nothing else is left in it. A missing directory is not
// an error.
func RemoveNamespaceDir(base string, ns Namespace) error {
	dir := ns.Dir(base)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("retrieval: remove %s: %w", dir, err)
	}
	tenantDir := filepath.Dir(dir)
	entries, err := os.ReadDir(tenantDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("retrieval: read %s: %w", tenantDir, err)
	}
	if len(entries) == 0 {
		if err := os.Remove(tenantDir); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("retrieval: remove %s: %w", tenantDir, err)
		}
	}
	return nil
}

// PruneOrphans removes tenant directories under base that the running
// process does not own. With tenantID set only that tenant's directory is
// considered. keep reports tenants that must survive (nil keeps none).
// Returns the removed paths.
func PruneOrphans(base, tenantID string, keep func(tenantID string) bool) ([]string, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("retrieval: prune: read %s: %w", base, err)
	}

	var removed []string
	var errs []error
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if tenantID != "" && name != tenantID {
			continue
		}
		if keep != nil && keep(name) {
			continue
		}
		path := filepath.Join(base, name)
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("retrieval: prune %s: %w", path, err))
			continue
		}
		removed = append(removed, path)
	}
	return removed, errors.Join(errs...)
}
