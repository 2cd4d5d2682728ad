package preview

import (
	"fmt"
	"os"
	"path/filepath"
)

// Thumbnails under <cache_root>/<mount_alias>/thumbnails are keyed by the
// file's base32 alias, one subdirectory per file with <size>.jpg entries.
// These helpers mirror entry operations onto that layout; a missing source
// is never an error.

// PurgeThumbnails removes every rendered size of one alias.
func PurgeThumbnails(thumbnailRoot, alias string) error {
	if alias == "" {
		return nil
	}
	if err := os.RemoveAll(filepath.Join(thumbnailRoot, alias)); err != nil {
		return fmt.Errorf("purge thumbnails %s: %w", alias, err)
	}
	return nil
}

// MoveThumbnails relocates an alias directory between thumbnail roots,
// used when an entry changes vault.
func MoveThumbnails(fromRoot, toRoot, alias string) error {
	if alias == "" {
		return nil
	}
	src := filepath.Join(fromRoot, alias)
	if _, err := os.Stat(src); os.IsNotExist(err) {
		return nil
	}
	if err := os.MkdirAll(toRoot, 0o755); err != nil {
		return fmt.Errorf("move thumbnails %s: %w", alias, err)
	}
	if err := os.Rename(src, filepath.Join(toRoot, alias)); err != nil {
		return fmt.Errorf("move thumbnails %s: %w", alias, err)
	}
	return nil
}

// CopyThumbnails duplicates the rendered sizes of srcAlias under dstAlias.
func CopyThumbnails(thumbnailRoot, srcAlias, dstAlias string) error {
	src := filepath.Join(thumbnailRoot, srcAlias)
	entries, err := os.ReadDir(src)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("copy thumbnails %s: %w", srcAlias, err)
	}

	dst := filepath.Join(thumbnailRoot, dstAlias)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("copy thumbnails %s: %w", dstAlias, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(src, e.Name()))
		if err != nil {
			return fmt.Errorf("copy thumbnails %s: %w", srcAlias, err)
		}
		if err := os.WriteFile(filepath.Join(dst, e.Name()), data, 0o644); err != nil {
			return fmt.Errorf("copy thumbnails %s: %w", dstAlias, err)
		}
	}
	return nil
}
