package fileident

import (
	"path/filepath"
	"strings"
)

// maxHiddenWalkDepth bounds the parent chain inspected by IsHidden so a
// pathological path cannot loop forever.
const maxHiddenWalkDepth = 20

// IsHidden reports whether the path or any of its parent directories (up to
// maxHiddenWalkDepth levels) is hidden. The root itself is never considered
// hidden, so a library placed under a dot-directory still ingests normally.
func IsHidden(path, root string) bool {
	current := filepath.Clean(path)
	root = filepath.Clean(root)

	for depth := 0; depth < maxHiddenWalkDepth; depth++ {
		if current == root || current == string(filepath.Separator) || current == "." {
			return false
		}
		base := filepath.Base(current)
		if strings.HasPrefix(base, ".") && base != "." && base != ".." {
			return true
		}
		parent := filepath.Dir(current)
		if parent == current {
			return false
		}
		current = parent
	}
	return false
}
