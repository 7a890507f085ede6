package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Validation errors for security checks.
var (
	// ErrPathTraversal indicates a path contains directory traversal sequences.
	ErrPathTraversal = errors.New("path contains directory traversal")

	// ErrEmptyPath indicates an empty path was provided.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrInvalidRunID indicates a run id is not a canonical UUID.
	ErrInvalidRunID = errors.New("invalid run ID format")
)

// ValidatePath rejects empty paths and any path with a ".." segment, then
// returns it cleaned and absolute. With a non-empty allowedRoot the result
// must also lie inside that directory.
func ValidatePath(path, allowedRoot string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	if hasParentSegment(path) {
		return "", fmt.Errorf("%w: %q", ErrPathTraversal, truncate(path))
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", truncate(path), err)
	}
	if allowedRoot == "" {
		return abs, nil
	}

	root, err := filepath.Abs(allowedRoot)
	if err != nil {
		return "", fmt.Errorf("resolving root: %w", err)
	}
	rel, err := filepath.Rel(root, abs)
	if err != nil || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %q is outside %s", ErrPathTraversal, truncate(path), root)
	}
	return abs, nil
}

// hasParentSegment reports whether any element of path is "..". Names that
// merely contain dots, such as "v1..2.yaml", are allowed.
func hasParentSegment(path string) bool {
	for _, seg := range strings.FieldsFunc(path, isSeparator) {
		if seg == ".." {
			return true
		}
	}
	return false
}

func isSeparator(r rune) bool {
	return r == '/' || r == filepath.Separator
}

// ValidateRunID checks that id is a canonical lowercase UUID as assigned by
// the run manager.
func ValidateRunID(id string) error {
	if len(id) != 36 {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, truncate(id))
	}
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.String() != id {
		return fmt.Errorf("%w: %q", ErrInvalidRunID, truncate(id))
	}
	return nil
}

// truncate shortens untrusted input before it is echoed in errors.
func truncate(s string) string {
	const max = 40
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
