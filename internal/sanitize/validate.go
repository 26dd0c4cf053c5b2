package sanitize

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// ErrEmptyPath indicates an empty path.
	ErrEmptyPath = errors.New("path cannot be empty")

	// ErrPathTraversal indicates a path resolves outside its allowed root.
	ErrPathTraversal = errors.New("path escapes allowed root")

	// ErrInvalidID indicates an identifier that cannot be stored or routed.
	ErrInvalidID = errors.New("invalid identifier")
)

// MaxIDLength bounds document identifiers.
const MaxIDLength = 512

// ValidatePath resolves path (following symlinks when it exists) and checks
// that it lies inside root. It returns the resolved absolute path.
func ValidatePath(path, root string) (string, error) {
	if path == "" {
		return "", ErrEmptyPath
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	if root == "" {
		return abs, nil
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(absRoot); err == nil {
		absRoot = resolved
	}

	rel, err := filepath.Rel(absRoot, abs)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathTraversal, path)
	}
	return abs, nil
}

// ValidateID checks a caller-supplied identifier: non-blank, valid UTF-8,
// at most MaxIDLength bytes, and free of control characters.
func ValidateID(id, field string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidID, field)
	}
	if len(id) > MaxIDLength {
		return fmt.Errorf("%w: %s exceeds %d bytes", ErrInvalidID, field, MaxIDLength)
	}
	if !utf8.ValidString(id) {
		return fmt.Errorf("%w: %s is not valid UTF-8", ErrInvalidID, field)
	}
	for _, r := range id {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control characters", ErrInvalidID, field)
		}
	}
	return nil
}
