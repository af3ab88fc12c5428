// Package security validates names that arrive from outside the process
// before they are joined onto filesystem paths.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ValidatePathWithinDirectory checks lexically that filePath stays inside
// safeDir once . and .. components are resolved. It does not consult the
// filesystem, so it works the same for in-memory trees.
func ValidatePathWithinDirectory(filePath, safeDir string) error {
	cleanPath := filepath.Clean(filePath)
	cleanDir := filepath.Clean(safeDir)
	if filepath.IsAbs(cleanPath) != filepath.IsAbs(cleanDir) {
		return fmt.Errorf("path traversal detected: %s is not relative to %s", filePath, safeDir)
	}

	relPath, err := filepath.Rel(cleanDir, cleanPath)
	if err != nil {
		return fmt.Errorf("path is outside safe directory: %w", err)
	}
	if relPath == ".." || strings.HasPrefix(relPath, ".."+string(filepath.Separator)) || filepath.IsAbs(relPath) {
		return fmt.Errorf("path traversal detected: %s attempts to escape %s", filePath, safeDir)
	}
	return nil
}

// ValidateRunID checks that id names exactly one entry directly under dir
// and is already a sanitized file name.
func ValidateRunID(dir, id string) error {
	if id == "" || strings.Contains(id, "..") || strings.ContainsAny(id, `/\`) {
		return fmt.Errorf("invalid run id %q", id)
	}
	if id != SanitizeFilename(id) {
		return fmt.Errorf("invalid run id %q", id)
	}
	return ValidatePathWithinDirectory(filepath.Join(dir, id), dir)
}

// SanitizeFilename replaces anything other than ASCII letters, digits, dot,
// underscore or dash with a single underscore, trims leading and trailing
// dots and underscores and caps the length at 128 bytes.
func SanitizeFilename(s string) string {
	if s == "" {
		return "unknown"
	}
	var b strings.Builder
	const maxLen = 128
	lastUnderscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
			lastUnderscore = false
		case r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteRune('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
