package validation

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/ternarybob/capto/internal/models"
)

// CleanRelativePath normalizes a caller-supplied relative path and rejects
// anything that could point outside the storage root once joined.
func CleanRelativePath(rel string) (string, error) {
	if rel == "" {
		return "", models.NewError(models.ErrPathUnsafe, "path is empty")
	}
	if strings.ContainsRune(rel, 0) {
		return "", models.NewError(models.ErrPathUnsafe, "path contains NUL byte")
	}

	cleaned := filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(cleaned) {
		return "", models.NewError(models.ErrPathUnsafe, "path must be relative")
	}
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", models.NewError(models.ErrPathUnsafe, "path escapes the storage root")
	}
	return cleaned, nil
}

// ResolveServedPath joins rel to root, canonicalizes the result and verifies
// it lies strictly beneath the canonical root with no symlink on any
// segment. The file must exist. Returns the absolute on-disk path.
func ResolveServedPath(root, rel string) (string, error) {
	cleaned, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}

	canonRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", models.WrapError(models.ErrInternal, err, "storage root is not resolvable")
	}

	// Check every segment with Lstat so a symlink anywhere on the path is
	// caught before canonicalization hides it.
	current := canonRoot
	for _, segment := range strings.Split(cleaned, string(filepath.Separator)) {
		current = filepath.Join(current, segment)
		info, err := os.Lstat(current)
		if err != nil {
			if os.IsNotExist(err) {
				return "", models.NewError(models.ErrNotFound, "file not found: %s", rel)
			}
			return "", models.WrapError(models.ErrInternal, err, "failed to stat path segment")
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return "", models.NewError(models.ErrPathUnsafe, "path traverses a symlink")
		}
	}

	resolved := filepath.Join(canonRoot, cleaned)
	if !strings.HasPrefix(resolved, canonRoot+string(filepath.Separator)) {
		return "", models.NewError(models.ErrPathUnsafe, "path escapes the storage root")
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", models.NewError(models.ErrNotFound, "file not found: %s", rel)
	}
	if info.IsDir() {
		return "", models.NewError(models.ErrPathUnsafe, "path is a directory")
	}

	return resolved, nil
}

// ResolveOutputPath joins an expanded template path to the storage root for
// writing. Segments need not exist yet, but the join must stay inside root.
func ResolveOutputPath(root, rel string) (string, error) {
	cleaned, err := CleanRelativePath(rel)
	if err != nil {
		return "", err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", models.WrapError(models.ErrInternal, err, "storage root is not resolvable")
	}

	resolved := filepath.Join(absRoot, cleaned)
	if !strings.HasPrefix(resolved, absRoot+string(filepath.Separator)) {
		return "", models.NewError(models.ErrPathUnsafe, "path escapes the storage root")
	}
	return resolved, nil
}
