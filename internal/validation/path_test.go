package validation

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/capto/internal/models"
)

func TestResolveServedPath(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "good.mp4"), []byte("data"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.mp4"), []byte("data"), 0644))

	t.Run("plain file", func(t *testing.T) {
		got, err := ResolveServedPath(root, "good.mp4")
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(mustEval(t, root), "good.mp4"), got)
	})

	t.Run("nested file", func(t *testing.T) {
		_, err := ResolveServedPath(root, "sub/nested.mp4")
		assert.NoError(t, err)
	})

	t.Run("traversal", func(t *testing.T) {
		_, err := ResolveServedPath(root, "../../etc/passwd")
		assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
	})

	t.Run("absolute", func(t *testing.T) {
		_, err := ResolveServedPath(root, "/etc/passwd")
		assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := ResolveServedPath(root, "absent.mp4")
		assert.Equal(t, models.ErrNotFound, models.CodeOf(err))
	})

	t.Run("directory", func(t *testing.T) {
		_, err := ResolveServedPath(root, "sub")
		assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
	})

	t.Run("symlink rejected", func(t *testing.T) {
		target := filepath.Join(t.TempDir(), "secret")
		require.NoError(t, os.WriteFile(target, []byte("secret"), 0644))
		require.NoError(t, os.Symlink(target, filepath.Join(root, "link.mp4")))

		_, err := ResolveServedPath(root, "link.mp4")
		assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
	})

	t.Run("symlinked directory rejected", func(t *testing.T) {
		outside := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(outside, "f.mp4"), []byte("x"), 0644))
		require.NoError(t, os.Symlink(outside, filepath.Join(root, "linkdir")))

		_, err := ResolveServedPath(root, "linkdir/f.mp4")
		assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
	})
}

func TestResolveOutputPath(t *testing.T) {
	root := t.TempDir()

	got, err := ResolveOutputPath(root, "a/b/c.mp4")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(got))

	_, err = ResolveOutputPath(root, "../escape.mp4")
	assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))

	_, err = ResolveOutputPath(root, "")
	assert.Equal(t, models.ErrPathUnsafe, models.CodeOf(err))
}

func mustEval(t *testing.T, p string) string {
	t.Helper()
	r, err := filepath.EvalSymlinks(p)
	require.NoError(t, err)
	return r
}
