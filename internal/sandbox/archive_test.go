package sandbox

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeZip builds a ZIP archive at a temp path from a name → content map.
func writeZip(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "project.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return path
}

func TestExtractArchive(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"requirements.txt":  "pytest\n",
		"test_example.py":   "def test_ok():\n    assert True\n",
		"pkg/__init__.py":   "",
		"pkg/nested/mod.py": "x = 1\n",
	})

	dest := t.TempDir()
	require.NoError(t, extractArchive(archive, dest))

	reqs, err := os.ReadFile(filepath.Join(dest, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, "pytest\n", string(reqs))

	nested, err := os.ReadFile(filepath.Join(dest, "pkg", "nested", "mod.py"))
	require.NoError(t, err)
	assert.Equal(t, "x = 1\n", string(nested))
}

func TestExtractArchiveRejectsTraversal(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"../escape.txt": "gotcha",
	})

	err := extractArchive(archive, t.TempDir())
	assert.Error(t, err)
}

func TestExtractArchiveRejectsAbsolutePaths(t *testing.T) {
	archive := writeZip(t, map[string]string{
		"/etc/evil.txt": "gotcha",
	})

	err := extractArchive(archive, t.TempDir())
	assert.Error(t, err)
}

func TestExtractArchiveNotAZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not-a-zip.zip")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	err := extractArchive(path, t.TempDir())
	assert.Error(t, err)
}

func TestSafeJoin(t *testing.T) {
	base := t.TempDir()

	target, err := safeJoin(base, "a/b/c.txt")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "a", "b", "c.txt"), target)

	_, err = safeJoin(base, "../outside")
	assert.Error(t, err)

	_, err = safeJoin(base, "a/../../outside")
	assert.Error(t, err)
}
