package fileio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeFilenameReplacesForbiddenChars(t *testing.T) {
	got := SanitizeFilename(`weird<>:"/\|?*name.txt`)
	for _, r := range got {
		assert.False(t, forbiddenChars[r], "sanitized name must not contain forbidden chars")
	}
}

func TestSanitizeFilenameTrimsTrailingDotsAndSpaces(t *testing.T) {
	assert.Equal(t, "name", SanitizeFilename("name. "))
}

func TestSanitizeFilenameNeverEmpty(t *testing.T) {
	assert.NotEmpty(t, SanitizeFilename("..."))
}

func TestResolveConflictFirstUseIsBareName(t *testing.T) {
	dir := t.TempDir()
	got, err := ResolveConflict(dir, "testfile-small", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "testfile-small"), got)
}

func TestResolveConflictAppendsSuffixBeforeExtension(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "testfile-small"), []byte("x"), 0o644))

	got, err := ResolveConflict(dir, "testfile-small", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "testfile-small (1)"), got)
}

func TestResolveConflictFindsSmallestFreeSuffix(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo.jpg"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "photo (1).jpg"), []byte("x"), 0o644))

	got, err := ResolveConflict(dir, "photo.jpg", nil)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "photo (2).jpg"), got)
}
