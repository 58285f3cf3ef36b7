package fileio

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFileIDMatchesDocumentedDigest(t *testing.T) {
	path := "/home/alice/Documents/report.pdf"
	sum := sha256.Sum256([]byte(path))
	want := base64.RawURLEncoding.EncodeToString(sum[:])

	got := FileID(path)
	assert.Equal(t, want, got)
	assert.False(t, strings.Contains(got, "="), "file id must have padding stripped")
}

func TestFileIDIsStableForSamePath(t *testing.T) {
	a := FileID("/a/b/c.txt")
	b := FileID("/a/b/c.txt")
	assert.Equal(t, a, b)
}

func TestFileIDDiffersForDifferentPaths(t *testing.T) {
	assert.NotEqual(t, FileID("/a/b/c.txt"), FileID("/a/b/d.txt"))
}

func TestProgressThrottleFirstCallAlwaysNotifies(t *testing.T) {
	var p ProgressThrottle
	assert.True(t, p.ShouldNotify(0))
}

func TestProgressThrottleSuppressesSmallAdvances(t *testing.T) {
	var p ProgressThrottle
	require := assert.New(t)
	require.True(p.ShouldNotify(0))
	require.False(p.ShouldNotify(1024))
	require.False(p.ShouldNotify(ProgressNotifyThreshold - 1))
	require.True(p.ShouldNotify(ProgressNotifyThreshold))
}
