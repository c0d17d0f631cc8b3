package pathutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "/", Normalize(""))
	assert.Equal(t, "/", Normalize("/"))
	assert.Equal(t, "/a/b", Normalize("a/b/"))
	assert.Equal(t, "/a/b", Normalize("/a//b"))
	assert.Equal(t, "/a", Normalize("/a/b/.."))
	assert.Equal(t, "/a/b", Normalize("\\a\\b"))
}

func TestNormalizeDir(t *testing.T) {
	assert.Equal(t, "/", NormalizeDir("/"))
	assert.Equal(t, "/a/", NormalizeDir("/a"))
	assert.Equal(t, "/a/b/", NormalizeDir("/a/b/"))
}

func TestParentAndAncestors(t *testing.T) {
	assert.Equal(t, "/", Parent("/"))
	assert.Equal(t, "/", Parent("/a"))
	assert.Equal(t, "/a/b", Parent("/a/b/c"))

	assert.Equal(t, []string{"/a/b", "/a", "/"}, Ancestors("/a/b/c"))
	assert.Equal(t, []string{"/"}, Ancestors("/"))
}

func TestAncestry(t *testing.T) {
	assert.True(t, IsAncestorOrSelf("/a", "/a"))
	assert.True(t, IsAncestorOrSelf("/a", "/a/b"))
	assert.True(t, IsAncestorOrSelf("/", "/a"))
	assert.False(t, IsAncestorOrSelf("/a", "/ab"))

	assert.True(t, IsDescendant("/a", "/a/b"))
	assert.False(t, IsDescendant("/a", "/a"))
	assert.False(t, IsDescendant("/a", "/ab/c"))
}

func TestSubPath(t *testing.T) {
	assert.Equal(t, "/a/b", SubPath("/mnt", "/mnt/a/b"))
	assert.Equal(t, "/", SubPath("/mnt", "/mnt"))
	assert.Equal(t, "/a", SubPath("/", "/a"))
}

func TestHasDirSuffix(t *testing.T) {
	assert.True(t, HasDirSuffix("/a/"))
	assert.False(t, HasDirSuffix("/a"))
	assert.False(t, HasDirSuffix("/"))
}
