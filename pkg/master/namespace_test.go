package master

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sauravfouzdar/bucket/pkg/common"
)

func TestNamespaceCreateDirectoryRequiresParent(t *testing.T) {
	ns := NewNamespace()

	err := ns.CreateDirectory("/a/b")
	assert.ErrorIs(t, err, common.ErrFileNotFound)

	require.NoError(t, ns.CreateDirectory("/a"))
	require.NoError(t, ns.CreateDirectory("/a/b"))
	assert.True(t, ns.IsDirectory("/a/b"))
}

func TestNamespaceCreateDirectoryRejectsDuplicate(t *testing.T) {
	ns := NewNamespace()
	require.NoError(t, ns.CreateDirectory("/a"))

	err := ns.CreateDirectory("/a")
	assert.ErrorIs(t, err, common.ErrFileExists)
}

func TestNamespaceDeleteDirectoryRefusesNonEmpty(t *testing.T) {
	ns := NewNamespace()
	require.NoError(t, ns.CreateDirectory("/a"))
	require.NoError(t, ns.CreateDirectory("/a/b"))

	err := ns.DeleteDirectory("/a")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	require.NoError(t, ns.DeleteDirectory("/a/b"))
	require.NoError(t, ns.DeleteDirectory("/a"))
	assert.False(t, ns.IsDirectory("/a"))
}

func TestNamespaceDirectories(t *testing.T) {
	ns := NewNamespace()
	require.NoError(t, ns.CreateDirectory("/a"))
	require.NoError(t, ns.CreateDirectory("/b"))
	require.NoError(t, ns.CreateDirectory("/a/c"))

	top := ns.Directories("/")
	assert.ElementsMatch(t, []string{"/a", "/b"}, top)

	nested := ns.Directories("/a")
	assert.Equal(t, []string{"/a/c"}, nested)
}
