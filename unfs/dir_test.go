package unfs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustOpen(t *testing.T) (*Filesystem, Handle) {
	t.Helper()
	ctx := context.Background()
	dev := formatted(t)
	fs, h, err := Open(ctx, dev, 1)
	require.NoError(t, err)
	return fs, h
}

func TestCreateIsIdempotentOnIdenticalExisting(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	e1, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	e2, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	require.Equal(t, e1.PageID, e2.PageID)
}

func TestCreateRejectsTypeMismatch(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a", false, false)
	require.Error(t, err)
}

func TestCreateRejectsMissingParentWithoutMkparents(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a/b/c", false, false)
	require.Error(t, err)
}

func TestCreateMkparentsBuildsMissingAncestors(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a/b/c", false, true)
	require.NoError(t, err)

	for _, dir := range []string{"/a", "/a/b"} {
		exists, isdir, _, err := fs.Exist(h, dir)
		require.NoError(t, err)
		require.True(t, exists)
		require.True(t, isdir)
	}
	exists, isdir, _, err := fs.Exist(h, "/a/b/c")
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, isdir)
}

func TestRemoveRequiresEmptyDirectory(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a/b", false, false)
	require.NoError(t, err)

	err = fs.Remove(ctx, h, "/a", true)
	require.Error(t, err)

	require.NoError(t, fs.Remove(ctx, h, "/a/b", false))
	require.NoError(t, fs.Remove(ctx, h, "/a", true))

	exists, _, _, err := fs.Exist(h, "/a")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestRemoveRejectsOpenFile(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", false, false)
	require.NoError(t, err)
	f, err := fs.OpenFile(ctx, h, "/a", 0)
	require.NoError(t, err)

	err = fs.Remove(ctx, h, "/a", false)
	require.Error(t, err)

	require.NoError(t, fs.CloseFile(ctx, h, f))
	require.NoError(t, fs.Remove(ctx, h, "/a", false))
}

func TestRenameMovesEntryAndUpdatesChildCounts(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/b", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a/file", false, false)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, h, "/a/file", "/b/file", false))

	exists, _, _, err := fs.Exist(h, "/a/file")
	require.NoError(t, err)
	require.False(t, exists)

	exists, isdir, _, err := fs.Exist(h, "/b/file")
	require.NoError(t, err)
	require.True(t, exists)
	require.False(t, isdir)

	children, err := fs.DirList(h, "/a")
	require.NoError(t, err)
	require.Empty(t, children)
	children, err = fs.DirList(h, "/b")
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestRenameWithoutOverrideRejectsExistingDestination(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", false, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/b", false, false)
	require.NoError(t, err)

	err = fs.Rename(ctx, h, "/a", "/b", false)
	require.Error(t, err)
}

func TestRenameWithOverrideReplacesDestination(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", false, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/b", false, false)
	require.NoError(t, err)

	require.NoError(t, fs.Rename(ctx, h, "/a", "/b", true))

	exists, _, _, err := fs.Exist(h, "/a")
	require.NoError(t, err)
	require.False(t, exists)
	exists, _, _, err = fs.Exist(h, "/b")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestDirListReturnsOnlyImmediateChildren(t *testing.T) {
	ctx := context.Background()
	fs, h := mustOpen(t)

	_, err := fs.Create(ctx, h, "/a", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a/x", false, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a/y", true, false)
	require.NoError(t, err)
	_, err = fs.Create(ctx, h, "/a/y/z", false, false)
	require.NoError(t, err)

	children, err := fs.DirList(h, "/a")
	require.NoError(t, err)
	require.Len(t, children, 2)
}
