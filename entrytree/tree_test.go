package entrytree

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deyohong/UNFS/entry"
)

func mustAddRoot(t *testing.T, tr *Tree) *entry.Entry {
	t.Helper()
	root := &entry.Entry{Name: "/", IsDir: true, PageID: 10}
	require.NoError(t, tr.Add(nil, root))
	return root
}

func TestValidateNameRules(t *testing.T) {
	require.NoError(t, ValidateName("/"))
	require.NoError(t, ValidateName("/a/b"))
	require.Error(t, ValidateName("relative"))
	require.Error(t, ValidateName("/a/"))
	require.Error(t, ValidateName("/a//b"))
	require.Error(t, ValidateName("/./a"))
	require.Error(t, ValidateName("/../a"))
	require.Error(t, ValidateName("/a\tb"))
}

func TestAddAndFind(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)

	child := &entry.Entry{Name: "/a", IsDir: false, PageID: 20, ParentID: root.PageID}
	require.NoError(t, tr.Add(root, child))

	got, ok := tr.Find("/a")
	require.True(t, ok)
	require.Same(t, child, got)
}

func TestAddRejectsNonImmediateChild(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)

	bad := &entry.Entry{Name: "/a/b", PageID: 30, ParentID: root.PageID}
	require.Error(t, tr.Add(root, bad))
}

func TestAddRejectsParentIDMismatch(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)

	bad := &entry.Entry{Name: "/a", PageID: 30, ParentID: 999}
	require.Error(t, tr.Add(root, bad))
}

func TestFindParentStripsLastSegment(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)
	dir := &entry.Entry{Name: "/a", IsDir: true, PageID: 20, ParentID: root.PageID}
	require.NoError(t, tr.Add(root, dir))
	leaf := &entry.Entry{Name: "/a/b", PageID: 30, ParentID: dir.PageID}
	require.NoError(t, tr.Add(dir, leaf))

	p, ok := tr.FindParent("/a/b")
	require.True(t, ok)
	require.Same(t, dir, p)

	_, ok = tr.FindParent("/")
	require.False(t, ok)
}

func TestChildrenOfReturnsOnlyImmediateChildren(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)
	dir := &entry.Entry{Name: "/a", IsDir: true, PageID: 20, ParentID: root.PageID}
	require.NoError(t, tr.Add(root, dir))
	require.NoError(t, tr.Add(dir, &entry.Entry{Name: "/a/b", PageID: 30, ParentID: dir.PageID}))
	require.NoError(t, tr.Add(dir, &entry.Entry{Name: "/a/bb", PageID: 31, ParentID: dir.PageID}))
	require.NoError(t, tr.Add(tr.mustGet("/a/b"), &entry.Entry{Name: "/a/b/c", PageID: 40, ParentID: 30}))

	children := tr.ChildrenOf(dir)
	names := make([]string, len(children))
	for i, c := range children {
		names[i] = c.Name
	}
	require.ElementsMatch(t, []string{"/a/b", "/a/bb"}, names)

	rootChildren := tr.ChildrenOf(root)
	require.Len(t, rootChildren, 1)
	require.Equal(t, "/a", rootChildren[0].Name)
}

func TestEnsureAncestorsCreatesStubs(t *testing.T) {
	tr := New()
	created := tr.EnsureAncestors("/x/y/z")
	names := make([]string, len(created))
	for i, e := range created {
		names[i] = e.Name
		require.True(t, e.Stub)
	}
	require.Equal(t, []string{"/", "/x", "/x/y"}, names)

	_, ok := tr.Find("/x/y/z")
	require.False(t, ok) // the leaf itself is not created by EnsureAncestors
}

func TestEnsureAncestorsSkipsExisting(t *testing.T) {
	tr := New()
	mustAddRoot(t, tr)
	created := tr.EnsureAncestors("/a/b")
	require.Len(t, created, 1)
	require.Equal(t, "/a", created[0].Name)
}

func TestRemoveDeletesEntry(t *testing.T) {
	tr := New()
	root := mustAddRoot(t, tr)
	child := &entry.Entry{Name: "/a", PageID: 20, ParentID: root.PageID}
	require.NoError(t, tr.Add(root, child))

	tr.Remove(child)
	_, ok := tr.Find("/a")
	require.False(t, ok)
	require.Equal(t, 1, tr.Len())
}

// mustGet is a tiny test helper distinct from Find's (ok bool) form.
func (t *Tree) mustGet(name string) *entry.Entry {
	e, _ := t.Find(name)
	return e
}
