// Package entrytree implements the in-memory name-ordered entry tree:
// exact and parent lookup, insertion with parent/child validation,
// removal, immediate-children enumeration, and mount-time ancestor stub
// creation (spec §4.3). It is grounded on the original unfs_node_find,
// unfs_node_find_parent, unfs_child_of, and unfs_node_add_parents.
package entrytree

import (
	"sort"
	"strings"

	"github.com/deyohong/UNFS/entry"
	"github.com/deyohong/UNFS/unfserr"
)

// MaxPath bounds a canonical name's length (PAGE_SIZE - 2, spec §3).
const MaxPath = 4096 - 2

// Tree is a name-ordered map of canonical path to *entry.Entry. Ordering
// is lexicographic over bytes, which places every child name after its
// parent directory's name, so a subtree occupies a contiguous suffix of
// the ordered set.
type Tree struct {
	byName map[string]*entry.Entry
	names  []string // kept sorted; parallel index into byName
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{byName: make(map[string]*entry.Entry)}
}

// ValidateName checks invariant 1: absolute, canonical, no empty/./..
// segments, no trailing slash except the root itself, printable bytes.
func ValidateName(name string) error {
	if name == "" || name[0] != '/' {
		return unfserr.New(unfserr.InvalidArgument, "name %q not absolute", name)
	}
	if len(name) > MaxPath {
		return unfserr.New(unfserr.InvalidArgument, "name %q exceeds MAX_PATH", name)
	}
	if name == "/" {
		return nil
	}
	if strings.HasSuffix(name, "/") {
		return unfserr.New(unfserr.InvalidArgument, "name %q has trailing slash", name)
	}
	for _, seg := range strings.Split(name[1:], "/") {
		if seg == "" || seg == "." || seg == ".." {
			return unfserr.New(unfserr.InvalidArgument, "name %q has invalid segment %q", name, seg)
		}
		for i := 0; i < len(seg); i++ {
			b := seg[i]
			if b < 0x21 || b > 0x7E {
				return unfserr.New(unfserr.InvalidArgument, "name %q has non-printable byte", name)
			}
		}
	}
	return nil
}

// parentName strips the last /segment, returning "/" for a single-
// segment name.
func parentName(name string) string {
	if name == "/" {
		return ""
	}
	idx := strings.LastIndexByte(name, '/')
	if idx == 0 {
		return "/"
	}
	return name[:idx]
}

// isImmediateChild reports whether child is exactly one path segment
// below parent, per spec §4.3's definition.
func isImmediateChild(parent, child string) bool {
	if len(child) <= len(parent) {
		return false
	}
	if parent == "/" {
		rest := child[1:]
		return rest != "" && !strings.Contains(rest, "/")
	}
	if !strings.HasPrefix(child, parent+"/") {
		return false
	}
	rest := child[len(parent)+1:]
	return rest != "" && !strings.Contains(rest, "/")
}

// Find returns the entry with the given canonical name, if present.
func (t *Tree) Find(name string) (*entry.Entry, bool) {
	e, ok := t.byName[name]
	return e, ok
}

// FindParent looks up the directory that would contain name, by
// stripping the trailing /segment.
func (t *Tree) FindParent(name string) (*entry.Entry, bool) {
	p := parentName(name)
	if p == "" {
		return nil, false // name is "/", the root has no parent
	}
	return t.Find(p)
}

func (t *Tree) insertSorted(name string) {
	i := sort.SearchStrings(t.names, name)
	t.names = append(t.names, "")
	copy(t.names[i+1:], t.names[i:])
	t.names[i] = name
}

func (t *Tree) removeSorted(name string) {
	i := sort.SearchStrings(t.names, name)
	if i < len(t.names) && t.names[i] == name {
		t.names = append(t.names[:i], t.names[i+1:]...)
	}
}

// Add inserts e into the tree. If parent is non-nil, it validates that
// e.Name is an immediate child of parent.Name and, when both pageids are
// known, that e.ParentID matches parent.PageID.
func (t *Tree) Add(parent *entry.Entry, e *entry.Entry) error {
	if err := ValidateName(e.Name); err != nil {
		return err
	}
	if _, exists := t.byName[e.Name]; exists {
		return unfserr.New(unfserr.AlreadyExists, "entry %q already exists", e.Name)
	}
	if parent != nil {
		if !isImmediateChild(parent.Name, e.Name) {
			return unfserr.New(unfserr.InvalidArgument, "%q is not an immediate child of %q", e.Name, parent.Name)
		}
		if parent.PageID != 0 && e.ParentID != 0 && e.ParentID != parent.PageID {
			return unfserr.New(unfserr.InvalidArgument, "%q parentid %d does not match parent %q pageid %d",
				e.Name, e.ParentID, parent.Name, parent.PageID)
		}
	}
	t.byName[e.Name] = e
	t.insertSorted(e.Name)
	return nil
}

// Remove deletes e from the tree.
func (t *Tree) Remove(e *entry.Entry) {
	delete(t.byName, e.Name)
	t.removeSorted(e.Name)
}

// ChildrenOf returns every entry whose name is an immediate child of
// parent's name, in sorted order.
func (t *Tree) ChildrenOf(parent *entry.Entry) []*entry.Entry {
	var children []*entry.Entry
	// Every child name begins with parent.Name (or, for root, with "/"),
	// so once the prefix stops matching in sorted order we can stop —
	// a subtree is a contiguous suffix (spec §4.3 ordering guarantee).
	start := sort.SearchStrings(t.names, parent.Name)
	for i := start; i < len(t.names); i++ {
		name := t.names[i]
		if parent.Name != "/" && !strings.HasPrefix(name, parent.Name) {
			break
		}
		if isImmediateChild(parent.Name, name) {
			children = append(children, t.byName[name])
		}
	}
	return children
}

// EnsureAncestors walks the /-separated prefixes of name and inserts
// stub directory entries (pageid 0) for any that do not yet exist,
// returning the stubs it created in root-to-leaf order. Used during
// mount when a descendant's slot is scanned before its ancestor's.
func (t *Tree) EnsureAncestors(name string) []*entry.Entry {
	var created []*entry.Entry
	if _, ok := t.Find("/"); !ok {
		root := &entry.Entry{Name: "/", IsDir: true, Stub: true}
		t.byName["/"] = root
		t.insertSorted("/")
		created = append(created, root)
	}
	segments := strings.Split(strings.Trim(name, "/"), "/")
	prefix := ""
	for i := 0; i < len(segments)-1; i++ {
		prefix += "/" + segments[i]
		if _, ok := t.Find(prefix); ok {
			continue
		}
		stub := &entry.Entry{Name: prefix, IsDir: true, Stub: true}
		parent, _ := t.FindParent(prefix)
		if parent != nil {
			stub.ParentID = parent.PageID
		}
		t.byName[prefix] = stub
		t.insertSorted(prefix)
		created = append(created, stub)
	}
	return created
}

// Len returns the number of entries currently tracked.
func (t *Tree) Len() int { return len(t.names) }

// Names returns the sorted list of tracked names. The returned slice
// must not be mutated by the caller.
func (t *Tree) Names() []string { return t.names }
