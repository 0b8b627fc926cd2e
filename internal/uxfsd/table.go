package uxfsd

import (
	"sort"
	"strings"
	"time"
)

// Mode is the set of mode bits a File Entry carries. STATIC implies
// READ|WRITE together and is set atomically by a mode string containing 's'.
type Mode uint8

const (
	ModeRead Mode = 1 << iota
	ModeWrite
	ModeDir
	ModeUser
	ModeStatic
)

// Has reports whether all of want's bits are set in m.
func (m Mode) Has(want Mode) bool {
	return m&want == want
}

// ParseModeLetters implements the controller's mode-bit grammar: each byte
// of s maps to a bit, 'r' -> READ, 'w' -> WRITE, 'd' -> DIR, 's' ->
// READ|WRITE|STATIC, and any other letter is logged and treated as READ.
// Unrecognized letters are reported through warn, which may be nil.
func ParseModeLetters(s string, warn func(letter byte)) Mode {
	var m Mode
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'r':
			m |= ModeRead
		case 'w':
			m |= ModeWrite
		case 'd':
			m |= ModeDir
		case 's':
			m |= ModeRead | ModeWrite | ModeStatic
		default:
			if warn != nil {
				warn(s[i])
			}
			m |= ModeRead
		}
	}
	return normalizeMode(m)
}

// normalizeMode applies the File Entry invariants from spec.md §3: a
// directory always has READ forced on and never carries a retained buffer;
// an entry with neither READ nor WRITE gets READ added.
func normalizeMode(m Mode) Mode {
	if m.Has(ModeDir) {
		m |= ModeRead
	}
	if !m.Has(ModeRead) && !m.Has(ModeWrite) {
		m |= ModeRead
	}
	return m
}

// Entry is a record in the Directory Table: per-path metadata plus an
// optional retained buffer for USER/STATIC files. Entries are never freed
// while the bridge is mounted; removal is always the Deleted flag, so a
// *Entry pointer remains a stable identity across table reshuffling.
type Entry struct {
	Path      string
	Mode      Mode
	Mtime     time.Time
	Inode     uint64
	OpenCount int
	Deleted   bool

	// Buffer holds the entry's retained contents. Only ever non-nil for
	// USER or STATIC entries; nil buffer + non-DIR means "no content has
	// been written back to this entry yet."
	Buffer *Buffer
}

// IsDir reports whether the entry represents a directory.
func (e *Entry) IsDir() bool {
	return e.Mode.Has(ModeDir)
}

// Table is the sorted directory table (component B). It holds no lock of
// its own: every operation runs under the bridge's single mutex, which also
// guards the controller channel (spec.md §5).
type Table struct {
	// entries is kept sorted by Path at all times. Positions shift on
	// insertion; callers that need a stable reference across table
	// mutations must keep the *Entry pointer, not an index into this slice.
	entries   []*Entry
	byInode   map[uint64]*Entry
	nextInode uint64
}

// NewTable returns a Table seeded with a writable root directory entry "/"
// per spec.md §4.G.
func NewTable(now time.Time) *Table {
	t := &Table{nextInode: 1, byInode: make(map[uint64]*Entry)}
	root := &Entry{
		Path:  "/",
		Mode:  ModeDir | ModeRead | ModeWrite,
		Mtime: now,
		Inode: t.allocInode(),
	}
	t.entries = append(t.entries, root)
	t.byInode[root.Inode] = root
	return t
}

// ByInode returns the entry with the given inode number, regardless of its
// Deleted flag (inodes of deleted entries stay resolvable for file handles
// opened before the delete).
func (t *Table) ByInode(inode uint64) (*Entry, bool) {
	e, ok := t.byInode[inode]
	return e, ok
}

// Root returns the table's root entry.
func (t *Table) Root() *Entry {
	e, _ := t.Find("/", true)
	return e
}

func (t *Table) allocInode() uint64 {
	inode := t.nextInode
	t.nextInode++
	return inode
}

// search performs exact-match binary search, returning the found slot and
// whether it was found. When not found, pos is the insertion point that
// keeps entries sorted.
func (t *Table) search(path string) (pos int, found bool) {
	pos = sort.Search(len(t.entries), func(i int) bool {
		return t.entries[i].Path >= path
	})
	found = pos < len(t.entries) && t.entries[pos].Path == path
	return pos, found
}

// Find returns the entry at path. Deleted entries are skipped unless
// includeDeleted is set.
func (t *Table) Find(path string, includeDeleted bool) (*Entry, bool) {
	pos, found := t.search(path)
	if !found {
		return nil, false
	}

	e := t.entries[pos]
	if e.Deleted && !includeDeleted {
		return nil, false
	}
	return e, true
}

// ParentPath truncates the last "/" component of path, per spec.md §4.B;
// the root's parent is the root itself.
func ParentPath(path string) string {
	if path == "/" {
		return "/"
	}

	idx := strings.LastIndexByte(path, '/')
	if idx <= 0 {
		return "/"
	}
	return path[:idx]
}

// GetParent returns the (non-deleted) entry for path's parent directory.
func (t *Table) GetParent(path string) (*Entry, bool) {
	return t.Find(ParentPath(path), false)
}

// Upsert inserts a new entry at path with the given mode, or overwrites the
// mode and clears Deleted on an existing one. now stamps Mtime on both
// paths, matching the controller's DIR directive and the FS layer's create
// semantics.
func (t *Table) Upsert(path string, mode Mode, now time.Time) *Entry {
	mode = normalizeMode(mode)

	pos, found := t.search(path)
	if found {
		e := t.entries[pos]
		e.Mode = mode
		e.Deleted = false
		e.Mtime = now
		return e
	}

	e := &Entry{
		Path:  path,
		Mode:  mode,
		Mtime: now,
		Inode: t.allocInode(),
	}

	t.entries = append(t.entries, nil)
	copy(t.entries[pos+1:], t.entries[pos:])
	t.entries[pos] = e
	t.byInode[e.Inode] = e

	return e
}

// Children returns the live (non-deleted) entries that are direct children
// of dir, in sorted order, per the enumeration rule of spec.md §4.B: an
// entry at path P belongs directly under D (length L) iff P[L] == '/',
// P has D as a prefix, and P[L+1:] contains no further '/' except possibly
// one trailing slash marking P itself as a subdirectory.
func (t *Table) Children(dir string) []*Entry {
	l := len(dir)
	if dir == "/" {
		l = 0
	}

	pos, _ := t.search(dir)
	var out []*Entry
	for i := pos; i < len(t.entries); i++ {
		e := t.entries[i]
		p := e.Path

		if p == dir {
			continue
		}
		if !strings.HasPrefix(p, dir) {
			break
		}
		if len(p) <= l || p[l] != '/' {
			continue
		}

		rest := p[l+1:]
		if idx := strings.IndexByte(rest, '/'); idx >= 0 && idx != len(rest)-1 {
			continue
		}

		if e.Deleted {
			continue
		}
		out = append(out, e)
	}
	return out
}

// HasLiveDescendant reports whether any non-deleted entry other than dir
// itself lives strictly within dir's subtree, used by rmdir to enforce
// spec.md §4.F's "directory must be empty" rule without contacting the
// controller.
func (t *Table) HasLiveDescendant(dir string) bool {
	prefix := dir
	if prefix != "/" {
		prefix += "/"
	}

	pos, _ := t.search(dir)
	for i := pos; i < len(t.entries); i++ {
		p := t.entries[i].Path
		if p == dir {
			continue
		}
		if !strings.HasPrefix(p, dir) {
			break
		}
		// Siblings such as "/d.txt" sort between "/d" and "/d/x"; skip them.
		if !strings.HasPrefix(p, prefix) {
			continue
		}
		if !t.entries[i].Deleted {
			return true
		}
	}
	return false
}
