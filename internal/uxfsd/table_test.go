package uxfsd

import (
	"testing"
	"time"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"
	"golang.org/x/sys/unix"
)

func TestTable(t *testing.T) { RunTests(t) }

type TableTest struct {
	now time.Time
	tbl *Table
}

func init() { RegisterTestSuite(&TableTest{}) }

func (t *TableTest) SetUp(ti *TestInfo) {
	t.now = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t.tbl = NewTable(t.now)
}

func (t *TableTest) isSorted() bool {
	for i := 1; i < len(t.tbl.entries); i++ {
		if t.tbl.entries[i-1].Path >= t.tbl.entries[i].Path {
			return false
		}
	}
	return true
}

func (t *TableTest) RootExistsAndIsDir() {
	root, ok := t.tbl.Find("/", false)
	ExpectTrue(ok)
	ExpectTrue(root.IsDir())
	ExpectThat(uint32(root.Mode), Equals(uint32(ModeDir | ModeRead | ModeWrite)))
}

func (t *TableTest) UpsertKeepsSortedOrder() {
	t.tbl.Upsert("/zeta", ModeRead, t.now)
	t.tbl.Upsert("/alpha", ModeRead, t.now)
	t.tbl.Upsert("/mid", ModeRead, t.now)

	ExpectTrue(t.isSorted())
}

func (t *TableTest) UpsertOnExistingPathOverwritesModeAndClearsDeleted() {
	e := t.tbl.Upsert("/a", ModeRead, t.now)
	e.Deleted = true

	later := t.now.Add(time.Minute)
	e2 := t.tbl.Upsert("/a", ModeWrite, later)

	ExpectThat(e2, Equals(e))
	ExpectFalse(e2.Deleted)
	ExpectThat(uint32(e2.Mode), Equals(uint32(ModeWrite)))
}

func (t *TableTest) InodesAreUniqueAndPositive() {
	seen := make(map[uint64]bool)
	for _, p := range []string{"/a", "/b", "/c"} {
		e := t.tbl.Upsert(p, ModeRead, t.now)
		ExpectTrue(e.Inode > 0)
		ExpectFalse(seen[e.Inode])
		seen[e.Inode] = true
	}
}

func (t *TableTest) ParentPathTruncatesLastComponent() {
	ExpectThat(ParentPath("/a/b/c"), Equals("/a/b"))
	ExpectThat(ParentPath("/a"), Equals("/"))
	ExpectThat(ParentPath("/"), Equals("/"))
}

func (t *TableTest) ChildrenEnumeratesDirectChildrenOnly() {
	t.tbl.Upsert("/d", ModeDir|ModeRead|ModeWrite, t.now)
	t.tbl.Upsert("/d/x", ModeRead, t.now)
	t.tbl.Upsert("/d/y", ModeRead, t.now)
	t.tbl.Upsert("/d/y/nested", ModeRead, t.now)
	t.tbl.Upsert("/dzeta", ModeRead, t.now) // shares prefix "/d" but not a child

	names := map[string]bool{}
	for _, e := range t.tbl.Children("/d") {
		names[e.Path] = true
	}

	ExpectTrue(names["/d/x"])
	ExpectTrue(names["/d/y"])
	ExpectFalse(names["/d/y/nested"])
	ExpectFalse(names["/dzeta"])
}

func (t *TableTest) ChildrenOfRootExcludesRootItself() {
	t.tbl.Upsert("/a", ModeRead, t.now)

	for _, e := range t.tbl.Children("/") {
		ExpectFalse(e.Path == "/")
	}
	ExpectThat(len(t.tbl.Children("/")), Equals(1))
}

func (t *TableTest) ChildrenSkipsDeletedEntries() {
	e := t.tbl.Upsert("/d/x", ModeRead, t.now)
	e.Deleted = true

	ExpectThat(len(t.tbl.Children("/d")), Equals(0))
}

func (t *TableTest) HasLiveDescendantDetectsNonEmptyDir() {
	t.tbl.Upsert("/d", ModeDir|ModeRead, t.now)
	ExpectFalse(t.tbl.HasLiveDescendant("/d"))

	t.tbl.Upsert("/d/x", ModeRead, t.now)
	ExpectTrue(t.tbl.HasLiveDescendant("/d"))
}

func (t *TableTest) HasLiveDescendantIgnoresDeletedChildren() {
	t.tbl.Upsert("/d", ModeDir|ModeRead, t.now)
	e := t.tbl.Upsert("/d/x", ModeRead, t.now)
	e.Deleted = true

	ExpectFalse(t.tbl.HasLiveDescendant("/d"))
}

func (t *TableTest) ByInodeResolvesAfterInsertion() {
	e := t.tbl.Upsert("/a", ModeRead, t.now)

	got, ok := t.tbl.ByInode(e.Inode)
	ExpectTrue(ok)
	ExpectThat(got, Equals(e))
}

func (t *TableTest) ParseModeLettersMatchesGrammar() {
	ExpectThat(uint32(ParseModeLetters("r", nil)), Equals(uint32(ModeRead)))
	ExpectThat(uint32(ParseModeLetters("w", nil)), Equals(uint32(ModeWrite)))
	ExpectThat(uint32(ParseModeLetters("d", nil)), Equals(uint32(ModeDir|ModeRead)))

	static := ParseModeLetters("s", nil)
	ExpectTrue(static.Has(ModeRead) && static.Has(ModeWrite) && static.Has(ModeStatic))
}

func (t *TableTest) ParseModeLettersWarnsOnUnknownLetter() {
	var warned byte
	m := ParseModeLetters("q", func(letter byte) { warned = letter })

	ExpectThat(warned, Equals(byte('q')))
	ExpectTrue(m.Has(ModeRead))
}

// DirPermMatchesUnixConstant pins unix.S_IFDIR to the POSIX directory type
// bits (0040000). It checks the constant only; the FS layer's directory-mode
// synthesis (os.ModeDir) is not exercised here.
func (t *TableTest) DirPermMatchesUnixConstant() {
	ExpectThat(unix.S_IFDIR, Equals(0040000))
}
