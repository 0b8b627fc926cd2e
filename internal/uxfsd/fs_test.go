package uxfsd

import (
	"testing"
	"time"

	"golang.org/x/net/context"

	. "github.com/jacobsa/oglematchers"
	. "github.com/jacobsa/ogletest"

	fuse "github.com/uxfs-project/uxfs"
)

func TestFS(t *testing.T) { RunTests(t) }

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

type FSTest struct {
	fs *FS
	br *Bridge
	fc *fakeController
}

func init() { RegisterTestSuite(&FSTest{}) }

func (t *FSTest) SetUp(ti *TestInfo) {
	ch, fc := newChannelUnderTest()
	t.fc = fc

	tbl := NewTable(time.Unix(0, 0))
	t.br = NewBridge(tbl, ch, fixedClock{time.Unix(0, 0)}, NewLogger("test", 0), func() {})
	t.fs = NewFS(t.br)
}

// runInit drives the Init handshake against the fake controller, replying
// with the given status line (and, when non-empty, a DIR data block).
func (t *FSTest) runInit(status string, dirLines ...string) {
	done := make(chan struct{})
	go func() {
		t.fs.Init(context.Background(), &fuse.InitRequest{})
		close(done)
	}()

	ExpectThat(t.fc.readLine(), Equals("INIT"))
	t.fc.send(status)
	if len(dirLines) > 0 {
		for _, l := range dirLines {
			t.fc.send(l)
		}
		t.fc.send(".")
	}
	<-done
}

func (t *FSTest) DeclareThenRead() {
	t.runInit("+OK;DIR", "/hello rw")

	lookup, err := t.fs.LookUpInode(context.Background(), &fuse.LookUpInodeRequest{
		Parent: fuse.RootInodeID,
		Name:   "hello",
	})
	AssertEq(nil, err)

	done := make(chan struct{})
	var openErr error
	var resp *fuse.OpenFileResponse
	go func() {
		resp, openErr = t.fs.OpenFile(context.Background(), &fuse.OpenFileRequest{
			Inode: lookup.Entry.Child,
		})
		close(done)
	}()

	ExpectThat(t.fc.readLine(), Equals("READ /hello"))
	t.fc.send("+OK")
	t.fc.send("hi")
	t.fc.send(".")
	<-done
	AssertEq(nil, openErr)

	read, err := t.fs.ReadFile(context.Background(), &fuse.ReadFileRequest{
		Handle: resp.Handle,
		Offset: 0,
		Size:   100,
	})
	AssertEq(nil, err)
	ExpectThat(string(read.Data), Equals("hi\n"))
}

func (t *FSTest) CreateWriteRelease() {
	t.runInit("+OK")

	created, err := t.fs.CreateFile(context.Background(), &fuse.CreateFileRequest{
		Parent: fuse.RootInodeID,
		Name:   "note",
	})
	AssertEq(nil, err)

	_, err = t.fs.WriteFile(context.Background(), &fuse.WriteFileRequest{
		Handle: created.Handle,
		Offset: 0,
		Data:   []byte("ok\n"),
	})
	AssertEq(nil, err)

	done := make(chan struct{})
	var relErr error
	go func() {
		_, relErr = t.fs.ReleaseFileHandle(context.Background(), &fuse.ReleaseFileHandleRequest{
			Handle: created.Handle,
		})
		close(done)
	}()

	ExpectThat(t.fc.readLine(), Equals("WRITE /note"))
	ExpectThat(t.fc.readLine(), Equals("ok"))
	ExpectThat(t.fc.readLine(), Equals("."))
	t.fc.send("+OK")
	<-done
	AssertEq(nil, relErr)
}

func (t *FSTest) RmdirNonEmptyFailsWithoutContactingController() {
	t.runInit("+OK")

	done := make(chan struct{})
	var md *fuse.MkDirResponse
	var err error
	go func() {
		md, err = t.fs.MkDir(context.Background(), &fuse.MkDirRequest{Parent: fuse.RootInodeID, Name: "d"})
		close(done)
	}()
	ExpectThat(t.fc.readLine(), Equals("FILEOP"))
	ExpectThat(t.fc.readLine(), Equals("mkdir"))
	ExpectThat(t.fc.readLine(), Equals("/d"))
	ExpectThat(t.fc.readLine(), Equals("."))
	t.fc.send("+OK")
	<-done
	AssertEq(nil, err)

	_, err = t.fs.CreateFile(context.Background(), &fuse.CreateFileRequest{Parent: md.Entry.Child, Name: "x"})
	AssertEq(nil, err)

	_, err = t.fs.RmDir(context.Background(), &fuse.RmDirRequest{Parent: fuse.RootInodeID, Name: "d"})
	ExpectEq(fuse.ENOTEMPTY, err)
}

func (t *FSTest) RenameMovesRetainedBufferAndDeletesSource() {
	t.runInit("+OK")

	created, err := t.fs.CreateFile(context.Background(), &fuse.CreateFileRequest{Parent: fuse.RootInodeID, Name: "old"})
	AssertEq(nil, err)

	_, err = t.fs.WriteFile(context.Background(), &fuse.WriteFileRequest{
		Handle: created.Handle,
		Offset: 0,
		Data:   []byte("payload\n"),
	})
	AssertEq(nil, err)

	done := make(chan struct{})
	var relErr error
	go func() {
		_, relErr = t.fs.ReleaseFileHandle(context.Background(), &fuse.ReleaseFileHandleRequest{Handle: created.Handle})
		close(done)
	}()
	ExpectThat(t.fc.readLine(), Equals("WRITE /old"))
	ExpectThat(t.fc.readLine(), Equals("payload"))
	ExpectThat(t.fc.readLine(), Equals("."))
	t.fc.send("+OK")
	<-done
	AssertEq(nil, relErr)

	oldEntry, ok := t.br.Table.Find("/old", false)
	AssertTrue(ok)
	oldBuf := oldEntry.Buffer

	done = make(chan struct{})
	var renameErr error
	go func() {
		_, renameErr = t.fs.Rename(context.Background(), &fuse.RenameRequest{
			OldParent: fuse.RootInodeID,
			OldName:   "old",
			NewParent: fuse.RootInodeID,
			NewName:   "new",
		})
		close(done)
	}()
	ExpectThat(t.fc.readLine(), Equals("FILEOP"))
	ExpectThat(t.fc.readLine(), Equals("rename"))
	ExpectThat(t.fc.readLine(), Equals("/old"))
	ExpectThat(t.fc.readLine(), Equals("/new"))
	ExpectThat(t.fc.readLine(), Equals("."))
	t.fc.send("+OK")
	<-done
	AssertEq(nil, renameErr)

	ExpectTrue(oldEntry.Deleted)
	ExpectEq(nil, oldEntry.Buffer)

	newEntry, ok := t.br.Table.Find("/new", false)
	AssertTrue(ok)
	ExpectThat(newEntry.Buffer, Equals(oldBuf))
}

func (t *FSTest) RenameRejectsDirectorySourceWithEISDIR() {
	t.runInit("+OK")

	done := make(chan struct{})
	var err error
	go func() {
		_, err = t.fs.MkDir(context.Background(), &fuse.MkDirRequest{Parent: fuse.RootInodeID, Name: "d"})
		close(done)
	}()
	ExpectThat(t.fc.readLine(), Equals("FILEOP"))
	ExpectThat(t.fc.readLine(), Equals("mkdir"))
	ExpectThat(t.fc.readLine(), Equals("/d"))
	ExpectThat(t.fc.readLine(), Equals("."))
	t.fc.send("+OK")
	<-done
	AssertEq(nil, err)

	_, err = t.fs.Rename(context.Background(), &fuse.RenameRequest{
		OldParent: fuse.RootInodeID,
		OldName:   "d",
		NewParent: fuse.RootInodeID,
		NewName:   "e",
	})
	ExpectEq(fuse.EISDIR, err)
}
