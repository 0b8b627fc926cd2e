package uxfsd

import (
	"os"
	"strings"

	"golang.org/x/net/context"

	fuse "github.com/uxfs-project/uxfs"
)

// FS implements fuse.FileSystem (component F), mapping filesystem callbacks
// onto the Directory Table (B), Controller Channel (D), and Open-File
// Handle (E) components under the Bridge's single lock. FS overrides every
// method of the embedded NotImplementedFileSystem. Requests outside the
// fuse.FileSystem interface (readlink, mknod, symlink, link, fallocate) are
// answered ENOSYS by the server, and statfs is answered by the server with
// an empty response. chmod and chown arrive as SetInodeAttributes, which
// changes nothing and returns success; fsync arrives as SyncFile, which
// also returns success without doing anything.
type FS struct {
	fuse.NotImplementedFileSystem

	br *Bridge
}

// NewFS returns an FS backed by br.
func NewFS(br *Bridge) *FS {
	return &FS{br: br}
}

func (fs *FS) Init(
	ctx context.Context,
	req *fuse.InitRequest) (*fuse.InitResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	directives, err := fs.br.Channel.Init()
	if err != nil {
		fs.br.Logger.Errorf("INIT: %v", err)
		return nil, err
	}
	fs.br.applyDirectives(directives)

	return &fuse.InitResponse{}, nil
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// attributesFor synthesizes InodeAttributes for e per spec.md §4.F. Must be
// called with fs.br.mu held.
func (fs *FS) attributesFor(e *Entry) fuse.InodeAttributes {
	var size uint64
	if e.IsDir() {
		// directories report zero size; nothing in spec.md asks for an entry
		// count here.
	} else if e.Mode.Has(ModeStatic) || e.Mode.Has(ModeUser) {
		if e.Buffer != nil {
			size = uint64(e.Buffer.Size())
		}
	}

	var perm os.FileMode
	if e.IsDir() {
		perm = os.ModeDir | 0755
	} else {
		var ownerPerm os.FileMode
		if e.Mode.Has(ModeRead) {
			ownerPerm |= 0400
		}
		if e.Mode.Has(ModeWrite) {
			ownerPerm |= 0200
		}

		perm = ownerPerm
		if fs.br.PropagateOtherUsers {
			perm |= ownerPerm >> 3
			perm |= ownerPerm >> 6
		}
	}

	return fuse.InodeAttributes{
		Size:  size,
		Nlink: 1,
		Mode:  perm,
		Mtime: e.Mtime,
		Ctime: e.Mtime,
		Uid:   fs.br.Uid,
		Gid:   fs.br.Gid,
	}
}

func (fs *FS) GetInodeAttributes(
	ctx context.Context,
	req *fuse.GetInodeAttributesRequest) (*fuse.GetInodeAttributesResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	e, ok := fs.br.Table.ByInode(uint64(req.Inode))
	if !ok || e.Deleted {
		return nil, fuse.ENOENT
	}

	return &fuse.GetInodeAttributesResponse{
		Attributes: fs.attributesFor(e),
	}, nil
}

// SetInodeAttributes backs ftruncate(2) and friends. Per spec.md §4.F,
// truncate is accepted as a no-op: the handle's buffer is not resized here;
// release still sends the handle's full accumulated contents.
func (fs *FS) SetInodeAttributes(
	ctx context.Context,
	req *fuse.SetInodeAttributesRequest) (*fuse.SetInodeAttributesResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	e, ok := fs.br.Table.ByInode(uint64(req.Inode))
	if !ok || e.Deleted {
		return nil, fuse.ENOENT
	}

	return &fuse.SetInodeAttributesResponse{
		Attributes: fs.attributesFor(e),
	}, nil
}

func (fs *FS) ForgetInode(
	ctx context.Context,
	req *fuse.ForgetInodeRequest) (*fuse.ForgetInodeResponse, error) {
	return &fuse.ForgetInodeResponse{}, nil
}

////////////////////////////////////////////////////////////////////////
// Lookup / inode creation
////////////////////////////////////////////////////////////////////////

func (fs *FS) childEntry(e *Entry) fuse.ChildInodeEntry {
	return fuse.ChildInodeEntry{
		Child:      fuse.InodeID(e.Inode),
		Attributes: fs.attributesFor(e),
	}
}

func (fs *FS) LookUpInode(
	ctx context.Context,
	req *fuse.LookUpInodeRequest) (*fuse.LookUpInodeResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	parent, ok := fs.br.Table.ByInode(uint64(req.Parent))
	if !ok || parent.Deleted {
		return nil, fuse.ENOENT
	}

	e, ok := fs.br.Table.Find(joinChild(parent.Path, req.Name), false)
	if !ok {
		return nil, fuse.ENOENT
	}

	return &fuse.LookUpInodeResponse{Entry: fs.childEntry(e)}, nil
}

func (fs *FS) MkDir(
	ctx context.Context,
	req *fuse.MkDirRequest) (*fuse.MkDirResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	parent, ok := fs.br.Table.ByInode(uint64(req.Parent))
	if !ok || parent.Deleted {
		return nil, fuse.ENOENT
	}
	if !parent.Mode.Has(ModeWrite) {
		return nil, fuse.EACCES
	}

	path := joinChild(parent.Path, req.Name)
	if existing, ok := fs.br.Table.Find(path, false); ok && !existing.Deleted {
		return nil, fuse.EEXIST
	}

	now := fs.br.Clock.Now()
	e := fs.br.Table.Upsert(path, ModeDir|ModeRead|ModeWrite|ModeUser, now)

	directives, err := fs.br.Channel.FileOp("mkdir", path)
	if err != nil {
		fs.br.Logger.Errorf("FILEOP mkdir %s: %v", path, err)
		return nil, err
	}
	fs.br.applyDirectives(directives)

	return &fuse.MkDirResponse{Entry: fs.childEntry(e)}, nil
}

func (fs *FS) CreateFile(
	ctx context.Context,
	req *fuse.CreateFileRequest) (*fuse.CreateFileResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	parent, ok := fs.br.Table.ByInode(uint64(req.Parent))
	if !ok || parent.Deleted {
		return nil, fuse.ENOENT
	}
	if !parent.Mode.Has(ModeWrite) {
		return nil, fuse.EACCES
	}

	path := joinChild(parent.Path, req.Name)
	if existing, ok := fs.br.Table.Find(path, false); ok && !existing.Deleted {
		return nil, fuse.EEXIST
	}

	now := fs.br.Clock.Now()
	e := fs.br.Table.Upsert(path, ModeRead|ModeWrite|ModeUser, now)
	e.OpenCount++

	h := NewWriteHandle(e)
	id := fs.br.allocHandle()
	fs.br.handles[id] = h

	return &fuse.CreateFileResponse{
		Entry:  fs.childEntry(e),
		Handle: fuse.HandleID(id),
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Destruction
////////////////////////////////////////////////////////////////////////

func (fs *FS) Unlink(
	ctx context.Context,
	req *fuse.UnlinkRequest) (*fuse.UnlinkResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	parent, ok := fs.br.Table.ByInode(uint64(req.Parent))
	if !ok || parent.Deleted {
		return nil, fuse.ENOENT
	}

	path := joinChild(parent.Path, req.Name)
	e, ok := fs.br.Table.Find(path, false)
	if !ok {
		return nil, fuse.ENOENT
	}
	if e.IsDir() {
		return nil, fuse.EISDIR
	}
	if !e.Mode.Has(ModeUser) {
		return nil, fuse.EACCES
	}

	directives, err := fs.br.Channel.FileOp("unlink", path)
	if err != nil {
		fs.br.Logger.Errorf("FILEOP unlink %s: %v", path, err)
		return nil, err
	}
	if directives.Quit {
		fs.br.applyDirectives(directives)
		return nil, fuse.EIO
	}

	e.Deleted = true
	fs.br.applyDirectives(directives)

	return &fuse.UnlinkResponse{}, nil
}

func (fs *FS) RmDir(
	ctx context.Context,
	req *fuse.RmDirRequest) (*fuse.RmDirResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	parent, ok := fs.br.Table.ByInode(uint64(req.Parent))
	if !ok || parent.Deleted {
		return nil, fuse.ENOENT
	}

	path := joinChild(parent.Path, req.Name)
	e, ok := fs.br.Table.Find(path, false)
	if !ok {
		return nil, fuse.ENOENT
	}
	if !e.IsDir() {
		return nil, fuse.ENOTDIR
	}
	if fs.br.Table.HasLiveDescendant(path) {
		return nil, fuse.ENOTEMPTY
	}

	directives, err := fs.br.Channel.FileOp("rmdir", path)
	if err != nil {
		fs.br.Logger.Errorf("FILEOP rmdir %s: %v", path, err)
		return nil, err
	}
	if directives.Quit {
		fs.br.applyDirectives(directives)
		return nil, fuse.EIO
	}

	e.Deleted = true
	fs.br.applyDirectives(directives)

	return &fuse.RmDirResponse{}, nil
}

////////////////////////////////////////////////////////////////////////
// Renaming / permissions
////////////////////////////////////////////////////////////////////////

func (fs *FS) Rename(
	ctx context.Context,
	req *fuse.RenameRequest) (*fuse.RenameResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	oldParent, ok := fs.br.Table.ByInode(uint64(req.OldParent))
	if !ok || oldParent.Deleted {
		return nil, fuse.ENOENT
	}
	newParent, ok := fs.br.Table.ByInode(uint64(req.NewParent))
	if !ok || newParent.Deleted {
		return nil, fuse.ENOENT
	}

	fromPath := joinChild(oldParent.Path, req.OldName)
	toPath := joinChild(newParent.Path, req.NewName)

	if !newParent.Mode.Has(ModeWrite) {
		return nil, fuse.EACCES
	}

	from, ok := fs.br.Table.Find(fromPath, false)
	if !ok {
		return nil, fuse.ENOENT
	}
	if from.IsDir() {
		return nil, fuse.EISDIR
	}
	if !from.Mode.Has(ModeUser) {
		return nil, fuse.EACCES
	}

	if to, ok := fs.br.Table.Find(toPath, false); ok {
		if to.IsDir() {
			return nil, fuse.EISDIR
		}
		if !to.Mode.Has(ModeUser) {
			return nil, fuse.EACCES
		}
	}

	directives, err := fs.br.Channel.FileOp("rename", fromPath, toPath)
	if err != nil {
		fs.br.Logger.Errorf("FILEOP rename %s -> %s: %v", fromPath, toPath, err)
		return nil, err
	}
	if directives.Quit {
		fs.br.applyDirectives(directives)
		return nil, fuse.EIO
	}

	now := fs.br.Clock.Now()
	to := fs.br.Table.Upsert(toPath, from.Mode, now)
	to.Buffer = from.Buffer

	from.Buffer = nil
	from.Deleted = true

	fs.br.applyDirectives(directives)

	return &fuse.RenameResponse{}, nil
}

func (fs *FS) Access(
	ctx context.Context,
	req *fuse.AccessRequest) (*fuse.AccessResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	e, ok := fs.br.Table.ByInode(uint64(req.Inode))
	if !ok || e.Deleted {
		return nil, fuse.ENOENT
	}

	attr := fs.attributesFor(e)
	if req.Mask&fuse.AccessModeRead != 0 && attr.Mode.Perm()&0400 == 0 {
		return nil, fuse.EACCES
	}
	if req.Mask&fuse.AccessModeWrite != 0 && attr.Mode.Perm()&0200 == 0 {
		return nil, fuse.EACCES
	}
	if req.Mask&fuse.AccessModeExecute != 0 && attr.Mode.Perm()&0100 == 0 && !e.IsDir() {
		return nil, fuse.EACCES
	}

	return &fuse.AccessResponse{}, nil
}

////////////////////////////////////////////////////////////////////////
// Directory handles
////////////////////////////////////////////////////////////////////////

func (fs *FS) OpenDir(
	ctx context.Context,
	req *fuse.OpenDirRequest) (*fuse.OpenDirResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	e, ok := fs.br.Table.ByInode(uint64(req.Inode))
	if !ok || e.Deleted {
		return nil, fuse.ENOENT
	}
	if !e.IsDir() {
		return nil, fuse.ENOTDIR
	}

	children := fs.br.Table.Children(e.Path)

	id := fs.br.allocHandle()
	fs.br.dirHandles[id] = children

	return &fuse.OpenDirResponse{Handle: fuse.HandleID(id)}, nil
}

func (fs *FS) ReadDir(
	ctx context.Context,
	req *fuse.ReadDirRequest) (*fuse.ReadDirResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	children, ok := fs.br.dirHandles[uint64(req.Handle)]
	if !ok {
		return nil, fuse.EBADF
	}

	// Entries 0 and 1 are "." and "..", per spec.md §4.F; the rest follow in
	// sorted order from §4.B's enumeration rule.
	type namedEntry struct {
		name string
		typ  fuse.DirentType
		ino  uint64
	}
	all := make([]namedEntry, 0, len(children)+2)
	all = append(all, namedEntry{".", fuse.DT_Directory, 0}, namedEntry{"..", fuse.DT_Directory, 0})
	for _, c := range children {
		typ := fuse.DT_File
		if c.IsDir() {
			typ = fuse.DT_Directory
		}
		name := strings.TrimSuffix(c.Path[strings.LastIndexByte(c.Path, '/')+1:], "/")
		all = append(all, namedEntry{name, typ, c.Inode})
	}

	buf := make([]byte, 0, req.Size)
	off := int(req.Offset)
	for off < len(all) && len(buf) < req.Size {
		ent := all[off]
		d := fuse.Dirent{
			Offset: fuse.DirOffset(off + 1),
			Inode:  fuse.InodeID(ent.ino),
			Name:   ent.name,
			Type:   ent.typ,
		}

		tmp := make([]byte, req.Size-len(buf))
		n := fuse.WriteDirent(tmp, d)
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
		off++
	}

	return &fuse.ReadDirResponse{Data: buf}, nil
}

func (fs *FS) ReleaseDirHandle(
	ctx context.Context,
	req *fuse.ReleaseDirHandleRequest) (*fuse.ReleaseDirHandleResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	delete(fs.br.dirHandles, uint64(req.Handle))
	return &fuse.ReleaseDirHandleResponse{}, nil
}

////////////////////////////////////////////////////////////////////////
// File handles
////////////////////////////////////////////////////////////////////////

const (
	// Subset of bazilfuse.OpenFlags relevant here, expressed as plain
	// bitmasks matching O_WRONLY/O_RDWR so this file doesn't need to import
	// bazilfuse just for flag arithmetic.
	openAccModeMask = 0x3
	openWronly      = 0x1
	openRdwr        = 0x2
)

func wantsWrite(flags uint32) bool {
	mode := flags & openAccModeMask
	return mode == openWronly || mode == openRdwr
}

func wantsRead(flags uint32) bool {
	mode := flags & openAccModeMask
	return mode != openWronly
}

func (fs *FS) OpenFile(
	ctx context.Context,
	req *fuse.OpenFileRequest) (*fuse.OpenFileResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	e, ok := fs.br.Table.ByInode(uint64(req.Inode))
	if !ok || e.Deleted {
		return nil, fuse.ENOENT
	}
	if e.IsDir() {
		return nil, fuse.EISDIR
	}

	flags := uint32(req.Flags)
	if wantsWrite(flags) && !e.Mode.Has(ModeWrite) {
		return nil, fuse.EACCES
	}
	if wantsRead(flags) && !wantsWrite(flags) && !e.Mode.Has(ModeRead) {
		return nil, fuse.EACCES
	}

	var h *Handle
	switch {
	case e.Mode.Has(ModeUser) && e.Buffer != nil && wantsRead(flags):
		h = NewReadHandle(e, e.Buffer.Copy().Bytes())
		if wantsWrite(flags) {
			h.Writable = true
		}

	case !wantsWrite(flags) && !e.Mode.Has(ModeUser):
		data, directives, err := fs.br.Channel.Read(e.Path)
		if err != nil {
			fs.br.Logger.Errorf("READ %s: %v", e.Path, err)
			return nil, err
		}
		fs.br.applyDirectives(directives)
		h = NewReadHandle(e, data)

	case wantsWrite(flags):
		h = NewWriteHandle(e)

	default:
		h = NewReadHandle(e, nil)
	}

	e.OpenCount++
	id := fs.br.allocHandle()
	fs.br.handles[id] = h

	return &fuse.OpenFileResponse{Handle: fuse.HandleID(id)}, nil
}

func (fs *FS) ReadFile(
	ctx context.Context,
	req *fuse.ReadFileRequest) (*fuse.ReadFileResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	h, ok := fs.br.handles[uint64(req.Handle)]
	if !ok {
		return nil, fuse.EBADF
	}

	data := h.ReadAt(int(req.Offset), req.Size)
	return &fuse.ReadFileResponse{Data: data}, nil
}

func (fs *FS) WriteFile(
	ctx context.Context,
	req *fuse.WriteFileRequest) (*fuse.WriteFileResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	h, ok := fs.br.handles[uint64(req.Handle)]
	if !ok {
		return nil, fuse.EBADF
	}
	if !h.Writable {
		return nil, fuse.EBADF
	}

	h.WriteAt(int(req.Offset), req.Data)
	return &fuse.WriteFileResponse{}, nil
}

func (fs *FS) SyncFile(
	ctx context.Context,
	req *fuse.SyncFileRequest) (*fuse.SyncFileResponse, error) {
	return &fuse.SyncFileResponse{}, nil
}

func (fs *FS) FlushFile(
	ctx context.Context,
	req *fuse.FlushFileRequest) (*fuse.FlushFileResponse, error) {
	return &fuse.FlushFileResponse{}, nil
}

func (fs *FS) ReleaseFileHandle(
	ctx context.Context,
	req *fuse.ReleaseFileHandleRequest) (*fuse.ReleaseFileHandleResponse, error) {
	fs.br.mu.Lock()
	defer fs.br.mu.Unlock()

	h, ok := fs.br.handles[uint64(req.Handle)]
	if !ok {
		return &fuse.ReleaseFileHandleResponse{}, nil
	}
	delete(fs.br.handles, uint64(req.Handle))

	e := h.Entry
	if h.Writable {
		directives, err := fs.br.Channel.Write(e.Path, h.Contents())
		if err != nil {
			fs.br.Logger.Errorf("WRITE %s: %v", e.Path, err)
			return nil, err
		}
		fs.br.applyDirectives(directives)
	}

	if e.Mode.Has(ModeUser) && h.Writable {
		e.Buffer = NewBuffer()
		e.Buffer.WriteAt(0, h.Contents())
	}

	e.Mtime = fs.br.Clock.Now()
	if e.OpenCount > 0 {
		e.OpenCount--
	}

	return &fuse.ReleaseFileHandleResponse{}, nil
}
