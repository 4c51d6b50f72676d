// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package fusefs adapts a mounted fs.Volume to the fuse protocol.
package fusefs

import (
	"context"
	"os"
	"syscall"

	"github.com/amiaopensource/ltfs/fs"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
)

// ServerConfig configures the adapter.
type ServerConfig struct {
	Volume *fs.Volume
	Clock  timeutil.Clock

	// The owner of every node.
	Uid uint32
	Gid uint32

	// HostNamespacePrefix is true when the host exposes xattrs under a
	// "user." prefix; virtual attributes are then hidden from listings.
	HostNamespacePrefix bool
}

// NewServer creates a fuse server for the volume.
func NewServer(cfg *ServerConfig) fuse.Server {
	srv := &fileSystem{
		vol:        cfg.Volume,
		clock:      cfg.Clock,
		uid:        cfg.Uid,
		gid:        cfg.Gid,
		hostPrefix: cfg.HostNamespacePrefix,
		inodes:     make(map[fuseops.InodeID]*inodeRecord),
		ids:        make(map[*dentry.Dentry]fuseops.InodeID),
		nextInode:  fuseops.RootInodeID + 1,
		handles:    make(map[fuseops.HandleID]*fileHandle),
		nextHandle: 1,
	}

	root := cfg.Volume.Root()
	srv.inodes[fuseops.RootInodeID] = &inodeRecord{d: root}
	srv.ids[root] = fuseops.RootInodeID

	srv.mu = syncutil.NewInvariantMutex(srv.checkInvariants)
	return fuseutil.NewFileSystemServer(srv)
}

type inodeRecord struct {
	d *dentry.Dentry

	// Kernel lookup count; each increment corresponds to one dentry
	// reference held on the volume.
	lookups uint64
}

type fileHandle struct {
	d          *dentry.Dentry
	wasWritten bool
}

type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	vol        *fs.Volume
	clock      timeutil.Clock
	uid        uint32
	gid        uint32
	hostPrefix bool

	// GUARDED_BY(mu)
	mu         syncutil.InvariantMutex
	inodes     map[fuseops.InodeID]*inodeRecord
	ids        map[*dentry.Dentry]fuseops.InodeID
	nextInode  fuseops.InodeID
	handles    map[fuseops.HandleID]*fileHandle
	nextHandle fuseops.HandleID
}

func (s *fileSystem) checkInvariants() {
	for id, rec := range s.inodes {
		if s.ids[rec.d] != id {
			panic("fusefs: inode maps disagree")
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// errno maps the core's error taxonomy onto host errnos.
func errno(err error) error {
	if err == nil {
		return nil
	}

	switch ltfserr.KindOf(err) {
	case ltfserr.NoDentry:
		return fuse.ENOENT
	case ltfserr.NoXattr:
		return fuse.ENOATTR
	case ltfserr.Exists, ltfserr.XattrExists:
		return fuse.EEXIST
	case ltfserr.NotADir:
		return fuse.ENOTDIR
	case ltfserr.IsADir:
		return syscall.EISDIR
	case ltfserr.NotEmpty:
		return fuse.ENOTEMPTY
	case ltfserr.NameTooLong:
		return syscall.ENAMETOOLONG
	case ltfserr.InvalidPath, ltfserr.BadArg, ltfserr.NullArg:
		return fuse.EINVAL
	case ltfserr.NoSpace:
		return syscall.ENOSPC
	case ltfserr.LargeXattr:
		return syscall.E2BIG
	case ltfserr.RdonlyXattr:
		return syscall.EPERM
	case ltfserr.ReadOnlyVolume, ltfserr.WriteProtected, ltfserr.LogicalWriteProtect:
		return syscall.EROFS
	case ltfserr.DeviceBusy:
		return syscall.EBUSY
	case ltfserr.Interrupted:
		return syscall.EINTR
	default:
		return fuse.EIO
	}
}

// lookupInode finds the record for an inode ID.
func (s *fileSystem) lookupInode(id fuseops.InodeID) (*dentry.Dentry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inodes[id]
	if !ok {
		return nil, fuse.ENOENT
	}
	return rec.d, nil
}

// remember registers d (already referenced by the caller) under an inode ID
// and bumps its kernel lookup count.
func (s *fileSystem) remember(d *dentry.Dentry) fuseops.InodeID {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.ids[d]
	if !ok {
		id = s.nextInode
		s.nextInode++
		s.inodes[id] = &inodeRecord{d: d}
		s.ids[d] = id
	}
	s.inodes[id].lookups++
	return id
}

func (s *fileSystem) attrs(d *dentry.Dentry) fuseops.InodeAttributes {
	a := s.vol.GetAttr(d)

	var mode os.FileMode
	switch a.Kind {
	case dentry.Directory:
		mode = 0755 | os.ModeDir
	case dentry.Symlink:
		mode = 0777 | os.ModeSymlink
	default:
		mode = 0644
	}
	if a.ReadOnly || s.vol.ReadOnly() {
		mode &^= 0222
	}

	nlink := a.Nlink
	if nlink == 0 {
		nlink = 1
	}

	return fuseops.InodeAttributes{
		Size:   a.Size,
		Nlink:  nlink,
		Mode:   mode,
		Atime:  a.Times.Access,
		Mtime:  a.Times.Modify,
		Ctime:  a.Times.Change,
		Crtime: a.Times.Creation,
		Uid:    s.uid,
		Gid:    s.gid,
	}
}

func (s *fileSystem) childEntry(d *dentry.Dentry) fuseops.ChildInodeEntry {
	return fuseops.ChildInodeEntry{
		Child:      s.remember(d),
		Attributes: s.attrs(d),
	}
}

////////////////////////////////////////////////////////////////////////
// Filesystem methods
////////////////////////////////////////////////////////////////////////

func (s *fileSystem) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st, err := s.vol.StatFS()
	if err != nil {
		return errno(err)
	}

	op.BlockSize = st.Blocksize
	op.Blocks = st.TotalBlocks
	op.BlocksFree = st.FreeBlocks
	op.BlocksAvailable = st.FreeBlocks
	op.IoSize = st.Blocksize
	return nil
}

func (s *fileSystem) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}

	child, err := s.vol.LookupChild(parent, op.Name)
	if err != nil {
		return errno(err)
	}

	op.Entry = s.childEntry(child)
	return nil
}

func (s *fileSystem) GetInodeAttributes(
	ctx context.Context,
	op *fuseops.GetInodeAttributesOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	op.Attributes = s.attrs(d)
	return nil
}

func (s *fileSystem) SetInodeAttributes(
	ctx context.Context,
	op *fuseops.SetInodeAttributesOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	if op.Size != nil {
		if err := s.vol.Truncate(ctx, d, *op.Size); err != nil {
			return errno(err)
		}
	}

	if op.Mtime != nil || op.Atime != nil {
		if err := s.vol.SetTimes(d, op.Mtime, op.Atime, nil); err != nil {
			return errno(err)
		}
	}

	op.Attributes = s.attrs(d)
	return nil
}

func (s *fileSystem) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	if op.Inode == fuseops.RootInodeID {
		return nil
	}

	s.mu.Lock()
	rec, ok := s.inodes[op.Inode]
	var d *dentry.Dentry
	var drops uint64
	if ok {
		d = rec.d
		drops = op.N
		if drops > rec.lookups {
			drops = rec.lookups
		}
		rec.lookups -= drops
		if rec.lookups == 0 {
			delete(s.inodes, op.Inode)
			delete(s.ids, d)
		}
	}
	s.mu.Unlock()

	for i := uint64(0); i < drops; i++ {
		s.vol.Put(d)
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Namespace mutation
////////////////////////////////////////////////////////////////////////

func (s *fileSystem) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}

	child, err := s.vol.CreateChild(parent, op.Name, dentry.Directory, "")
	if err != nil {
		return errno(err)
	}

	op.Entry = s.childEntry(child)
	return nil
}

func (s *fileSystem) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}

	child, err := s.vol.CreateChild(parent, op.Name, dentry.RegularFile, "")
	if err != nil {
		return errno(err)
	}

	op.Entry = s.childEntry(child)

	// The create also opens the file.
	s.vol.Ref(child)
	s.mu.Lock()
	op.Handle = s.nextHandle
	s.nextHandle++
	s.handles[op.Handle] = &fileHandle{d: child}
	s.mu.Unlock()
	return nil
}

func (s *fileSystem) CreateSymlink(ctx context.Context, op *fuseops.CreateSymlinkOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}

	child, err := s.vol.CreateChild(parent, op.Name, dentry.Symlink, op.Target)
	if err != nil {
		return errno(err)
	}

	op.Entry = s.childEntry(child)
	return nil
}

func (s *fileSystem) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldParent, err := s.lookupInode(op.OldParent)
	if err != nil {
		return errno(err)
	}
	newParent, err := s.lookupInode(op.NewParent)
	if err != nil {
		return errno(err)
	}

	return errno(s.vol.RenameEntry(oldParent, op.OldName, newParent, op.NewName))
}

func (s *fileSystem) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}
	return errno(s.vol.UnlinkChild(parent, op.Name, true))
}

func (s *fileSystem) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	parent, err := s.lookupInode(op.Parent)
	if err != nil {
		return errno(err)
	}
	return errno(s.vol.UnlinkChild(parent, op.Name, false))
}

////////////////////////////////////////////////////////////////////////
// Directories
////////////////////////////////////////////////////////////////////////

func (s *fileSystem) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}
	if !d.IsDir() {
		return fuse.ENOTDIR
	}
	return nil
}

func (s *fileSystem) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	entries, err := s.vol.ReadDirOf(d)
	if err != nil {
		return errno(err)
	}

	if op.Offset > fuseops.DirOffset(len(entries)) {
		return fuse.EINVAL
	}

	for i := int(op.Offset); i < len(entries); i++ {
		e := entries[i]

		var typ fuseutil.DirentType
		switch e.Kind {
		case dentry.Directory:
			typ = fuseutil.DT_Directory
		case dentry.Symlink:
			typ = fuseutil.DT_Link
		default:
			typ = fuseutil.DT_File
		}

		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fuseops.InodeID(e.UID),
			Name:   e.Name,
			Type:   typ,
		})
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Files
////////////////////////////////////////////////////////////////////////

func (s *fileSystem) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}
	if d.Kind() != dentry.RegularFile {
		return syscall.EISDIR
	}

	s.vol.Ref(d)

	s.mu.Lock()
	op.Handle = s.nextHandle
	s.nextHandle++
	s.handles[op.Handle] = &fileHandle{d: d}
	s.mu.Unlock()
	return nil
}

func (s *fileSystem) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	op.BytesRead, err = s.vol.Read(ctx, d, op.Dst, uint64(op.Offset))
	return errno(err)
}

func (s *fileSystem) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	if _, err = s.vol.Write(ctx, d, op.Data, uint64(op.Offset)); err != nil {
		return errno(err)
	}

	s.mu.Lock()
	if h, ok := s.handles[op.Handle]; ok {
		h.wasWritten = true
	}
	s.mu.Unlock()
	return nil
}

func (s *fileSystem) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}
	return errno(s.vol.Flush(ctx, d))
}

func (s *fileSystem) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}
	return errno(s.vol.Flush(ctx, d))
}

func (s *fileSystem) ReleaseFileHandle(
	ctx context.Context,
	op *fuseops.ReleaseFileHandleOp) error {
	s.mu.Lock()
	h, ok := s.handles[op.Handle]
	delete(s.handles, op.Handle)
	s.mu.Unlock()

	if !ok {
		return fuse.EINVAL
	}
	return errno(s.vol.Release(ctx, h.d, h.wasWritten))
}

func (s *fileSystem) ReadSymlink(ctx context.Context, op *fuseops.ReadSymlinkOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	op.Target, err = s.vol.ReadlinkOf(d)
	return errno(err)
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// stripPrefix removes the host "user." namespace where applicable.
func (s *fileSystem) stripPrefix(name string) string {
	const p = "user."
	if s.hostPrefix && len(name) > len(p) && name[:len(p)] == p {
		return name[len(p):]
	}
	return name
}

func (s *fileSystem) GetXattr(ctx context.Context, op *fuseops.GetXattrOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	value, err := s.vol.GetXAttr(d, s.stripPrefix(op.Name))
	if err != nil {
		return errno(err)
	}

	op.BytesRead = len(value)
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < len(value) {
		return syscall.ERANGE
	}
	copy(op.Dst, value)
	return nil
}

func (s *fileSystem) ListXattr(ctx context.Context, op *fuseops.ListXattrOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	// Hosts with a namespace prefix never see the virtual set.
	names := s.vol.ListXAttrs(d, !s.hostPrefix)

	var total int
	for _, n := range names {
		total += len(n) + 1
	}

	op.BytesRead = total
	if len(op.Dst) == 0 {
		return nil
	}
	if len(op.Dst) < total {
		return syscall.ERANGE
	}

	off := 0
	for _, n := range names {
		copy(op.Dst[off:], n)
		off += len(n)
		op.Dst[off] = 0
		off++
	}
	return nil
}

func (s *fileSystem) SetXattr(ctx context.Context, op *fuseops.SetXattrOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}

	var flags int
	switch op.Flags {
	case 0x1: // XATTR_CREATE
		flags = dentry.XAttrCreate
	case 0x2: // XATTR_REPLACE
		flags = dentry.XAttrReplace
	}

	return errno(s.vol.SetXAttr(d, s.stripPrefix(op.Name), op.Value, flags))
}

func (s *fileSystem) RemoveXattr(ctx context.Context, op *fuseops.RemoveXattrOp) error {
	d, err := s.lookupInode(op.Inode)
	if err != nil {
		return errno(err)
	}
	return errno(s.vol.RemoveXAttr(d, s.stripPrefix(op.Name)))
}
