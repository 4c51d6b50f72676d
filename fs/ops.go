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

package fs

import (
	"context"
	"sort"
	"time"

	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/pathname"
	"github.com/amiaopensource/ltfs/syncer"
)

// Attr is the stat-like view of a dentry.
type Attr struct {
	UID      uint64
	Kind     dentry.Kind
	Size     uint64
	ReadOnly bool
	Times    dentry.Times
	Nlink    uint32
}

// DirEntry is one readdir result.
type DirEntry struct {
	Name string
	Kind dentry.Kind
	UID  uint64
}

// Statfs reports capacity in blocks of the volume blocksize.
type Statfs struct {
	Blocksize   uint32
	TotalBlocks uint64
	FreeBlocks  uint64
}

////////////////////////////////////////////////////////////////////////
// Namespace operations
////////////////////////////////////////////////////////////////////////

// CreateFile makes an empty regular file and returns it referenced.
func (v *Volume) CreateFile(path string) (d *dentry.Dentry, err error) {
	err = v.restartable(func() (err error) {
		d, err = v.createDentry(path, dentry.RegularFile, "")
		return
	})
	return
}

// Mkdir makes an empty directory.
func (v *Volume) Mkdir(path string) error {
	return v.restartable(func() error {
		d, err := v.createDentry(path, dentry.Directory, "")
		if err != nil {
			return err
		}
		v.Put(d)
		return nil
	})
}

// Symlink makes a symbolic link to target.
func (v *Volume) Symlink(path, target string) error {
	return v.restartable(func() error {
		d, err := v.createDentry(path, dentry.Symlink, target)
		if err != nil {
			return err
		}
		v.Put(d)
		return nil
	})
}

// createDentry is the shared path-based create: resolve the parent, then
// the dentry-level create.
func (v *Volume) createDentry(
	path string,
	kind dentry.Kind,
	target string) (d *dentry.Dentry, err error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	parent, name, err := v.lookupParent(path)
	if err != nil {
		return
	}
	defer v.Put(parent)

	return v.CreateChild(parent, name, kind, target)
}

// Unlink removes a file or symlink.
func (v *Volume) Unlink(path string) error {
	return v.restartable(func() error {
		return v.removeDentry(path, false)
	})
}

// Rmdir removes an empty directory.
func (v *Volume) Rmdir(path string) error {
	return v.restartable(func() error {
		return v.removeDentry(path, true)
	})
}

func (v *Volume) removeDentry(path string, wantDir bool) (err error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	parent, name, err := v.lookupParent(path)
	if err != nil {
		return
	}
	defer v.Put(parent)

	return v.UnlinkChild(parent, name, wantDir)
}

// Rename moves oldPath to newPath, replacing nothing: the destination must
// not exist.
func (v *Volume) Rename(oldPath, newPath string) error {
	return v.restartable(func() error {
		return v.rename(oldPath, newPath)
	})
}

func (v *Volume) rename(oldPath, newPath string) (err error) {
	v.lock.RLock()
	defer v.lock.RUnlock()

	oldParent, oldName, err := v.lookupParent(oldPath)
	if err != nil {
		return
	}
	defer v.Put(oldParent)

	newParent, newName, err := v.lookupParent(newPath)
	if err != nil {
		return
	}
	defer v.Put(newParent)

	return v.RenameEntry(oldParent, oldName, newParent, newName)
}

// RenameEntry moves oldParent/oldName to newParent/newName. The
// destination must not exist.
func (v *Volume) RenameEntry(
	oldParent *dentry.Dentry,
	oldName string,
	newParent *dentry.Dentry,
	newName string) (err error) {
	if v.ReadOnly() {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.Rename")
	}

	if newName, err = pathname.ValidateName(newName); err != nil {
		return
	}

	// One rename at a time volume-wide, so lookups cannot race a moving
	// subtree into a cycle and ancestry walks below see a stable tree.
	v.renameLock.Lock()
	defer v.renameLock.Unlock()

	now := v.clock.Now()

	lockBoth := func(a, b *dentry.Dentry, lock func(*dentry.Dentry)) {
		if a == b {
			lock(a)
			return
		}
		// Distinct directories are ordered by UID so every rename agrees.
		if a.UID() > b.UID() {
			a, b = b, a
		}
		lock(a)
		lock(b)
	}
	unlockBoth := func(a, b *dentry.Dentry, unlock func(*dentry.Dentry)) {
		unlock(a)
		if a != b {
			unlock(b)
		}
	}

	// Cycle check before taking contents locks.
	if err = v.checkNotDescendant(oldParent, oldName, newParent); err != nil {
		return
	}

	lockBoth(oldParent, newParent, func(d *dentry.Dentry) { d.ContentsLock.Lock() })
	defer unlockBoth(oldParent, newParent, func(d *dentry.Dentry) { d.ContentsLock.Unlock() })

	moving, ok := oldParent.LookupChild(oldName)
	if !ok {
		return ltfserr.New(ltfserr.NoDentry, "fs.Rename")
	}

	if _, exists := newParent.LookupChild(newName); exists {
		return ltfserr.New(ltfserr.Exists, "fs.Rename")
	}

	_ = oldParent.RemoveChild(oldName)

	lockBoth(oldParent, newParent, func(d *dentry.Dentry) { d.MetaLock.Lock() })
	moving.MetaLock.Lock()

	moving.SetName(newName)
	if aerr := newParent.AddChild(newName, moving); aerr != nil {
		// Cannot happen: existence was checked under the same locks.
		panic(aerr)
	}
	moving.Touch(false, false, true, now)
	oldParent.Touch(true, false, true, now)
	if newParent != oldParent {
		newParent.Touch(true, false, true, now)
	}

	moving.MetaLock.Unlock()
	unlockBoth(oldParent, newParent, func(d *dentry.Dentry) { d.MetaLock.Unlock() })

	v.markDirty()
	return nil
}

// checkNotDescendant refuses a rename that would place a directory under
// itself.
//
// LOCKS_REQUIRED(v.renameLock)
func (v *Volume) checkNotDescendant(
	oldParent *dentry.Dentry,
	oldName string,
	newParent *dentry.Dentry) error {
	oldParent.ContentsLock.RLock()
	moving, ok := oldParent.LookupChild(oldName)
	oldParent.ContentsLock.RUnlock()

	if !ok {
		return ltfserr.New(ltfserr.NoDentry, "fs.Rename")
	}
	if !moving.IsDir() {
		return nil
	}

	for d := newParent; d != nil; {
		if d == moving {
			return ltfserr.New(ltfserr.BadArg, "fs.Rename: destination inside source")
		}

		d.MetaLock.RLock()
		p := d.Parent()
		d.MetaLock.RUnlock()
		d = p
	}
	return nil
}

// ReadDir lists a directory, ordered by UID to match the index.
func (v *Volume) ReadDir(path string) (entries []DirEntry, err error) {
	err = v.restartable(func() (err error) {
		v.lock.RLock()
		defer v.lock.RUnlock()

		d, err := v.Lookup(path)
		if err != nil {
			return
		}
		defer v.Put(d)

		entries, err = v.ReadDirOf(d)
		return
	})
	return
}

// ReadDirOf lists an already-resolved directory, ordered by UID.
func (v *Volume) ReadDirOf(d *dentry.Dentry) (entries []DirEntry, err error) {
	if !d.IsDir() {
		return nil, ltfserr.New(ltfserr.NotADir, "fs.ReadDir")
	}

	d.ContentsLock.RLock()
	for name, c := range d.Children() {
		entries = append(entries, DirEntry{Name: name, Kind: c.Kind(), UID: c.UID()})
	}
	d.ContentsLock.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].UID < entries[j].UID
	})

	if v.useAtime {
		d.MetaLock.Lock()
		d.Touch(false, true, false, v.clock.Now())
		d.MetaLock.Unlock()
		v.markAtimeDirty()
	}
	return
}

// ReadlinkOf reads an already-resolved symlink's target.
func (v *Volume) ReadlinkOf(d *dentry.Dentry) (target string, err error) {
	if d.Kind() != dentry.Symlink {
		return "", ltfserr.New(ltfserr.BadArg, "fs.Readlink: not a symlink")
	}

	d.ContentsLock.RLock()
	target = d.Target()
	d.ContentsLock.RUnlock()
	return
}

// Readlink reads a symlink's target.
func (v *Volume) Readlink(path string) (target string, err error) {
	err = v.restartable(func() (err error) {
		v.lock.RLock()
		defer v.lock.RUnlock()

		d, err := v.Lookup(path)
		if err != nil {
			return
		}
		defer v.Put(d)

		target, err = v.ReadlinkOf(d)
		return
	})
	return
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// GetAttr stats a dentry.
func (v *Volume) GetAttr(d *dentry.Dentry) (a Attr) {
	var size uint64
	if d.Kind() == dentry.RegularFile {
		size, _ = v.sched.GetFilesize(d)
	}

	d.MetaLock.RLock()
	defer d.MetaLock.RUnlock()

	if d.Kind() != dentry.RegularFile {
		size = d.Size()
	}

	return Attr{
		UID:      d.UID(),
		Kind:     d.Kind(),
		Size:     size,
		ReadOnly: d.ReadOnly(),
		Times:    d.Times(),
		Nlink:    d.LinkCount(),
	}
}

// SetTimes updates the dentry's timestamps; nil pointers leave fields
// untouched.
func (v *Volume) SetTimes(d *dentry.Dentry, modify, access, backup *time.Time) error {
	if v.ReadOnly() {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.SetTimes")
	}

	now := v.clock.Now()

	d.MetaLock.Lock()
	t := d.Times()
	if modify != nil {
		t.Modify = *modify
	}
	if access != nil {
		t.Access = *access
	}
	if backup != nil {
		t.Backup = *backup
	}
	t.Change = now
	d.SetTimes(t)
	d.MetaLock.Unlock()

	v.markDirty()
	return nil
}

// SetReadOnlyFlag sets or clears the per-dentry readonly bit.
func (v *Volume) SetReadOnlyFlag(d *dentry.Dentry, ro bool) error {
	if v.ReadOnly() {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.SetReadOnlyFlag")
	}

	d.MetaLock.Lock()
	d.SetReadOnly(ro)
	d.Touch(false, false, true, v.clock.Now())
	d.MetaLock.Unlock()

	v.markDirty()
	return nil
}

// StatFS reports capacity.
func (v *Volume) StatFS() (s Statfs, err error) {
	c, err := v.t.RemainingCapacity()
	if err != nil {
		return
	}

	bs := v.t.Blocksize()
	s = Statfs{
		Blocksize:   bs,
		TotalBlocks: (c.TotalIP + c.TotalDP) / uint64(bs),
		FreeBlocks:  (c.RemainingIP + c.RemainingDP) / uint64(bs),
	}
	return
}

////////////////////////////////////////////////////////////////////////
// File I/O
////////////////////////////////////////////////////////////////////////

// OpenFile resolves a path to a referenced file dentry.
func (v *Volume) OpenFile(path string, openWrite bool) (d *dentry.Dentry, err error) {
	err = v.restartable(func() (err error) {
		v.lock.RLock()
		defer v.lock.RUnlock()

		d, err = v.Lookup(path)
		if err != nil {
			return
		}

		if d.IsDir() {
			v.Put(d)
			d = nil
			return ltfserr.New(ltfserr.IsADir, "fs.OpenFile")
		}

		if openWrite && v.ReadOnly() {
			v.Put(d)
			d = nil
			return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.OpenFile")
		}
		return
	})
	return
}

// Read copies file contents at offset into p.
func (v *Volume) Read(
	ctx context.Context,
	d *dentry.Dentry,
	p []byte,
	offset uint64) (n int, err error) {
	err = v.restartable(func() (err error) {
		v.lock.RLock()
		defer v.lock.RUnlock()

		n, err = v.sched.Read(ctx, d, p, offset)
		if err != nil {
			return
		}

		if v.useAtime {
			d.MetaLock.Lock()
			d.Touch(false, true, false, v.clock.Now())
			d.MetaLock.Unlock()
			v.markAtimeDirty()
		}
		return
	})
	return
}

// Write buffers p at offset through the scheduler.
func (v *Volume) Write(
	ctx context.Context,
	d *dentry.Dentry,
	p []byte,
	offset uint64) (n int, err error) {
	err = v.restartable(func() (err error) {
		if v.ReadOnly() {
			return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.Write")
		}

		v.lock.RLock()
		defer v.lock.RUnlock()

		n, err = v.sched.Write(ctx, d, p, offset)
		if err != nil {
			return
		}

		d.MetaLock.Lock()
		d.Touch(true, false, true, v.clock.Now())
		d.MetaLock.Unlock()

		v.markDirty()
		return
	})
	return
}

// Truncate resizes the file: shrinking trims extents, growing extends
// sparsely.
func (v *Volume) Truncate(ctx context.Context, d *dentry.Dentry, size uint64) error {
	return v.restartable(func() (err error) {
		if v.ReadOnly() {
			return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.Truncate")
		}

		v.lock.RLock()
		defer v.lock.RUnlock()

		if err = v.sched.Truncate(ctx, d, size); err != nil {
			return
		}

		now := v.clock.Now()
		d.MetaLock.Lock()
		d.Touch(true, false, true, now)
		d.MetaLock.Unlock()

		v.markDirty()
		return
	})
}

// Flush drains the file's dirty data to tape.
func (v *Volume) Flush(ctx context.Context, d *dentry.Dentry) error {
	return v.restartable(func() error {
		v.lock.RLock()
		defer v.lock.RUnlock()
		return v.sched.Flush(ctx, d)
	})
}

// Release closes a file handle: flush if it was written, drop the
// reference, and if configured request a sync.
func (v *Volume) Release(ctx context.Context, d *dentry.Dentry, wasWritten bool) (err error) {
	if wasWritten && !v.ReadOnly() {
		func() {
			v.lock.RLock()
			defer v.lock.RUnlock()
			err = v.sched.Flush(ctx, d)
		}()

		if v.syncOnClose {
			v.syn.Request(syncer.ReasonClose)
		}
	}

	v.Put(d)
	return
}

// RequestSync asks the background task for an index write (the ltfs.sync
// xattr and kin).
func (v *Volume) RequestSync() {
	v.syn.Request(syncer.ReasonExplicit)
}
