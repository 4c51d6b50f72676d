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

// Package dentry implements the in-memory directory tree: files, directories
// and symlinks with extent lists, extended attributes and reference counts.
//
// LOCK ORDERING
//
// Every dentry carries two public locks. Define a strict partial order:
//
//  1. A parent's ContentsLock comes before a child's ContentsLock.
//  2. Any ContentsLock comes before any MetaLock.
//  3. A parent's MetaLock comes before a child's MetaLock.
//  4. The scheduler's per-dentry lock (private to iosched) comes last.
//
// Volume-scoped locks (the volume RW-lock, the rename lock) order before all
// of these; the device mutex orders after. See the fs package for the full
// hierarchy.
package dentry

import (
	"fmt"
	"time"

	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/jacobsa/syncutil"
)

// Kind discriminates the three dentry flavors.
type Kind int

const (
	Directory Kind = iota
	RegularFile
	Symlink
)

func (k Kind) String() string {
	switch k {
	case Directory:
		return "directory"
	case RegularFile:
		return "file"
	case Symlink:
		return "symlink"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// RootUID is the persistent UID of the root directory. UID zero is reserved.
const RootUID = 1

// Times holds the five per-dentry timestamps carried by the index.
type Times struct {
	Creation time.Time
	Modify   time.Time
	Access   time.Time
	Change   time.Time
	Backup   time.Time
}

// XAttr is one real extended attribute. Virtual attributes (the ltfs.*
// namespace) never appear here.
type XAttr struct {
	Key   string
	Value []byte
}

// Dentry is one node of the tree. Which fields are meaningful depends on
// Kind; the rest stay at their zero values.
type Dentry struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	kind Kind

	// The persistent volume-unique identifier. Assigned once at creation,
	// never reused.
	uid uint64

	/////////////////////////
	// Locks
	/////////////////////////

	// ContentsLock protects the extent list, the symlink target, and for
	// directories the child map. Acquire before MetaLock when taking both on
	// the same dentry.
	ContentsLock syncutil.InvariantMutex

	// MetaLock protects everything in the "metadata" section below.
	MetaLock syncutil.InvariantMutex

	/////////////////////////
	// Metadata
	//
	// GUARDED_BY(MetaLock)
	/////////////////////////

	name             string
	platformSafeName string
	times            Times
	readOnly         bool
	xattrs           []XAttr
	parent           *Dentry

	// linkCount is 1 while the dentry is reachable from the tree, 0 after
	// unlink. refCount counts live references from the façade and open
	// handles. The dentry is destroyed when both reach zero.
	linkCount uint32
	refCount  uint64

	// size is the logical EOF. realsize excludes the sparse tail: the
	// highest byte actually backed by an extent or buffered data.
	size     uint64
	realsize uint64

	/////////////////////////
	// Contents
	//
	// GUARDED_BY(ContentsLock)
	/////////////////////////

	// INVARIANT: children == nil unless kind == Directory
	children map[string]*Dentry

	// INVARIANT: extents sorted by FileOffset, no overlap
	// INVARIANT: extents empty unless kind == RegularFile
	extents []Extent

	// INVARIANT: target == "" unless kind == Symlink
	target string

	// volumeName is meaningful on the root directory only.
	volumeName string

	// Raw XML captured for elements this implementation does not recognize,
	// re-emitted verbatim by the index writer.
	unknownTags [][]byte

	/////////////////////////
	// Scheduler private state
	/////////////////////////

	// IOSchedLock protects SchedPriv. The FCFS scheduler in package iosched
	// uses neither; it keeps per-file state in its own map under its own
	// per-file mutex.
	IOSchedLock syncutil.InvariantMutex

	// GUARDED_BY(IOSchedLock)
	SchedPriv interface{}
}

// New creates a dentry of the given kind with a fresh UID and link count 1.
// The caller inserts it into a parent separately.
func New(kind Kind, uid uint64, name string, now time.Time) (d *Dentry) {
	d = &Dentry{
		kind:             kind,
		uid:              uid,
		name:             name,
		platformSafeName: name,
		linkCount:        1,
		times: Times{
			Creation: now,
			Modify:   now,
			Access:   now,
			Change:   now,
			Backup:   now,
		},
	}

	if kind == Directory {
		d.children = make(map[string]*Dentry)
	}

	d.ContentsLock = syncutil.NewInvariantMutex(d.checkContentsInvariants)
	d.MetaLock = syncutil.NewInvariantMutex(func() {})
	d.IOSchedLock = syncutil.NewInvariantMutex(func() {})
	return
}

// NewRoot creates the root directory with the reserved root UID.
func NewRoot(now time.Time) *Dentry {
	return New(Directory, RootUID, "", now)
}

func (d *Dentry) checkContentsInvariants() {
	if d.kind != Directory && d.children != nil {
		panic("non-directory with child map")
	}

	if d.kind != RegularFile && len(d.extents) != 0 {
		panic("non-file with extents")
	}

	var prevEnd uint64
	for i, e := range d.extents {
		if e.ByteCount == 0 {
			panic(fmt.Sprintf("zero-length extent at %d", i))
		}
		if e.FileOffset < prevEnd {
			panic(fmt.Sprintf("extent overlap at %d", i))
		}
		prevEnd = e.FileOffset + e.ByteCount
	}
}

////////////////////////////////////////////////////////////////////////
// Constant data
////////////////////////////////////////////////////////////////////////

func (d *Dentry) Kind() Kind {
	return d.kind
}

func (d *Dentry) UID() uint64 {
	return d.uid
}

func (d *Dentry) IsDir() bool {
	return d.kind == Directory
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Name() string {
	return d.name
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) PlatformSafeName() string {
	return d.platformSafeName
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetName(name string) {
	d.name = name
	d.platformSafeName = name
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Parent() *Dentry {
	return d.parent
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Times() Times {
	return d.times
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetTimes(t Times) {
	d.times = t
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Touch(modify, access, change bool, now time.Time) {
	if modify {
		d.times.Modify = now
	}
	if access {
		d.times.Access = now
	}
	if change {
		d.times.Change = now
	}
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) ReadOnly() bool {
	return d.readOnly
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetReadOnly(ro bool) {
	d.readOnly = ro
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Size() uint64 {
	return d.size
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) RealSize() uint64 {
	return d.realsize
}

// SetSize updates the logical EOF. Growing past realsize leaves the tail
// implicitly sparse.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetSize(size uint64) {
	d.size = size
	if d.realsize > size {
		d.realsize = size
	}
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetSizes(size, realsize uint64) {
	d.size = size
	d.realsize = realsize
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) LinkCount() uint32 {
	return d.linkCount
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// MaxXAttrValue bounds a real xattr value.
const MaxXAttrValue = 4096

// XAttr flags.
const (
	XAttrCreate = 1 << iota
	XAttrReplace
)

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) GetXAttr(key string) (value []byte, ok bool) {
	for _, x := range d.xattrs {
		if x.Key == key {
			return x.Value, true
		}
	}
	return nil, false
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetXAttr(key string, value []byte, flags int) error {
	if len(value) > MaxXAttrValue {
		return ltfserr.New(ltfserr.LargeXattr, "dentry.SetXAttr")
	}

	for i, x := range d.xattrs {
		if x.Key == key {
			if flags&XAttrCreate != 0 {
				return ltfserr.New(ltfserr.XattrExists, "dentry.SetXAttr")
			}
			cp := make([]byte, len(value))
			copy(cp, value)
			d.xattrs[i].Value = cp
			return nil
		}
	}

	if flags&XAttrReplace != 0 {
		return ltfserr.New(ltfserr.NoXattr, "dentry.SetXAttr")
	}

	cp := make([]byte, len(value))
	copy(cp, value)
	d.xattrs = append(d.xattrs, XAttr{Key: key, Value: cp})
	return nil
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) RemoveXAttr(key string) error {
	for i, x := range d.xattrs {
		if x.Key == key {
			d.xattrs = append(d.xattrs[:i], d.xattrs[i+1:]...)
			return nil
		}
	}
	return ltfserr.New(ltfserr.NoXattr, "dentry.RemoveXAttr")
}

// ListXAttrs returns the attribute keys in insertion order.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) ListXAttrs() (keys []string) {
	for _, x := range d.xattrs {
		keys = append(keys, x.Key)
	}
	return
}

// XAttrs returns the attribute slice for serialization.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) XAttrs() []XAttr {
	return d.xattrs
}

// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) SetXAttrs(xs []XAttr) {
	d.xattrs = xs
}

////////////////////////////////////////////////////////////////////////
// Reference counting
////////////////////////////////////////////////////////////////////////

// Ref takes a reference.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Ref() {
	d.refCount++
}

// Unref drops a reference. It reports whether the dentry became garbage
// (unlinked with no remaining references); the caller owns teardown.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Unref() (destroy bool) {
	if d.refCount == 0 {
		panic("dentry: Unref with zero refcount")
	}

	d.refCount--
	return d.refCount == 0 && d.linkCount == 0
}

// Unlink marks the dentry removed from the tree.
//
// LOCKS_REQUIRED(d.MetaLock)
func (d *Dentry) Unlink() (destroy bool) {
	if d.linkCount == 0 {
		panic("dentry: double unlink")
	}

	d.linkCount--
	return d.refCount == 0 && d.linkCount == 0
}

////////////////////////////////////////////////////////////////////////
// Directory contents
////////////////////////////////////////////////////////////////////////

// LookupChild finds a child by exact name.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) LookupChild(name string) (child *Dentry, ok bool) {
	child, ok = d.children[name]
	return
}

// AddChild inserts child under the given name and records d as its parent.
//
// LOCKS_REQUIRED(d.ContentsLock)
// LOCKS_REQUIRED(child.MetaLock)
func (d *Dentry) AddChild(name string, child *Dentry) error {
	if d.kind != Directory {
		return ltfserr.New(ltfserr.NotADir, "dentry.AddChild")
	}

	if _, ok := d.children[name]; ok {
		return ltfserr.New(ltfserr.Exists, "dentry.AddChild")
	}

	d.children[name] = child
	child.parent = d
	return nil
}

// RemoveChild detaches the named child without touching its link count.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) RemoveChild(name string) error {
	if _, ok := d.children[name]; !ok {
		return ltfserr.New(ltfserr.NoDentry, "dentry.RemoveChild")
	}

	delete(d.children, name)
	return nil
}

// ChildCount reports the number of children.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) ChildCount() int {
	return len(d.children)
}

// Children returns the child map. Callers must not mutate it.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) Children() map[string]*Dentry {
	return d.children
}

////////////////////////////////////////////////////////////////////////
// Symlinks and the root
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) Target() string {
	return d.target
}

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) SetTarget(target string) {
	d.target = target
}

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) VolumeName() string {
	return d.volumeName
}

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) SetVolumeName(name string) {
	d.volumeName = name
}

////////////////////////////////////////////////////////////////////////
// Unknown-tag preservation
////////////////////////////////////////////////////////////////////////

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) UnknownTags() [][]byte {
	return d.unknownTags
}

// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) SetUnknownTags(tags [][]byte) {
	d.unknownTags = tags
}
