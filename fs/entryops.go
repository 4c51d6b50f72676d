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
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/pathname"
)

// Dentry-level namespace operations. The path-based operations in ops.go
// and the FUSE binding both come through here.

// LookupChild resolves one name under parent and references the result.
func (v *Volume) LookupChild(parent *dentry.Dentry, name string) (d *dentry.Dentry, err error) {
	name, err = pathname.ValidateName(name)
	if err != nil {
		return
	}

	if !parent.IsDir() {
		err = ltfserr.New(ltfserr.NotADir, "fs.LookupChild")
		return
	}

	parent.ContentsLock.RLock()
	child, ok := parent.LookupChild(name)
	parent.ContentsLock.RUnlock()

	if !ok {
		err = ltfserr.New(ltfserr.NoDentry, "fs.LookupChild")
		return
	}

	child.MetaLock.Lock()
	child.Ref()
	child.MetaLock.Unlock()

	d = child
	return
}

// CreateChild makes a new dentry under parent and returns it referenced.
func (v *Volume) CreateChild(
	parent *dentry.Dentry,
	name string,
	kind dentry.Kind,
	target string) (d *dentry.Dentry, err error) {
	if v.ReadOnly() {
		err = ltfserr.New(ltfserr.ReadOnlyVolume, "fs.CreateChild")
		return
	}

	name, err = pathname.ValidateName(name)
	if err != nil {
		return
	}

	if !parent.IsDir() {
		err = ltfserr.New(ltfserr.NotADir, "fs.CreateChild")
		return
	}

	now := v.clock.Now()
	d = dentry.New(kind, v.allocUID(), name, now)
	if kind == dentry.Symlink {
		d.SetTarget(target)
	}

	parent.ContentsLock.Lock()
	parent.MetaLock.Lock()
	d.MetaLock.Lock()

	if err = parent.AddChild(name, d); err == nil {
		d.Ref()
		parent.Touch(true, false, true, now)
	}

	d.MetaLock.Unlock()
	parent.MetaLock.Unlock()
	parent.ContentsLock.Unlock()

	if err != nil {
		d = nil
		return
	}

	v.markDirty()
	return
}

// UnlinkChild removes the named child. wantDir selects rmdir semantics
// (must be an empty directory) versus unlink (must not be a directory).
func (v *Volume) UnlinkChild(parent *dentry.Dentry, name string, wantDir bool) (err error) {
	if v.ReadOnly() {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.UnlinkChild")
	}

	name, err = pathname.ValidateName(name)
	if err != nil {
		return
	}

	now := v.clock.Now()
	var destroy bool
	var victim *dentry.Dentry

	parent.ContentsLock.Lock()

	child, ok := parent.LookupChild(name)
	if !ok {
		parent.ContentsLock.Unlock()
		return ltfserr.New(ltfserr.NoDentry, "fs.UnlinkChild")
	}

	if wantDir {
		if !child.IsDir() {
			parent.ContentsLock.Unlock()
			return ltfserr.New(ltfserr.NotADir, "fs.UnlinkChild")
		}

		child.ContentsLock.RLock()
		empty := child.ChildCount() == 0
		child.ContentsLock.RUnlock()
		if !empty {
			parent.ContentsLock.Unlock()
			return ltfserr.New(ltfserr.NotEmpty, "fs.UnlinkChild")
		}
	} else if child.IsDir() {
		parent.ContentsLock.Unlock()
		return ltfserr.New(ltfserr.IsADir, "fs.UnlinkChild")
	}

	_ = parent.RemoveChild(name)

	parent.MetaLock.Lock()
	child.MetaLock.Lock()

	parent.Touch(true, false, true, now)
	destroy = child.Unlink()
	victim = child

	child.MetaLock.Unlock()
	parent.MetaLock.Unlock()
	parent.ContentsLock.Unlock()

	if destroy {
		v.destroy(victim)
	}

	v.markDirty()
	return nil
}
