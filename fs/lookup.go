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

	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/pathname"
)

// Lookup resolves an absolute path to a referenced dentry. The caller owns
// the balancing Put.
func (v *Volume) Lookup(path string) (d *dentry.Dentry, err error) {
	components, err := pathname.Split(path)
	if err != nil {
		return
	}
	return v.walk(components)
}

// lookupParent resolves everything but the final component, returning the
// referenced parent directory and the validated leaf name.
func (v *Volume) lookupParent(path string) (parent *dentry.Dentry, name string, err error) {
	components, err := pathname.Split(path)
	if err != nil {
		return
	}
	if len(components) == 0 {
		err = ltfserr.New(ltfserr.BadArg, "fs.lookupParent: path is the root")
		return
	}

	name = components[len(components)-1]
	parent, err = v.walk(components[:len(components)-1])
	return
}

// walk descends from the root through the given components, taking each
// directory's ContentsLock in turn, and references the result.
func (v *Volume) walk(components []string) (d *dentry.Dentry, err error) {
	cur := v.root

	for _, name := range components {
		if !cur.IsDir() {
			err = ltfserr.New(ltfserr.NotADir, "fs.walk")
			return
		}

		cur.ContentsLock.RLock()
		child, ok := cur.LookupChild(name)
		cur.ContentsLock.RUnlock()

		if !ok {
			err = ltfserr.New(ltfserr.NoDentry, "fs.walk")
			return
		}
		cur = child
	}

	cur.MetaLock.Lock()
	cur.Ref()
	cur.MetaLock.Unlock()

	d = cur
	return
}

// Ref takes an additional reference on a dentry already held.
func (v *Volume) Ref(d *dentry.Dentry) {
	d.MetaLock.Lock()
	d.Ref()
	d.MetaLock.Unlock()
}

// Put drops a reference taken by Lookup or a create operation, tearing the
// dentry down if it became garbage.
func (v *Volume) Put(d *dentry.Dentry) {
	d.MetaLock.Lock()
	destroy := d.Unref()
	d.MetaLock.Unlock()

	if destroy {
		v.destroy(d)
	}
}

// destroy releases resources of an unlinked, unreferenced dentry.
func (v *Volume) destroy(d *dentry.Dentry) {
	if d.Kind() == dentry.RegularFile {
		// Dropping scheduler state discards unflushed bytes; on-tape extents
		// become orphaned space, reclaimed only by reformat.
		_ = v.sched.Close(context.Background(), d, false)
	}
}
