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

package xmlindex

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/label"
)

// Write streams the index document to w. The caller must have quiesced the
// tree (the sync engine holds the volume write lock while snapshotting), so
// dentry fields are read without per-dentry locks.
func Write(w io.Writer, idx *Index, pm label.PartitionMap) (st Status, err error) {
	e := &emitter{w: w, pm: pm}

	e.raw(xml.Header)
	e.raw(fmt.Sprintf("<ltfsindex version=%q>\n", IndexVersion))

	e.textElem(1, "creator", idx.Creator)
	if idx.Comment != "" {
		e.textElem(1, "comment", idx.Comment)
	}
	e.textElem(1, "volumeuuid", idx.VolumeUUID)
	e.textElem(1, "generationnumber", strconv.FormatUint(idx.Generation, 10))
	e.timeElem(1, "updatetime", idx.UpdateTime, &st)

	e.pointerElem(1, "location", idx.SelfPointer)
	if idx.PrevPointer != nil {
		e.pointerElem(1, "previousgenerationlocation", *idx.PrevPointer)
	}

	e.textElem(1, "allowpolicyupdate", formatBool(idx.AllowPolicyUpdate))

	if idx.Criteria.Have {
		e.open(1, "dataplacementpolicy")
		e.open(2, "indexpartitioncriteria")
		e.textElem(3, "size", strconv.FormatUint(idx.Criteria.MaxFilesize, 10))
		for _, pat := range idx.Criteria.Patterns {
			e.textElem(3, "name", pat)
		}
		e.close(2, "indexpartitioncriteria")
		e.close(1, "dataplacementpolicy")
	}

	e.textElem(1, "highestfileuid", strconv.FormatUint(idx.HighestUID, 10))

	e.directory(1, idx.Root, true, &st)

	for _, raw := range idx.UnknownTags {
		e.rawChunk(1, raw)
	}

	e.raw("</ltfsindex>\n")
	err = e.err
	return
}

// Marshal renders the index document into memory.
func Marshal(idx *Index, pm label.PartitionMap) (data []byte, st Status, err error) {
	var buf bytes.Buffer
	st, err = Write(&buf, idx, pm)
	data = buf.Bytes()
	return
}

////////////////////////////////////////////////////////////////////////
// Emitter
////////////////////////////////////////////////////////////////////////

type emitter struct {
	w   io.Writer
	pm  label.PartitionMap
	err error
}

const indentUnit = "    "

func (e *emitter) raw(s string) {
	if e.err != nil {
		return
	}
	_, e.err = io.WriteString(e.w, s)
}

func (e *emitter) rawBytes(b []byte) {
	if e.err != nil {
		return
	}
	_, e.err = e.w.Write(b)
}

func (e *emitter) indent(depth int) {
	for i := 0; i < depth; i++ {
		e.raw(indentUnit)
	}
}

func (e *emitter) open(depth int, tag string) {
	e.indent(depth)
	e.raw("<" + tag + ">\n")
}

func (e *emitter) close(depth int, tag string) {
	e.indent(depth)
	e.raw("</" + tag + ">\n")
}

func (e *emitter) textElem(depth int, tag, value string) {
	e.indent(depth)
	e.raw("<" + tag + ">")
	e.escaped(value)
	e.raw("</" + tag + ">\n")
}

func (e *emitter) escaped(value string) {
	if e.err != nil {
		return
	}
	var buf bytes.Buffer
	if err := xml.EscapeText(&buf, []byte(value)); err != nil {
		e.err = err
		return
	}
	e.rawBytes(buf.Bytes())
}

func (e *emitter) timeElem(depth int, tag string, t time.Time, st *Status) {
	s, clamped := formatTime(t)
	if clamped {
		st.TimeClamped = true
	}
	e.textElem(depth, tag, s)
}

func (e *emitter) pointerElem(depth int, tag string, p Pointer) {
	e.open(depth, tag)
	e.textElem(depth+1, "partition", string(p.Partition))
	e.textElem(depth+1, "startblock", strconv.FormatUint(p.Block, 10))
	e.close(depth, tag)
}

// rawChunk re-emits a preserved unknown element verbatim, on its own line.
func (e *emitter) rawChunk(depth int, raw []byte) {
	e.indent(depth)
	e.rawBytes(bytes.TrimSpace(raw))
	e.raw("\n")
}

////////////////////////////////////////////////////////////////////////
// Dentries
////////////////////////////////////////////////////////////////////////

func (e *emitter) directory(depth int, d *dentry.Dentry, isRoot bool, st *Status) {
	e.open(depth, "directory")

	name := d.Name()
	if isRoot {
		name = d.VolumeName()
	}
	e.textElem(depth+1, "name", name)

	e.commonMeta(depth+1, d, st)
	e.xattrs(depth+1, d)

	// Children sorted by UID for deterministic output.
	children := make([]*dentry.Dentry, 0, d.ChildCount())
	for _, c := range d.Children() {
		children = append(children, c)
	}
	sort.Slice(children, func(i, j int) bool {
		return children[i].UID() < children[j].UID()
	})

	e.open(depth+1, "contents")
	for _, c := range children {
		if c.Kind() == dentry.Directory {
			e.directory(depth+2, c, false, st)
		} else {
			e.file(depth+2, c, st)
		}
	}
	e.close(depth+1, "contents")

	for _, raw := range d.UnknownTags() {
		e.rawChunk(depth+1, raw)
	}

	e.close(depth, "directory")
}

func (e *emitter) file(depth int, d *dentry.Dentry, st *Status) {
	e.open(depth, "file")
	e.textElem(depth+1, "name", d.Name())
	e.textElem(depth+1, "length", strconv.FormatUint(d.Size(), 10))
	e.commonMeta(depth+1, d, st)
	e.xattrs(depth+1, d)

	if d.Kind() == dentry.Symlink {
		e.textElem(depth+1, "symlink", d.Target())
	} else if extents := d.Extents(); len(extents) > 0 {
		e.open(depth+1, "extentinfo")
		for _, ext := range extents {
			e.open(depth+2, "extent")
			e.textElem(depth+3, "fileoffset", strconv.FormatUint(ext.FileOffset, 10))
			e.textElem(depth+3, "partition", string(e.pm.LetterOf(ext.Start.Partition)))
			e.textElem(depth+3, "startblock", strconv.FormatUint(ext.Start.Block, 10))
			e.textElem(depth+3, "byteoffset", strconv.FormatUint(uint64(ext.ByteOffset), 10))
			e.textElem(depth+3, "bytecount", strconv.FormatUint(ext.ByteCount, 10))
			e.close(depth+2, "extent")
		}
		e.close(depth+1, "extentinfo")
	}

	for _, raw := range d.UnknownTags() {
		e.rawChunk(depth+1, raw)
	}

	e.close(depth, "file")
}

// commonMeta emits readonly, the five timestamps and the file UID.
func (e *emitter) commonMeta(depth int, d *dentry.Dentry, st *Status) {
	e.textElem(depth, "readonly", formatBool(d.ReadOnly()))

	t := d.Times()
	e.timeElem(depth, "creationtime", t.Creation, st)
	e.timeElem(depth, "changetime", t.Change, st)
	e.timeElem(depth, "modifytime", t.Modify, st)
	e.timeElem(depth, "accesstime", t.Access, st)
	e.timeElem(depth, "backuptime", t.Backup, st)
	e.textElem(depth, "fileuid", strconv.FormatUint(d.UID(), 10))
}

func (e *emitter) xattrs(depth int, d *dentry.Dentry) {
	xs := d.XAttrs()
	if len(xs) == 0 {
		return
	}

	e.open(depth, "extendedattributes")
	for _, x := range xs {
		e.open(depth+1, "xattr")
		e.textElem(depth+2, "key", x.Key)

		if xmlSafe(x.Value) {
			e.textElem(depth+2, "value", string(x.Value))
		} else {
			e.indent(depth + 2)
			e.raw(`<value type="base64">`)
			e.raw(base64.StdEncoding.EncodeToString(x.Value))
			e.raw("</value>\n")
		}

		e.close(depth+1, "xattr")
	}
	e.close(depth, "extendedattributes")
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func formatBool(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// xmlSafe reports whether value can be emitted literally inside an XML text
// node: valid UTF-8 with no code points XML 1.0 forbids.
func xmlSafe(value []byte) bool {
	if !utf8.Valid(value) {
		return false
	}

	for _, r := range string(value) {
		switch {
		case r == '\t' || r == '\n' || r == '\r':
		case r < 0x20:
			return false
		case r == 0xFFFE || r == 0xFFFF:
			return false
		}
	}
	return true
}
