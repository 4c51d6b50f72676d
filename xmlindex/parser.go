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
	"strconv"
	"strings"
	"time"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/google/uuid"
)

// Parse decodes one index document. Unknown elements at the index, directory
// and file scopes are captured verbatim and reattached so a later Write
// reproduces them.
//
// The returned tree is fresh and unshared; the caller wires it into a
// volume.
func Parse(data []byte, pm label.PartitionMap) (idx *Index, st Status, err error) {
	p := &parser{
		data: data,
		dec:  xml.NewDecoder(bytes.NewReader(data)),
		pm:   pm,
	}

	idx, err = p.document(&st)
	if err != nil {
		idx = nil
		err = ltfserr.Wrap(ltfserr.BadIndex, "xmlindex.Parse", err)
	}
	return
}

type parser struct {
	data []byte
	dec  *xml.Decoder
	pm   label.PartitionMap

	// Offset of the byte that starts the most recently returned token.
	lastStart int64
}

func (p *parser) token() (xml.Token, error) {
	p.lastStart = p.dec.InputOffset()
	return p.dec.Token()
}

// capture consumes the element whose StartElement was just returned and
// yields its raw bytes, start tag through end tag.
func (p *parser) capture() ([]byte, error) {
	start := p.lastStart
	if err := p.dec.Skip(); err != nil {
		return nil, err
	}
	end := p.dec.InputOffset()

	raw := make([]byte, end-start)
	copy(raw, p.data[start:end])
	return raw, nil
}

// text consumes character data up to the element's end tag.
func (p *parser) text() (s string, err error) {
	var buf strings.Builder
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.EndElement:
			s = buf.String()
			return
		case xml.StartElement:
			err = ltfserr.Errorf(
				ltfserr.BadIndex,
				"xmlindex.text",
				"unexpected element <%s> in text content", t.Name.Local)
			return
		}
	}
}

func (p *parser) textU64() (v uint64, err error) {
	s, err := p.text()
	if err != nil {
		return
	}
	return strconv.ParseUint(strings.TrimSpace(s), 10, 64)
}

func (p *parser) textBool() (v bool, err error) {
	s, err := p.text()
	if err != nil {
		return
	}
	switch strings.TrimSpace(s) {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, ltfserr.Errorf(
			ltfserr.BadIndex, "xmlindex.textBool", "bad boolean %q", s)
	}
}

func (p *parser) textTime(st *Status) (t time.Time, err error) {
	s, err := p.text()
	if err != nil {
		return
	}

	t, clamped, err := parseTime(strings.TrimSpace(s))
	if clamped {
		st.TimeClamped = true
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Document structure
////////////////////////////////////////////////////////////////////////

func (p *parser) document(st *Status) (idx *Index, err error) {
	// Find the root element.
	var root xml.StartElement
	for {
		tok, terr := p.token()
		if terr != nil {
			return nil, terr
		}
		if se, ok := tok.(xml.StartElement); ok {
			root = se
			break
		}
	}

	if root.Name.Local != "ltfsindex" {
		return nil, ltfserr.Errorf(
			ltfserr.BadIndex,
			"xmlindex.Parse",
			"root element is <%s>, want <ltfsindex>", root.Name.Local)
	}

	var version string
	for _, a := range root.Attr {
		if a.Name.Local == "version" {
			version = a.Value
		}
	}
	if err = checkVersion(version); err != nil {
		return
	}

	idx = &Index{}

	for {
		tok, terr := p.token()
		if terr != nil {
			return nil, terr
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return p.finish(idx)

		case xml.StartElement:
			if err = p.indexChild(idx, t, st); err != nil {
				return nil, err
			}
		}
	}
}

func (p *parser) indexChild(idx *Index, se xml.StartElement, st *Status) (err error) {
	switch se.Name.Local {
	case "creator":
		idx.Creator, err = p.text()

	case "comment":
		idx.Comment, err = p.text()

	case "volumeuuid":
		idx.VolumeUUID, err = p.text()
		idx.VolumeUUID = strings.TrimSpace(idx.VolumeUUID)

	case "generationnumber":
		idx.Generation, err = p.textU64()

	case "updatetime":
		idx.UpdateTime, err = p.textTime(st)

	case "location":
		idx.SelfPointer, err = p.pointer()

	case "previousgenerationlocation":
		var ptr Pointer
		ptr, err = p.pointer()
		if err == nil {
			idx.PrevPointer = &ptr
		}

	case "allowpolicyupdate":
		idx.AllowPolicyUpdate, err = p.textBool()

	case "dataplacementpolicy":
		err = p.placementPolicy(idx)

	case "highestfileuid":
		idx.HighestUID, err = p.textU64()

	case "directory":
		idx.Root, err = p.directory(st, true)

	default:
		var raw []byte
		raw, err = p.capture()
		if err == nil {
			idx.UnknownTags = append(idx.UnknownTags, raw)
		}
	}
	return
}

func (p *parser) finish(idx *Index) (*Index, error) {
	if idx.Root == nil {
		return nil, ltfserr.New(ltfserr.BadIndex, "xmlindex.Parse: no root directory")
	}

	if _, err := uuid.Parse(idx.VolumeUUID); err != nil {
		return nil, ltfserr.Errorf(
			ltfserr.BadIndex, "xmlindex.Parse", "bad volumeuuid %q", idx.VolumeUUID)
	}

	if idx.Generation == 0 {
		return nil, ltfserr.New(ltfserr.BadIndex, "xmlindex.Parse: zero generation")
	}

	return idx, nil
}

func (p *parser) pointer() (ptr Pointer, err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			if ptr.Partition == 0 {
				err = ltfserr.New(ltfserr.BadIndex, "xmlindex.pointer: missing partition")
			}
			return

		case xml.StartElement:
			switch t.Name.Local {
			case "partition":
				var s string
				if s, err = p.text(); err != nil {
					return
				}
				s = strings.TrimSpace(s)
				if len(s) != 1 {
					err = ltfserr.Errorf(
						ltfserr.BadIndex, "xmlindex.pointer", "bad partition %q", s)
					return
				}
				ptr.Partition = s[0]

			case "startblock":
				if ptr.Block, err = p.textU64(); err != nil {
					return
				}

			default:
				if err = p.dec.Skip(); err != nil {
					return
				}
			}
		}
	}
}

func (p *parser) placementPolicy(idx *Index) (err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			if t.Name.Local != "indexpartitioncriteria" {
				if err = p.dec.Skip(); err != nil {
					return
				}
				continue
			}

			if err = p.criteria(&idx.Criteria); err != nil {
				return
			}
		}
	}
}

func (p *parser) criteria(c *Criteria) (err error) {
	c.Have = true
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			switch t.Name.Local {
			case "size":
				if c.MaxFilesize, err = p.textU64(); err != nil {
					return
				}

			case "name":
				var pat string
				if pat, err = p.text(); err != nil {
					return
				}
				c.Patterns = append(c.Patterns, pat)

			default:
				if err = p.dec.Skip(); err != nil {
					return
				}
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Dentries
////////////////////////////////////////////////////////////////////////

// dentryFields accumulates element values until the dentry can be built.
type dentryFields struct {
	name     string
	readOnly bool
	times    dentry.Times
	uid      uint64
	length   uint64
	xattrs   []dentry.XAttr
	unknown  [][]byte

	symlinkTarget string
	haveSymlink   bool
	extents       []dentry.Extent

	children []*dentry.Dentry
}

func (p *parser) directory(st *Status, isRoot bool) (d *dentry.Dentry, err error) {
	var f dentryFields

	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return p.buildDirectory(&f, isRoot)

		case xml.StartElement:
			if err = p.directoryChild(&f, t, st); err != nil {
				return
			}
		}
	}
}

func (p *parser) directoryChild(f *dentryFields, se xml.StartElement, st *Status) (err error) {
	switch se.Name.Local {
	case "contents":
		err = p.contents(f, st)

	default:
		err = p.commonChild(f, se, st)
	}
	return
}

func (p *parser) contents(f *dentryFields, st *Status) (err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			var child *dentry.Dentry
			switch t.Name.Local {
			case "directory":
				child, err = p.directory(st, false)
			case "file":
				child, err = p.file(st)
			default:
				err = p.dec.Skip()
				continue
			}
			if err != nil {
				return
			}
			f.children = append(f.children, child)
		}
	}
}

func (p *parser) file(st *Status) (d *dentry.Dentry, err error) {
	var f dentryFields

	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return p.buildFile(&f)

		case xml.StartElement:
			switch t.Name.Local {
			case "length":
				if f.length, err = p.textU64(); err != nil {
					return
				}

			case "symlink":
				if f.symlinkTarget, err = p.text(); err != nil {
					return
				}
				f.haveSymlink = true

			case "extentinfo":
				if err = p.extentInfo(&f); err != nil {
					return
				}

			default:
				if err = p.commonChild(&f, t, st); err != nil {
					return
				}
			}
		}
	}
}

// commonChild handles the elements shared by directories and files. Anything
// unrecognized is captured raw.
func (p *parser) commonChild(f *dentryFields, se xml.StartElement, st *Status) (err error) {
	switch se.Name.Local {
	case "name":
		f.name, err = p.text()

	case "readonly":
		f.readOnly, err = p.textBool()

	case "creationtime":
		f.times.Creation, err = p.textTime(st)

	case "changetime":
		f.times.Change, err = p.textTime(st)

	case "modifytime":
		f.times.Modify, err = p.textTime(st)

	case "accesstime":
		f.times.Access, err = p.textTime(st)

	case "backuptime":
		f.times.Backup, err = p.textTime(st)

	case "fileuid":
		f.uid, err = p.textU64()

	case "extendedattributes":
		err = p.extendedAttributes(f)

	default:
		var raw []byte
		raw, err = p.capture()
		if err == nil {
			f.unknown = append(f.unknown, raw)
		}
	}
	return
}

func (p *parser) extendedAttributes(f *dentryFields) (err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			if t.Name.Local != "xattr" {
				if err = p.dec.Skip(); err != nil {
					return
				}
				continue
			}

			var x dentry.XAttr
			if x, err = p.xattr(); err != nil {
				return
			}
			f.xattrs = append(f.xattrs, x)
		}
	}
}

func (p *parser) xattr() (x dentry.XAttr, err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			switch t.Name.Local {
			case "key":
				if x.Key, err = p.text(); err != nil {
					return
				}

			case "value":
				var b64 bool
				for _, a := range t.Attr {
					if a.Name.Local == "type" && a.Value == "base64" {
						b64 = true
					}
				}

				var s string
				if s, err = p.text(); err != nil {
					return
				}

				if b64 {
					x.Value, err = base64.StdEncoding.DecodeString(strings.TrimSpace(s))
					if err != nil {
						return
					}
				} else {
					x.Value = []byte(s)
				}

			default:
				if err = p.dec.Skip(); err != nil {
					return
				}
			}
		}
	}
}

func (p *parser) extentInfo(f *dentryFields) (err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			if t.Name.Local != "extent" {
				if err = p.dec.Skip(); err != nil {
					return
				}
				continue
			}

			var e dentry.Extent
			if e, err = p.extent(); err != nil {
				return
			}
			f.extents = append(f.extents, e)
		}
	}
}

func (p *parser) extent() (e dentry.Extent, err error) {
	for {
		var tok xml.Token
		tok, err = p.token()
		if err != nil {
			return
		}

		switch t := tok.(type) {
		case xml.EndElement:
			return

		case xml.StartElement:
			switch t.Name.Local {
			case "fileoffset":
				e.FileOffset, err = p.textU64()

			case "partition":
				var s string
				if s, err = p.text(); err != nil {
					return
				}
				s = strings.TrimSpace(s)
				if len(s) != 1 {
					err = ltfserr.Errorf(
						ltfserr.BadIndex, "xmlindex.extent", "bad partition %q", s)
					return
				}
				var id drive.PartitionID
				if id, err = p.pm.IDOf(s[0]); err != nil {
					return
				}
				e.Start.Partition = id

			case "startblock":
				e.Start.Block, err = p.textU64()

			case "byteoffset":
				var v uint64
				if v, err = p.textU64(); err != nil {
					return
				}
				e.ByteOffset = uint32(v)

			case "bytecount":
				e.ByteCount, err = p.textU64()

			default:
				err = p.dec.Skip()
			}
			if err != nil {
				return
			}
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Builders
////////////////////////////////////////////////////////////////////////

func (p *parser) buildDirectory(f *dentryFields, isRoot bool) (d *dentry.Dentry, err error) {
	if f.uid == 0 {
		return nil, ltfserr.New(ltfserr.BadIndex, "xmlindex: directory without fileuid")
	}

	name := f.name
	if isRoot {
		// The root's <name> holds the volume name.
		name = ""
	}

	d = dentry.New(dentry.Directory, f.uid, name, f.times.Creation)
	d.SetTimes(f.times)
	d.SetReadOnly(f.readOnly)
	d.SetXAttrs(f.xattrs)
	d.SetUnknownTags(f.unknown)
	if isRoot {
		d.SetVolumeName(f.name)
	}

	for _, c := range f.children {
		if err = d.AddChild(c.Name(), c); err != nil {
			return nil, err
		}
	}
	return
}

func (p *parser) buildFile(f *dentryFields) (d *dentry.Dentry, err error) {
	if f.uid == 0 {
		return nil, ltfserr.New(ltfserr.BadIndex, "xmlindex: file without fileuid")
	}

	kind := dentry.RegularFile
	if f.haveSymlink {
		kind = dentry.Symlink
	}

	d = dentry.New(kind, f.uid, f.name, f.times.Creation)
	d.SetTimes(f.times)
	d.SetReadOnly(f.readOnly)
	d.SetXAttrs(f.xattrs)
	d.SetUnknownTags(f.unknown)

	if f.haveSymlink {
		d.SetTarget(f.symlinkTarget)
		return
	}

	realsize := d.SetExtents(f.extents)
	size := f.length
	if realsize > size {
		return nil, ltfserr.Errorf(
			ltfserr.BadIndex,
			"xmlindex.buildFile",
			"extents extend to %d past length %d for %q", realsize, size, f.name)
	}
	d.SetSizes(size, realsize)
	return
}

func checkVersion(version string) error {
	parts := strings.Split(version, ".")
	if len(parts) != 3 {
		return ltfserr.Errorf(
			ltfserr.BadIndex, "xmlindex.Parse", "bad schema version %q", version)
	}

	major, err := strconv.Atoi(parts[0])
	if err != nil || major != 2 {
		return ltfserr.Errorf(
			ltfserr.BadIndex, "xmlindex.Parse", "unsupported schema version %q", version)
	}
	return nil
}
