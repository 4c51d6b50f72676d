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
	"strings"
	"testing"
	"time"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testUUID = "11111111-2222-3333-4444-555555555555"

var (
	pm = label.DefaultPartitionMap()
	t0 = time.Date(2024, 5, 1, 12, 0, 0, 500, time.UTC)
)

// buildIndex assembles a small tree: root containing a subdirectory, a file
// with two extents and an xattr, and a symlink.
func buildIndex() *Index {
	root := dentry.NewRoot(t0)
	root.SetVolumeName("ARCHIVE01")

	sub := dentry.New(dentry.Directory, 2, "media", t0.Add(time.Minute))

	file := dentry.New(dentry.RegularFile, 3, "clip.dv", t0.Add(2*time.Minute))
	_ = file.SetXAttr("checksum", []byte("abc123"), 0)
	file.SetExtents([]dentry.Extent{
		{
			Start:      drive.Position{Partition: pm.DataID, Block: 10},
			ByteOffset: 0,
			ByteCount:  524288,
			FileOffset: 0,
		},
		{
			Start:      drive.Position{Partition: pm.DataID, Block: 11},
			ByteOffset: 100,
			ByteCount:  1000,
			FileOffset: 524288,
		},
	})
	file.SetSizes(525288, 525288)

	link := dentry.New(dentry.Symlink, 4, "latest", t0.Add(3*time.Minute))
	link.SetTarget("media/clip.dv")

	_ = root.AddChild("media", sub)
	_ = root.AddChild("clip.dv", file)
	_ = root.AddChild("latest", link)

	return &Index{
		Creator:           label.Creator,
		VolumeUUID:        testUUID,
		Generation:        7,
		UpdateTime:        t0.Add(4 * time.Minute),
		SelfPointer:       Pointer{Partition: 'a', Block: 99},
		PrevPointer:       &Pointer{Partition: 'b', Block: 55},
		AllowPolicyUpdate: true,
		Criteria: Criteria{
			Have:        true,
			MaxFilesize: 1048576,
			Patterns:    []string{"*.meta", "*.xml"},
		},
		HighestUID: 4,
		Root:       root,
	}
}

func marshalOK(t *testing.T, idx *Index) []byte {
	t.Helper()
	data, st, err := Marshal(idx, pm)
	require.NoError(t, err)
	assert.False(t, st.TimeClamped)
	return data
}

func TestRoundTrip(t *testing.T) {
	in := buildIndex()
	data := marshalOK(t, in)

	out, st, err := Parse(data, pm)
	require.NoError(t, err)
	assert.False(t, st.TimeClamped)

	assert.Equal(t, in.Creator, out.Creator)
	assert.Equal(t, testUUID, out.VolumeUUID)
	assert.Equal(t, uint64(7), out.Generation)
	assert.True(t, out.UpdateTime.Equal(in.UpdateTime))
	assert.Equal(t, in.SelfPointer, out.SelfPointer)
	require.NotNil(t, out.PrevPointer)
	assert.Equal(t, *in.PrevPointer, *out.PrevPointer)
	assert.True(t, out.AllowPolicyUpdate)
	assert.Equal(t, in.Criteria, out.Criteria)
	assert.Equal(t, uint64(4), out.HighestUID)

	// Root carries the volume name, not a path name.
	assert.Equal(t, "", out.Root.Name())
	assert.Equal(t, "ARCHIVE01", out.Root.VolumeName())
	assert.Equal(t, 3, out.Root.ChildCount())

	file, ok := out.Root.LookupChild("clip.dv")
	require.True(t, ok)
	assert.Equal(t, dentry.RegularFile, file.Kind())
	assert.Equal(t, uint64(3), file.UID())
	assert.Equal(t, uint64(525288), file.Size())
	assert.Equal(t, uint64(525288), file.RealSize())

	inFile, _ := in.Root.LookupChild("clip.dv")
	if diff := cmp.Diff(inFile.Extents(), file.Extents()); diff != "" {
		t.Errorf("extent mismatch (-want +got):\n%s", diff)
	}

	v, ok := file.GetXAttr("checksum")
	require.True(t, ok)
	assert.Equal(t, "abc123", string(v))

	link, ok := out.Root.LookupChild("latest")
	require.True(t, ok)
	assert.Equal(t, dentry.Symlink, link.Kind())
	assert.Equal(t, "media/clip.dv", link.Target())

	times := file.Times()
	assert.True(t, times.Creation.Equal(t0.Add(2*time.Minute)))
}

func TestChildrenSortedByUID(t *testing.T) {
	data := marshalOK(t, buildIndex())

	// UIDs 2, 3, 4 were assigned to media, clip.dv, latest in that order.
	s := string(data)
	iMedia := strings.Index(s, "<name>media</name>")
	iClip := strings.Index(s, "<name>clip.dv</name>")
	iLatest := strings.Index(s, "<name>latest</name>")

	require.True(t, iMedia > 0 && iClip > 0 && iLatest > 0)
	assert.Less(t, iMedia, iClip)
	assert.Less(t, iClip, iLatest)
}

func TestDeterministicOutput(t *testing.T) {
	idx := buildIndex()

	a := marshalOK(t, idx)
	b := marshalOK(t, idx)
	assert.True(t, bytes.Equal(a, b))
}

func TestExtentFieldOrder(t *testing.T) {
	data := marshalOK(t, buildIndex())
	s := string(data)

	i := strings.Index(s, "<extent>")
	require.Greater(t, i, 0)
	section := s[i:strings.Index(s, "</extent>")]

	order := []string{"<fileoffset>", "<partition>", "<startblock>", "<byteoffset>", "<bytecount>"}
	last := -1
	for _, tag := range order {
		j := strings.Index(section, tag)
		require.Greater(t, j, last, "tag %s out of order", tag)
		last = j
	}
}

func TestBinaryXattrUsesBase64(t *testing.T) {
	idx := buildIndex()
	file, _ := idx.Root.LookupChild("clip.dv")
	require.NoError(t, file.SetXAttr("blob", []byte{0x00, 0x01, 0xff}, 0))

	data := marshalOK(t, idx)
	assert.Contains(t, string(data), `<value type="base64">`)

	out, _, err := Parse(data, pm)
	require.NoError(t, err)

	parsed, _ := out.Root.LookupChild("clip.dv")
	v, ok := parsed.GetXAttr("blob")
	require.True(t, ok)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, v)
}

func TestEmptyXattrValue(t *testing.T) {
	idx := buildIndex()
	file, _ := idx.Root.LookupChild("clip.dv")
	require.NoError(t, file.SetXAttr("empty", nil, 0))

	data := marshalOK(t, idx)
	assert.Contains(t, string(data), "<value></value>")

	out, _, err := Parse(data, pm)
	require.NoError(t, err)

	parsed, _ := out.Root.LookupChild("clip.dv")
	v, ok := parsed.GetXAttr("empty")
	require.True(t, ok)
	assert.Empty(t, v)
}

func TestTimeClampReported(t *testing.T) {
	idx := buildIndex()
	idx.UpdateTime = time.Date(12000, 1, 1, 0, 0, 0, 0, time.UTC)

	_, st, err := Marshal(idx, pm)
	require.NoError(t, err)
	assert.True(t, st.TimeClamped)
}

func TestParseClampsOutOfRangeTime(t *testing.T) {
	data := marshalOK(t, buildIndex())
	mutated := strings.Replace(
		string(data),
		"<updatetime>2024-05-01T12:04:00.000000500Z</updatetime>",
		"<updatetime>10000-01-01T00:00:00.000000000Z</updatetime>",
		1)
	require.NotEqual(t, string(data), mutated)

	out, st, err := Parse([]byte(mutated), pm)
	require.NoError(t, err)
	assert.True(t, st.TimeClamped)
	assert.Equal(
		t,
		time.Date(9999, 12, 31, 23, 59, 59, 999999999, time.UTC),
		out.UpdateTime)
}

func TestUnknownTagPreservedUnderDirectory(t *testing.T) {
	data := marshalOK(t, buildIndex())

	const alien = "<futurefeature><knob>3</knob></futurefeature>"
	mutated := strings.Replace(
		string(data),
		"<name>media</name>",
		"<name>media</name>\n"+alien,
		1)
	require.NotEqual(t, string(data), mutated)

	out, _, err := Parse([]byte(mutated), pm)
	require.NoError(t, err)

	sub, ok := out.Root.LookupChild("media")
	require.True(t, ok)
	require.Len(t, sub.UnknownTags(), 1)
	assert.Equal(t, alien, string(bytes.TrimSpace(sub.UnknownTags()[0])))

	// Re-serialization reproduces the alien element bit for bit.
	again, _, err := Marshal(out, pm)
	require.NoError(t, err)
	assert.Contains(t, string(again), alien)

	// And it survives a second round trip at the same place.
	out2, _, err := Parse(again, pm)
	require.NoError(t, err)
	sub2, _ := out2.Root.LookupChild("media")
	require.Len(t, sub2.UnknownTags(), 1)
	assert.Equal(t, alien, string(bytes.TrimSpace(sub2.UnknownTags()[0])))
}

func TestUnknownTagPreservedAtTopLevel(t *testing.T) {
	data := marshalOK(t, buildIndex())

	const alien = "<volumelockstate>unlocked</volumelockstate>"
	mutated := strings.Replace(
		string(data),
		"<highestfileuid>4</highestfileuid>",
		"<highestfileuid>4</highestfileuid>\n"+alien,
		1)
	require.NotEqual(t, string(data), mutated)

	out, _, err := Parse([]byte(mutated), pm)
	require.NoError(t, err)
	require.Len(t, out.UnknownTags, 1)
	assert.Equal(t, alien, string(bytes.TrimSpace(out.UnknownTags[0])))

	again, _, err := Marshal(out, pm)
	require.NoError(t, err)
	assert.Contains(t, string(again), alien)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"wrong root":    `<?xml version="1.0"?><notanindex version="2.2.0"></notanindex>`,
		"bad version":   `<?xml version="1.0"?><ltfsindex version="9.0.0"></ltfsindex>`,
		"no directory":  `<?xml version="1.0"?><ltfsindex version="2.2.0"><volumeuuid>` + testUUID + `</volumeuuid><generationnumber>1</generationnumber></ltfsindex>`,
		"not xml":       "binary garbage \x00\x01",
	}

	for name, doc := range cases {
		_, _, err := Parse([]byte(doc), pm)
		assert.True(t, ltfserr.IsKind(err, ltfserr.BadIndex), "case %q: %v", name, err)
	}
}

func TestExtentsPastLengthRejected(t *testing.T) {
	data := marshalOK(t, buildIndex())
	mutated := strings.Replace(
		string(data), "<length>525288</length>", "<length>10</length>", 1)
	require.NotEqual(t, string(data), mutated)

	_, _, err := Parse([]byte(mutated), pm)
	assert.True(t, ltfserr.IsKind(err, ltfserr.BadIndex))
}

func TestSparseFileHasNoExtentInfo(t *testing.T) {
	idx := buildIndex()
	sparse := dentry.New(dentry.RegularFile, 5, "sparse.bin", t0)
	sparse.SetSizes(1<<30, 0)
	_ = idx.Root.AddChild("sparse.bin", sparse)
	idx.HighestUID = 5

	data := marshalOK(t, idx)
	assert.Contains(t, string(data), "<length>1073741824</length>")

	out, _, err := Parse(data, pm)
	require.NoError(t, err)

	parsed, ok := out.Root.LookupChild("sparse.bin")
	require.True(t, ok)
	assert.Equal(t, uint64(1<<30), parsed.Size())
	assert.Equal(t, uint64(0), parsed.RealSize())
	assert.Empty(t, parsed.Extents())
}
