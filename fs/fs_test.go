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

package fs_test

import (
	"context"
	"testing"
	"time"

	"github.com/amiaopensource/ltfs/cfg"
	"github.com/amiaopensource/ltfs/drive/drivefake"
	"github.com/amiaopensource/ltfs/fs"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/syncer"
	"github.com/amiaopensource/ltfs/xmlindex"
	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blocksize = 4096

type harness struct {
	t     *testing.T
	ctx   context.Context
	dev   *drivefake.FakeDrive
	clock *timeutil.SimulatedClock
	vol   *fs.Volume
}

func newHarness(t *testing.T, criteria xmlindex.Criteria) *harness {
	t.Helper()

	h := &harness{
		t:     t,
		ctx:   context.Background(),
		dev:   drivefake.NewFakeDrive(blocksize, 0),
		clock: &timeutil.SimulatedClock{},
	}
	h.clock.SetTime(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))

	err := fs.Format(h.dev, h.clock, cfg.FormatConfig{
		Blocksize:  blocksize,
		Barcode:    "TEST01L6",
		VolumeName: "TESTVOL",
	}, criteria)
	require.NoError(t, err)

	h.mount()
	return h
}

func (h *harness) mount() {
	h.t.Helper()

	vol, err := fs.Mount(h.dev, h.clock, fs.MountOptions{
		Mount: cfg.MountConfig{Traversal: cfg.TraversalBackward},
		Sync:  cfg.SyncConfig{PeriodMinutes: 0},
		IOSched: cfg.IOSchedConfig{
			MinPoolMB: 1,
			MaxPoolMB: 16,
		},
	})
	require.NoError(h.t, err)
	h.vol = vol
}

func (h *harness) unmount() {
	h.t.Helper()
	require.NoError(h.t, h.vol.Unmount(h.ctx))
}

func (h *harness) remount() {
	h.unmount()
	h.mount()
}

func (h *harness) writeFile(path string, data []byte) {
	h.t.Helper()

	d, err := h.vol.CreateFile(path)
	require.NoError(h.t, err)

	n, err := h.vol.Write(h.ctx, d, data, 0)
	require.NoError(h.t, err)
	require.Equal(h.t, len(data), n)

	require.NoError(h.t, h.vol.Release(h.ctx, d, true))
}

func (h *harness) readFile(path string) []byte {
	h.t.Helper()

	d, err := h.vol.OpenFile(path, false)
	require.NoError(h.t, err)
	defer func() { require.NoError(h.t, h.vol.Release(h.ctx, d, false)) }()

	size := h.vol.GetAttr(d).Size
	buf := make([]byte, size)
	n, err := h.vol.Read(h.ctx, d, buf, 0)
	require.NoError(h.t, err)
	return buf[:n]
}

func (h *harness) generation() string {
	v, err := h.vol.GetXAttr(h.vol.Root(), "ltfs.indexGeneration")
	require.NoError(h.t, err)
	return string(v)
}

////////////////////////////////////////////////////////////////////////
// Scenarios
////////////////////////////////////////////////////////////////////////

func TestFormatMountUnmountRemount(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	assert.Equal(t, "1", h.generation())

	entries, err := h.vol.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	// A clean unmount writes one index; the remount sees generation 2 and
	// an empty root.
	h.remount()
	assert.Equal(t, "2", h.generation())

	entries, err = h.vol.ReadDir("/")
	require.NoError(t, err)
	assert.Empty(t, entries)

	h.unmount()
}

func TestWriteReadRoundTrip(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	content := []byte("HELLO\n")
	h.writeFile("/hello.txt", content)

	assert.Equal(t, content, h.readFile("/hello.txt"))

	// Still intact after an unmount/mount cycle.
	h.remount()
	assert.Equal(t, content, h.readFile("/hello.txt"))

	d, err := h.vol.OpenFile("/hello.txt", false)
	require.NoError(t, err)
	attr := h.vol.GetAttr(d)
	assert.Equal(t, uint64(6), attr.Size)
	assert.Equal(t, dentry.RegularFile, attr.Kind)
	require.NoError(t, h.vol.Release(h.ctx, d, false))

	h.unmount()
}

func TestManyFilesSurviveRemount(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	names := []string{"/a.bin", "/b.bin", "/c.bin", "/d.bin"}
	for i, name := range names {
		h.writeFile(name, []byte{byte(i), byte(i + 1), byte(i + 2)})
	}

	before, err := h.vol.ReadDir("/")
	require.NoError(t, err)

	h.remount()

	after, err := h.vol.ReadDir("/")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	for i, name := range names {
		assert.Equal(t, []byte{byte(i), byte(i + 1), byte(i + 2)}, h.readFile(name))
	}

	h.unmount()
}

func TestDirectoriesAndSymlinks(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	require.NoError(t, h.vol.Mkdir("/docs"))
	h.writeFile("/docs/readme.txt", []byte("read me"))
	require.NoError(t, h.vol.Symlink("/latest", "docs/readme.txt"))

	target, err := h.vol.Readlink("/latest")
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.txt", target)

	h.remount()

	target, err = h.vol.Readlink("/latest")
	require.NoError(t, err)
	assert.Equal(t, "docs/readme.txt", target)
	assert.Equal(t, []byte("read me"), h.readFile("/docs/readme.txt"))

	h.unmount()
}

func TestRenameThereAndBack(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})
	h.writeFile("/a.txt", []byte("payload"))

	d, err := h.vol.OpenFile("/a.txt", false)
	require.NoError(t, err)
	t0 := h.vol.GetAttr(d)
	require.NoError(t, h.vol.Release(h.ctx, d, false))

	h.clock.AdvanceTime(time.Minute)
	require.NoError(t, h.vol.Rename("/a.txt", "/b.txt"))
	h.clock.AdvanceTime(time.Minute)
	require.NoError(t, h.vol.Rename("/b.txt", "/a.txt"))

	d, err = h.vol.OpenFile("/a.txt", false)
	require.NoError(t, err)
	t1 := h.vol.GetAttr(d)
	require.NoError(t, h.vol.Release(h.ctx, d, false))

	// The change time moved twice; modify and creation did not.
	assert.True(t, t1.Times.Change.After(t0.Times.Change))
	assert.True(t, t1.Times.Modify.Equal(t0.Times.Modify))
	assert.True(t, t1.Times.Creation.Equal(t0.Times.Creation))

	// Renaming onto an existing name is refused.
	h.writeFile("/c.txt", []byte("x"))
	err = h.vol.Rename("/a.txt", "/c.txt")
	assert.True(t, ltfserr.IsKind(err, ltfserr.Exists))

	h.unmount()
}

func TestGenerationChainWithCommitMessage(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	h.writeFile("/f.bin", []byte("data"))
	require.NoError(t, h.vol.Sync(h.ctx, syncer.ReasonExplicit))
	assert.Equal(t, "2", h.generation())

	require.NoError(t, h.vol.SetXAttr(h.vol.Root(), "ltfs.commitMessage", []byte("hello"), 0))
	require.NoError(t, h.vol.Sync(h.ctx, syncer.ReasonExplicit))
	assert.Equal(t, "3", h.generation())

	// The back pointer names the prior generation.
	prev, err := h.vol.GetXAttr(h.vol.Root(), "ltfs.indexPrevious")
	require.NoError(t, err)
	assert.Equal(t, "2", string(prev))

	// The unmount index carries the commit message to the next mount.
	h.remount()
	assert.Equal(t, "4", h.generation())

	msg, err := h.vol.GetXAttr(h.vol.Root(), "ltfs.commitMessage")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(msg))

	h.unmount()
}

func TestPlacementPolicy(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{
		Have:        true,
		MaxFilesize: 1048576,
		Patterns:    []string{"*.meta"},
	})

	payload := make([]byte, 1000)
	h.writeFile("/a.meta", payload)
	h.writeFile("/a.bin", payload)

	part := func(path string) string {
		d, err := h.vol.OpenFile(path, false)
		require.NoError(t, err)
		defer func() { _ = h.vol.Release(h.ctx, d, false) }()

		v, err := h.vol.GetXAttr(d, "ltfs.partition")
		require.NoError(t, err)
		return string(v)
	}

	assert.Equal(t, "a", part("/a.meta"))
	assert.Equal(t, "b", part("/a.bin"))

	h.unmount()
}

func TestTruncateToSparseGigabyte(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	d, err := h.vol.CreateFile("/sparse")
	require.NoError(t, err)
	require.NoError(t, h.vol.Truncate(h.ctx, d, 1<<30))
	require.NoError(t, h.vol.Release(h.ctx, d, true))

	h.remount()

	d, err = h.vol.OpenFile("/sparse", false)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<30), h.vol.GetAttr(d).Size)

	buf := make([]byte, 4096)
	n, err := h.vol.Read(h.ctx, d, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, 4096, n)
	for _, b := range buf {
		require.Equal(t, byte(0), b)
	}
	require.NoError(t, h.vol.Release(h.ctx, d, false))

	h.unmount()
}

func TestNamespaceErrors(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})

	require.NoError(t, h.vol.Mkdir("/dir"))
	h.writeFile("/dir/child", []byte("x"))

	err := h.vol.Rmdir("/dir")
	assert.True(t, ltfserr.IsKind(err, ltfserr.NotEmpty))

	err = h.vol.Unlink("/dir")
	assert.True(t, ltfserr.IsKind(err, ltfserr.IsADir))

	err = h.vol.Rmdir("/dir/child")
	assert.True(t, ltfserr.IsKind(err, ltfserr.NotADir))

	_, err = h.vol.OpenFile("/missing", false)
	assert.True(t, ltfserr.IsKind(err, ltfserr.NoDentry))

	require.NoError(t, h.vol.Unlink("/dir/child"))
	require.NoError(t, h.vol.Rmdir("/dir"))

	h.unmount()
}

func TestRealXattrsPersist(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})
	h.writeFile("/tagged", []byte("x"))

	d, err := h.vol.OpenFile("/tagged", false)
	require.NoError(t, err)
	require.NoError(t, h.vol.SetXAttr(d, "origin", []byte("camera-3"), 0))

	names := h.vol.ListXAttrs(d, false)
	assert.Equal(t, []string{"origin"}, names)
	require.NoError(t, h.vol.Release(h.ctx, d, false))

	h.remount()

	d, err = h.vol.OpenFile("/tagged", false)
	require.NoError(t, err)
	v, err := h.vol.GetXAttr(d, "origin")
	require.NoError(t, err)
	assert.Equal(t, "camera-3", string(v))

	// Virtual names are not removable.
	err = h.vol.RemoveXAttr(d, "ltfs.createTime")
	assert.True(t, ltfserr.IsKind(err, ltfserr.RdonlyXattr))

	require.NoError(t, h.vol.Release(h.ctx, d, false))
	h.unmount()
}

func TestVolumeVirtualXattrs(t *testing.T) {
	h := newHarness(t, xmlindex.Criteria{})
	root := h.vol.Root()

	uuid, err := h.vol.GetXAttr(root, "ltfs.volumeUUID")
	require.NoError(t, err)
	assert.Equal(t, h.vol.Label().VolumeUUID, string(uuid))

	serial, err := h.vol.GetXAttr(root, "ltfs.volumeSerial")
	require.NoError(t, err)
	assert.Equal(t, "TEST01", string(serial))

	name, err := h.vol.GetXAttr(root, "ltfs.volumeName")
	require.NoError(t, err)
	assert.Equal(t, "TESTVOL", string(name))

	require.NoError(t, h.vol.SetXAttr(root, "ltfs.volumeName", []byte("RENAMED"), 0))
	assert.Equal(t, "RENAMED", h.vol.VolumeName())

	bs, err := h.vol.GetXAttr(root, "ltfs.volumeBlocksize")
	require.NoError(t, err)
	assert.Equal(t, "4096", string(bs))

	h.unmount()
}
