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

package iosched_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/amiaopensource/ltfs/drive/drivefake"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/iosched"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/tape"
	"golang.org/x/net/context"

	. "github.com/jacobsa/ogletest"
)

func TestFCFS(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const blocksize = 4096
const policyMax = 1048576

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type FCFSTest struct {
	ctx context.Context

	dev      *drivefake.FakeDrive
	tp       *tape.Tape
	pm       label.PartitionMap
	sched    *iosched.FCFS
	pressure int

	nextUID uint64
}

func init() { RegisterTestSuite(&FCFSTest{}) }

func (t *FCFSTest) SetUp(ti *TestInfo) {
	t.ctx = ti.Ctx
	t.pm = label.DefaultPartitionMap()
	t.nextUID = 1

	t.dev = drivefake.NewFakeDrive(blocksize, 0)
	AssertEq(nil, t.dev.Load())
	t.tp = tape.New(t.dev, blocksize)

	criteria := func() (bool, uint64, []string) {
		return true, policyMax, []string{"*.meta"}
	}

	t.sched = iosched.NewFCFS(
		t.tp, t.pm, criteria, 1, 4, func() { t.pressure++ })
}

func (t *FCFSTest) newFile(name string) *dentry.Dentry {
	t.nextUID++
	return dentry.New(dentry.RegularFile, t.nextUID, name, t0)
}

////////////////////////////////////////////////////////////////////////
// Buffering and flushing
////////////////////////////////////////////////////////////////////////

func (t *FCFSTest) SmallWriteStaysBuffered() {
	f := t.newFile("notes.txt")

	n, err := t.sched.Write(t.ctx, f, []byte("hello\n"), 0)
	AssertEq(nil, err)
	ExpectEq(6, n)

	// Nothing reached the tape yet.
	ExpectEq(0, t.dev.BlockCount(t.pm.DataID))
	ExpectEq(0, t.dev.BlockCount(t.pm.IndexID))

	// But the bytes are visible to readers and to stat.
	size, realsize := t.sched.GetFilesize(f)
	ExpectEq(6, size)
	ExpectEq(6, realsize)

	buf := make([]byte, 16)
	n, err = t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq(6, n)
	ExpectEq("hello\n", string(buf[:n]))
}

func (t *FCFSTest) FlushCreatesExtent() {
	f := t.newFile("notes.txt")

	_, err := t.sched.Write(t.ctx, f, []byte("hello\n"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Flush(t.ctx, f))

	exts := f.Extents()
	AssertEq(1, len(exts))
	ExpectEq(t.pm.DataID, exts[0].Start.Partition)
	ExpectEq(uint64(0), exts[0].FileOffset)
	ExpectEq(uint64(6), exts[0].ByteCount)

	// Read back through the extent path.
	buf := make([]byte, 6)
	n, err := t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq("hello\n", string(buf[:n]))
}

func (t *FCFSTest) WholeBlocksFlushEagerly() {
	f := t.newFile("big.bin")

	payload := bytes.Repeat([]byte{0x7}, blocksize+100)
	_, err := t.sched.Write(t.ctx, f, payload, 0)
	AssertEq(nil, err)

	// One whole block went out; the 100-byte tail is still buffered.
	ExpectEq(1, t.dev.BlockCount(t.pm.DataID))

	AssertEq(nil, t.sched.Flush(t.ctx, f))
	ExpectEq(2, t.dev.BlockCount(t.pm.DataID))

	// The file reads back intact across both extents.
	buf := make([]byte, len(payload))
	n, err := t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	AssertEq(len(payload), n)
	ExpectTrue(bytes.Equal(payload, buf))
}

func (t *FCFSTest) NonContiguousWriteFlushesDirtyRegion() {
	f := t.newFile("sparse.bin")

	_, err := t.sched.Write(t.ctx, f, []byte("aaaa"), 0)
	AssertEq(nil, err)

	// Jumping elsewhere forces the first region out.
	_, err = t.sched.Write(t.ctx, f, []byte("bbbb"), 100)
	AssertEq(nil, err)
	ExpectEq(1, t.dev.BlockCount(t.pm.DataID))

	AssertEq(nil, t.sched.Flush(t.ctx, f))

	buf := make([]byte, 104)
	n, err := t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	AssertEq(104, n)
	ExpectEq("aaaa", string(buf[:4]))
	// The gap reads as zeros.
	ExpectEq(byte(0), buf[50])
	ExpectEq("bbbb", string(buf[100:104]))
}

func (t *FCFSTest) OverwriteServedFromNewestData() {
	f := t.newFile("mut.bin")

	_, err := t.sched.Write(t.ctx, f, []byte("oldoldold"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Flush(t.ctx, f))

	_, err = t.sched.Write(t.ctx, f, []byte("NEW"), 3)
	AssertEq(nil, err)

	buf := make([]byte, 9)
	_, err = t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq("oldNEWold", string(buf))

	// Still true after the overwrite is flushed.
	AssertEq(nil, t.sched.Flush(t.ctx, f))
	_, err = t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq("oldNEWold", string(buf))
}

////////////////////////////////////////////////////////////////////////
// Placement policy
////////////////////////////////////////////////////////////////////////

func (t *FCFSTest) PolicyMatchGoesToIndexPartition() {
	meta := t.newFile("a.meta")
	bin := t.newFile("a.bin")

	payload := make([]byte, 1000)
	_, err := t.sched.Write(t.ctx, meta, payload, 0)
	AssertEq(nil, err)
	_, err = t.sched.Write(t.ctx, bin, payload, 0)
	AssertEq(nil, err)

	AssertEq(nil, t.sched.Flush(t.ctx, nil))

	AssertEq(1, len(meta.Extents()))
	ExpectEq(t.pm.IndexID, meta.Extents()[0].Start.Partition)

	AssertEq(1, len(bin.Extents()))
	ExpectEq(t.pm.DataID, bin.Extents()[0].Start.Partition)
}

func (t *FCFSTest) OutgrownFileRevertsToDataPartition() {
	f := t.newFile("grow.meta")

	// Small at first flush: lands on the index partition.
	_, err := t.sched.Write(t.ctx, f, []byte("start"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Flush(t.ctx, f))
	AssertEq(1, len(f.Extents()))
	AssertEq(t.pm.IndexID, f.Extents()[0].Start.Partition)

	// Grown past the policy bound: new extents go to the data partition,
	// the old index partition extent is orphaned in place.
	big := make([]byte, policyMax+1)
	for i := range big {
		big[i] = 'x'
	}
	_, err = t.sched.Write(t.ctx, f, big, 5)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Flush(t.ctx, f))

	exts := f.Extents()
	ExpectEq(t.pm.IndexID, exts[0].Start.Partition)
	for _, e := range exts[1:] {
		ExpectEq(t.pm.DataID, e.Start.Partition)
	}

	// The bytes read back correctly across partitions.
	buf := make([]byte, 10)
	_, err = t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq("startxxxxx", string(buf))
}

func (t *FCFSTest) ForcePlacementOnEmptyFile() {
	f := t.newFile("pinned.bin")

	AssertEq(nil, t.sched.ForcePlacement(f, t.pm.IndexID))

	_, err := t.sched.Write(t.ctx, f, []byte("data"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Flush(t.ctx, f))

	AssertEq(1, len(f.Extents()))
	ExpectEq(t.pm.IndexID, f.Extents()[0].Start.Partition)
}

func (t *FCFSTest) ForcePlacementOnDirtyFileFails() {
	f := t.newFile("dirty.bin")

	_, err := t.sched.Write(t.ctx, f, []byte("data"), 0)
	AssertEq(nil, err)

	err = t.sched.ForcePlacement(f, t.pm.IndexID)
	ExpectTrue(ltfserr.IsKind(err, ltfserr.BadArg))
}

////////////////////////////////////////////////////////////////////////
// Truncate
////////////////////////////////////////////////////////////////////////

func (t *FCFSTest) TruncateExtendsSparsely() {
	f := t.newFile("sparse")

	before := t.dev.BlockCount(t.pm.DataID)
	AssertEq(nil, t.sched.Truncate(t.ctx, f, 1<<30))

	// No data was written.
	ExpectEq(before, t.dev.BlockCount(t.pm.DataID))

	size, realsize := t.sched.GetFilesize(f)
	ExpectEq(uint64(1<<30), size)
	ExpectEq(0, realsize)

	// Reads of the hole return zeros.
	buf := make([]byte, 4096)
	n, err := t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	AssertEq(4096, n)
	for i, b := range buf {
		if b != 0 {
			AddFailure("nonzero byte at %d", i)
			break
		}
	}
}

func (t *FCFSTest) TruncateShrinks() {
	f := t.newFile("shrink.bin")

	_, err := t.sched.Write(t.ctx, f, []byte("0123456789"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Truncate(t.ctx, f, 4))

	size, realsize := t.sched.GetFilesize(f)
	ExpectEq(4, size)
	ExpectEq(4, realsize)

	buf := make([]byte, 10)
	n, err := t.sched.Read(t.ctx, f, buf, 0)
	AssertEq(nil, err)
	ExpectEq(4, n)
	ExpectEq("0123", string(buf[:n]))
}

////////////////////////////////////////////////////////////////////////
// Close and read-only behavior
////////////////////////////////////////////////////////////////////////

func (t *FCFSTest) CloseWithoutFlushDropsBuffer() {
	f := t.newFile("dropped.bin")

	_, err := t.sched.Write(t.ctx, f, []byte("doomed"), 0)
	AssertEq(nil, err)
	AssertEq(nil, t.sched.Close(t.ctx, f, false))

	ExpectEq(0, t.dev.BlockCount(t.pm.DataID))
}

func (t *FCFSTest) WritesFailOnReadOnlyVolume() {
	t.tp.ForceReadOnly("test")

	f := t.newFile("nope.bin")
	_, err := t.sched.Write(t.ctx, f, []byte("x"), 0)
	ExpectTrue(ltfserr.IsKind(err, ltfserr.ReadOnlyVolume))
}
