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

package tape_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/drive/drivefake"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const blocksize = 4096

func newTape(t *testing.T, capBlocks uint64) (*tape.Tape, *drivefake.FakeDrive) {
	t.Helper()
	dev := drivefake.NewFakeDrive(blocksize, capBlocks)
	require.NoError(t, dev.Load())
	return tape.New(dev, blocksize), dev
}

func TestAppendTracksPosition(t *testing.T) {
	tp, dev := newTape(t, 0)

	pos, err := tp.Append(drive.Partition0, []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, drive.Position{Partition: 0, Block: 0}, pos)

	pos, err = tp.Append(drive.Partition0, []byte("two"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), pos.Block)

	// Appends on the other partition are independent.
	pos, err = tp.Append(drive.Partition1, []byte("three"))
	require.NoError(t, err)
	assert.Equal(t, drive.Position{Partition: 1, Block: 0}, pos)

	assert.Equal(t, uint64(2), dev.BlockCount(drive.Partition0))
	assert.Equal(t, uint64(1), dev.BlockCount(drive.Partition1))
}

func TestAppendRunContiguous(t *testing.T) {
	tp, dev := newTape(t, 0)

	data := bytes.Repeat([]byte{0xAB}, blocksize*2+100)
	first, n, err := tp.AppendRun(drive.Partition1, data)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), first.Block)
	assert.Equal(t, uint64(3), n)

	// The trailing partial block is a short record.
	assert.Len(t, dev.RecordAt(drive.Position{Partition: 1, Block: 2}), 100)
}

func TestReadBlockUsesCache(t *testing.T) {
	tp, _ := newTape(t, 0)

	pos, err := tp.Append(drive.Partition0, []byte("cached"))
	require.NoError(t, err)

	a, err := tp.ReadBlock(pos)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(a))

	// Second read is served from the cache (same result).
	b, err := tp.ReadBlock(pos)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(b))

	// A write invalidates the cache, and the position still reads
	// correctly afterward.
	_, err = tp.Append(drive.Partition0, []byte("later"))
	require.NoError(t, err)

	c, err := tp.ReadBlock(pos)
	require.NoError(t, err)
	assert.Equal(t, "cached", string(c))
}

func TestSetAppendPositionTruncates(t *testing.T) {
	tp, dev := newTape(t, 0)

	for i := 0; i < 5; i++ {
		_, err := tp.Append(drive.Partition0, []byte{byte(i)})
		require.NoError(t, err)
	}

	// Rewind the append point; the next write discards everything after.
	tp.SetAppendPosition(drive.Partition0, 2)
	_, err := tp.Append(drive.Partition0, []byte("new"))
	require.NoError(t, err)

	assert.Equal(t, uint64(3), dev.BlockCount(drive.Partition0))
	assert.Equal(t, "new", string(dev.RecordAt(drive.Position{Partition: 0, Block: 2})))
}

func TestEarlyWarningLatchesAndNotifies(t *testing.T) {
	tp, dev := newTape(t, 0)
	dev.SetEarlyWarning(drive.Partition1, 2)

	var events []tape.CapacityEvent
	tp.OnCapacityEvent = func(ev tape.CapacityEvent) {
		events = append(events, ev)
	}

	_, err := tp.Append(drive.Partition1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, tape.CapacityOK, tp.CapacityState(drive.Partition1))

	// Crossing the threshold succeeds and raises exactly one event.
	_, err = tp.Append(drive.Partition1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, tape.CapacityEarlyWarning, tp.CapacityState(drive.Partition1))
	require.Len(t, events, 1)
	assert.Equal(t, drive.Partition1, events[0].Partition)

	// The state is sticky and further writes do not re-fire.
	_, err = tp.Append(drive.Partition1, []byte("c"))
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestProgramEarlyWarningOutranksEW(t *testing.T) {
	tp, dev := newTape(t, 0)
	dev.SetEarlyWarning(drive.Partition1, 1)
	dev.SetProgramEarlyWarning(drive.Partition1, 2)

	_, err := tp.Append(drive.Partition1, []byte("a"))
	require.NoError(t, err)
	assert.Equal(t, tape.CapacityEarlyWarning, tp.CapacityState(drive.Partition1))

	_, err = tp.Append(drive.Partition1, []byte("b"))
	require.NoError(t, err)
	assert.Equal(t, tape.CapacityProgramEarlyWarning, tp.CapacityState(drive.Partition1))
}

func TestNoSpaceForcesReadOnly(t *testing.T) {
	tp, _ := newTape(t, 2)

	_, err := tp.Append(drive.Partition1, []byte("a"))
	require.NoError(t, err)
	_, err = tp.Append(drive.Partition1, []byte("b"))
	require.NoError(t, err)

	_, err = tp.Append(drive.Partition1, []byte("c"))
	assert.True(t, ltfserr.IsKind(err, ltfserr.NoSpace))

	// The write-protect rule: all subsequent writes fail.
	assert.True(t, tp.ReadOnly())
	_, err = tp.Append(drive.Partition0, []byte("d"))
	assert.True(t, ltfserr.IsKind(err, ltfserr.ReadOnlyVolume))
}

func TestWriteProtectSwitch(t *testing.T) {
	tp, dev := newTape(t, 0)
	dev.SetWriteProtected(true)

	require.NoError(t, tp.RefreshWriteProtect())
	assert.True(t, tp.ReadOnly())
}

func TestBlockWriterPadsFinalBlock(t *testing.T) {
	tp, dev := newTape(t, 0)

	w := tp.NewBlockWriter(drive.Partition0)
	payload := bytes.Repeat([]byte{0x42}, blocksize+10)
	n, err := w.Write(payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// Only the full block has reached the medium so far.
	assert.Equal(t, uint64(1), dev.BlockCount(drive.Partition0))

	require.NoError(t, w.Close())
	assert.Equal(t, uint64(2), dev.BlockCount(drive.Partition0))
	assert.Equal(t, drive.Position{Partition: 0, Block: 0}, w.FirstBlock())

	// The final block is padded to the full blocksize.
	last := dev.RecordAt(drive.Position{Partition: 0, Block: 1})
	require.Len(t, last, blocksize)
	assert.Equal(t, byte(0x42), last[9])
	assert.Equal(t, byte(0), last[10])
}

func TestStreamReaderStopsAtFilemark(t *testing.T) {
	tp, _ := newTape(t, 0)

	_, err := tp.Append(drive.Partition0, []byte("hello "))
	require.NoError(t, err)
	_, err = tp.Append(drive.Partition0, []byte("world"))
	require.NoError(t, err)
	require.NoError(t, tp.WriteFilemark(drive.Partition0, 1))
	_, err = tp.Append(drive.Partition0, []byte("beyond"))
	require.NoError(t, err)

	require.NoError(t, tp.Locate(drive.Position{Partition: 0, Block: 0}))
	data, err := io.ReadAll(tp.NewStreamReader(false))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestStreamReaderEODIsHardErrorUnlessRecovering(t *testing.T) {
	tp, _ := newTape(t, 0)

	_, err := tp.Append(drive.Partition0, []byte("tail without filemark"))
	require.NoError(t, err)

	require.NoError(t, tp.Locate(drive.Position{Partition: 0, Block: 0}))
	_, err = io.ReadAll(tp.NewStreamReader(false))
	assert.True(t, ltfserr.IsKind(err, ltfserr.EodMissing))

	require.NoError(t, tp.Locate(drive.Position{Partition: 0, Block: 0}))
	data, err := io.ReadAll(tp.NewStreamReader(true))
	require.NoError(t, err)
	assert.Equal(t, "tail without filemark", string(data))
}

func TestCoherencyRoundTripThroughMAM(t *testing.T) {
	tp, _ := newTape(t, 0)

	const uuid = "7e3c98a1-4a46-44a2-9dfc-0c4a5b6e7f80"
	c := &label.Coherency{
		VolumeChangeReference: 1,
		Generation:            3,
		SetID:                 17,
		VolumeUUID:            uuid,
		Version:               label.CoherencyVersion,
	}

	require.NoError(t, tp.WriteCoherency(drive.Partition0, c))

	out, err := tp.ReadCoherency(drive.Partition0)
	require.NoError(t, err)
	assert.Equal(t, c, out)

	// The other partition has no record yet.
	_, err = tp.ReadCoherency(drive.Partition1)
	assert.True(t, ltfserr.IsKind(err, ltfserr.CoherencyMismatch))
}
