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

// Package tape sits between the filesystem core and the transport: it owns
// the head position, per-partition append positions, the single-block read
// cache, sticky capacity state, and the volume-wide write-protect rule. All
// tape I/O in the process funnels through one Tape, serialized by its device
// mutex — the last lock in the volume's ordering.
package tape

import (
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/jacobsa/syncutil"
)

// CapacityState is the per-partition capacity condition. Warnings are sticky
// until unmount.
type CapacityState int

const (
	CapacityOK CapacityState = iota
	CapacityEarlyWarning
	CapacityProgramEarlyWarning
)

// CapacityEvent reports a capacity transition to the volume, which uses it
// to schedule index writes.
type CapacityEvent struct {
	Partition drive.PartitionID
	State     CapacityState
}

type readCache struct {
	valid bool
	pos   drive.Position
	data  []byte
}

// Tape wraps a drive with position and capacity bookkeeping.
type Tape struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	dev drive.Drive

	// OnCapacityEvent, if set before first use, is invoked (without the
	// device mutex held) when a partition first enters a warning state.
	OnCapacityEvent func(CapacityEvent)

	/////////////////////////
	// Constant data
	/////////////////////////

	blocksize uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The device mutex. Serializes every transport exchange.
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	current drive.Position

	// Where the next append on each partition lands, when known. When
	// invalid, appends locate to EOD first.
	//
	// GUARDED_BY(mu)
	appendPos   [2]uint64
	appendValid [2]bool

	// GUARDED_BY(mu)
	capState [2]CapacityState

	// GUARDED_BY(mu)
	cache readCache

	// GUARDED_BY(mu)
	readOnly bool

	// GUARDED_BY(mu)
	roReason string
}

// New creates a Tape over an opened drive.
func New(dev drive.Drive, blocksize uint32) (t *Tape) {
	t = &Tape{
		dev:       dev,
		blocksize: blocksize,
	}
	t.mu = syncutil.NewInvariantMutex(t.checkInvariants)
	return
}

func (t *Tape) checkInvariants() {
	if t.cache.valid && len(t.cache.data) == 0 {
		panic("tape: empty cached block")
	}
}

func (t *Tape) Blocksize() uint32 {
	return t.blocksize
}

// SetBlocksize adopts the blocksize read from the volume label. Mount calls
// this once, before any user I/O.
func (t *Tape) SetBlocksize(bs uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocksize = bs
	t.cache.valid = false
}

// Device exposes the underlying drive for operations outside the position
// layer's purview (MAM, load/unload). Callers must not move the head with
// it.
func (t *Tape) Device() drive.Drive {
	return t.dev
}

////////////////////////////////////////////////////////////////////////
// Write protect
////////////////////////////////////////////////////////////////////////

// ReadOnly reports whether the volume has been forced read-only.
func (t *Tape) ReadOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.readOnly
}

// ForceReadOnly latches the volume read-only for the remainder of the
// mount.
func (t *Tape) ForceReadOnly(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forceReadOnlyLocked(reason)
}

// LOCKS_REQUIRED(t.mu)
func (t *Tape) forceReadOnlyLocked(reason string) {
	if !t.readOnly {
		logger.Warnf("tape: volume forced read-only: %s", reason)
		t.readOnly = true
		t.roReason = reason
	}
}

// RefreshWriteProtect polls the cartridge's write-protect switch and latches
// read-only if it is set.
func (t *Tape) RefreshWriteProtect() error {
	wp, err := t.dev.WriteProtected()
	if err != nil {
		return err
	}

	if wp {
		t.ForceReadOnly("write-protect switch on")
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Positioning and reads
////////////////////////////////////////////////////////////////////////

// Locate positions the head.
func (t *Tape) Locate(pos drive.Position) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.locateLocked(pos)
}

// LOCKS_REQUIRED(t.mu)
func (t *Tape) locateLocked(pos drive.Position) error {
	if err := t.dev.Locate(pos); err != nil {
		return err
	}

	t.current = pos
	t.cache.valid = false
	return nil
}

// ReadBlock reads the single block at pos, consulting the read cache.
func (t *Tape) ReadBlock(pos drive.Position) (data []byte, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cache.valid && t.cache.pos == pos {
		data = make([]byte, len(t.cache.data))
		copy(data, t.cache.data)
		return
	}

	if t.current != pos {
		if err = t.locateLocked(pos); err != nil {
			return
		}
	}

	buf := make([]byte, t.blocksize)
	n, err := t.dev.Read(buf)
	if err != nil {
		return
	}
	if n > len(buf) {
		// Record longer than the volume blocksize: not a valid block of this
		// volume.
		err = ltfserr.Errorf(
			ltfserr.MediumError,
			"tape.ReadBlock",
			"record of %d bytes exceeds blocksize %d", n, t.blocksize)
		return
	}

	t.current.Block++
	data = buf[:n]

	t.cache = readCache{valid: true, pos: pos, data: data}

	out := make([]byte, n)
	copy(out, data)
	data = out
	return
}

// ReadNext reads the record at the head. It returns drive.ErrFilemark or
// drive.ErrEndOfData as the transport reports them; a filemark advances the
// position.
func (t *Tape) ReadNext(buf []byte) (n int, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, err = t.dev.Read(buf)
	switch err {
	case nil, drive.ErrFilemark:
		t.current.Block++
	}
	return
}

// Position reports the current head position.
func (t *Tape) Position() drive.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// EOD locates to end of data on the given partition and reports its block.
func (t *Tape) EOD(part drive.PartitionID) (block uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err = t.seekAppendLocked(part); err != nil {
		return
	}
	block = t.current.Block
	return
}

// SetAppendPosition overrides where the next append on the partition lands,
// used by format to rewind to BOP and by recovery to rewind past damage.
func (t *Tape) SetAppendPosition(part drive.PartitionID, block uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendPos[part] = block
	t.appendValid[part] = true
}

// ClearAppendPosition restores append-at-EOD behavior for the partition.
func (t *Tape) ClearAppendPosition(part drive.PartitionID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.appendValid[part] = false
}

////////////////////////////////////////////////////////////////////////
// Appends
////////////////////////////////////////////////////////////////////////

// seekAppendLocked moves the head to the partition's append point.
//
// LOCKS_REQUIRED(t.mu)
func (t *Tape) seekAppendLocked(part drive.PartitionID) (err error) {
	if t.appendValid[part] {
		p := t.appendPos[part]
		if err = t.locateLocked(drive.Position{Partition: part, Block: p}); err != nil {
			return
		}
		t.appendValid[part] = false
		return
	}

	// Unknown: find EOD. Locate to the partition first if the head is
	// elsewhere.
	if t.current.Partition != part {
		if err = t.locateLocked(drive.Position{Partition: part, Block: 0}); err != nil {
			return
		}
	}

	if err = t.dev.Space(0, drive.SpaceEOD); err != nil {
		return
	}

	pos, err := t.dev.Position()
	if err != nil {
		return
	}

	t.current = pos
	t.cache.valid = false
	return
}

// Append writes one record at the partition's append point and returns the
// position it landed on. Early warning conditions are latched and reported
// through OnCapacityEvent; they do not fail the append.
func (t *Tape) Append(part drive.PartitionID, data []byte) (pos drive.Position, err error) {
	var events []CapacityEvent

	pos, err = func() (pos drive.Position, err error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.readOnly {
			err = ltfserr.New(ltfserr.ReadOnlyVolume, "tape.Append")
			return
		}

		if err = t.seekAppendLocked(part); err != nil {
			return
		}

		pos = t.current
		st, werr := t.dev.Write(data)
		if werr != nil {
			// Any hard write failure forces the volume read-only.
			t.forceReadOnlyLocked(werr.Error())
			err = werr
			return
		}

		t.current.Block++
		t.cache.valid = false
		events = t.noteWriteStatusLocked(part, st)
		return
	}()

	t.fireCapacityEvents(events)
	return
}

// AppendRun writes data as a run of consecutive records on the partition —
// whole blocks plus a final partial record — under a single hold of the
// device mutex, so no other writer can interleave. It returns the position
// of the first record and the number of records written.
func (t *Tape) AppendRun(
	part drive.PartitionID,
	data []byte) (first drive.Position, n uint64, err error) {
	var events []CapacityEvent

	first, n, err = func() (first drive.Position, n uint64, err error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.readOnly {
			err = ltfserr.New(ltfserr.ReadOnlyVolume, "tape.AppendRun")
			return
		}

		if err = t.seekAppendLocked(part); err != nil {
			return
		}

		first = t.current
		bs := int(t.blocksize)
		for off := 0; off < len(data); off += bs {
			end := off + bs
			if end > len(data) {
				end = len(data)
			}

			st, werr := t.dev.Write(data[off:end])
			if werr != nil {
				t.forceReadOnlyLocked(werr.Error())
				err = werr
				return
			}

			t.current.Block++
			n++
			events = append(events, t.noteWriteStatusLocked(part, st)...)
		}

		t.cache.valid = false
		return
	}()

	t.fireCapacityEvents(events)
	return
}

// WriteFilemark writes n filemarks at the partition's append point.
func (t *Tape) WriteFilemark(part drive.PartitionID, n int) (err error) {
	var events []CapacityEvent

	err = func() (err error) {
		t.mu.Lock()
		defer t.mu.Unlock()

		if t.readOnly {
			return ltfserr.New(ltfserr.ReadOnlyVolume, "tape.WriteFilemark")
		}

		if err = t.seekAppendLocked(part); err != nil {
			return
		}

		st, werr := t.dev.WriteFilemark(n)
		if werr != nil {
			t.forceReadOnlyLocked(werr.Error())
			return werr
		}

		t.current.Block += uint64(n)
		t.cache.valid = false
		events = t.noteWriteStatusLocked(part, st)
		return
	}()

	t.fireCapacityEvents(events)
	return
}

// noteWriteStatusLocked latches capacity warnings and returns transition
// events to fire once the device mutex is released.
//
// LOCKS_REQUIRED(t.mu)
func (t *Tape) noteWriteStatusLocked(
	part drive.PartitionID,
	st drive.WriteStatus) (events []CapacityEvent) {
	if st.ProgramEarlyWarning && t.capState[part] < CapacityProgramEarlyWarning {
		t.capState[part] = CapacityProgramEarlyWarning
		events = append(events, CapacityEvent{part, CapacityProgramEarlyWarning})
	} else if st.EarlyWarning && t.capState[part] < CapacityEarlyWarning {
		t.capState[part] = CapacityEarlyWarning
		events = append(events, CapacityEvent{part, CapacityEarlyWarning})
	}
	return
}

// LOCKS_EXCLUDED(t.mu)
func (t *Tape) fireCapacityEvents(events []CapacityEvent) {
	if t.OnCapacityEvent == nil {
		return
	}
	for _, ev := range events {
		logger.Infof(
			"tape: partition %d entered capacity state %d",
			ev.Partition,
			ev.State)
		t.OnCapacityEvent(ev)
	}
}

// CapacityState reports the sticky capacity state of a partition.
func (t *Tape) CapacityState(part drive.PartitionID) CapacityState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.capState[part]
}

// RemainingCapacity passes through to the transport.
func (t *Tape) RemainingCapacity() (drive.Capacity, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dev.RemainingCapacity()
}
