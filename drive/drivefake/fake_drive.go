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

// Package drivefake implements an in-memory tape drive for tests and for the
// end-to-end scenarios in fs. It models the medium as two partitions of
// records, where a filemark occupies one block position just like a data
// record, and enforces the append-only rule: a write at any position below
// EOD discards everything from that position on.
package drivefake

import (
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/jacobsa/syncutil"
)

// A record on the fake medium. Exactly one of data and filemark is
// meaningful.
type record struct {
	data     []byte
	filemark bool
}

type partitionState struct {
	records []record

	// Block numbers at which early warning and programmable early warning
	// fire. Zero disables the threshold.
	ewAt  uint64
	pewAt uint64

	// Hard capacity in blocks. Zero means unbounded.
	capBlocks uint64
}

// FakeDrive is an in-memory drive.Drive. Safe for concurrent use, though the
// contract only requires serialized access.
type FakeDrive struct {
	mu syncutil.InvariantMutex

	// GUARDED_BY(mu)
	parts [2]*partitionState

	// GUARDED_BY(mu)
	pos drive.Position

	// GUARDED_BY(mu)
	mam [2]map[uint16][]byte

	// GUARDED_BY(mu)
	vcr uint64

	// GUARDED_BY(mu)
	loaded bool

	// GUARDED_BY(mu)
	writeProtected bool

	// Fault injection: pending error for the next WriteMAM on a partition.
	//
	// GUARDED_BY(mu)
	mamFault [2]error

	blocksize uint32
}

var _ drive.Drive = &FakeDrive{}

// NewFakeDrive creates an unloaded fake drive with the given blocksize and
// per-partition capacity in blocks (zero for unbounded).
func NewFakeDrive(blocksize uint32, capBlocks uint64) (d *FakeDrive) {
	d = &FakeDrive{
		blocksize: blocksize,
	}

	for i := range d.parts {
		d.parts[i] = &partitionState{capBlocks: capBlocks}
		d.mam[i] = make(map[uint16][]byte)
	}

	d.mu = syncutil.NewInvariantMutex(d.checkInvariants)
	return
}

func (d *FakeDrive) checkInvariants() {
	for _, p := range d.parts {
		if p.capBlocks != 0 && uint64(len(p.records)) > p.capBlocks {
			panic("fake drive: partition grew past capacity")
		}
	}

	if int(d.pos.Partition) > 1 {
		panic("fake drive: position on nonexistent partition")
	}
}

////////////////////////////////////////////////////////////////////////
// Test hooks
////////////////////////////////////////////////////////////////////////

// SetEarlyWarning arranges for every write that leaves the given partition
// holding at least block blocks to report early warning; the first such write
// lands at block-1.
func (d *FakeDrive) SetEarlyWarning(part drive.PartitionID, block uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts[part].ewAt = block
}

// SetProgramEarlyWarning arranges for every write that leaves the given
// partition holding at least block blocks to report programmable early
// warning; the first such write lands at block-1.
func (d *FakeDrive) SetProgramEarlyWarning(part drive.PartitionID, block uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.parts[part].pewAt = block
}

// SetWriteProtected flips the cartridge's write-protect switch.
func (d *FakeDrive) SetWriteProtected(wp bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writeProtected = wp
}

// InjectWriteMAMError makes the next WriteMAM on the given partition fail
// with err, simulating a crash between the two coherency updates of an index
// write.
func (d *FakeDrive) InjectWriteMAMError(part drive.PartitionID, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mamFault[part] = err
}

// BlockCount reports the number of blocks (records plus filemarks) written to
// the given partition.
func (d *FakeDrive) BlockCount(part drive.PartitionID) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.parts[part].records))
}

// RecordAt returns a copy of the record at the given position, or nil if the
// position holds a filemark or lies at or past EOD.
func (d *FakeDrive) RecordAt(pos drive.Position) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.parts[pos.Partition]
	if pos.Block >= uint64(len(p.records)) || p.records[pos.Block].filemark {
		return nil
	}

	out := make([]byte, len(p.records[pos.Block].data))
	copy(out, p.records[pos.Block].data)
	return out
}

////////////////////////////////////////////////////////////////////////
// drive.Drive
////////////////////////////////////////////////////////////////////////

func (d *FakeDrive) Load() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loaded = true
	d.vcr++
	d.pos = drive.Position{}
	return nil
}

func (d *FakeDrive) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.loaded = false
	return nil
}

func (d *FakeDrive) TestReady() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.loaded {
		return ltfserr.New(ltfserr.DeviceUnopenable, "drivefake.TestReady")
	}
	return nil
}

func (d *FakeDrive) Close() error {
	return nil
}

func (d *FakeDrive) Locate(pos drive.Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int(pos.Partition) > 1 {
		return ltfserr.New(ltfserr.BadArg, "drivefake.Locate")
	}

	p := d.parts[pos.Partition]
	if pos.Block > uint64(len(p.records)) {
		return ltfserr.New(ltfserr.EodMissing, "drivefake.Locate")
	}

	d.pos = pos
	return nil
}

func (d *FakeDrive) Space(count int, kind drive.SpaceKind) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.parts[d.pos.Partition]
	switch kind {
	case drive.SpaceEOD:
		d.pos.Block = uint64(len(p.records))
		return nil

	case drive.SpaceRecords:
		nb := int64(d.pos.Block) + int64(count)
		if nb < 0 || nb > int64(len(p.records)) {
			return ltfserr.New(ltfserr.BadArg, "drivefake.Space")
		}
		d.pos.Block = uint64(nb)
		return nil

	case drive.SpaceFilemarksForward:
		for seen := 0; seen < count; {
			if d.pos.Block >= uint64(len(p.records)) {
				return ltfserr.New(ltfserr.EodMissing, "drivefake.Space")
			}
			if p.records[d.pos.Block].filemark {
				seen++
			}
			d.pos.Block++
		}
		return nil

	case drive.SpaceFilemarksBack:
		for seen := 0; seen < count; {
			if d.pos.Block == 0 {
				return ltfserr.New(ltfserr.BadArg, "drivefake.Space")
			}
			d.pos.Block--
			if p.records[d.pos.Block].filemark {
				seen++
			}
		}
		return nil

	default:
		return ltfserr.New(ltfserr.BadArg, "drivefake.Space")
	}
}

func (d *FakeDrive) Read(buf []byte) (n int, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := d.parts[d.pos.Partition]
	if d.pos.Block >= uint64(len(p.records)) {
		return 0, drive.ErrEndOfData
	}

	rec := p.records[d.pos.Block]
	d.pos.Block++

	if rec.filemark {
		return 0, drive.ErrFilemark
	}

	// Report the true record length even when buf is shorter, matching the
	// transport's illegal-length-indicator behavior.
	copy(buf, rec.data)
	return len(rec.data), nil
}

func (d *FakeDrive) Write(buf []byte) (st drive.WriteStatus, err error) {
	data := make([]byte, len(buf))
	copy(data, buf)
	return d.append(record{data: data})
}

func (d *FakeDrive) WriteFilemark(n int) (st drive.WriteStatus, err error) {
	for i := 0; i < n; i++ {
		st, err = d.append(record{filemark: true})
		if err != nil {
			return
		}
	}
	return
}

// LOCKS_EXCLUDED(d.mu)
func (d *FakeDrive) append(rec record) (st drive.WriteStatus, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.writeProtected {
		err = ltfserr.New(ltfserr.WriteProtected, "drivefake.Write")
		return
	}

	p := d.parts[d.pos.Partition]

	if p.capBlocks != 0 && d.pos.Block >= p.capBlocks {
		err = ltfserr.New(ltfserr.NoSpace, "drivefake.Write")
		return
	}

	// Writing below EOD truncates the rest of the partition.
	if d.pos.Block < uint64(len(p.records)) {
		p.records = p.records[:d.pos.Block]
	}

	p.records = append(p.records, rec)
	d.pos.Block++

	if p.ewAt != 0 && d.pos.Block >= p.ewAt {
		st.EarlyWarning = true
	}
	if p.pewAt != 0 && d.pos.Block >= p.pewAt {
		st.ProgramEarlyWarning = true
	}
	return
}

func (d *FakeDrive) Position() (drive.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pos, nil
}

func (d *FakeDrive) RemainingCapacity() (c drive.Capacity, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	bs := uint64(d.blocksize)
	for i, p := range d.parts {
		total := p.capBlocks * bs
		used := uint64(len(p.records)) * bs
		var remaining uint64
		if p.capBlocks == 0 {
			// Unbounded partitions report a large fixed capacity.
			total = 1 << 40
			remaining = total - used
		} else if used < total {
			remaining = total - used
		}

		if i == 0 {
			c.TotalIP, c.RemainingIP = total, remaining
		} else {
			c.TotalDP, c.RemainingDP = total, remaining
		}
	}
	return
}

func (d *FakeDrive) ReadMAM(part drive.PartitionID, attrID uint16) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	data := d.mam[part][attrID]
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (d *FakeDrive) WriteMAM(part drive.PartitionID, attrID uint16, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.mamFault[part]; err != nil {
		d.mamFault[part] = nil
		return err
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	d.mam[part][attrID] = cp
	return nil
}

func (d *FakeDrive) VolumeChangeReference() (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.vcr, nil
}

func (d *FakeDrive) WriteProtected() (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeProtected, nil
}
