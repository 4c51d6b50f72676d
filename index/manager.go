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

// Package index orchestrates index generations: formatting a fresh volume,
// writing a new generation to one or both partitions, maintaining the
// back-pointer chain and coherency records, and finding the mount index.
package index

import (
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/amiaopensource/ltfs/xmlindex"
)

// WriteMode selects which partitions receive the new generation.
type WriteMode int

const (
	// WriteBoth is the normal mode: data partition first, index partition
	// last so its coherency record is freshest.
	WriteBoth WriteMode = iota

	// WriteIPOnly is used after the data partition hits early warning.
	WriteIPOnly

	// WriteDPOnly writes the data partition copy only.
	WriteDPOnly
)

// Manager tracks the generation chain of a mounted volume.
//
// All methods that mutate tape state must be called under the volume write
// lock; the manager carries no lock of its own.
type Manager struct {
	t  *tape.Tape
	pm label.PartitionMap

	// VolumeUUID of the mounted cartridge.
	uuid string

	// generation of the newest index on tape. The next write produces
	// generation+1.
	generation uint64

	// lastSelf locates the newest index (the authoritative copy for the
	// back-pointer chain).
	lastSelf xmlindex.Pointer

	haveLast bool
}

// NewManager creates a manager for a volume whose newest index is already
// known (from format or mount).
func NewManager(
	t *tape.Tape,
	pm label.PartitionMap,
	uuid string,
	generation uint64,
	lastSelf xmlindex.Pointer) *Manager {
	return &Manager{
		t:          t,
		pm:         pm,
		uuid:       uuid,
		generation: generation,
		lastSelf:   lastSelf,
		haveLast:   true,
	}
}

// Generation reports the newest generation on tape.
func (m *Manager) Generation() uint64 {
	return m.generation
}

// LastSelfPointer reports where the newest index lives.
func (m *Manager) LastSelfPointer() xmlindex.Pointer {
	return m.lastSelf
}

// WriteStatus describes the outcome of a generation write.
type WriteStatus struct {
	Generation uint64

	// Wrote records which partitions actually received the index.
	WroteIP bool
	WroteDP bool

	// TimeClamped propagates the codec's clamping status.
	TimeClamped bool
}

// Write serializes idx as the next generation and writes it per mode,
// updating each written partition's coherency record. idx.Generation,
// SelfPointer and PrevPointer are assigned here; idx.Root and the rest are
// the caller's snapshot.
//
// LOCKS_REQUIRED(volume write lock)
func (m *Manager) Write(idx *xmlindex.Index, mode WriteMode) (st WriteStatus, err error) {
	gen := m.generation + 1
	idx.Generation = gen
	idx.VolumeUUID = m.uuid

	var prev *xmlindex.Pointer
	if m.haveLast {
		p := m.lastSelf
		prev = &p
	}
	idx.PrevPointer = prev

	var newest xmlindex.Pointer
	wroteAny := false

	writeOne := func(part drive.PartitionID) error {
		ptr, clamped, werr := m.writeOnPartition(part, idx)
		if werr != nil {
			return werr
		}

		if clamped {
			st.TimeClamped = true
		}
		newest = ptr
		wroteAny = true

		if part == m.pm.IndexID {
			st.WroteIP = true
		} else {
			st.WroteDP = true
		}
		return nil
	}

	// Data partition first.
	if mode == WriteBoth || mode == WriteDPOnly {
		if err = writeOne(m.pm.DataID); err != nil {
			return
		}
	}

	if mode == WriteBoth || mode == WriteIPOnly {
		err = writeOne(m.pm.IndexID)
		if ltfserr.IsKind(err, ltfserr.NoSpace) {
			// The index partition is full: force read-only, keep the data
			// partition copy we just wrote.
			logger.Errorf("index: no space on index partition; volume is now read-only")
			m.t.ForceReadOnly("index partition full")
			err = nil
		} else if err != nil {
			return
		}
	}

	if !wroteAny {
		err = ltfserr.New(ltfserr.BadArg, "index.Write: nothing written")
		return
	}

	m.generation = gen
	m.lastSelf = newest
	m.haveLast = true
	st.Generation = gen
	return
}

// writeOnPartition writes one copy of the index on the given partition:
// filemark, index blocks, filemark, then the partition's coherency record.
//
// LOCKS_REQUIRED(volume write lock)
func (m *Manager) writeOnPartition(
	part drive.PartitionID,
	idx *xmlindex.Index) (self xmlindex.Pointer, clamped bool, err error) {
	if err = m.t.WriteFilemark(part, 1); err != nil {
		return
	}

	w := m.t.NewBlockWriter(part)

	// The self pointer names the first block of the document, which is the
	// block after the filemark just written.
	firstBlock, err := m.t.EOD(part)
	if err != nil {
		return
	}
	self = xmlindex.Pointer{Partition: m.pm.LetterOf(part), Block: firstBlock}
	idx.SelfPointer = self

	cst, err := xmlindex.Write(w, idx, m.pm)
	if err != nil {
		return
	}
	clamped = cst.TimeClamped

	if err = w.Close(); err != nil {
		return
	}

	if err = m.t.WriteFilemark(part, 1); err != nil {
		return
	}

	vcr, err := m.t.Device().VolumeChangeReference()
	if err != nil {
		return
	}

	err = m.t.WriteCoherency(part, &label.Coherency{
		VolumeChangeReference: vcr,
		Generation:            idx.Generation,
		SetID:                 firstBlock,
		VolumeUUID:            m.uuid,
		Version:               label.CoherencyVersion,
	})
	return
}
