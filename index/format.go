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

package index

import (
	"time"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/amiaopensource/ltfs/xmlindex"
	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
)

// FormatOptions parameterize volume creation.
type FormatOptions struct {
	Barcode     string
	VolumeName  string
	Blocksize   uint32
	Compression bool

	// Criteria seeds the data placement policy.
	Criteria xmlindex.Criteria

	AllowPolicyUpdate bool
}

// FormatResult reports what Format laid down.
type FormatResult struct {
	Label      *label.Label
	Index      *xmlindex.Index
	Manager    *Manager
	VolumeUUID string
}

// Format initializes a fresh volume: both partitions get a VOL1 label, the
// XML label and an empty generation-1 index, and both coherency records are
// set. Any previous contents are discarded.
func Format(
	t *tape.Tape,
	clock timeutil.Clock,
	opts FormatOptions) (res *FormatResult, err error) {
	pm := label.DefaultPartitionMap()
	volUUID := uuid.New().String()
	now := clock.Now()

	logger.Infof(
		"index: formatting volume %s (barcode %q, blocksize %d)",
		volUUID,
		opts.Barcode,
		opts.Blocksize)

	// Build the root and the generation-1 envelope.
	root := dentry.NewRoot(now)
	root.SetVolumeName(opts.VolumeName)

	idx := &xmlindex.Index{
		Creator:           label.Creator,
		VolumeUUID:        volUUID,
		UpdateTime:        now,
		AllowPolicyUpdate: opts.AllowPolicyUpdate,
		Criteria:          opts.Criteria,
		HighestUID:        dentry.RootUID,
		Root:              root,
	}

	vcr, err := t.Device().VolumeChangeReference()
	if err != nil {
		return
	}

	var lastSelf xmlindex.Pointer
	for _, part := range []drive.PartitionID{pm.DataID, pm.IndexID} {
		var self xmlindex.Pointer
		self, err = formatPartition(t, pm, part, volUUID, now, opts, idx, vcr)
		if err != nil {
			return
		}
		lastSelf = self
	}

	res = &FormatResult{
		Label: &label.Label{
			Creator:     label.Creator,
			FormatTime:  now,
			VolumeUUID:  volUUID,
			IndexPart:   pm.IndexLetter,
			DataPart:    pm.DataLetter,
			Blocksize:   opts.Blocksize,
			Compression: opts.Compression,
		},
		Index:      idx,
		Manager:    NewManager(t, pm, volUUID, 1, lastSelf),
		VolumeUUID: volUUID,
	}
	return
}

// formatPartition writes one partition's boot records: VOL1, filemark,
// label, filemark, empty index, filemark, coherency.
func formatPartition(
	t *tape.Tape,
	pm label.PartitionMap,
	part drive.PartitionID,
	volUUID string,
	now time.Time,
	opts FormatOptions,
	idx *xmlindex.Index,
	vcr uint64) (self xmlindex.Pointer, err error) {
	// Rewind to BOP; the first write erases the rest of the partition.
	if err = t.Locate(drive.Position{Partition: part, Block: 0}); err != nil {
		return
	}
	t.SetAppendPosition(part, 0)

	// VOL1 is a short record of exactly 80 bytes.
	if _, err = t.Append(part, label.MarshalVOL1(opts.Barcode)); err != nil {
		return
	}
	if err = t.WriteFilemark(part, 1); err != nil {
		return
	}

	// XML label.
	lbl := &label.Label{
		Creator:     label.Creator,
		FormatTime:  now,
		VolumeUUID:  volUUID,
		ThisWritten: pm.LetterOf(part),
		IndexPart:   pm.IndexLetter,
		DataPart:    pm.DataLetter,
		Blocksize:   opts.Blocksize,
		Compression: opts.Compression,
	}

	labelXML, err := lbl.MarshalXMLLabel()
	if err != nil {
		return
	}

	lw := t.NewBlockWriter(part)
	if _, err = lw.Write(labelXML); err != nil {
		return
	}
	if err = lw.Close(); err != nil {
		return
	}
	if err = t.WriteFilemark(part, 1); err != nil {
		return
	}

	// Initial index, generation 1.
	firstBlock, err := t.EOD(part)
	if err != nil {
		return
	}
	self = xmlindex.Pointer{Partition: pm.LetterOf(part), Block: firstBlock}

	idx.Generation = 1
	idx.SelfPointer = self
	idx.PrevPointer = nil

	iw := t.NewBlockWriter(part)
	if _, err = xmlindex.Write(iw, idx, pm); err != nil {
		return
	}
	if err = iw.Close(); err != nil {
		return
	}
	if err = t.WriteFilemark(part, 1); err != nil {
		return
	}

	err = t.WriteCoherency(part, &label.Coherency{
		VolumeChangeReference: vcr,
		Generation:            1,
		SetID:                 firstBlock,
		VolumeUUID:            volUUID,
		Version:               label.CoherencyVersion,
	})
	return
}
