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
	"fmt"
	"io"

	"github.com/amiaopensource/ltfs/cfg"
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/amiaopensource/ltfs/xmlindex"
)

// MountOptions select the index search strategy.
type MountOptions struct {
	// Strategy is one of the cfg.Traversal constants.
	Strategy string

	// RollbackGeneration is the generation to mount with the rollback
	// strategy. The resulting mount is read-only.
	RollbackGeneration uint64

	// RecoverExtra scans past the coherency-named index for a newer one left
	// by a writer that died before updating coherency.
	RecoverExtra bool

	// OnIndexFound, if non-nil, observes every candidate index during
	// traversal.
	OnIndexFound func(generation uint64, raw []byte)
}

// MountResult is everything the volume layer needs to go live.
type MountResult struct {
	Label    *label.Label
	PartMap  label.PartitionMap
	Barcode  string
	Index    *xmlindex.Index
	Manager  *Manager
	ReadOnly bool
	Warnings []string
}

// Mount reads labels and coherency from both partitions, picks the mount
// index per the configured strategy, and returns the live volume state.
func Mount(t *tape.Tape, opts MountOptions) (res *MountResult, err error) {
	res = &MountResult{PartMap: label.DefaultPartitionMap()}
	pm := res.PartMap

	// VOL1 and the XML label, from the index partition's copy.
	vol1, err := t.ReadBlock(drive.Position{Partition: pm.IndexID, Block: 0})
	if err != nil {
		return nil, err
	}
	if res.Barcode, err = label.ParseVOL1(vol1); err != nil {
		return nil, err
	}

	if res.Label, err = readLabel(t, pm.IndexID); err != nil {
		return nil, err
	}
	t.SetBlocksize(res.Label.Blocksize)

	// The data partition's label must agree on identity.
	dpLabel, err := readLabel(t, pm.DataID)
	if err != nil {
		res.Warnings = append(
			res.Warnings,
			fmt.Sprintf("data partition label unreadable: %v", err))
	} else if dpLabel.VolumeUUID != res.Label.VolumeUUID {
		return nil, ltfserr.Errorf(
			ltfserr.MediumFormatError,
			"index.Mount",
			"partition labels disagree on volume uuid")
	}

	// Coherency from both partitions.
	ipc, ipcErr := t.ReadCoherency(pm.IndexID)
	dpc, dpcErr := t.ReadCoherency(pm.DataID)

	vcr, err := t.Device().VolumeChangeReference()
	if err != nil {
		return nil, err
	}

	var chosen *xmlindex.Index

	switch opts.Strategy {
	case cfg.TraversalForward:
		chosen, err = forwardScan(t, pm, res.Label.VolumeUUID, opts)

	case cfg.TraversalRollback:
		chosen, err = rollback(t, pm, res.Label.VolumeUUID, ipc, dpc, opts)
		res.ReadOnly = true

	default:
		chosen, err = pickByCoherency(t, pm, res, ipc, ipcErr, dpc, dpcErr, vcr, opts)
	}
	if err != nil {
		return nil, err
	}
	if chosen == nil {
		return nil, ltfserr.New(ltfserr.BadIndex, "index.Mount: no usable index found")
	}

	if chosen.VolumeUUID != res.Label.VolumeUUID {
		return nil, ltfserr.New(ltfserr.CoherencyMismatch, "index.Mount: index uuid mismatch")
	}

	res.Index = chosen
	res.Manager = NewManager(
		t, pm, res.Label.VolumeUUID, chosen.Generation, chosen.SelfPointer)

	logger.Infof(
		"index: mounted volume %s at generation %d",
		res.Label.VolumeUUID,
		chosen.Generation)
	return
}

// readLabel reads the XML label that follows the VOL1 record and its
// filemark.
func readLabel(t *tape.Tape, part drive.PartitionID) (*label.Label, error) {
	err := t.Locate(drive.Position{Partition: part, Block: 2})
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(t.NewStreamReader(false))
	if err != nil {
		return nil, err
	}

	return label.ParseXMLLabel(trimTrailingZeros(data))
}

// readIndexAt reads and parses the filemark-delimited index document
// starting at pos, checking self-pointer consistency.
func readIndexAt(
	t *tape.Tape,
	pm label.PartitionMap,
	pos drive.Position,
	recovery bool,
	opts MountOptions) (idx *xmlindex.Index, err error) {
	if err = t.Locate(pos); err != nil {
		return
	}

	raw, err := io.ReadAll(t.NewStreamReader(recovery))
	if err != nil {
		return
	}

	idx, _, err = xmlindex.Parse(trimTrailingZeros(raw), pm)
	if err != nil {
		return
	}

	want := xmlindex.PointerFor(pos, pm)
	if idx.SelfPointer != want {
		err = ltfserr.Errorf(
			ltfserr.BadIndex,
			"index.readIndexAt",
			"self pointer %c/%d does not match read position %c/%d",
			idx.SelfPointer.Partition, idx.SelfPointer.Block,
			want.Partition, want.Block)
		idx = nil
		return
	}

	if opts.OnIndexFound != nil {
		opts.OnIndexFound(idx.Generation, raw)
	}
	return
}

// pickByCoherency implements the default (backward) strategy of §mount:
// agreement, else higher parseable generation, else traversal.
func pickByCoherency(
	t *tape.Tape,
	pm label.PartitionMap,
	res *MountResult,
	ipc *label.Coherency, ipcErr error,
	dpc *label.Coherency, dpcErr error,
	vcr uint64,
	opts MountOptions) (idx *xmlindex.Index, err error) {
	type candidate struct {
		c    *label.Coherency
		part drive.PartitionID
	}

	var cands []candidate
	if ipcErr == nil {
		cands = append(cands, candidate{ipc, pm.IndexID})
	} else {
		res.Warnings = append(
			res.Warnings,
			fmt.Sprintf("index partition coherency unreadable: %v", ipcErr))
	}
	if dpcErr == nil {
		cands = append(cands, candidate{dpc, pm.DataID})
	} else {
		res.Warnings = append(
			res.Warnings,
			fmt.Sprintf("data partition coherency unreadable: %v", dpcErr))
	}

	agree := false
	if len(cands) == 2 {
		a, b := cands[0].c, cands[1].c
		if a.VolumeUUID != b.VolumeUUID {
			return nil, ltfserr.New(
				ltfserr.CoherencyMismatch,
				"index.Mount: partitions belong to different volumes")
		}

		agree = a.Generation == b.Generation
		if !agree {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"coherency generations disagree (ip=%d dp=%d); recovering from the newer",
				a.Generation, b.Generation))
		}

		// Prefer the higher generation.
		if b.Generation > a.Generation {
			cands[0], cands[1] = cands[1], cands[0]
		}
	}

	for _, cand := range cands {
		// A moved volume change reference on an otherwise-coherent volume is
		// just a reload; combined with disagreement it means an ungraceful
		// eject.
		if !agree && cand.c.VolumeChangeReference != vcr {
			res.Warnings = append(res.Warnings, fmt.Sprintf(
				"volume change reference moved (%d -> %d); cartridge was used elsewhere",
				cand.c.VolumeChangeReference, vcr))
		}

		pos := drive.Position{Partition: cand.part, Block: cand.c.SetID}
		idx, err = readIndexAt(t, pm, pos, false, opts)
		if err == nil {
			// A writer that died past a coherency-named index may have left
			// a newer one behind, on either partition.
			if opts.RecoverExtra {
				for _, c := range cands {
					start := drive.Position{Partition: c.part, Block: c.c.SetID}
					newer := scanNewer(t, pm, start, idx, opts)
					if newer != nil && newer.Generation > idx.Generation {
						res.Warnings = append(res.Warnings, fmt.Sprintf(
							"recovered generation %d beyond coherency-named %d",
							newer.Generation, idx.Generation))
						idx = newer
					}
				}
			}
			return idx, nil
		}

		logger.Warnf(
			"index: coherency-named index on partition %d failed: %v",
			cand.part,
			err)
	}

	// Neither coherency record led anywhere. Full forward traversal.
	res.Warnings = append(
		res.Warnings,
		"no coherent index found; falling back to forward traversal")
	return forwardScan(t, pm, res.Label.VolumeUUID, opts)
}

// scanNewer reads forward from the segment at pos looking for a later valid
// index of the same volume.
func scanNewer(
	t *tape.Tape,
	pm label.PartitionMap,
	pos drive.Position,
	idx *xmlindex.Index,
	opts MountOptions) (newest *xmlindex.Index) {
	var err error
	for {
		// Skip past the current segment (document, data or a bare
		// filemark).
		if err = t.Locate(pos); err != nil {
			return
		}
		if _, err = io.Copy(io.Discard, t.NewStreamReader(true)); err != nil {
			return
		}

		next := t.Position()
		if next.Block <= pos.Block {
			// No progress: EOD.
			return
		}

		cand, cerr := readIndexAt(t, pm, next, true, opts)
		if cerr == nil &&
			cand.VolumeUUID == idx.VolumeUUID &&
			cand.Generation > idx.Generation &&
			(newest == nil || cand.Generation > newest.Generation) {
			newest = cand
		}
		pos = next
	}
}

// forwardScan walks each partition from its first index forward, keeping the
// highest valid generation. Both partitions are always scanned, the index
// partition first, and the highest generation found on either wins.
func forwardScan(
	t *tape.Tape,
	pm label.PartitionMap,
	volUUID string,
	opts MountOptions) (best *xmlindex.Index, err error) {
	for _, part := range []drive.PartitionID{pm.IndexID, pm.DataID} {
		if cand := forwardScanPartition(t, pm, part, volUUID, opts); cand != nil {
			if best == nil || cand.Generation > best.Generation {
				best = cand
			}
		}
	}

	if best == nil {
		err = ltfserr.New(ltfserr.BadIndex, "index.forwardScan: no index found")
	}
	return
}

func forwardScanPartition(
	t *tape.Tape,
	pm label.PartitionMap,
	part drive.PartitionID,
	volUUID string,
	opts MountOptions) (best *xmlindex.Index) {
	// The first candidate segment starts after the label's filemark:
	// VOL1 (block 0), filemark, label blocks, filemark.
	if err := t.Locate(drive.Position{Partition: part, Block: 2}); err != nil {
		return
	}
	if _, err := io.Copy(io.Discard, t.NewStreamReader(false)); err != nil {
		return
	}

	for {
		pos := t.Position()

		cand, err := readIndexAt(t, pm, pos, true, opts)
		if err == nil && cand.VolumeUUID == volUUID {
			if best == nil || cand.Generation > best.Generation {
				best = cand
			}
			// readIndexAt consumed through the filemark; continue from
			// here.
			continue
		}

		// Not an index segment (data, or damage). Skip to the next
		// filemark; EOD ends the scan.
		if err = t.Locate(pos); err != nil {
			return
		}
		if _, err = io.Copy(io.Discard, t.NewStreamReader(true)); err != nil {
			return
		}

		next := t.Position()
		if next.Block <= pos.Block {
			return
		}
	}
}

// rollback follows the back-pointer chain to the requested generation.
func rollback(
	t *tape.Tape,
	pm label.PartitionMap,
	volUUID string,
	ipc, dpc *label.Coherency,
	opts MountOptions) (idx *xmlindex.Index, err error) {
	// Start from the newest coherency record available.
	var start *label.Coherency
	var part drive.PartitionID
	switch {
	case ipc != nil && (dpc == nil || ipc.Generation >= dpc.Generation):
		start, part = ipc, pm.IndexID
	case dpc != nil:
		start, part = dpc, pm.DataID
	default:
		err = ltfserr.New(ltfserr.CoherencyMismatch, "index.rollback: no coherency")
		return
	}

	idx, err = readIndexAt(
		t, pm, drive.Position{Partition: part, Block: start.SetID}, false, opts)
	if err != nil {
		return
	}

	for idx.Generation != opts.RollbackGeneration {
		if idx.PrevPointer == nil {
			return nil, ltfserr.Errorf(
				ltfserr.BadIndex,
				"index.rollback",
				"generation %d not on the back-pointer chain",
				opts.RollbackGeneration)
		}

		var pos drive.Position
		if pos, err = idx.PrevPointer.ToPosition(pm); err != nil {
			return nil, err
		}

		if idx, err = readIndexAt(t, pm, pos, false, opts); err != nil {
			return nil, err
		}
		if idx.VolumeUUID != volUUID {
			return nil, ltfserr.New(ltfserr.BadIndex, "index.rollback: uuid mismatch")
		}
	}
	return
}

// trimTrailingZeros drops the zero padding of a final partial tape block.
func trimTrailingZeros(data []byte) []byte {
	i := len(data)
	for i > 0 && data[i-1] == 0 {
		i--
	}
	return data[:i]
}
