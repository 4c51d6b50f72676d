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

// Package xmlindex serializes and parses the on-tape index document: the
// full dentry tree plus generation metadata, in the LTFS index schema.
// Serialization is deterministic (children ordered by UID) and unknown
// elements survive a parse/serialize round trip byte for byte.
package xmlindex

import (
	"time"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/internal/ltfstime"
	"github.com/amiaopensource/ltfs/label"
)

// IndexVersion is the schema version written by this implementation.
const IndexVersion = "2.2.0"

// Criteria is the data placement policy carried by the index: files no
// larger than MaxFilesize whose names match one of the patterns are
// candidates for the index partition.
type Criteria struct {
	Have        bool
	MaxFilesize uint64
	Patterns    []string
}

// Pointer is an index location in logical terms: a partition letter plus a
// block.
type Pointer struct {
	Partition byte
	Block     uint64
}

// ToPosition converts the pointer to a physical tape position.
func (p Pointer) ToPosition(pm label.PartitionMap) (drive.Position, error) {
	id, err := pm.IDOf(p.Partition)
	if err != nil {
		return drive.Position{}, err
	}
	return drive.Position{Partition: id, Block: p.Block}, nil
}

// PointerFor builds a pointer from a physical position.
func PointerFor(pos drive.Position, pm label.PartitionMap) Pointer {
	return Pointer{Partition: pm.LetterOf(pos.Partition), Block: pos.Block}
}

// Index is the in-memory form of one index generation.
type Index struct {
	Creator    string
	Comment    string
	VolumeUUID string
	Generation uint64
	UpdateTime time.Time

	// SelfPointer is where this index starts on tape. PrevPointer locates
	// the previous generation, or is nil for the first.
	SelfPointer Pointer
	PrevPointer *Pointer

	AllowPolicyUpdate bool
	Criteria          Criteria

	// HighestUID is the largest dentry UID ever assigned on the volume.
	HighestUID uint64

	Root *dentry.Dentry

	// Raw XML of top-level elements this implementation does not recognize.
	UnknownTags [][]byte
}

// Status carries non-fatal conditions observed while encoding or decoding.
type Status struct {
	// TimeClamped is set when a timestamp fell outside the representable
	// range and was clamped.
	TimeClamped bool
}

func formatTime(t time.Time) (string, bool) {
	return ltfstime.Format(t)
}

func parseTime(s string) (time.Time, bool, error) {
	return ltfstime.Parse(s)
}
