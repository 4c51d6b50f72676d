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

package label

import (
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/ltfserr"
)

// PartitionMap relates the logical partition letters of the format to the
// physical partition numbers of the transport.
type PartitionMap struct {
	IndexLetter byte
	DataLetter  byte
	IndexID     drive.PartitionID
	DataID      drive.PartitionID
}

// DefaultPartitionMap is the standard layout: index partition on physical 0
// as 'a', data partition on physical 1 as 'b'.
func DefaultPartitionMap() PartitionMap {
	return PartitionMap{
		IndexLetter: IndexPartition,
		DataLetter:  DataPartition,
		IndexID:     drive.Partition0,
		DataID:      drive.Partition1,
	}
}

// LetterOf maps a physical partition to its letter.
func (m PartitionMap) LetterOf(id drive.PartitionID) byte {
	if id == m.IndexID {
		return m.IndexLetter
	}
	return m.DataLetter
}

// IDOf maps a partition letter to its physical partition.
func (m PartitionMap) IDOf(letter byte) (drive.PartitionID, error) {
	switch letter {
	case m.IndexLetter:
		return m.IndexID, nil
	case m.DataLetter:
		return m.DataID, nil
	default:
		return 0, ltfserr.Errorf(
			ltfserr.BadIndex,
			"label.PartitionMap",
			"unknown partition letter %q", string(letter))
	}
}
