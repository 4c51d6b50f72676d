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

package tape

import (
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/label"
)

// ReadCoherency reads and decodes the partition's volume coherency MAM
// attribute.
func (t *Tape) ReadCoherency(part drive.PartitionID) (*label.Coherency, error) {
	data, err := t.dev.ReadMAM(part, drive.MAMVolumeCoherencyInfo)
	if err != nil {
		return nil, err
	}
	return label.ParseCoherency(data)
}

// WriteCoherency encodes and writes the partition's volume coherency MAM
// attribute. The transport guarantees the update is atomic.
func (t *Tape) WriteCoherency(part drive.PartitionID, c *label.Coherency) error {
	return t.dev.WriteMAM(part, drive.MAMVolumeCoherencyInfo, c.Marshal())
}

// UpdateMAMAttributes refreshes the human-readable cartridge attributes:
// application identity, the user medium label (volume name) and barcode.
// Called at mount and unmount; failures are non-fatal to the caller.
func (t *Tape) UpdateMAMAttributes(volumeName, barcode string) error {
	attrs := []struct {
		id    uint16
		value string
	}{
		{drive.MAMApplicationVendor, "amiaopensource"},
		{drive.MAMApplicationName, label.Creator},
		{drive.MAMApplicationVersion, label.FormatSpecVersion},
		{drive.MAMUserMediumLabel, volumeName},
		{drive.MAMBarcode, barcode},
		{drive.MAMApplicationFormatVersion, label.FormatSpecVersion},
	}

	for _, a := range attrs {
		if err := t.dev.WriteMAM(drive.Partition0, a.id, []byte(a.value)); err != nil {
			return err
		}
	}
	return nil
}
