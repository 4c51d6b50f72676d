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

// Package label implements the volume identification records: the 80-byte
// ANSI VOL1 label, the per-partition XML label, and the binary coherency
// record stored in MAM. These are the first things written at format time
// and the first things read at mount time.
package label

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"time"

	"github.com/amiaopensource/ltfs/internal/ltfstime"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/google/uuid"
)

// FormatSpecVersion is the LTFS format specification version this
// implementation writes.
const FormatSpecVersion = "2.2.0"

// Creator identifies this implementation in labels and indexes.
const Creator = "amiaopensource ltfs for Go"

// Partition letters. The volume label maps physical partition numbers to
// these logical roles.
const (
	IndexPartition byte = 'a'
	DataPartition  byte = 'b'
)

// Label is the per-partition XML label.
type Label struct {
	Creator     string
	FormatTime  time.Time
	VolumeUUID  string
	ThisWritten byte // partition letter this copy is written on
	IndexPart   byte
	DataPart    byte
	Blocksize   uint32
	Compression bool
}

// xmlLabel mirrors the on-tape schema. Field order is serialization order.
type xmlLabel struct {
	XMLName    xml.Name `xml:"ltfslabel"`
	Version    string   `xml:"version,attr"`
	Creator    string   `xml:"creator"`
	FormatTime string   `xml:"formattime"`
	VolumeUUID string   `xml:"volumeuuid"`
	Location   struct {
		Partition string `xml:"partition"`
	} `xml:"location"`
	Partitions struct {
		Index string `xml:"index"`
		Data  string `xml:"data"`
	} `xml:"partitions"`
	Blocksize   uint32 `xml:"blocksize"`
	Compression bool   `xml:"compression"`
}

// MarshalXMLLabel serializes the label document, including the XML
// declaration.
func (l *Label) MarshalXMLLabel() ([]byte, error) {
	var x xmlLabel
	x.Version = FormatSpecVersion
	x.Creator = l.Creator
	ft, _ := ltfstime.Format(l.FormatTime)
	x.FormatTime = ft
	x.VolumeUUID = l.VolumeUUID
	x.Location.Partition = string(l.ThisWritten)
	x.Partitions.Index = string(l.IndexPart)
	x.Partitions.Data = string(l.DataPart)
	x.Blocksize = l.Blocksize
	x.Compression = l.Compression

	body, err := xml.MarshalIndent(&x, "", "    ")
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	buf.Write(body)
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// ParseXMLLabel parses a label document and validates its basic sanity.
func ParseXMLLabel(data []byte) (l *Label, err error) {
	var x xmlLabel
	if err = xml.Unmarshal(data, &x); err != nil {
		err = ltfserr.Wrap(ltfserr.MediumFormatError, "label.ParseXMLLabel", err)
		return
	}

	if _, err = uuid.Parse(x.VolumeUUID); err != nil {
		err = ltfserr.Errorf(
			ltfserr.MediumFormatError,
			"label.ParseXMLLabel",
			"bad volume uuid %q", x.VolumeUUID)
		return
	}

	if len(x.Location.Partition) != 1 ||
		len(x.Partitions.Index) != 1 ||
		len(x.Partitions.Data) != 1 {
		err = ltfserr.New(ltfserr.MediumFormatError, "label.ParseXMLLabel")
		return
	}

	ft, _, err := ltfstime.Parse(x.FormatTime)
	if err != nil {
		err = ltfserr.Wrap(ltfserr.MediumFormatError, "label.ParseXMLLabel", err)
		return
	}

	l = &Label{
		Creator:     x.Creator,
		FormatTime:  ft,
		VolumeUUID:  x.VolumeUUID,
		ThisWritten: x.Location.Partition[0],
		IndexPart:   x.Partitions.Index[0],
		DataPart:    x.Partitions.Data[0],
		Blocksize:   x.Blocksize,
		Compression: x.Compression,
	}
	return
}

////////////////////////////////////////////////////////////////////////
// VOL1
////////////////////////////////////////////////////////////////////////

// VOL1Size is the fixed size of the ANSI volume label record.
const VOL1Size = 80

// MarshalVOL1 builds the 80-byte ANSI VOL1 record from the cartridge
// barcode. The barcode contributes at most six characters of the volume
// identifier, space-padded.
func MarshalVOL1(barcode string) []byte {
	rec := bytes.Repeat([]byte{' '}, VOL1Size)
	copy(rec, "VOL1")

	id := barcode
	if len(id) > 6 {
		id = id[:6]
	}
	copy(rec[4:10], id)

	// Accessibility byte: 'L' marks an LTFS volume.
	rec[10] = 'L'

	// Implementation identifier.
	copy(rec[24:], "LTFS")

	// Label standard version.
	rec[79] = '4'
	return rec
}

// ParseVOL1 validates a VOL1 record and extracts the volume identifier.
func ParseVOL1(rec []byte) (barcode string, err error) {
	if len(rec) < VOL1Size || !bytes.HasPrefix(rec, []byte("VOL1")) {
		err = ltfserr.New(ltfserr.MediumFormatError, "label.ParseVOL1")
		return
	}

	barcode = string(bytes.TrimRight(rec[4:10], " "))
	return
}

////////////////////////////////////////////////////////////////////////
// Coherency record
////////////////////////////////////////////////////////////////////////

// CoherencyVersion is the layout version of the coherency payload.
const CoherencyVersion uint8 = 1

// Coherency is the per-partition MAM record naming the latest index on that
// partition. On a cleanly unmounted volume both partitions agree on
// (UUID, Generation).
type Coherency struct {
	VolumeChangeReference uint64
	Generation            uint64
	SetID                 uint64 // block of the latest index on this partition
	VolumeUUID            string
	Version               uint8
}

const coherencySize = 8 + 8 + 8 + 37 + 1

// Marshal encodes the coherency payload: three big-endian u64s, a
// NUL-terminated 37-byte UUID field, and a version byte.
func (c *Coherency) Marshal() []byte {
	out := make([]byte, coherencySize)
	putU64(out[0:], c.VolumeChangeReference)
	putU64(out[8:], c.Generation)
	putU64(out[16:], c.SetID)
	copy(out[24:24+36], c.VolumeUUID)
	out[24+36] = 0
	out[coherencySize-1] = c.Version
	return out
}

// ParseCoherency decodes a coherency payload. A zero-length payload reports
// CoherencyMismatch, which mount treats as "no coherency recorded".
func ParseCoherency(data []byte) (c *Coherency, err error) {
	if len(data) == 0 {
		err = ltfserr.New(ltfserr.CoherencyMismatch, "label.ParseCoherency")
		return
	}

	if len(data) != coherencySize {
		err = ltfserr.Errorf(
			ltfserr.CoherencyMismatch,
			"label.ParseCoherency",
			"payload is %d bytes, want %d", len(data), coherencySize)
		return
	}

	c = &Coherency{
		VolumeChangeReference: getU64(data[0:]),
		Generation:            getU64(data[8:]),
		SetID:                 getU64(data[16:]),
		Version:               data[coherencySize-1],
	}

	u := data[24 : 24+37]
	if i := bytes.IndexByte(u, 0); i >= 0 {
		u = u[:i]
	}
	c.VolumeUUID = string(u)

	if _, uerr := uuid.Parse(c.VolumeUUID); uerr != nil {
		c = nil
		err = ltfserr.Errorf(
			ltfserr.CoherencyMismatch,
			"label.ParseCoherency",
			"bad uuid in coherency record")
	}
	return
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getU64(b []byte) (v uint64) {
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return
}

// String renders a coherency record for logs.
func (c *Coherency) String() string {
	return fmt.Sprintf(
		"coherency{vcr=%d gen=%d set=%d uuid=%s v=%d}",
		c.VolumeChangeReference,
		c.Generation,
		c.SetID,
		c.VolumeUUID,
		c.Version)
}
