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

package dentry

import (
	"sort"

	"github.com/amiaopensource/ltfs/drive"
)

// Extent describes a contiguous run of tape blocks holding file data. On-tape
// data is immutable; overwrite and truncate adjust the extent list, never the
// medium.
type Extent struct {
	// Start is the first tape block of the run.
	Start drive.Position

	// ByteOffset is the offset of the first payload byte within the first
	// block.
	ByteOffset uint32

	// ByteCount is the number of payload bytes in the run.
	ByteCount uint64

	// FileOffset is where the payload lands in the file.
	FileOffset uint64
}

// end returns the first file offset past the extent.
func (e Extent) end() uint64 {
	return e.FileOffset + e.ByteCount
}

// Extents returns the extent list for reading and serialization. Callers
// must not mutate it.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) Extents() []Extent {
	return d.extents
}

// SetExtents installs a parsed extent list wholesale, normalizing order, and
// reports the resulting realsize.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) SetExtents(extents []Extent) (realsize uint64) {
	sort.Slice(extents, func(i, j int) bool {
		return extents[i].FileOffset < extents[j].FileOffset
	})
	d.extents = extents
	return d.extentsRealsize()
}

// InsertExtent adds a newly written extent, clipping any older extents it
// overlaps. blocksize is needed to re-anchor the surviving tail of a clipped
// extent on its proper block. The returned realsize reflects the new extent
// list; the caller stores it under MetaLock.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) InsertExtent(e Extent, blocksize uint32) (realsize uint64) {
	if e.ByteCount == 0 {
		return d.extentsRealsize()
	}

	var out []Extent
	for _, o := range d.extents {
		switch {
		case o.end() <= e.FileOffset || o.FileOffset >= e.end():
			// No overlap.
			out = append(out, o)

		case o.FileOffset < e.FileOffset && o.end() > e.end():
			// The old extent spans the new one: split into head and tail.
			head := o
			head.ByteCount = e.FileOffset - o.FileOffset
			out = append(out, head)

			tail := o
			advanceExtent(&tail, e.end()-o.FileOffset, blocksize)
			out = append(out, tail)

		case o.FileOffset < e.FileOffset:
			// Head survives.
			head := o
			head.ByteCount = e.FileOffset - o.FileOffset
			out = append(out, head)

		case o.end() > e.end():
			// Tail survives.
			tail := o
			advanceExtent(&tail, e.end()-o.FileOffset, blocksize)
			out = append(out, tail)

		default:
			// Fully covered: dropped. The tape blocks become orphaned.
		}
	}

	out = append(out, e)
	sort.Slice(out, func(i, j int) bool {
		return out[i].FileOffset < out[j].FileOffset
	})
	d.extents = out
	return d.extentsRealsize()
}

// advanceExtent moves the extent's start forward by delta payload bytes,
// re-normalizing the block/offset pair.
func advanceExtent(e *Extent, delta uint64, blocksize uint32) {
	off := uint64(e.ByteOffset) + delta
	e.Start.Block += off / uint64(blocksize)
	e.ByteOffset = uint32(off % uint64(blocksize))
	e.ByteCount -= delta
	e.FileOffset += delta
}

// TruncateExtents trims the extent list to the given size. It reports the
// resulting realsize.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) TruncateExtents(size uint64) (realsize uint64) {
	var out []Extent
	for _, e := range d.extents {
		switch {
		case e.FileOffset >= size:
			// Dropped entirely.

		case e.end() > size:
			e.ByteCount = size - e.FileOffset
			out = append(out, e)

		default:
			out = append(out, e)
		}
	}

	d.extents = out
	return d.extentsRealsize()
}

// extentsRealsize computes realsize as the highest extent end.
//
// LOCKS_REQUIRED(d.ContentsLock)
func (d *Dentry) extentsRealsize() (rs uint64) {
	for _, e := range d.extents {
		if e.end() > rs {
			rs = e.end()
		}
	}
	return
}
