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

package iosched

import (
	"context"
	"path"
	"sync"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/jacobsa/syncutil"
)

// FCFS is the first-come, first-served scheduler: writes drain to tape in
// arrival order, one dirty region per file.
type FCFS struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	t        *tape.Tape
	pm       label.PartitionMap
	criteria CriteriaFunc
	pool     *bufferPool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Registry of files with live scheduler state.
	//
	// GUARDED_BY(mu)
	mu    syncutil.InvariantMutex
	files map[*dentry.Dentry]*filePriv
}

// filePriv is the per-file scheduler state hung off a dentry.
//
// Its mutex is the "iosched lock" of the volume lock hierarchy: acquired
// after the dentry's locks, before the device mutex.
type filePriv struct {
	mu   sync.Mutex
	cond *sync.Cond

	// flushing enforces at most one writer in flush-to-tape per file.
	//
	// GUARDED_BY(mu)
	flushing bool

	// The dirty region: buf holds bytes [bufOff, bufOff+len(buf)) of the
	// file, newer than anything on tape.
	//
	// GUARDED_BY(mu)
	buf    []byte
	bufOff uint64

	// Placement. Once placed is set the partition is sticky, except that a
	// file grown past the policy's size bound reverts to the data
	// partition for extents not yet written.
	//
	// GUARDED_BY(mu)
	placed bool
	forced bool
	part   drive.PartitionID
}

var _ Scheduler = &FCFS{}

// NewFCFS creates the scheduler. minPoolMB/maxPoolMB bound outstanding
// write-buffer memory; onPressure is invoked when the pool runs hot so the
// sync engine can flush.
func NewFCFS(
	t *tape.Tape,
	pm label.PartitionMap,
	criteria CriteriaFunc,
	minPoolMB, maxPoolMB int,
	onPressure func()) (s *FCFS) {
	s = &FCFS{
		t:        t,
		pm:       pm,
		criteria: criteria,
		pool: newBufferPool(
			int64(minPoolMB)<<20,
			int64(maxPoolMB)<<20,
			onPressure),
		files: make(map[*dentry.Dentry]*filePriv),
	}
	s.mu = syncutil.NewInvariantMutex(func() {})

	logger.Infof("iosched: FCFS scheduler ready (pool %d-%d MiB)", minPoolMB, maxPoolMB)
	return
}

// priv returns the file's scheduler state, creating it on first touch.
func (s *FCFS) priv(d *dentry.Dentry) *filePriv {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.files[d]
	if !ok {
		p = &filePriv{}
		p.cond = sync.NewCond(&p.mu)
		s.files[d] = p
	}
	return p
}

////////////////////////////////////////////////////////////////////////
// Write path
////////////////////////////////////////////////////////////////////////

func (s *FCFS) Write(
	ctx context.Context,
	d *dentry.Dentry,
	p []byte,
	offset uint64) (n int, err error) {
	if len(p) == 0 {
		return
	}

	if s.t.ReadOnly() {
		err = ltfserr.New(ltfserr.ReadOnlyVolume, "iosched.Write")
		return
	}

	if err = s.pool.acquire(ctx, int64(len(p))); err != nil {
		return
	}

	fp := s.priv(d)

	fp.mu.Lock()
	// A write that does not extend the current dirty region flushes it
	// first.
	if len(fp.buf) > 0 && offset != fp.bufOff+uint64(len(fp.buf)) {
		if err = s.flushLocked(ctx, d, fp, true); err != nil {
			fp.mu.Unlock()
			s.pool.release(int64(len(p)))
			return
		}
	}

	if len(fp.buf) == 0 {
		fp.bufOff = offset
	}
	fp.buf = append(fp.buf, p...)
	n = len(p)

	// Emit whole blocks eagerly, retaining the trailing partial.
	bs := uint64(s.t.Blocksize())
	var ferr error
	if uint64(len(fp.buf)) >= bs {
		ferr = s.flushLocked(ctx, d, fp, false)
	}
	fp.mu.Unlock()

	if ferr != nil {
		err = ferr
		n = 0
		return
	}

	// The write is visible immediately: update sizes.
	end := offset + uint64(n)
	d.MetaLock.Lock()
	size := d.Size()
	realsize := d.RealSize()
	if end > size {
		size = end
	}
	if end > realsize {
		realsize = end
	}
	d.SetSizes(size, realsize)
	d.MetaLock.Unlock()
	return
}

// flushLocked drains the dirty region to tape. With drainAll false, only
// whole blocks are written and the partial tail is retained.
//
// LOCKS_REQUIRED(fp.mu)
func (s *FCFS) flushLocked(
	ctx context.Context,
	d *dentry.Dentry,
	fp *filePriv,
	drainAll bool) (err error) {
	for fp.flushing {
		fp.cond.Wait()
	}

	bs := uint64(s.t.Blocksize())
	writeLen := uint64(len(fp.buf))
	if !drainAll {
		writeLen = writeLen / bs * bs
	}
	if writeLen == 0 {
		return
	}

	part := s.placeLocked(d, fp)

	fp.flushing = true
	snapshot := fp.buf[:writeLen]
	snapOff := fp.bufOff

	// Tape I/O happens without fp.mu so readers can still consult the
	// buffer.
	fp.mu.Unlock()

	first, _, werr := s.t.AppendRun(part, snapshot)

	if werr == nil {
		ext := dentry.Extent{
			Start:      first,
			ByteOffset: 0,
			ByteCount:  writeLen,
			FileOffset: snapOff,
		}

		d.ContentsLock.Lock()
		realsize := d.InsertExtent(ext, s.t.Blocksize())
		d.ContentsLock.Unlock()

		d.MetaLock.Lock()
		size := d.Size()
		if realsize > size {
			size = realsize
		}
		d.SetSizes(size, realsize)
		d.MetaLock.Unlock()
	}

	fp.mu.Lock()
	fp.flushing = false
	fp.cond.Broadcast()

	if werr != nil {
		err = werr
		return
	}

	// Retire the committed prefix of the dirty region.
	fp.buf = fp.buf[writeLen:]
	fp.bufOff = snapOff + writeLen
	s.pool.release(int64(writeLen))
	return
}

// placeLocked decides which partition the next extent lands on.
//
// LOCKS_REQUIRED(fp.mu)
func (s *FCFS) placeLocked(d *dentry.Dentry, fp *filePriv) drive.PartitionID {
	finalSize := fp.bufOff + uint64(len(fp.buf))

	if fp.placed {
		if fp.part == s.pm.IndexID && !fp.forced {
			// Grown past the policy bound: revert to the data partition.
			// Extents already on the index partition stay where they are.
			if have, maxSize, _ := s.criteria(); have && finalSize > maxSize {
				logger.Debugf(
					"iosched: file %q outgrew index partition policy; new extents go to data partition",
					d.Name())
				fp.part = s.pm.DataID
			}
		}
		return fp.part
	}

	fp.placed = true
	fp.part = s.pm.DataID

	have, maxSize, patterns := s.criteria()
	if have && finalSize <= maxSize {
		name := d.Name()
		for _, pat := range patterns {
			if ok, _ := path.Match(pat, name); ok {
				fp.part = s.pm.IndexID
				break
			}
		}
	}
	return fp.part
}

////////////////////////////////////////////////////////////////////////
// Read path
////////////////////////////////////////////////////////////////////////

func (s *FCFS) Read(
	ctx context.Context,
	d *dentry.Dentry,
	p []byte,
	offset uint64) (n int, err error) {
	size, _ := s.GetFilesize(d)
	if offset >= size {
		return 0, nil
	}

	end := offset + uint64(len(p))
	if end > size {
		end = size
	}
	n = int(end - offset)
	p = p[:n]

	// Sparse regions read as zeros.
	for i := range p {
		p[i] = 0
	}

	// Committed extents.
	d.ContentsLock.RLock()
	extents := make([]dentry.Extent, len(d.Extents()))
	copy(extents, d.Extents())
	d.ContentsLock.RUnlock()

	for _, e := range extents {
		if err = s.readExtent(e, p, offset, end); err != nil {
			return 0, err
		}
	}

	// Unflushed bytes overlay whatever is on tape.
	fp := s.priv(d)
	fp.mu.Lock()
	if len(fp.buf) > 0 {
		lo := maxU64(offset, fp.bufOff)
		hi := minU64(end, fp.bufOff+uint64(len(fp.buf)))
		if lo < hi {
			copy(p[lo-offset:hi-offset], fp.buf[lo-fp.bufOff:hi-fp.bufOff])
		}
	}
	fp.mu.Unlock()
	return
}

// readExtent copies the overlap of extent e and [offset, end) into p.
func (s *FCFS) readExtent(e dentry.Extent, p []byte, offset, end uint64) error {
	lo := maxU64(offset, e.FileOffset)
	hi := minU64(end, e.FileOffset+e.ByteCount)
	if lo >= hi {
		return nil
	}

	bs := uint64(s.t.Blocksize())
	for pos := lo; pos < hi; {
		// Tape location of file byte pos.
		rel := uint64(e.ByteOffset) + (pos - e.FileOffset)
		block := e.Start.Block + rel/bs
		inBlock := rel % bs

		take := minU64(hi-pos, bs-inBlock)

		data, err := s.t.ReadBlock(drive.Position{
			Partition: e.Start.Partition,
			Block:     block,
		})
		if err != nil {
			return err
		}

		avail := uint64(len(data))
		if inBlock >= avail {
			return ltfserr.Errorf(
				ltfserr.MediumError,
				"iosched.readExtent",
				"block %d shorter than extent expects", block)
		}
		if take > avail-inBlock {
			take = avail - inBlock
		}

		copy(p[pos-offset:], data[inBlock:inBlock+take])
		pos += take
	}
	return nil
}

////////////////////////////////////////////////////////////////////////
// Flush, truncate, close
////////////////////////////////////////////////////////////////////////

func (s *FCFS) Flush(ctx context.Context, d *dentry.Dentry) (err error) {
	if d == nil {
		return s.flushAll(ctx)
	}

	fp := s.priv(d)
	fp.mu.Lock()
	err = s.flushLocked(ctx, d, fp, true)
	fp.mu.Unlock()
	return
}

func (s *FCFS) flushAll(ctx context.Context) error {
	s.mu.Lock()
	ds := make([]*dentry.Dentry, 0, len(s.files))
	for d := range s.files {
		ds = append(ds, d)
	}
	s.mu.Unlock()

	for _, d := range ds {
		if err := s.Flush(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

func (s *FCFS) Truncate(ctx context.Context, d *dentry.Dentry, size uint64) (err error) {
	if err = s.Flush(ctx, d); err != nil {
		return
	}

	d.ContentsLock.Lock()
	realsize := d.TruncateExtents(size)
	d.ContentsLock.Unlock()

	d.MetaLock.Lock()
	d.SetSizes(size, realsize)
	d.MetaLock.Unlock()
	return
}

func (s *FCFS) GetFilesize(d *dentry.Dentry) (size, realsize uint64) {
	d.MetaLock.RLock()
	size = d.Size()
	realsize = d.RealSize()
	d.MetaLock.RUnlock()

	fp := s.priv(d)
	fp.mu.Lock()
	if bufEnd := fp.bufOff + uint64(len(fp.buf)); len(fp.buf) > 0 {
		if bufEnd > size {
			size = bufEnd
		}
		if bufEnd > realsize {
			realsize = bufEnd
		}
	}
	fp.mu.Unlock()
	return
}

func (s *FCFS) ForcePlacement(d *dentry.Dentry, part drive.PartitionID) error {
	d.ContentsLock.RLock()
	hasData := len(d.Extents()) > 0
	d.ContentsLock.RUnlock()

	fp := s.priv(d)
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if hasData || len(fp.buf) > 0 {
		return ltfserr.New(ltfserr.BadArg, "iosched.ForcePlacement: file not empty")
	}

	fp.placed = true
	fp.forced = true
	fp.part = part
	return nil
}

func (s *FCFS) Close(ctx context.Context, d *dentry.Dentry, flush bool) (err error) {
	if flush {
		if err = s.Flush(ctx, d); err != nil {
			return
		}
	}

	s.mu.Lock()
	fp, ok := s.files[d]
	delete(s.files, d)
	s.mu.Unlock()

	if ok {
		fp.mu.Lock()
		if n := len(fp.buf); n > 0 {
			// Dropped without flush (close(flush=false) or error path).
			s.pool.release(int64(n))
			fp.buf = nil
		}
		fp.mu.Unlock()
	}
	return
}

func (s *FCFS) Destroy(ctx context.Context) error {
	return s.flushAll(ctx)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
