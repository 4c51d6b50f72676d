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
	"io"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/ltfserr"
)

// BlockWriter buffers a byte stream into whole tape blocks on one
// partition. Nothing reaches the medium until a full block accumulates; the
// final partial block is zero-padded and written by Close.
type BlockWriter struct {
	t    *Tape
	part drive.PartitionID

	buf []byte // capacity == blocksize

	// Position of the first block written, once any block has been.
	first    drive.Position
	haveAny  bool
	nBlocks  uint64
	earlyErr error
}

// NewBlockWriter starts a block-buffered write at the partition's append
// point.
func (t *Tape) NewBlockWriter(part drive.PartitionID) *BlockWriter {
	return &BlockWriter{
		t:    t,
		part: part,
		buf:  make([]byte, 0, t.blocksize),
	}
}

var _ io.WriteCloser = &BlockWriter{}

func (w *BlockWriter) Write(p []byte) (n int, err error) {
	if w.earlyErr != nil {
		return 0, w.earlyErr
	}

	for len(p) > 0 {
		space := cap(w.buf) - len(w.buf)
		take := space
		if take > len(p) {
			take = len(p)
		}

		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		n += take

		if len(w.buf) == cap(w.buf) {
			if err = w.flushBlock(); err != nil {
				w.earlyErr = err
				return
			}
		}
	}
	return
}

func (w *BlockWriter) flushBlock() error {
	pos, err := w.t.Append(w.part, w.buf)
	if err != nil {
		return err
	}

	if !w.haveAny {
		w.first = pos
		w.haveAny = true
	}
	w.nBlocks++
	w.buf = w.buf[:0]
	return nil
}

// Close pads and writes any buffered partial block.
func (w *BlockWriter) Close() error {
	if w.earlyErr != nil {
		return w.earlyErr
	}

	if len(w.buf) > 0 {
		for len(w.buf) < cap(w.buf) {
			w.buf = append(w.buf, 0)
		}
		if err := w.flushBlock(); err != nil {
			w.earlyErr = err
			return err
		}
	}
	return nil
}

// FirstBlock reports where the stream began on tape.
//
// REQUIRES: at least one block has been written.
func (w *BlockWriter) FirstBlock() drive.Position {
	if !w.haveAny {
		panic("BlockWriter: FirstBlock before any block written")
	}
	return w.first
}

// BlocksWritten reports the number of blocks flushed so far.
func (w *BlockWriter) BlocksWritten() uint64 {
	return w.nBlocks
}

////////////////////////////////////////////////////////////////////////
// Reading
////////////////////////////////////////////////////////////////////////

// StreamReader reads records sequentially from the current head position
// until a filemark, which reads as EOF. Reading past EOD is a hard error
// unless the reader was created in recovery mode.
type StreamReader struct {
	t        *Tape
	recovery bool

	rec     []byte
	recOff  int
	done    bool
	lastErr error
}

// NewStreamReader reads from the head forward. In recovery mode EOD
// terminates the stream like a filemark instead of failing.
func (t *Tape) NewStreamReader(recovery bool) *StreamReader {
	return &StreamReader{t: t, recovery: recovery}
}

var _ io.Reader = &StreamReader{}

func (r *StreamReader) Read(p []byte) (n int, err error) {
	if r.lastErr != nil {
		return 0, r.lastErr
	}
	if r.done {
		return 0, io.EOF
	}

	if r.recOff == len(r.rec) {
		if err = r.fill(); err != nil {
			r.lastErr = err
			if err == io.EOF {
				r.done = true
				r.lastErr = nil
			}
			return 0, err
		}
	}

	n = copy(p, r.rec[r.recOff:])
	r.recOff += n
	return
}

func (r *StreamReader) fill() error {
	buf := make([]byte, r.t.blocksize)
	n, err := r.t.ReadNext(buf)

	switch err {
	case nil:
		if n > len(buf) {
			return ltfserr.Errorf(
				ltfserr.MediumError,
				"tape.StreamReader",
				"record of %d bytes exceeds blocksize %d", n, r.t.blocksize)
		}
		r.rec = buf[:n]
		r.recOff = 0
		return nil

	case drive.ErrFilemark:
		return io.EOF

	case drive.ErrEndOfData:
		if r.recovery {
			return io.EOF
		}
		return ltfserr.New(ltfserr.EodMissing, "tape.StreamReader")

	default:
		return err
	}
}
