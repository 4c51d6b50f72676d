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

	"golang.org/x/sync/semaphore"
)

// bufferPool bounds outstanding write-buffer memory across all files on the
// volume. Acquire blocks when the pool is exhausted; the pressure callback
// asks the sync engine to flush so the pool drains.
type bufferPool struct {
	sem *semaphore.Weighted

	// maxBytes is the hard bound; pressureAt is the in-use level beyond
	// which onPressure fires.
	maxBytes   int64
	pressureAt int64

	onPressure func()

	// inUse is approximate, maintained for the pressure heuristic only.
	inUse chan int64 // 1-element mailbox holding the current value
}

func newBufferPool(minBytes, maxBytes int64, onPressure func()) *bufferPool {
	p := &bufferPool{
		sem:        semaphore.NewWeighted(maxBytes),
		maxBytes:   maxBytes,
		pressureAt: minBytes + (maxBytes-minBytes)*3/4,
		onPressure: onPressure,
		inUse:      make(chan int64, 1),
	}
	p.inUse <- 0
	return p
}

// acquire reserves n bytes of buffer budget, firing the pressure callback
// when the reservation pushes usage past the watermark or has to wait.
func (p *bufferPool) acquire(ctx context.Context, n int64) error {
	if n > p.maxBytes {
		n = p.maxBytes
	}

	if !p.sem.TryAcquire(n) {
		// The pool is exhausted: the sync engine must flush to make room.
		if p.onPressure != nil {
			p.onPressure()
		}
		if err := p.sem.Acquire(ctx, n); err != nil {
			return err
		}
	}

	v := <-p.inUse
	v += n
	p.inUse <- v

	if v >= p.pressureAt && p.onPressure != nil {
		p.onPressure()
	}
	return nil
}

func (p *bufferPool) release(n int64) {
	if n == 0 {
		return
	}
	if n > p.maxBytes {
		n = p.maxBytes
	}

	v := <-p.inUse
	v -= n
	p.inUse <- v

	p.sem.Release(n)
}
