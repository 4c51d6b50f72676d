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

// Package syncer runs the per-volume background task that turns triggers —
// the periodic timer, dirty closes, explicit requests, cache pressure,
// capacity warnings — into index writes. One goroutine per volume,
// cooperatively cancellable; at most one sync runs at a time.
package syncer

import (
	"sync"
	"time"

	"github.com/amiaopensource/ltfs/internal/logger"
)

// Reason identifies the trigger behind a sync request.
type Reason int

const (
	ReasonPeriodic Reason = iota
	ReasonClose
	ReasonExplicit
	ReasonCachePressure
	ReasonIPEarlyWarning
	ReasonDPEarlyWarning
)

func (r Reason) String() string {
	switch r {
	case ReasonPeriodic:
		return "periodic"
	case ReasonClose:
		return "file close"
	case ReasonExplicit:
		return "explicit request"
	case ReasonCachePressure:
		return "cache pressure"
	case ReasonIPEarlyWarning:
		return "index partition early warning"
	case ReasonDPEarlyWarning:
		return "data partition early warning"
	default:
		return "unknown"
	}
}

// SyncFunc performs one sync: flush what the reason demands, then write an
// index generation. Provided by the volume layer. It is never invoked
// concurrently with itself.
type SyncFunc func(reason Reason)

// Syncer is the background sync task.
type Syncer struct {
	syncFn SyncFunc
	period time.Duration

	requests chan Reason
	stop     chan struct{}
	wg       sync.WaitGroup

	stopOnce sync.Once
}

// New starts the sync task. A zero period disables the timer; triggers still
// fire syncs.
func New(period time.Duration, syncFn SyncFunc) (s *Syncer) {
	s = &Syncer{
		syncFn:   syncFn,
		period:   period,
		requests: make(chan Reason, 16),
		stop:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()
	return
}

// Request schedules a sync for the given reason. Never blocks; while a sync
// is already queued, further requests coalesce into it.
func (s *Syncer) Request(reason Reason) {
	select {
	case s.requests <- reason:
	default:
		// Queue full: a sync is already on the way.
	}
}

// Stop cancels the task and waits for any in-flight sync to finish. Pending
// requests are dropped; the caller is about to write the unmount index,
// which supersedes them.
func (s *Syncer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

func (s *Syncer) run() {
	defer s.wg.Done()

	var timerC <-chan time.Time
	var timer *time.Timer
	if s.period > 0 {
		timer = time.NewTimer(s.period)
		timerC = timer.C
		defer timer.Stop()
	}

	for {
		select {
		case <-s.stop:
			return

		case reason := <-s.requests:
			s.drain()
			logger.Debugf("syncer: sync (%s)", reason)
			s.syncFn(reason)
			s.resetTimer(timer)

		case <-timerC:
			logger.Debugf("syncer: sync (periodic)")
			s.syncFn(ReasonPeriodic)
			timer.Reset(s.period)
		}
	}
}

// drain coalesces queued requests into the sync about to run.
func (s *Syncer) drain() {
	for {
		select {
		case <-s.requests:
		default:
			return
		}
	}
}

// resetTimer pushes the periodic deadline out after a triggered sync; the
// index just written covers the period.
func (s *Syncer) resetTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	timer.Reset(s.period)
}
