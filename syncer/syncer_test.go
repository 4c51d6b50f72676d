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

package syncer

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, ch <-chan Reason) Reason {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sync")
		return 0
	}
}

func TestRequestTriggersSync(t *testing.T) {
	calls := make(chan Reason, 16)
	s := New(0, func(r Reason) { calls <- r })
	defer s.Stop()

	s.Request(ReasonClose)
	assert.Equal(t, ReasonClose, waitFor(t, calls))
}

func TestPeriodicTimerFires(t *testing.T) {
	calls := make(chan Reason, 16)
	s := New(10*time.Millisecond, func(r Reason) { calls <- r })
	defer s.Stop()

	assert.Equal(t, ReasonPeriodic, waitFor(t, calls))
}

func TestRequestsCoalesceWhileBusy(t *testing.T) {
	gate := make(chan struct{})
	var runs int64

	s := New(0, func(r Reason) {
		atomic.AddInt64(&runs, 1)
		if atomic.LoadInt64(&runs) == 1 {
			<-gate
		}
	})

	// The first request occupies the sync function; a burst of further
	// requests must collapse into at most a couple of runs, not one each.
	s.Request(ReasonExplicit)
	for i := 0; i < 100; i++ {
		s.Request(ReasonCachePressure)
	}
	close(gate)

	// Allow the loop to drain.
	time.Sleep(100 * time.Millisecond)
	s.Stop()

	got := atomic.LoadInt64(&runs)
	require.GreaterOrEqual(t, got, int64(1))
	assert.LessOrEqual(t, got, int64(3))
}

func TestStopIsIdempotentAndJoins(t *testing.T) {
	s := New(0, func(Reason) {})
	s.Stop()
	s.Stop()
}

func TestReasonStrings(t *testing.T) {
	assert.Equal(t, "periodic", ReasonPeriodic.String())
	assert.Equal(t, "file close", ReasonClose.String())
	assert.Equal(t, "cache pressure", ReasonCachePressure.String())
}
