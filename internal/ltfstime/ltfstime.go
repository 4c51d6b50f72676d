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

// Package ltfstime formats and parses the timestamp representation used by
// the on-tape XML documents: YYYY-MM-DDTHH:MM:SS.nnnnnnnnnZ, UTC,
// nanosecond precision.
package ltfstime

import (
	"fmt"
	"time"
)

const layout = "2006-01-02T15:04:05.000000000Z"

var (
	// The representable range. Values outside are clamped at serialization
	// time.
	minTime = time.Date(0, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxTime = time.Date(9999, time.December, 31, 23, 59, 59, 999999999, time.UTC)
)

// Format renders t in the on-tape representation. clamped reports whether t
// fell outside the representable range and was clamped; callers surface this
// as a non-fatal status.
func Format(t time.Time) (s string, clamped bool) {
	t = t.UTC()

	if t.Before(minTime) {
		return minTime.Format(layout), true
	}
	if t.After(maxTime) {
		return maxTime.Format(layout), true
	}

	return t.Format(layout), false
}

// Parse reads the on-tape representation. Go's parser accepts a fractional
// second field of any width, so both nanosecond and second granularity
// writers are handled. Out-of-range values are clamped rather than rejected,
// matching Format.
func Parse(s string) (t time.Time, clamped bool, err error) {
	t, err = time.Parse("2006-01-02T15:04:05Z", s)
	if err != nil {
		// A year outside [0, 9999] does not fit the layout at all. Clamp it
		// here instead of failing, as required for indexes written by
		// foreign implementations.
		if len(s) > 5 && s[0] == '-' {
			return minTime, true, nil
		}
		if i := indexNonDigit(s); i >= 5 && s[i] == '-' {
			return maxTime, true, nil
		}

		err = fmt.Errorf("malformed timestamp %q: %w", s, err)
		return
	}

	t = t.UTC()
	if t.Before(minTime) {
		t, clamped = minTime, true
	} else if t.After(maxTime) {
		t, clamped = maxTime, true
	}
	return
}

// indexNonDigit returns the index of the first non-digit byte of s, or -1 if
// s is all digits or empty.
func indexNonDigit(s string) int {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return i
		}
	}
	return -1
}
