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

// Package iosched schedules user file I/O onto the tape: per-file write
// buffering, lazy partition placement, flush discipline, and the
// at-most-one-writer-per-file invariant. Schedulers are pluggable behind the
// Scheduler interface; FCFS is the implementation shipped here.
package iosched

import (
	"context"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
)

// Scheduler is the contract between the filesystem façade and an I/O
// scheduler.
type Scheduler interface {
	// Read copies file bytes into p, serving unflushed bytes from the write
	// buffer and the rest from tape extents. Sparse regions read as zeros.
	Read(ctx context.Context, d *dentry.Dentry, p []byte, offset uint64) (n int, err error)

	// Write buffers p at the given offset. It may emit whole-block tape
	// writes when the buffer fills, and may block on buffer-pool admission.
	Write(ctx context.Context, d *dentry.Dentry, p []byte, offset uint64) (n int, err error)

	// Flush drains the file's buffer to tape and updates its extent list.
	// A nil dentry flushes every file.
	Flush(ctx context.Context, d *dentry.Dentry) error

	// Truncate flushes, then trims or sparsely zero-extends the file to
	// size.
	Truncate(ctx context.Context, d *dentry.Dentry, size uint64) error

	// GetFilesize reports size and realsize including unflushed bytes.
	GetFilesize(d *dentry.Dentry) (size, realsize uint64)

	// ForcePlacement pins an empty file's partition (the ltfs.partition
	// xattr). Fails once data exists.
	ForcePlacement(d *dentry.Dentry, part drive.PartitionID) error

	// Close flushes (optionally) and releases the file's scheduler state.
	Close(ctx context.Context, d *dentry.Dentry, flush bool) error

	// Destroy flushes everything and shuts the scheduler down.
	Destroy(ctx context.Context) error
}

// CriteriaFunc yields the volume's current index partition criteria. The
// scheduler consults it at placement time.
type CriteriaFunc func() (have bool, maxFilesize uint64, patterns []string)
