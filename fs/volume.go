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

// Package fs ties the tree, scheduler, index manager and sync engine into
// the filesystem operations a host binding calls.
//
// LOCK ORDERING
//
// Define a strict partial order on the volume's locks:
//
//  1. Revalidation mutex.
//  2. Volume RW-lock (read for data ops, write for mount/unmount/sync).
//  3. Rename lock.
//  4. Dirty lock and UID lock (short, leaf-like).
//  5. Parent dentry ContentsLock.
//  6. Child dentry ContentsLock.
//  7. Parent dentry MetaLock.
//  8. Child dentry MetaLock.
//  9. Scheduler per-file lock.
// 10. Device mutex.
//
// Acquire a higher-numbered lock only while holding lower-numbered ones (or
// none). The sync engine never holds a dentry lock across tape I/O.
package fs

import (
	"context"
	"sync"
	"time"

	"github.com/amiaopensource/ltfs/cfg"
	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/index"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/iosched"
	"github.com/amiaopensource/ltfs/label"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/syncer"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/amiaopensource/ltfs/xmlindex"
	"github.com/jacobsa/timeutil"
)

// revalState tracks recovery from a medium change or power-on reset.
type revalState int

const (
	revalIdle revalState = iota
	revalRunning
	revalFailed
)

// Volume is one mounted cartridge.
type Volume struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock
	t     *tape.Tape
	mgr   *index.Manager
	sched iosched.Scheduler
	syn   *syncer.Syncer

	/////////////////////////
	// Constant data
	/////////////////////////

	pm         label.PartitionMap
	lbl        *label.Label
	barcode    string
	useAtime   bool
	syncOnClose bool

	// mountReadOnly is set for rollback mounts and -o ro.
	mountReadOnly bool

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The volume RW-lock: read-held by data operations, write-held by
	// mount, unmount and index writes.
	lock sync.RWMutex

	// Serializes renames volume-wide so cycles cannot form.
	renameLock sync.Mutex

	// GUARDED_BY(revalMu)
	revalMu sync.Mutex
	reval   revalState

	// GUARDED_BY(dirtyLock)
	dirtyLock  sync.Mutex
	dirty      bool
	atimeDirty bool

	// GUARDED_BY(uidLock)
	uidLock    sync.Mutex
	highestUID uint64

	// Policy state, snapshot into every index.
	//
	// GUARDED_BY(lock)
	criteria          xmlindex.Criteria
	allowPolicyUpdate bool
	commitMessage     string
	idxUnknownTags    [][]byte

	// storageAlert records that writes crossed programmable early warning;
	// the next index carries the flag.
	//
	// GUARDED_BY(dirtyLock)
	storageAlert bool

	// ipOnly is latched once the data partition hits early warning: all
	// further indexes go to the index partition only.
	//
	// GUARDED_BY(lock)
	ipOnly bool

	root *dentry.Dentry
}

// MountOptions configure Mount.
type MountOptions struct {
	Mount   cfg.MountConfig
	Sync    cfg.SyncConfig
	IOSched cfg.IOSchedConfig
}

// Mount loads the cartridge, finds the newest coherent index and builds a
// live volume.
func Mount(
	dev drive.Drive,
	clock timeutil.Clock,
	opts MountOptions) (v *Volume, err error) {
	if err = dev.Load(); err != nil {
		return
	}
	if err = dev.TestReady(); err != nil {
		return
	}

	t := tape.New(dev, cfg.DefaultBlocksize)

	mres, err := index.Mount(t, index.MountOptions{
		Strategy:           opts.Mount.Traversal,
		RollbackGeneration: opts.Mount.RollbackGeneration,
		RecoverExtra:       opts.Mount.RecoverExtra,
	})
	if err != nil {
		return
	}

	for _, w := range mres.Warnings {
		logger.Warnf("fs: mount: %s", w)
	}

	idx := mres.Index

	v = &Volume{
		clock:             clock,
		t:                 t,
		mgr:               mres.Manager,
		pm:                mres.PartMap,
		lbl:               mres.Label,
		barcode:           mres.Barcode,
		useAtime:          opts.Mount.UseAtime,
		syncOnClose:       opts.Sync.SyncOnClose,
		mountReadOnly:     opts.Mount.ReadOnly || mres.ReadOnly,
		highestUID:        idx.HighestUID,
		commitMessage:     idx.Comment,
		criteria:          idx.Criteria,
		allowPolicyUpdate: idx.AllowPolicyUpdate,
		idxUnknownTags:    idx.UnknownTags,
		root:              idx.Root,
	}

	v.sched = iosched.NewFCFS(
		t,
		v.pm,
		v.criteriaFunc,
		opts.IOSched.MinPoolMB,
		opts.IOSched.MaxPoolMB,
		func() {
			if v.syn != nil {
				v.syn.Request(syncer.ReasonCachePressure)
			}
		})

	t.OnCapacityEvent = v.onCapacityEvent

	if err = t.RefreshWriteProtect(); err != nil {
		return nil, err
	}

	period := time.Duration(opts.Sync.PeriodMinutes) * time.Minute
	v.syn = syncer.New(period, v.syncForReason)

	// Refresh the cartridge's human-readable attributes. Best effort.
	if !v.ReadOnly() {
		if merr := t.UpdateMAMAttributes(v.VolumeName(), v.barcode); merr != nil {
			logger.Warnf("fs: updating MAM attributes: %v", merr)
		}
	}

	logger.Infof(
		"fs: volume %q mounted at generation %d",
		v.VolumeName(),
		v.mgr.Generation())
	return
}

// Format initializes a fresh cartridge and leaves it unmounted.
func Format(
	dev drive.Drive,
	clock timeutil.Clock,
	fcfg cfg.FormatConfig,
	criteria xmlindex.Criteria) error {
	if err := dev.Load(); err != nil {
		return err
	}

	t := tape.New(dev, fcfg.Blocksize)
	if err := t.RefreshWriteProtect(); err != nil {
		return err
	}
	if t.ReadOnly() {
		return ltfserr.New(ltfserr.WriteProtected, "fs.Format")
	}

	_, err := index.Format(t, clock, index.FormatOptions{
		Barcode:           fcfg.Barcode,
		VolumeName:        fcfg.VolumeName,
		Blocksize:         fcfg.Blocksize,
		Compression:       fcfg.Compression,
		Criteria:          criteria,
		AllowPolicyUpdate: true,
	})
	return err
}

////////////////////////////////////////////////////////////////////////
// Accessors
////////////////////////////////////////////////////////////////////////

// ReadOnly reports whether mutating operations are refused.
func (v *Volume) ReadOnly() bool {
	return v.mountReadOnly || v.t.ReadOnly()
}

// VolumeName reads the volume name off the root.
func (v *Volume) VolumeName() string {
	v.root.ContentsLock.RLock()
	defer v.root.ContentsLock.RUnlock()
	return v.root.VolumeName()
}

// Root returns the root dentry.
func (v *Volume) Root() *dentry.Dentry {
	return v.root
}

// Label returns the volume label.
func (v *Volume) Label() *label.Label {
	return v.lbl
}

func (v *Volume) criteriaFunc() (bool, uint64, []string) {
	v.lock.RLock()
	defer v.lock.RUnlock()
	c := v.criteria
	return c.Have, c.MaxFilesize, c.Patterns
}

////////////////////////////////////////////////////////////////////////
// Dirty tracking and UIDs
////////////////////////////////////////////////////////////////////////

// markDirty records a structural change requiring a new index generation.
func (v *Volume) markDirty() {
	v.dirtyLock.Lock()
	v.dirty = true
	v.dirtyLock.Unlock()
}

// markAtimeDirty records an access-time-only change.
func (v *Volume) markAtimeDirty() {
	v.dirtyLock.Lock()
	v.atimeDirty = true
	v.dirtyLock.Unlock()
}

// needsIndex reports whether a sync should write a generation.
func (v *Volume) needsIndex() bool {
	v.dirtyLock.Lock()
	defer v.dirtyLock.Unlock()
	return v.dirty || (v.atimeDirty && v.useAtime)
}

// clearDirty resets the dirty flags after a successful index write.
func (v *Volume) clearDirty() {
	v.dirtyLock.Lock()
	v.dirty = false
	v.atimeDirty = false
	v.dirtyLock.Unlock()
}

// allocUID hands out the next persistent dentry UID.
func (v *Volume) allocUID() uint64 {
	v.uidLock.Lock()
	defer v.uidLock.Unlock()
	v.highestUID++
	return v.highestUID
}

////////////////////////////////////////////////////////////////////////
// Sync
////////////////////////////////////////////////////////////////////////

// onCapacityEvent reacts to early-warning transitions from the tape layer.
func (v *Volume) onCapacityEvent(ev tape.CapacityEvent) {
	if ev.State == tape.CapacityProgramEarlyWarning {
		v.dirtyLock.Lock()
		v.storageAlert = true
		v.dirtyLock.Unlock()
	}

	if v.syn == nil {
		return
	}
	if ev.Partition == v.pm.IndexID {
		v.syn.Request(syncer.ReasonIPEarlyWarning)
	} else {
		v.syn.Request(syncer.ReasonDPEarlyWarning)
	}
}

// syncForReason is the syncer's SyncFunc.
func (v *Volume) syncForReason(reason syncer.Reason) {
	if err := v.Sync(context.Background(), reason); err != nil {
		logger.Errorf("fs: sync (%s) failed: %v", reason, err)
	}
}

// Sync flushes dirty data and writes a new index generation if anything
// changed (or the trigger demands one regardless).
func (v *Volume) Sync(ctx context.Context, reason syncer.Reason) (err error) {
	if v.ReadOnly() {
		return nil
	}

	// Flush file buffers before taking the volume write lock; flushing
	// takes dentry locks and the device mutex only.
	if err = v.sched.Flush(ctx, nil); err != nil {
		return
	}

	if !v.needsIndex() && reason == syncer.ReasonPeriodic {
		return nil
	}

	v.lock.Lock()
	defer v.lock.Unlock()
	return v.writeIndexLocked(reason)
}

// writeIndexLocked serializes the tree and writes the next generation.
//
// LOCKS_REQUIRED(v.lock)
func (v *Volume) writeIndexLocked(reason syncer.Reason) (err error) {
	mode := index.WriteBoth
	switch {
	case reason == syncer.ReasonDPEarlyWarning && !v.ipOnly:
		// One final index on the data partition, then IP-only.
		mode = index.WriteBoth
		v.ipOnly = true
	case v.ipOnly:
		mode = index.WriteIPOnly
	}

	idx := v.buildIndexLocked()

	st, err := v.mgr.Write(idx, mode)
	if err != nil {
		return
	}
	if st.TimeClamped {
		logger.Warnf("fs: timestamps clamped while writing generation %d", st.Generation)
	}

	v.clearDirty()

	if reason == syncer.ReasonIPEarlyWarning {
		// The index partition is nearly full: that was the final index.
		v.t.ForceReadOnly("index partition early warning")
	}

	logger.Infof("fs: wrote index generation %d (%s)", st.Generation, reason)
	return
}

// buildIndexLocked snapshots volume state into an index envelope.
//
// LOCKS_REQUIRED(v.lock)
func (v *Volume) buildIndexLocked() *xmlindex.Index {
	v.dirtyLock.Lock()
	alert := v.storageAlert
	v.dirtyLock.Unlock()

	if alert {
		v.root.MetaLock.Lock()
		_ = v.root.SetXAttr("ltfs.mediaStorageAlert", []byte("1"), 0)
		v.root.MetaLock.Unlock()
	}

	v.uidLock.Lock()
	huid := v.highestUID
	v.uidLock.Unlock()

	return &xmlindex.Index{
		Creator:           label.Creator,
		Comment:           v.commitMessage,
		VolumeUUID:        v.lbl.VolumeUUID,
		UpdateTime:        v.clock.Now(),
		AllowPolicyUpdate: v.allowPolicyUpdate,
		Criteria:          v.criteria,
		HighestUID:        huid,
		Root:              v.root,
		UnknownTags:       v.idxUnknownTags,
	}
}

////////////////////////////////////////////////////////////////////////
// Unmount
////////////////////////////////////////////////////////////////////////

// Unmount stops the sync task, flushes everything, writes the final index
// and unloads. Unmount supersedes any queued sync triggers.
func (v *Volume) Unmount(ctx context.Context) (err error) {
	v.syn.Stop()

	ferr := v.sched.Destroy(ctx)

	v.lock.Lock()
	if !v.ReadOnly() {
		if werr := v.writeIndexLocked(syncer.ReasonExplicit); werr != nil && err == nil {
			err = werr
		}
		if merr := v.t.UpdateMAMAttributes(v.root.VolumeName(), v.barcode); merr != nil {
			logger.Warnf("fs: updating MAM attributes at unmount: %v", merr)
		}
	}
	v.lock.Unlock()

	if ferr != nil && err == nil {
		err = ferr
	}

	if uerr := v.t.Device().Unload(); uerr != nil && err == nil {
		err = uerr
	}

	logger.Infof("fs: volume unmounted")
	return
}

////////////////////////////////////////////////////////////////////////
// Revalidation
////////////////////////////////////////////////////////////////////////

// revalidate re-checks volume identity after the transport reported a
// power-on reset or possible medium change. Callers run it one at a time
// under revalMu, the others waiting; once it has failed, every caller gets
// RevalFailed at once.
func (v *Volume) revalidate() error {
	v.revalMu.Lock()
	defer v.revalMu.Unlock()

	switch v.reval {
	case revalFailed:
		return ltfserr.New(ltfserr.RevalFailed, "fs.revalidate")
	case revalRunning:
		// Serialized by revalMu; by the time we got here the driver
		// finished.
	}

	v.reval = revalRunning

	c, err := v.t.ReadCoherency(v.pm.IndexID)
	if err != nil || c.VolumeUUID != v.lbl.VolumeUUID {
		v.reval = revalFailed
		logger.Errorf("fs: revalidation failed; cartridge changed or unreadable")
		return ltfserr.New(ltfserr.RevalFailed, "fs.revalidate")
	}

	v.reval = revalIdle
	logger.Infof("fs: revalidation succeeded")
	return nil
}

// restartable runs op, retrying once after successful revalidation when the
// transport was fenced.
func (v *Volume) restartable(op func() error) error {
	for attempt := 0; ; attempt++ {
		err := op()

		kind := ltfserr.KindOf(err)
		fenced := kind == ltfserr.DeviceFenced ||
			kind == ltfserr.PowerOnReset ||
			kind == ltfserr.MediumMayBeChanged ||
			kind == ltfserr.RestartOperation

		if !fenced || attempt > 0 {
			return err
		}

		if rerr := v.revalidate(); rerr != nil {
			return rerr
		}
	}
}
