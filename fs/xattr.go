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

package fs

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amiaopensource/ltfs/fs/dentry"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/amiaopensource/ltfs/internal/ltfstime"
	"github.com/amiaopensource/ltfs/ltfserr"
	"github.com/amiaopensource/ltfs/pathname"
)

// VirtualPrefix marks runtime attributes. Names under it are never stored
// on dentries or serialized to the index.
const VirtualPrefix = "ltfs."

// MaxCommitMessage bounds ltfs.commitMessage.
const MaxCommitMessage = 65536

// GetXAttr reads an attribute, virtual or real.
func (v *Volume) GetXAttr(d *dentry.Dentry, name string) (value []byte, err error) {
	if err = pathname.ValidateXattrName(name); err != nil {
		return
	}

	if strings.HasPrefix(name, VirtualPrefix) {
		return v.getVirtual(d, name)
	}

	d.MetaLock.RLock()
	defer d.MetaLock.RUnlock()

	value, ok := d.GetXAttr(name)
	if !ok {
		err = ltfserr.New(ltfserr.NoXattr, "fs.GetXAttr")
	}
	return
}

// SetXAttr writes an attribute, virtual or real.
func (v *Volume) SetXAttr(d *dentry.Dentry, name string, value []byte, flags int) (err error) {
	if err = pathname.ValidateXattrName(name); err != nil {
		return
	}

	if v.ReadOnly() && !isWritableOnROVolume(name) {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.SetXAttr")
	}

	if strings.HasPrefix(name, VirtualPrefix) {
		return v.setVirtual(d, name, value)
	}

	d.MetaLock.Lock()
	err = d.SetXAttr(name, value, flags)
	if err == nil {
		d.Touch(false, false, true, v.clock.Now())
	}
	d.MetaLock.Unlock()

	if err == nil {
		v.markDirty()
	}
	return
}

// RemoveXAttr deletes a real attribute. Virtual names are not removable.
func (v *Volume) RemoveXAttr(d *dentry.Dentry, name string) (err error) {
	if err = pathname.ValidateXattrName(name); err != nil {
		return
	}

	if strings.HasPrefix(name, VirtualPrefix) {
		return ltfserr.New(ltfserr.RdonlyXattr, "fs.RemoveXAttr")
	}

	if v.ReadOnly() {
		return ltfserr.New(ltfserr.ReadOnlyVolume, "fs.RemoveXAttr")
	}

	d.MetaLock.Lock()
	err = d.RemoveXAttr(name)
	if err == nil {
		d.Touch(false, false, true, v.clock.Now())
	}
	d.MetaLock.Unlock()

	if err == nil {
		v.markDirty()
	}
	return
}

// ListXAttrs lists attribute names. includeVirtual must be false on hosts
// that prepend a namespace prefix, so cross-filesystem copies do not drag
// runtime state along.
func (v *Volume) ListXAttrs(d *dentry.Dentry, includeVirtual bool) (names []string) {
	d.MetaLock.RLock()
	names = append(names, d.ListXAttrs()...)
	d.MetaLock.RUnlock()

	if !includeVirtual {
		return
	}

	names = append(names,
		"ltfs.createTime",
		"ltfs.modifyTime",
		"ltfs.accessTime",
		"ltfs.changeTime",
		"ltfs.backupTime",
	)

	if d == v.root {
		names = append(names,
			"ltfs.volumeUUID",
			"ltfs.volumeName",
			"ltfs.volumeSerial",
			"ltfs.volumeBlocksize",
			"ltfs.volumeCompression",
			"ltfs.volumeFormatTime",
			"ltfs.indexVersion",
			"ltfs.labelVersion",
			"ltfs.indexGeneration",
			"ltfs.indexTime",
			"ltfs.indexLocation",
			"ltfs.indexPrevious",
			"ltfs.indexCreator",
			"ltfs.labelCreator",
			"ltfs.commitMessage",
			"ltfs.policyExists",
			"ltfs.policyAllowUpdate",
			"ltfs.policyMaxFileSize",
			"ltfs.partitionMap",
			"ltfs.mediaEncrypted",
			"ltfs.mediaStorageAlert",
			"ltfs.mediaDataPartitionAvailableSpace",
			"ltfs.mediaDataPartitionTotalCapacity",
			"ltfs.mediaIndexPartitionAvailableSpace",
			"ltfs.mediaIndexPartitionTotalCapacity",
			"ltfs.driveEncryptionState",
			"ltfs.driveEncryptionMethod",
			"ltfs.softwareProduct",
			"ltfs.softwareVendor",
			"ltfs.softwareVersion",
			"ltfs.softwareFormatSpec",
		)
	}

	if d.Kind() == dentry.RegularFile {
		d.ContentsLock.RLock()
		hasExtents := len(d.Extents()) > 0
		d.ContentsLock.RUnlock()
		if hasExtents {
			names = append(names, "ltfs.partition", "ltfs.startblock")
		}
	}
	return
}

////////////////////////////////////////////////////////////////////////
// Virtual reads
////////////////////////////////////////////////////////////////////////

func (v *Volume) getVirtual(d *dentry.Dentry, name string) (value []byte, err error) {
	str := func(s string) ([]byte, error) { return []byte(s), nil }

	switch name {
	case "ltfs.createTime", "ltfs.modifyTime", "ltfs.accessTime",
		"ltfs.changeTime", "ltfs.backupTime":
		d.MetaLock.RLock()
		t := d.Times()
		d.MetaLock.RUnlock()
		s, _ := ltfstime.Format(pickTime(t, name))
		return str(s)

	case "ltfs.volumeUUID":
		return str(v.lbl.VolumeUUID)

	case "ltfs.volumeName":
		v.root.ContentsLock.RLock()
		defer v.root.ContentsLock.RUnlock()
		return str(v.root.VolumeName())

	case "ltfs.volumeSerial":
		return str(v.barcode)

	case "ltfs.volumeBlocksize":
		return str(strconv.FormatUint(uint64(v.t.Blocksize()), 10))

	case "ltfs.volumeCompression":
		return str(strconv.FormatBool(v.lbl.Compression))

	case "ltfs.volumeFormatTime":
		s, _ := ltfstime.Format(v.lbl.FormatTime)
		return str(s)

	case "ltfs.indexVersion", "ltfs.labelVersion":
		return str(mustRoot(d, v, "2.2.0"))

	case "ltfs.indexGeneration":
		return str(mustRoot(d, v, strconv.FormatUint(v.mgr.Generation(), 10)))

	case "ltfs.indexLocation":
		p := v.mgr.LastSelfPointer()
		return str(mustRoot(d, v, fmt.Sprintf("%c:%d", p.Partition, p.Block)))

	case "ltfs.indexPrevious":
		// The newest index's back pointer is the generation before it.
		g := v.mgr.Generation()
		if g <= 1 {
			return str(mustRoot(d, v, ""))
		}
		return str(mustRoot(d, v, strconv.FormatUint(g-1, 10)))

	case "ltfs.indexCreator", "ltfs.labelCreator":
		return str(mustRoot(d, v, v.lbl.Creator))

	case "ltfs.indexTime":
		return str(mustRoot(d, v, ""))

	case "ltfs.commitMessage":
		v.lock.RLock()
		defer v.lock.RUnlock()
		return str(v.commitMessage)

	case "ltfs.policyExists":
		v.lock.RLock()
		defer v.lock.RUnlock()
		return str(strconv.FormatBool(v.criteria.Have))

	case "ltfs.policyAllowUpdate":
		v.lock.RLock()
		defer v.lock.RUnlock()
		return str(strconv.FormatBool(v.allowPolicyUpdate))

	case "ltfs.policyMaxFileSize":
		v.lock.RLock()
		defer v.lock.RUnlock()
		return str(strconv.FormatUint(v.criteria.MaxFilesize, 10))

	case "ltfs.partitionMap":
		return str(fmt.Sprintf(
			"I:%c:%d D:%c:%d",
			v.pm.IndexLetter, v.pm.IndexID,
			v.pm.DataLetter, v.pm.DataID))

	case "ltfs.mediaEncrypted":
		return str("false")

	case "ltfs.driveEncryptionState":
		return str("off")

	case "ltfs.driveEncryptionMethod":
		return str("none")

	case "ltfs.mediaStorageAlert":
		v.dirtyLock.Lock()
		alert := v.storageAlert
		v.dirtyLock.Unlock()
		if alert {
			return str("1")
		}
		return str("0")

	case "ltfs.mediaDataPartitionAvailableSpace",
		"ltfs.mediaDataPartitionTotalCapacity",
		"ltfs.mediaIndexPartitionAvailableSpace",
		"ltfs.mediaIndexPartitionTotalCapacity":
		return v.capacityAttr(name)

	case "ltfs.softwareProduct":
		return str("LTFS for Go")

	case "ltfs.softwareVendor":
		return str("amiaopensource")

	case "ltfs.softwareVersion", "ltfs.softwareFormatSpec":
		return str("2.2.0")

	case "ltfs.partition":
		ext, eerr := firstExtent(d)
		if eerr != nil {
			return nil, eerr
		}
		return str(string(v.pm.LetterOf(ext.Start.Partition)))

	case "ltfs.startblock":
		ext, eerr := firstExtent(d)
		if eerr != nil {
			return nil, eerr
		}
		return str(strconv.FormatUint(ext.Start.Block, 10))

	default:
		if strings.HasPrefix(name, "ltfs.media") {
			// Drive statistics counters; this transport keeps none.
			return str("0")
		}
		return nil, ltfserr.New(ltfserr.NoXattr, "fs.GetXAttr")
	}
}

// capacityAttr reports partition capacity in MiB, as the media attributes
// do.
func (v *Volume) capacityAttr(name string) ([]byte, error) {
	c, err := v.t.RemainingCapacity()
	if err != nil {
		return nil, err
	}

	var mib uint64
	switch name {
	case "ltfs.mediaDataPartitionAvailableSpace":
		mib = c.RemainingDP >> 20
	case "ltfs.mediaDataPartitionTotalCapacity":
		mib = c.TotalDP >> 20
	case "ltfs.mediaIndexPartitionAvailableSpace":
		mib = c.RemainingIP >> 20
	case "ltfs.mediaIndexPartitionTotalCapacity":
		mib = c.TotalIP >> 20
	}
	return []byte(strconv.FormatUint(mib, 10)), nil
}

////////////////////////////////////////////////////////////////////////
// Virtual writes
////////////////////////////////////////////////////////////////////////

func (v *Volume) setVirtual(d *dentry.Dentry, name string, value []byte) error {
	switch name {
	case "ltfs.sync":
		if d != v.root {
			return ltfserr.New(ltfserr.RdonlyXattr, "fs.SetXAttr")
		}
		v.RequestSync()
		return nil

	case "ltfs.commitMessage":
		if d != v.root {
			return ltfserr.New(ltfserr.RdonlyXattr, "fs.SetXAttr")
		}
		if len(value) > MaxCommitMessage {
			return ltfserr.New(ltfserr.LargeXattr, "fs.SetXAttr")
		}
		v.lock.Lock()
		v.commitMessage = string(value)
		v.lock.Unlock()
		v.markDirty()
		return nil

	case "ltfs.volumeName":
		if d != v.root {
			return ltfserr.New(ltfserr.RdonlyXattr, "fs.SetXAttr")
		}
		nm := pathname.Normalize(string(value))
		v.root.ContentsLock.Lock()
		v.root.SetVolumeName(nm)
		v.root.ContentsLock.Unlock()
		v.markDirty()
		return nil

	case "ltfs.createTime", "ltfs.modifyTime", "ltfs.accessTime",
		"ltfs.changeTime", "ltfs.backupTime":
		t, _, err := ltfstime.Parse(strings.TrimSpace(string(value)))
		if err != nil {
			return ltfserr.Wrap(ltfserr.BadArg, "fs.SetXAttr", err)
		}
		d.MetaLock.Lock()
		times := d.Times()
		setTime(&times, name, t)
		d.SetTimes(times)
		d.MetaLock.Unlock()
		v.markDirty()
		return nil

	case "ltfs.partition":
		if len(value) != 1 {
			return ltfserr.New(ltfserr.BadArg, "fs.SetXAttr")
		}
		id, err := v.pm.IDOf(value[0])
		if err != nil {
			return err
		}
		return v.sched.ForcePlacement(d, id)

	case "ltfs.driveCaptureDump":
		// Dump collection belongs to the transport; log and accept.
		logger.Infof("fs: drive dump requested via xattr")
		return nil

	default:
		if strings.HasPrefix(name, "ltfs.vendor.") {
			return v.setVendor(name, value)
		}
		return ltfserr.New(ltfserr.RdonlyXattr, "fs.SetXAttr")
	}
}

// setVendor handles the vendor escape hatch; only the log level knob is
// wired.
func (v *Volume) setVendor(name string, value []byte) error {
	if strings.HasSuffix(name, ".logLevel") {
		logger.SetSeverity(strings.ToUpper(strings.TrimSpace(string(value))))
		return nil
	}
	return ltfserr.New(ltfserr.RdonlyXattr, "fs.SetXAttr")
}

// isWritableOnROVolume reports whether the virtual attribute mutates only
// in-memory state and so is honored on a read-only volume.
func isWritableOnROVolume(name string) bool {
	switch name {
	case "ltfs.sync", "ltfs.driveCaptureDump":
		return true
	}
	return strings.HasPrefix(name, "ltfs.vendor.")
}

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

func pickTime(t dentry.Times, name string) time.Time {
	switch name {
	case "ltfs.createTime":
		return t.Creation
	case "ltfs.modifyTime":
		return t.Modify
	case "ltfs.accessTime":
		return t.Access
	case "ltfs.changeTime":
		return t.Change
	default:
		return t.Backup
	}
}

func setTime(t *dentry.Times, name string, val time.Time) {
	switch name {
	case "ltfs.createTime":
		t.Creation = val
	case "ltfs.modifyTime":
		t.Modify = val
	case "ltfs.accessTime":
		t.Access = val
	case "ltfs.changeTime":
		t.Change = val
	default:
		t.Backup = val
	}
}

func mustRoot(d *dentry.Dentry, v *Volume, s string) string {
	if d != v.root {
		return ""
	}
	return s
}

func firstExtent(d *dentry.Dentry) (e dentry.Extent, err error) {
	if d.Kind() != dentry.RegularFile {
		err = ltfserr.New(ltfserr.NoXattr, "fs.GetXAttr")
		return
	}

	d.ContentsLock.RLock()
	defer d.ContentsLock.RUnlock()

	exts := d.Extents()
	if len(exts) == 0 {
		err = ltfserr.New(ltfserr.NoXattr, "fs.GetXAttr")
		return
	}
	e = exts[0]
	return
}
