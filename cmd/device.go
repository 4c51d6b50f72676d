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

package cmd

import (
	"strings"
	"sync"

	"github.com/amiaopensource/ltfs/drive"
	"github.com/amiaopensource/ltfs/drive/drivefake"
	"github.com/amiaopensource/ltfs/ltfserr"
)

// DriverFunc opens a drive for a device name (the part after the scheme).
type DriverFunc func(name string) (drive.Drive, error)

var (
	driversMu sync.Mutex
	drivers   = map[string]DriverFunc{}
)

// RegisterDriver installs a transport under a scheme ("sg", "iokit", ...).
// Real SCSI transports live outside this repository and register themselves
// at init time.
func RegisterDriver(scheme string, fn DriverFunc) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers[scheme] = fn
}

func init() {
	// The built-in in-memory cartridge, for tests and demos.
	RegisterDriver("mem", func(name string) (drive.Drive, error) {
		return drivefake.NewFakeDrive(config.Format.Blocksize, 0), nil
	})
}

// openDevice resolves "scheme:name" to a transport.
func openDevice(device string) (drive.Drive, error) {
	scheme, name := device, ""
	if i := strings.IndexByte(device, ':'); i >= 0 {
		scheme, name = device[:i], device[i+1:]
	}

	driversMu.Lock()
	fn, ok := drivers[scheme]
	driversMu.Unlock()

	if !ok {
		return nil, ltfserr.Errorf(
			ltfserr.DeviceUnopenable,
			"cmd.openDevice",
			"no transport driver for scheme %q", scheme)
	}
	return fn(name)
}
