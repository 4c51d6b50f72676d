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
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/amiaopensource/ltfs/fs"
	"github.com/amiaopensource/ltfs/fusefs"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/fuse"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var mountCmd = &cobra.Command{
	Use:   "mount device mount_point",
	Short: "Mount a tape volume",
	Args:  cobra.ExactArgs(2),
	RunE:  runMount,
}

func init() {
	mountCmd.Flags().Bool("foreground", false, "stay in the foreground")
	mountCmd.Flags().Bool("read-only", false, "mount read-only")
	mountCmd.Flags().Bool("use-atime", false, "track access times in the index")
	mountCmd.Flags().Int("sync-period-minutes", 5, "minutes between periodic index writes")
	mountCmd.Flags().Bool("sync-on-close", false, "write an index after every dirty close")
	mountCmd.Flags().String(
		"traversal", "backward", "index search strategy: backward, forward, rollback")
	mountCmd.Flags().Uint64("rollback-generation", 0, "generation for rollback mounts")

	bindMount := func(key, flag string) {
		if err := viper.BindPFlag(key, mountCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bindMount("mount.foreground", "foreground")
	bindMount("mount.read-only", "read-only")
	bindMount("mount.use-atime", "use-atime")
	bindMount("sync.period-minutes", "sync-period-minutes")
	bindMount("sync.sync-on-close", "sync-on-close")
	bindMount("mount.traversal", "traversal")
	bindMount("mount.rollback-generation", "rollback-generation")
}

func runMount(cmd *cobra.Command, args []string) (err error) {
	device, mountPoint := args[0], args[1]

	// Canonicalize the mount point; the daemon changes its working
	// directory.
	if mountPoint, err = filepath.Abs(mountPoint); err != nil {
		return fmt.Errorf("canonicalizing mount point: %w", err)
	}

	config.Mount.DeviceName = device
	config.Mount.MountPoint = mountPoint

	if !config.Mount.Foreground && os.Getenv("LTFS_DAEMON") == "" {
		// Re-invoke ourselves in the background; the child signals the
		// outcome of its mount attempt through daemonize.
		env := append(os.Environ(), "LTFS_DAEMON=1")
		path, perr := os.Executable()
		if perr != nil {
			return perr
		}
		return daemonize.Run(path, os.Args[1:], env, os.Stderr, os.Stderr)
	}

	err = mountAndServe()
	if os.Getenv("LTFS_DAEMON") != "" {
		if err == nil {
			daemonize.SignalOutcome(nil)
		} else {
			daemonize.SignalOutcome(err)
		}
	}
	return
}

func mountAndServe() error {
	dev, err := openDevice(config.Mount.DeviceName)
	if err != nil {
		return err
	}

	vol, err := fs.Mount(dev, timeutil.RealClock(), fs.MountOptions{
		Mount:   config.Mount,
		Sync:    config.Sync,
		IOSched: config.IOSched,
	})
	if err != nil {
		return fmt.Errorf("mounting volume: %w", err)
	}

	server := fusefs.NewServer(&fusefs.ServerConfig{
		Volume:              vol,
		Clock:               timeutil.RealClock(),
		Uid:                 uint32(os.Getuid()),
		Gid:                 uint32(os.Getgid()),
		HostNamespacePrefix: true,
	})

	mfs, err := fuse.Mount(config.Mount.MountPoint, server, &fuse.MountConfig{
		FSName:      "ltfs",
		VolumeName:  vol.VolumeName(),
		ReadOnly:    vol.ReadOnly(),
		ErrorLogger: nil,
	})
	if err != nil {
		_ = vol.Unmount(context.Background())
		return fmt.Errorf("fuse mount: %w", err)
	}

	logger.Infof("cmd: serving %s on %s", config.Mount.DeviceName, config.Mount.MountPoint)

	if err = mfs.Join(context.Background()); err != nil {
		logger.Errorf("cmd: fuse server: %v", err)
	}

	return vol.Unmount(context.Background())
}
