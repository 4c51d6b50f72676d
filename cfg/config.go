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

// Package cfg defines the typed configuration tree bound by cmd via viper.
package cfg

import (
	"fmt"
)

// MinBlocksize is the smallest supported volume blocksize.
const MinBlocksize = 4096

// DefaultBlocksize is used at format time unless overridden.
const DefaultBlocksize = 524288

// Traversal strategies for locating the mount index.
const (
	TraversalBackward = "backward"
	TraversalForward  = "forward"
	TraversalRollback = "rollback"
)

type LogRotateConfig struct {
	MaxFileSizeMB   int  `yaml:"max-file-size-mb" mapstructure:"max-file-size-mb"`
	BackupFileCount int  `yaml:"backup-file-count" mapstructure:"backup-file-count"`
	Compress        bool `yaml:"compress" mapstructure:"compress"`
}

type LogConfig struct {
	Severity  string          `yaml:"severity" mapstructure:"severity"`
	Format    string          `yaml:"format" mapstructure:"format"`
	FilePath  string          `yaml:"file-path" mapstructure:"file-path"`
	LogRotate LogRotateConfig `yaml:"log-rotate" mapstructure:"log-rotate"`
}

type SyncConfig struct {
	// PeriodMinutes between periodic index writes. Zero disables the timer.
	PeriodMinutes int `yaml:"period-minutes" mapstructure:"period-minutes"`

	// SyncOnClose writes an index after every file closed dirty.
	SyncOnClose bool `yaml:"sync-on-close" mapstructure:"sync-on-close"`
}

type IOSchedConfig struct {
	// Bounds on outstanding write-buffer memory, in MiB.
	MinPoolMB int `yaml:"min-pool-mb" mapstructure:"min-pool-mb"`
	MaxPoolMB int `yaml:"max-pool-mb" mapstructure:"max-pool-mb"`
}

type MountConfig struct {
	DeviceName string `yaml:"device-name" mapstructure:"device-name"`
	MountPoint string `yaml:"mount-point" mapstructure:"mount-point"`
	ReadOnly   bool   `yaml:"read-only" mapstructure:"read-only"`
	UseAtime   bool   `yaml:"use-atime" mapstructure:"use-atime"`

	// Traversal selects the mount-time index search strategy.
	Traversal string `yaml:"traversal" mapstructure:"traversal"`

	// RollbackGeneration mounts a past generation read-only. Only meaningful
	// with Traversal == rollback.
	RollbackGeneration uint64 `yaml:"rollback-generation" mapstructure:"rollback-generation"`

	// RecoverExtra synthesizes a new generation from orphaned blocks found
	// past the last coherent index.
	RecoverExtra bool `yaml:"recover-extra" mapstructure:"recover-extra"`

	Foreground bool `yaml:"foreground" mapstructure:"foreground"`
}

type FormatConfig struct {
	Blocksize   uint32 `yaml:"blocksize" mapstructure:"blocksize"`
	Compression bool   `yaml:"compression" mapstructure:"compression"`
	Barcode     string `yaml:"barcode" mapstructure:"barcode"`
	VolumeName  string `yaml:"volume-name" mapstructure:"volume-name"`
}

type Config struct {
	Logging LogConfig     `yaml:"logging" mapstructure:"logging"`
	Sync    SyncConfig    `yaml:"sync" mapstructure:"sync"`
	IOSched IOSchedConfig `yaml:"iosched" mapstructure:"iosched"`
	Mount   MountConfig   `yaml:"mount" mapstructure:"mount"`
	Format  FormatConfig  `yaml:"format" mapstructure:"format"`
}

// Default returns the configuration used when no file or flags override it.
func Default() Config {
	return Config{
		Logging: LogConfig{
			Severity: "INFO",
			Format:   "text",
			LogRotate: LogRotateConfig{
				MaxFileSizeMB:   512,
				BackupFileCount: 10,
				Compress:        true,
			},
		},
		Sync: SyncConfig{
			PeriodMinutes: 5,
		},
		IOSched: IOSchedConfig{
			MinPoolMB: 25,
			MaxPoolMB: 400,
		},
		Mount: MountConfig{
			Traversal: TraversalBackward,
		},
		Format: FormatConfig{
			Blocksize: DefaultBlocksize,
		},
	}
}

// Validate rejects configurations the core cannot honor.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unsupported log format %q", c.Logging.Format)
	}

	if c.IOSched.MinPoolMB < 0 || c.IOSched.MaxPoolMB < c.IOSched.MinPoolMB {
		return fmt.Errorf(
			"invalid iosched pool bounds: [%d, %d] MiB",
			c.IOSched.MinPoolMB,
			c.IOSched.MaxPoolMB)
	}

	switch c.Mount.Traversal {
	case TraversalBackward, TraversalForward, TraversalRollback:
	default:
		return fmt.Errorf("unsupported traversal strategy %q", c.Mount.Traversal)
	}

	if c.Mount.Traversal == TraversalRollback && c.Mount.RollbackGeneration == 0 {
		return fmt.Errorf("rollback traversal requires rollback-generation")
	}

	if c.Format.Blocksize < MinBlocksize {
		return fmt.Errorf(
			"blocksize %d below minimum %d",
			c.Format.Blocksize,
			MinBlocksize)
	}

	if c.Sync.PeriodMinutes < 0 {
		return fmt.Errorf("negative sync period")
	}

	return nil
}
