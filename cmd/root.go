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

// Package cmd wires the ltfs command line: mount, format and check.
package cmd

import (
	"fmt"

	"github.com/amiaopensource/ltfs/cfg"
	"github.com/amiaopensource/ltfs/internal/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	config  cfg.Config
)

var rootCmd = &cobra.Command{
	Use:   "ltfs",
	Short: "Mount and manage LTFS tape volumes",
	Long: `ltfs presents a tape cartridge formatted to the Linear Tape File
System specification as a POSIX filesystem. Transport drivers are external;
the built-in "mem:" device provides an in-memory cartridge for testing.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := loadConfig(); err != nil {
			return err
		}

		return logger.Setup(logger.Config{
			FilePath:        config.Logging.FilePath,
			Format:          config.Logging.Format,
			Severity:        config.Logging.Severity,
			MaxFileSizeMB:   config.Logging.LogRotate.MaxFileSizeMB,
			BackupFileCount: config.Logging.LogRotate.BackupFileCount,
			Compress:        config.Logging.LogRotate.Compress,
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config-file", "", "path to a YAML config file")
	rootCmd.PersistentFlags().String(
		"log-severity", "INFO", "log severity: TRACE, DEBUG, INFO, WARNING, ERROR, OFF")
	rootCmd.PersistentFlags().String(
		"log-format", "text", "log format: text or json")
	rootCmd.PersistentFlags().String(
		"log-file", "", "log file path (default: stderr)")

	mustBind("logging.severity", "log-severity")
	mustBind("logging.format", "log-format")
	mustBind("logging.file-path", "log-file")

	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(formatCmd)
	rootCmd.AddCommand(checkCmd)
}

func mustBind(key, flag string) {
	if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func loadConfig() error {
	config = cfg.Default()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	return config.Validate()
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}
