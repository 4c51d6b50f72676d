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
	"fmt"

	"github.com/amiaopensource/ltfs/fs"
	"github.com/amiaopensource/ltfs/xmlindex"
	"github.com/jacobsa/timeutil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var formatCmd = &cobra.Command{
	Use:   "format device",
	Short: "Initialize a cartridge as an LTFS volume",
	Long: `format erases the cartridge and lays down labels, an empty index
and coherency records on both partitions. All previous contents are lost.`,
	Args: cobra.ExactArgs(1),
	RunE: runFormat,
}

var (
	formatPolicySize     uint64
	formatPolicyPatterns []string
)

func init() {
	formatCmd.Flags().Uint32("blocksize", 524288, "volume blocksize in bytes")
	formatCmd.Flags().Bool("compression", true, "enable drive compression")
	formatCmd.Flags().String("barcode", "", "cartridge barcode (six characters)")
	formatCmd.Flags().String("volume-name", "", "human-readable volume name")
	formatCmd.Flags().Uint64Var(
		&formatPolicySize,
		"policy-max-filesize",
		0,
		"place files up to this many bytes on the index partition (0 disables the policy)")
	formatCmd.Flags().StringSliceVar(
		&formatPolicyPatterns,
		"policy-pattern",
		nil,
		"glob pattern for index partition candidates; repeatable")

	bindFormat := func(key, flag string) {
		if err := viper.BindPFlag(key, formatCmd.Flags().Lookup(flag)); err != nil {
			panic(err)
		}
	}
	bindFormat("format.blocksize", "blocksize")
	bindFormat("format.compression", "compression")
	bindFormat("format.barcode", "barcode")
	bindFormat("format.volume-name", "volume-name")
}

func runFormat(cmd *cobra.Command, args []string) error {
	dev, err := openDevice(args[0])
	if err != nil {
		return err
	}

	criteria := xmlindex.Criteria{}
	if formatPolicySize > 0 {
		criteria = xmlindex.Criteria{
			Have:        true,
			MaxFilesize: formatPolicySize,
			Patterns:    formatPolicyPatterns,
		}
	}

	if err := fs.Format(dev, timeutil.RealClock(), config.Format, criteria); err != nil {
		return fmt.Errorf("formatting: %w", err)
	}

	fmt.Printf("Volume formatted (blocksize %d).\n", config.Format.Blocksize)
	return nil
}
