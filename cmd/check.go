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

	"github.com/amiaopensource/ltfs/cfg"
	"github.com/amiaopensource/ltfs/index"
	"github.com/amiaopensource/ltfs/tape"
	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check device",
	Short: "Inspect a volume's labels, coherency and latest index",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	dev, err := openDevice(args[0])
	if err != nil {
		return err
	}

	if err = dev.Load(); err != nil {
		return err
	}
	defer dev.Unload()

	t := tape.New(dev, cfg.DefaultBlocksize)

	res, err := index.Mount(t, index.MountOptions{
		Strategy:     cfg.TraversalBackward,
		RecoverExtra: true,
	})
	if err != nil {
		return fmt.Errorf("volume is not mountable: %w", err)
	}

	fmt.Printf("Barcode:      %s\n", res.Barcode)
	fmt.Printf("Volume UUID:  %s\n", res.Label.VolumeUUID)
	fmt.Printf("Blocksize:    %d\n", res.Label.Blocksize)
	fmt.Printf("Compression:  %v\n", res.Label.Compression)
	fmt.Printf("Generation:   %d\n", res.Index.Generation)
	fmt.Printf(
		"Index at:     %c/%d\n",
		res.Index.SelfPointer.Partition,
		res.Index.SelfPointer.Block)
	fmt.Printf("Highest UID:  %d\n", res.Index.HighestUID)

	for _, w := range res.Warnings {
		fmt.Printf("Warning:      %s\n", w)
	}
	return nil
}
