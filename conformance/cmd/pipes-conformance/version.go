// © Copyright 2025-2026, Query.Farm LLC - https://query.farm
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Query-farm/pipes/pipes"
)

func versionCmd() *cobra.Command {
	var short bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// The version needs no config.
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(cmd *cobra.Command, args []string) {
			if short {
				fmt.Println(version)
				return
			}
			fmt.Printf("pipes-conformance %s (%s)\n", version, commit)
			fmt.Printf("  Encode versions: %d-%d\n", pipes.EncodeVersionLegacy, pipes.EncodeVersionCurrent)
			fmt.Printf("  Go version:      %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:         %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	cmd.Flags().BoolVarP(&short, "short", "s", false, "Print only version number")
	return cmd
}
