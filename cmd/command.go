// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cirrusfs",
	Short: "CirrusFS - S3-backed file access",
	Long: `CirrusFS mounts S3-compatible buckets and plain HTTP object stores as a
file tree. Exports are declared in cirrusfs.toml; get, put and stat operate
on paths inside them, and uploads manages multipart uploads left behind by
interrupted transfers.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&utils.ConfigurationFileDirectory, "config_dir", ".", "Directory for configuration files")
	rootCmd.PersistentFlags().String("debug_addr", "", "Serve metrics and pprof on this address while a command runs (e.g. ':8010')")
}

func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}
