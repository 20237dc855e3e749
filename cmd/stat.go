// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"fmt"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var statCmd = &cobra.Command{
	Use:   "stat <path>",
	Short: "Show size and modification time of a remote file",
	Args:  cobra.ExactArgs(1),
	Run:   runStat,
}

func init() {
	rootCmd.AddCommand(statCmd)

	addTransportFlags(statCmd)
	viper.BindPFlags(statCmd.Flags())
}

func runStat(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration(configName, false)

	tree, jnl := buildTree(cmd)
	if jnl != nil {
		defer jnl.Close()
	}
	defer tree.Close()

	info, err := tree.Stat(cmd.Context(), args[0])
	if err != nil {
		logger.Fatal().Err(err).Str("path", args[0]).Msg("stat failed")
	}

	fmt.Printf("path:     %s\n", args[0])
	fmt.Printf("size:     %d (%s)\n", info.Size, humanize.IBytes(uint64(info.Size)))
	if !info.ModTime.IsZero() {
		fmt.Printf("modified: %s\n", info.ModTime.UTC().Format(time.RFC3339))
	}
	if info.ETag != "" {
		fmt.Printf("etag:     %s\n", info.ETag)
	}
}
