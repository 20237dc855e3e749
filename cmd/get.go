// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"io"
	"os"

	"github.com/CirrusDataWorks/cirrusfs/pkg/fs"
	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// copyChunkSize is how many bytes move per remote request when streaming a
// file. Large enough to amortize request overhead, small enough to bound
// memory.
const copyChunkSize = 4 << 20

var getCmd = &cobra.Command{
	Use:   "get <path>",
	Short: "Download a file from an export",
	Long: `Get downloads one file from the export tree. The path is resolved against
the configured export prefixes; the longest matching prefix wins.`,
	Args: cobra.ExactArgs(1),
	Run:  runGet,
}

func init() {
	rootCmd.AddCommand(getCmd)

	f := getCmd.Flags()
	f.StringP("output", "o", "-", "Local destination, '-' for stdout")
	f.Int64("offset", 0, "Byte offset to start reading at")
	f.Int64("length", 0, "Stop after this many bytes, 0 for the rest of the file")
	addTransportFlags(getCmd)

	viper.BindPFlags(f)
}

func runGet(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration(configName, false)

	debugServer := startDebugServer(cmd)
	defer stopDebugServer(cmd, debugServer)

	tree, jnl := buildTree(cmd)
	if jnl != nil {
		defer jnl.Close()
	}
	defer tree.Close()

	f := NewFlagLoader(cmd)
	output := f.String("output")
	offset := f.Int64("offset")
	length := f.Int64("length")
	if offset < 0 || length < 0 {
		logger.Fatal().Msg("offset and length must not be negative")
	}

	var dst io.Writer = os.Stdout
	if output != "-" {
		out, err := os.Create(output)
		if err != nil {
			logger.Fatal().Err(err).Str("output", output).Msg("failed to create output file")
		}
		defer out.Close()
		dst = out
	}

	n, err := fetch(cmd.Context(), tree, args[0], dst, offset, length)
	if err != nil {
		logger.Fatal().Err(err).Str("path", args[0]).Msg("download failed")
	}

	logger.Info().
		Str("path", args[0]).
		Int64("bytes", n).
		Msg("Download complete")
}

// fetch streams path into dst in chunk-sized reads, starting at offset. A
// length of 0 means until end of file.
func fetch(ctx context.Context, tree *fs.Tree, path string, dst io.Writer, offset, length int64) (int64, error) {
	file, err := tree.Open(ctx, path, os.O_RDONLY)
	if err != nil {
		return 0, err
	}
	defer file.Close(ctx)

	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		chunk := buf
		if length > 0 {
			if remaining := length - total; remaining < int64(len(chunk)) {
				chunk = chunk[:remaining]
			}
		}
		if len(chunk) == 0 {
			return total, nil
		}

		n, err := file.ReadAt(ctx, chunk, offset+total)
		if n > 0 {
			if _, werr := dst.Write(chunk[:n]); werr != nil {
				return total, werr
			}
			total += int64(n)
		}
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}
