// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/CirrusDataWorks/cirrusfs/pkg/fs"
	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3api/s3consts"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var putCmd = &cobra.Command{
	Use:   "put <local> <path>",
	Short: "Upload a local file to an export",
	Long: `Put uploads a local file ('-' for stdin) to a path in the export tree.
Data is shipped as a multipart upload in part_size chunks; --single_shot
sends it as one PutObject instead, for files the endpoint accepts in one
request.`,
	Args: cobra.ExactArgs(2),
	Run:  runPut,
}

func init() {
	rootCmd.AddCommand(putCmd)

	f := putCmd.Flags()
	f.Bool("single_shot", false, "Send one PutObject instead of a multipart upload (s3 exports only)")
	addTransportFlags(putCmd)

	viper.BindPFlags(f)
}

func runPut(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration(configName, false)

	debugServer := startDebugServer(cmd)
	defer stopDebugServer(cmd, debugServer)

	local, remote := args[0], args[1]

	var (
		n   int64
		err error
	)
	if NewFlagLoader(cmd).Bool("single_shot") {
		n, err = putSingleShot(cmd, local, remote)
	} else {
		tree, jnl := buildTree(cmd)
		if jnl != nil {
			defer jnl.Close()
		}
		defer tree.Close()

		n, err = store(cmd.Context(), tree, local, remote)
	}
	if err != nil {
		logger.Fatal().Err(err).Str("path", remote).Msg("upload failed")
	}

	logger.Info().
		Str("path", remote).
		Int64("bytes", n).
		Msg("Upload complete")
}

// store streams local into a write handle on the tree. On a local read error
// the handle is abandoned without Close so no partial object is committed;
// the journaled upload is cleaned up by a later reap.
func store(ctx context.Context, tree *fs.Tree, local, remote string) (int64, error) {
	src, err := openLocal(local)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	file, err := tree.Open(ctx, remote, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return 0, err
	}

	buf := make([]byte, copyChunkSize)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := file.Write(ctx, buf[:n]); werr != nil {
				file.Close(ctx)
				return total, werr
			}
			total += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			logger.Warn().
				Str("local", local).
				Str("path", remote).
				Msg("Local read failed mid-upload, leaving the upload for reap")
			return total, fmt.Errorf("read %s: %w", local, rerr)
		}
	}

	if err := file.Close(ctx); err != nil {
		return total, err
	}
	return total, nil
}

// putSingleShot resolves remote to its export and sends the whole file as one
// PutObject, bypassing the multipart machinery.
func putSingleShot(cmd *cobra.Command, local, remote string) (int64, error) {
	cfg := loadFSConfig()
	if err := cfg.Validate(); err != nil {
		return 0, err
	}
	exp, key, err := cfg.Resolve(remote)
	if err != nil {
		return 0, err
	}
	if exp.Type != fs.ExportTypeS3 {
		return 0, fmt.Errorf("export %s: single_shot needs an s3 export, not %s", exp.Name, exp.Type)
	}

	src, err := openLocal(local)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	data, err := io.ReadAll(src)
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", local, err)
	}
	if int64(len(data)) > s3consts.MaxObjectSize {
		return 0, fmt.Errorf("%s exceeds the %s single-request limit, use a multipart put",
			local, humanize.IBytes(s3consts.MaxObjectSize))
	}

	clientCfg, err := exp.ClientConfig()
	if err != nil {
		return 0, err
	}
	client, err := s3client.New(clientCfg, loadClientOpts(cmd))
	if err != nil {
		return 0, err
	}
	defer client.CloseIdleConnections()

	if err := client.PutObject(cmd.Context(), key, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// openLocal opens a local source file, with "-" meaning stdin.
func openLocal(name string) (io.ReadCloser, error) {
	if name == "-" {
		return io.NopCloser(os.Stdin), nil
	}
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}
