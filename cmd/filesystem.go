// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"net/http"
	"sort"

	"github.com/CirrusDataWorks/cirrusfs/pkg/debug"
	"github.com/CirrusDataWorks/cirrusfs/pkg/fs"
	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const configName = "cirrusfs"

// loadExports parses export configuration from TOML [exports.*] sections
func loadExports() []fs.Export {
	var exports []fs.Export

	exportsMap := viper.GetStringMap("exports")
	if len(exportsMap) == 0 {
		return exports
	}

	for id := range exportsMap {
		prefix := "exports." + id + "."

		exp := fs.Export{
			Name:            id,
			Prefix:          viper.GetString(prefix + "prefix"),
			Type:            viper.GetString(prefix + "type"),
			Endpoint:        viper.GetString(prefix + "endpoint"),
			Region:          viper.GetString(prefix + "region"),
			Bucket:          viper.GetString(prefix + "bucket"),
			PathStyle:       viper.GetBool(prefix + "path_style"),
			AccessKeyID:     viper.GetString(prefix + "access_key_id"),
			SecretAccessKey: viper.GetString(prefix + "secret_access_key"),
			AccessKeyFile:   viper.GetString(prefix + "access_key_file"),
			SecretKeyFile:   viper.GetString(prefix + "secret_key_file"),
			Token:           viper.GetString(prefix + "token"),
			TokenFile:       viper.GetString(prefix + "token_file"),
			PartSize:        viper.GetString(prefix + "part_size"),
			AbortOnFailure:  viper.GetBool(prefix + "abort_on_failure"),
		}

		exports = append(exports, exp)
		logger.Debug().
			Str("name", id).
			Str("type", exp.Type).
			Str("prefix", exp.Prefix).
			Msg("Loaded export configuration")
	}

	// Map iteration order is random; keep routing errors and listings stable.
	sort.Slice(exports, func(i, j int) bool { return exports[i].Name < exports[j].Name })

	return exports
}

func loadFSConfig() *fs.Config {
	return &fs.Config{
		Exports:    loadExports(),
		JournalDir: viper.GetString("journal_dir"),
	}
}

// addTransportFlags registers the transport tuning flags shared by every
// command that talks to an endpoint.
func addTransportFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.Int("retries", s3client.DefaultMaxRetries, "Retries for transport failures and 5xx answers (-1 disables)")
	f.Duration("retry_backoff", s3client.DefaultRetryBackoff, "Base pause between retry attempts")
	f.Int("rate_limit", 0, "Maximum requests per second, 0 for unlimited")
}

func loadClientOpts(cmd *cobra.Command) s3client.Options {
	f := NewFlagLoader(cmd)
	return s3client.Options{
		MaxRetries:   f.Int("retries"),
		RetryBackoff: f.Duration("retry_backoff"),
		RateLimit:    f.Int("rate_limit"),
	}
}

// openJournal opens the upload journal named by the configuration, or returns
// nil when no journal_dir is set.
func openJournal(cfg *fs.Config) *journal.Journal {
	if cfg.JournalDir == "" {
		return nil
	}
	jnl, err := journal.Open(utils.ResolvePath(cfg.JournalDir))
	if err != nil {
		logger.Fatal().Err(err).Str("journal_dir", cfg.JournalDir).Msg("failed to open upload journal")
	}
	return jnl
}

// buildTree assembles the export tree and upload journal for one command
// invocation. The caller owns both and closes them when done; jnl may be nil.
func buildTree(cmd *cobra.Command) (*fs.Tree, *journal.Journal) {
	cfg := loadFSConfig()
	jnl := openJournal(cfg)

	tree, err := fs.NewTree(cfg, fs.Options{
		Client:  loadClientOpts(cmd),
		Journal: jnl,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid export configuration")
	}
	return tree, jnl
}

// startDebugServer serves metrics and pprof on debug_addr for the lifetime of
// the command. Nothing is started when the flag is unset.
func startDebugServer(cmd *cobra.Command) *http.Server {
	addr, _ := cmd.Flags().GetString("debug_addr")
	if addr == "" {
		return nil
	}

	listener, err := utils.NewListener(addr, 0)
	if err != nil {
		logger.Fatal().Err(err).Str("debug_addr", addr).Msg("failed to create debug listener")
	}

	srv := &http.Server{Handler: debug.GetMux()}
	go func() {
		logger.Info().Str("debug_addr", addr).Msg("Starting debug server")
		if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("failed to start debug server")
		}
	}()
	return srv
}

func stopDebugServer(cmd *cobra.Command, srv *http.Server) {
	if srv == nil {
		return
	}
	srv.Shutdown(cmd.Context())
}
