// Copyright 2025 CirrusFS Authors
// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/CirrusDataWorks/cirrusfs/pkg/fs"
	"github.com/CirrusDataWorks/cirrusfs/pkg/journal"
	"github.com/CirrusDataWorks/cirrusfs/pkg/logger"
	"github.com/CirrusDataWorks/cirrusfs/pkg/s3client"
	"github.com/CirrusDataWorks/cirrusfs/pkg/utils"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Inspect and clean up journaled multipart uploads",
	Long: `Uploads works on the journal of in-flight multipart uploads. Interrupted
transfers leave their upload open on the endpoint, where it keeps occupying
storage until aborted; list shows what is outstanding and reap aborts what
is old enough to be dead.`,
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journaled uploads",
	Args:  cobra.NoArgs,
	Run:   runUploadsList,
}

var uploadsReapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Abort journaled uploads older than a cutoff",
	Args:  cobra.NoArgs,
	Run:   runUploadsReap,
}

func init() {
	rootCmd.AddCommand(uploadsCmd)
	uploadsCmd.AddCommand(uploadsListCmd)
	uploadsCmd.AddCommand(uploadsReapCmd)

	f := uploadsReapCmd.Flags()
	f.Duration("older_than", 24*time.Hour, "Only reap uploads started at least this long ago")
	addTransportFlags(uploadsReapCmd)

	viper.BindPFlags(f)
}

func runUploadsList(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration(configName, false)

	jnl := mustOpenJournal()
	defer jnl.Close()

	entries, err := jnl.List()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list journal")
	}
	if len(entries) == 0 {
		fmt.Println("no journaled uploads")
		return
	}

	fmt.Printf("%-22s %-15s %-12s %-40s %s\n", "STARTED", "AGE", "EXPORT", "KEY", "UPLOAD_ID")
	for _, e := range entries {
		fmt.Printf("%-22s %-15s %-12s %-40s %s\n",
			e.StartedAt.UTC().Format(time.RFC3339),
			humanize.Time(e.StartedAt),
			e.Export,
			e.Key,
			e.UploadID)
	}
}

func runUploadsReap(cmd *cobra.Command, args []string) {
	utils.LoadConfiguration(configName, false)

	jnl := mustOpenJournal()
	defer jnl.Close()

	entries, err := jnl.List()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list journal")
	}

	cfg := loadFSConfig()
	cutoff := time.Now().Add(-NewFlagLoader(cmd).Duration("older_than"))

	reaper := &uploadReaper{
		journal: jnl,
		exports: cfg.Exports,
		pool:    s3client.NewPool(0, 0, loadClientOpts(cmd)),
	}
	defer reaper.pool.Close()

	var reaped, skipped, failed int
	for _, e := range entries {
		if e.StartedAt.After(cutoff) {
			logger.Debug().
				Str("key", e.Key).
				Str("upload_id", e.UploadID).
				Msg("Upload younger than cutoff, keeping")
			skipped++
			continue
		}
		if err := reaper.reap(cmd, e); err != nil {
			logger.Warn().
				Err(err).
				Str("export", e.Export).
				Str("key", e.Key).
				Str("upload_id", e.UploadID).
				Msg("Failed to reap upload")
			failed++
			continue
		}
		reaped++
	}

	logger.Info().
		Int("reaped", reaped).
		Int("skipped", skipped).
		Int("failed", failed).
		Msg("Reap complete")
}

func mustOpenJournal() *journal.Journal {
	cfg := loadFSConfig()
	if cfg.JournalDir == "" {
		logger.Fatal().Msg("no journal_dir configured")
	}
	return openJournal(cfg)
}

// uploadReaper aborts journaled uploads, drawing one pooled client per
// export as entries need them.
type uploadReaper struct {
	journal *journal.Journal
	exports []fs.Export
	pool    *s3client.Pool
}

// reap aborts the upload named by e and drops its journal entry. An upload
// the endpoint no longer knows is already gone; the entry is dropped too.
func (r *uploadReaper) reap(cmd *cobra.Command, e journal.Entry) error {
	client, err := r.client(e)
	if err != nil {
		return err
	}

	if err := client.AbortMultipartUpload(cmd.Context(), e.Key, e.UploadID); err != nil {
		var perr *s3client.ProtocolError
		if !errors.As(err, &perr) || perr.Status != http.StatusNotFound {
			return err
		}
		logger.Debug().
			Str("key", e.Key).
			Str("upload_id", e.UploadID).
			Msg("Upload already gone from endpoint")
	} else {
		logger.Info().
			Str("export", e.Export).
			Str("key", e.Key).
			Str("upload_id", e.UploadID).
			Msg("Aborted upload")
	}

	return r.journal.Remove(e.Bucket, e.Key, e.UploadID)
}

// client returns the client for the entry's export. Entries whose export
// vanished from the configuration, or now points at a different bucket or
// endpoint, are left alone.
func (r *uploadReaper) client(e journal.Entry) (*s3client.Client, error) {
	var exp *fs.Export
	for i := range r.exports {
		if r.exports[i].Name == e.Export {
			exp = &r.exports[i]
			break
		}
	}
	if exp == nil {
		return nil, fmt.Errorf("export %s is not configured", e.Export)
	}
	if exp.Bucket != e.Bucket || exp.Endpoint != e.Endpoint {
		return nil, fmt.Errorf("export %s no longer matches the journaled endpoint", e.Export)
	}

	cfg, err := exp.ClientConfig()
	if err != nil {
		return nil, err
	}
	return r.pool.GetClient(cfg)
}
