package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/openmined/blobsync/internal/client"
	"github.com/openmined/blobsync/internal/config"
	"github.com/spf13/cobra"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Sync every folder once and exit when the uploads settle",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closeLog, err := prepare(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			cmd.SilenceUsage = true

			timeout, _ := cmd.Flags().GetDuration("timeout")
			cfg.Watch.Enabled = false
			return runScan(cmd.Context(), cmd.OutOrStdout(), cfg, timeout)
		},
	}
	cmd.Flags().Duration("timeout", 10*time.Minute, "give up when the folders have not settled by then")
	return cmd
}

func runScan(ctx context.Context, w io.Writer, cfg *config.Config, timeout time.Duration) error {
	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer c.Stop()

	start := time.Now()
	if err := c.Start(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if _, err := c.Scan(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if err := c.WaitQuiescent(ctx); err != nil {
		return fmt.Errorf("wait for uploads: %w", err)
	}

	printSummary(w, c.Summary(), time.Since(start))
	return nil
}

func printSummary(w io.Writer, s client.Summary, took time.Duration) {
	var uploaded, bytes, backoff int64
	for _, f := range s.Folders {
		fmt.Fprintf(w, "%s\n", cyan(f.Root))
		fmt.Fprintf(w, "  tracked     %s\n", humanize.Comma(int64(f.Index.Trackable)))
		fmt.Fprintf(w, "  uploaded    %s (%s)\n", humanize.Comma(f.Sync.Uploaded), humanize.Bytes(uint64(f.Sync.UploadedBytes)))
		fmt.Fprintf(w, "  unchanged   %s\n", humanize.Comma(f.Sync.Unchanged))
		fmt.Fprintf(w, "  untrackable %s\n", humanize.Comma(int64(f.Index.Untrackable)))
		if f.Sync.Backoff > 0 {
			fmt.Fprintf(w, "  %s %d paths still retrying\n", red("!"), f.Sync.Backoff)
		}
		uploaded += f.Sync.Uploaded
		bytes += f.Sync.UploadedBytes
		backoff += int64(f.Sync.Backoff)
	}

	status := green("synced")
	if backoff > 0 {
		status = red("partially synced")
	}
	fmt.Fprintf(w, "%s %s files in %d folders, %s uploaded (%s) in %s\n",
		status,
		humanize.Comma(int64(s.Tracked())),
		len(s.Folders),
		humanize.Comma(uploaded),
		humanize.Bytes(uint64(bytes)),
		took.Round(time.Millisecond),
	)
}
