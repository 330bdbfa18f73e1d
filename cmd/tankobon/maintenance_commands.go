package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tankobon/internal/catalog"
	"tankobon/internal/cleanup"
	"tankobon/internal/ipc"
	"tankobon/internal/metrics"
	"tankobon/internal/storage"
)

func newStatsCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show storage usage and queue totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var stats storage.StorageStats
			if err := client.Call(cmd.Context(), ipc.CmdGetStorageStats, nil, &stats); err != nil {
				return err
			}
			quota := "unlimited"
			if stats.MaxBytes > 0 {
				quota = humanBytes(stats.MaxBytes)
			}
			rows := [][]string{
				{"Used", humanBytes(stats.UsedBytes)},
				{"Quota", quota},
				{"Free on disk", humanBytes(stats.FreeDiskBytes)},
				{"Manga", strconv.Itoa(stats.MangaCount)},
				{"Chapters", strconv.Itoa(stats.ChapterCount)},
				{"Queue active", strconv.Itoa(stats.Queue.Active())},
			}
			for _, status := range catalog.AllStatuses() {
				if count := stats.Queue[status]; count > 0 {
					rows = append(rows, []string{"  " + string(status), strconv.Itoa(count)})
				}
			}
			fmt.Println(renderTable(
				[]string{"Metric", "Value"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newCleanupCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Free storage by evicting old manga until under quota",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var report cleanup.Report
			if err := client.Call(cmd.Context(), ipc.CmdPerformCleanup, nil, &report); err != nil {
				return err
			}
			if report.NeededBytes <= 0 {
				fmt.Println("storage is under quota, nothing to clean")
				return nil
			}
			fmt.Printf("strategy %s: freed %s across %d manga (needed %s)\n",
				report.Strategy, humanBytes(report.FreedBytes), report.ItemsRemoved, humanBytes(report.NeededBytes))
			for _, msg := range report.Errors {
				fmt.Printf("warning: %s\n", msg)
			}
			return nil
		},
	}
}

func newMetricsCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics",
		Short: "Show daemon counters",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var snap metrics.Snapshot
			if err := client.Call(cmd.Context(), ipc.CmdGetMetrics, nil, &snap); err != nil {
				return err
			}
			rows := [][]string{
				{"Downloads queued", strconv.FormatInt(snap.DownloadsQueued, 10)},
				{"Downloads completed", strconv.FormatInt(snap.DownloadsCompleted, 10)},
				{"Downloads failed", strconv.FormatInt(snap.DownloadsFailed, 10)},
				{"Downloads retried", strconv.FormatInt(snap.DownloadsRetried, 10)},
				{"Pages fetched", strconv.FormatInt(snap.PagesFetched, 10)},
				{"Bytes downloaded", humanBytes(snap.BytesDownloaded)},
				{"Cleanup runs", strconv.FormatInt(snap.CleanupRuns, 10)},
				{"Cleanup bytes freed", humanBytes(snap.CleanupBytesFreed)},
				{"Counting since", formatTime(snap.Since)},
			}
			fmt.Println(renderTable(
				[]string{"Counter", "Value"},
				rows,
				[]columnAlignment{alignLeft, alignRight},
			))
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Reset all counters to zero",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdResetMetrics, nil, nil); err != nil {
				return err
			}
			fmt.Println("metrics reset")
			return nil
		},
	})
	return cmd
}

func newSyncCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Refresh stale manga metadata in the background",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdStartBackgroundSync, nil, nil); err != nil {
				return err
			}
			fmt.Println("background metadata sync started")
			return nil
		},
	}
}
