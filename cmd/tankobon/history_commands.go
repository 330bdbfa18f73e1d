package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tankobon/internal/catalog"
	"tankobon/internal/ipc"
)

func newHistoryCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect finished downloads",
	}
	cmd.AddCommand(newHistoryListCommand(ctx))
	cmd.AddCommand(newHistoryDeleteCommand(ctx))
	cmd.AddCommand(newHistoryClearCommand(ctx))
	return cmd
}

func newHistoryListCommand(ctx *commandContext) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent download history",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var entries []catalog.HistoryEntry
			err = client.Call(cmd.Context(), ipc.CmdGetDownloadHistory,
				ipc.HistoryPayload{Limit: limit}, &entries)
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("history is empty")
				return nil
			}
			rows := make([][]string, 0, len(entries))
			for _, entry := range entries {
				rows = append(rows, []string{
					strconv.FormatInt(entry.ID, 10),
					string(entry.Status),
					entry.MangaTitle,
					entry.ChapterID,
					humanBytes(entry.TotalBytes),
					formatTime(entry.CompletedAt),
					entry.ErrorMessage,
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "Status", "Manga", "Chapter", "Size", "Finished", "Error"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of entries to show")
	return cmd
}

func newHistoryDeleteCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete one history entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid history id %q", args[0])
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdDeleteHistoryItem, ipc.QueueIDPayload{ID: id}, nil); err != nil {
				return err
			}
			fmt.Printf("deleted history entry %d\n", id)
			return nil
		},
	}
}

func newHistoryClearCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all history entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var result ipc.ClearedResult
			if err := client.Call(cmd.Context(), ipc.CmdClearHistory, nil, &result); err != nil {
				return err
			}
			fmt.Printf("cleared %d history entries\n", result.Cleared)
			return nil
		},
	}
}
