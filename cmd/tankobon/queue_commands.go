package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tankobon/internal/catalog"
	"tankobon/internal/ipc"
)

func newQueueCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Manage the download queue",
	}
	cmd.AddCommand(newQueueListCommand(ctx))
	cmd.AddCommand(newQueueAddCommand(ctx))
	cmd.AddCommand(newQueueCancelCommand(ctx))
	cmd.AddCommand(newQueueRetryCommand(ctx))
	cmd.AddCommand(newQueueRetryFrozenCommand(ctx))
	cmd.AddCommand(newQueueProgressCommand(ctx))
	return cmd
}

func newQueueListCommand(ctx *commandContext) *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued and in-flight downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var payload any
			if len(statuses) > 0 {
				payload = ipc.QueueFilterPayload{Statuses: statuses}
			}
			var items []catalog.Item
			if err := client.Call(cmd.Context(), ipc.CmdGetQueuedDownloads, payload, &items); err != nil {
				return err
			}
			if len(items) == 0 {
				fmt.Println("queue is empty")
				return nil
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				progress := "-"
				if item.ProgressTotal > 0 {
					progress = fmt.Sprintf("%d/%d", item.ProgressCurrent, item.ProgressTotal)
				}
				rows = append(rows, []string{
					strconv.FormatInt(item.ID, 10),
					string(item.Status),
					item.MangaTitle,
					item.ChapterID,
					strconv.Itoa(item.Priority),
					progress,
					formatTime(item.QueuedAt),
					item.ErrorMessage,
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "Status", "Manga", "Chapter", "Prio", "Progress", "Queued", "Error"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (queued, downloading, failed, paused)")
	return cmd
}

func newQueueAddCommand(ctx *commandContext) *cobra.Command {
	var priority int
	var chapters []string
	cmd := &cobra.Command{
		Use:   "add <manga-id> [chapter-id]",
		Short: "Queue a chapter, or every chapter of a manga",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 2 {
				var item catalog.Item
				err := client.Call(cmd.Context(), ipc.CmdQueueChapter,
					ipc.QueueChapterPayload{MangaID: args[0], ChapterID: args[1], Priority: priority}, &item)
				if err != nil {
					return err
				}
				fmt.Printf("queued chapter %s as item %d\n", args[1], item.ID)
				return nil
			}
			var result ipc.QueueMangaResult
			err = client.Call(cmd.Context(), ipc.CmdQueueManga,
				ipc.QueueMangaPayload{MangaID: args[0], ChapterIDs: chapters, Priority: priority}, &result)
			if err != nil {
				return err
			}
			fmt.Printf("queued %d chapters of %s\n", len(result.QueueIDs), args[0])
			return nil
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "Queue priority (higher runs first)")
	cmd.Flags().StringSliceVar(&chapters, "chapters", nil, "Limit a manga queue to these chapter ids")
	return cmd
}

func newQueueCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a queued or running download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid queue id %q", args[0])
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdCancelDownload, ipc.QueueIDPayload{ID: id}, nil); err != nil {
				return err
			}
			fmt.Printf("cancelled item %d\n", id)
			return nil
		},
	}
}

func newQueueRetryCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Re-queue a failed download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid queue id %q", args[0])
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdRetryDownload, ipc.QueueIDPayload{ID: id}, nil); err != nil {
				return err
			}
			fmt.Printf("retrying item %d\n", id)
			return nil
		},
	}
}

func newQueueRetryFrozenCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "retry-frozen",
		Short: "Re-queue downloads that stopped making progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var result ipc.RetriedResult
			if err := client.Call(cmd.Context(), ipc.CmdRetryFrozen, nil, &result); err != nil {
				return err
			}
			fmt.Printf("re-queued %d frozen downloads\n", result.Retried)
			return nil
		},
	}
}

func newQueueProgressCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "progress <id>",
		Short: "Show the progress of one download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid queue id %q", args[0])
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var item catalog.Item
			if err := client.Call(cmd.Context(), ipc.CmdGetDownloadProgress, ipc.QueueIDPayload{ID: id}, &item); err != nil {
				return err
			}
			fmt.Printf("item %d: %s", item.ID, item.Status)
			if item.ProgressTotal > 0 {
				fmt.Printf(" %d/%d (%.0f%%)", item.ProgressCurrent, item.ProgressTotal, item.ProgressRatio()*100)
			}
			if item.ErrorMessage != "" {
				fmt.Printf(" error: %s", item.ErrorMessage)
			}
			fmt.Println()
			return nil
		},
	}
}
