package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tankobon/internal/events"
	"tankobon/internal/ipc"
)

func newWatchCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream daemon events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_, err := ctx.dial(sigCtx,
				ipc.WithEventHandler(printEnvelope),
				ipc.WithFatalHandler(func(errMsg, stack string) {
					fmt.Fprintf(os.Stderr, "daemon fatal error: %s\n", errMsg)
				}),
			)
			if err != nil {
				return err
			}

			fmt.Println("watching for events, press ctrl-c to stop")
			<-sigCtx.Done()
			return nil
		},
	}
}

func printEnvelope(envelope events.Envelope) {
	for _, event := range envelope.Events {
		fmt.Printf("%s  %-24s %s\n",
			envelope.Timestamp.Local().Format("15:04:05"), event.Kind, describeEvent(event))
	}
}

func describeEvent(event events.Event) string {
	switch event.Kind {
	case events.KindDownloadProgress:
		return fmt.Sprintf("item %d: %d/%d", event.QueueID, event.Current, event.Total)
	case events.KindDownloadFailed:
		return fmt.Sprintf("item %d: %s", event.QueueID, event.Error)
	case events.KindNewChaptersAvailable:
		return fmt.Sprintf("%s: %d new chapters", event.MangaTitle, len(event.ChapterIDs))
	case events.KindCleanupPerformed:
		return fmt.Sprintf("freed %s across %d manga", humanBytes(event.FreedBytes), event.ItemsFreed)
	case events.KindChapterDeleted:
		return fmt.Sprintf("%s/%s", event.MangaID, event.ChapterID)
	case events.KindMangaDeleted:
		return event.MangaTitle
	default:
		if event.QueueID != 0 {
			return fmt.Sprintf("item %d: %s %s", event.QueueID, event.MangaTitle, event.ChapterID)
		}
		return fmt.Sprintf("%s %s", event.MangaTitle, event.ChapterID)
	}
}
