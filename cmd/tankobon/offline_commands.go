package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"tankobon/internal/catalog"
	"tankobon/internal/ipc"
	"tankobon/internal/storage"
)

func newOfflineCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "offline",
		Short: "Browse and manage the offline library",
	}
	cmd.AddCommand(newOfflineListCommand(ctx))
	cmd.AddCommand(newOfflineChaptersCommand(ctx))
	cmd.AddCommand(newOfflineMetadataCommand(ctx))
	cmd.AddCommand(newOfflinePagesCommand(ctx))
	cmd.AddCommand(newOfflinePagePathCommand(ctx))
	cmd.AddCommand(newOfflineDownloadedCommand(ctx))
	cmd.AddCommand(newOfflineValidateCommand(ctx))
	cmd.AddCommand(newOfflineDeleteChapterCommand(ctx))
	cmd.AddCommand(newOfflineDeleteMangaCommand(ctx))
	cmd.AddCommand(newOfflineNukeCommand(ctx))
	return cmd
}

func newOfflineListCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List downloaded manga",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var mangas []catalog.Manga
			if err := client.Call(cmd.Context(), ipc.CmdGetDownloadedManga, nil, &mangas); err != nil {
				return err
			}
			if len(mangas) == 0 {
				fmt.Println("no downloaded manga")
				return nil
			}
			rows := make([][]string, 0, len(mangas))
			for _, manga := range mangas {
				rows = append(rows, []string{
					manga.MangaID,
					manga.Title,
					manga.Slug,
					humanBytes(manga.TotalSizeBytes),
					formatTime(manga.DownloadedAt),
					formatTime(manga.LastUpdatedAt),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "Title", "Slug", "Size", "Downloaded", "Updated"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
			))
			return nil
		},
	}
}

func newOfflineChaptersCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "chapters <manga-id>",
		Short: "List downloaded chapters of a manga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var chapters []catalog.Chapter
			err = client.Call(cmd.Context(), ipc.CmdGetDownloadedChaps,
				ipc.MangaPayload{MangaID: args[0]}, &chapters)
			if err != nil {
				return err
			}
			if len(chapters) == 0 {
				fmt.Println("no downloaded chapters")
				return nil
			}
			rows := make([][]string, 0, len(chapters))
			for _, chapter := range chapters {
				rows = append(rows, []string{
					chapter.ChapterID,
					chapter.Number,
					chapter.Title,
					strconv.Itoa(chapter.PageCount),
					humanBytes(chapter.SizeBytes),
					formatTime(chapter.DownloadedAt),
				})
			}
			fmt.Println(renderTable(
				[]string{"ID", "No", "Title", "Pages", "Size", "Downloaded"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft},
			))
			return nil
		},
	}
}

func newOfflineMetadataCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "metadata <manga-id>",
		Short: "Show the stored metadata of a manga",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var meta storage.MangaMetadata
			err = client.Call(cmd.Context(), ipc.CmdGetMangaMetadata,
				ipc.MangaPayload{MangaID: args[0]}, &meta)
			if err != nil {
				return err
			}
			fmt.Printf("%s (%s)\n", meta.Title, meta.MangaID)
			if meta.Description != "" {
				fmt.Println(meta.Description)
			}
			fmt.Printf("chapters: %d  size: %s  updated: %s\n",
				len(meta.Chapters), humanBytes(meta.TotalSizeBytes), formatTime(meta.LastUpdatedAt))
			return nil
		},
	}
}

func newOfflinePagesCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "pages <manga-id> <chapter-id>",
		Short: "List the pages of a downloaded chapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var pages storage.ChapterPages
			err = client.Call(cmd.Context(), ipc.CmdGetChapterPages,
				ipc.ChapterPayload{MangaID: args[0], ChapterID: args[1]}, &pages)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(pages.Pages))
			for _, page := range pages.Pages {
				dims := "-"
				if page.Width > 0 {
					dims = fmt.Sprintf("%dx%d", page.Width, page.Height)
				}
				rows = append(rows, []string{
					strconv.Itoa(page.Index),
					page.File,
					humanBytes(page.SizeBytes),
					page.MimeType,
					dims,
				})
			}
			fmt.Println(renderTable(
				[]string{"#", "File", "Size", "Type", "Dims"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignRight, alignLeft, alignRight},
			))
			return nil
		},
	}
}

func newOfflinePagePathCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "page-path <manga-id> <chapter-id> <index>",
		Short: "Print the absolute path of one page image",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("invalid page index %q", args[2])
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var result ipc.PagePathResult
			err = client.Call(cmd.Context(), ipc.CmdGetPagePath,
				ipc.PagePathPayload{MangaID: args[0], ChapterID: args[1], PageIndex: index}, &result)
			if err != nil {
				return err
			}
			fmt.Println(result.Path)
			return nil
		},
	}
}

func newOfflineDownloadedCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "downloaded <manga-id> <chapter-id>",
		Short: "Check whether a chapter is in the offline library",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var result ipc.DownloadedResult
			err = client.Call(cmd.Context(), ipc.CmdIsChapterDownloaded,
				ipc.ChapterPayload{MangaID: args[0], ChapterID: args[1]}, &result)
			if err != nil {
				return err
			}
			if result.Downloaded {
				fmt.Println("downloaded")
			} else {
				fmt.Println("not downloaded")
			}
			return nil
		},
	}
}

func newOfflineValidateCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <manga-id>",
		Short: "Compare local chapters against the content source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var report storage.ChapterCountReport
			err = client.Call(cmd.Context(), ipc.CmdValidateChapterCount,
				ipc.MangaPayload{MangaID: args[0]}, &report)
			if err != nil {
				return err
			}
			fmt.Printf("local %d / remote %d\n", report.LocalCount, report.RemoteCount)
			if report.UpToDate {
				fmt.Println("library is up to date")
				return nil
			}
			fmt.Printf("missing %d chapters: %v\n", len(report.MissingIDs), report.MissingIDs)
			return nil
		},
	}
}

func newOfflineDeleteChapterCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-chapter <manga-id> <chapter-id>",
		Short: "Delete one downloaded chapter",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			err = client.Call(cmd.Context(), ipc.CmdDeleteChapter,
				ipc.ChapterPayload{MangaID: args[0], ChapterID: args[1]}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("deleted chapter %s\n", args[1])
			return nil
		},
	}
}

func newOfflineDeleteMangaCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "delete-manga <manga-id>",
		Short: "Delete a manga and all of its chapters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			err = client.Call(cmd.Context(), ipc.CmdDeleteManga, ipc.MangaPayload{MangaID: args[0]}, nil)
			if err != nil {
				return err
			}
			fmt.Printf("deleted manga %s\n", args[0])
			return nil
		},
	}
}

func newOfflineNukeCommand(ctx *commandContext) *cobra.Command {
	var confirmed bool
	cmd := &cobra.Command{
		Use:   "nuke",
		Short: "Delete the entire offline library, queue, and history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !confirmed {
				return fmt.Errorf("refusing to wipe the library without --yes")
			}
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdNukeOfflineData, nil, nil); err != nil {
				return err
			}
			fmt.Println("offline data wiped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&confirmed, "yes", false, "Confirm the wipe")
	return cmd
}
