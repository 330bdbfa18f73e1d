package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"tankobon/internal/ipc"
)

func newDaemonCommand(ctx *commandContext) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Inspect and control the download worker",
	}
	cmd.AddCommand(newDaemonStatusCommand(ctx))
	cmd.AddCommand(newDaemonStartCommand(ctx))
	cmd.AddCommand(newDaemonStopCommand(ctx))
	return cmd
}

func newDaemonStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the download worker is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			var state ipc.WorkerStateResult
			if err := client.Call(cmd.Context(), ipc.CmdPing, nil, &state); err != nil {
				return err
			}
			if state.Active {
				if state.Current != 0 {
					fmt.Printf("worker: running (downloading queue item %d)\n", state.Current)
				} else {
					fmt.Println("worker: running (idle)")
				}
			} else {
				fmt.Println("worker: stopped")
			}
			return nil
		},
	}
}

func newDaemonStartCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the download worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdStart, nil, nil); err != nil {
				return err
			}
			fmt.Println("worker started")
			return nil
		},
	}
}

func newDaemonStopCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the download worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := ctx.dial(cmd.Context())
			if err != nil {
				return err
			}
			if err := client.Call(cmd.Context(), ipc.CmdStop, nil, nil); err != nil {
				return err
			}
			fmt.Println("worker stopped")
			return nil
		},
	}
}
