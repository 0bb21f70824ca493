package commands

import (
	"github.com/spf13/cobra"

	"github.com/network-dmenu/zoned/internal/ipc"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Do(ipc.Request{Kind: ipc.KindStatus})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			out, err := formatStatus(resp.Status, outputFormat)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "Show recent zone transitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Do(ipc.Request{Kind: ipc.KindHistory})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			out, err := formatHistory(resp.History, outputFormat)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
}

func stopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon gracefully",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.Do(ipc.Request{Kind: ipc.KindStop})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			cmd.Println("daemon stopping")
			return nil
		},
	}
}
