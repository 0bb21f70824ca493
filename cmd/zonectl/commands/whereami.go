package commands

import (
	"github.com/spf13/cobra"

	"github.com/network-dmenu/zoned/internal/ipc"
)

func whereAmICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whereami",
		Short: "Fingerprint the current environment and score all zones",
		Long: "Asks the daemon for an immediate scan and prints the resulting " +
			"fingerprint summary with every zone's match score.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := client.WithTimeout(scanRequestTimeout).Do(ipc.Request{Kind: ipc.KindWhereAmI})
			if err != nil {
				return err
			}
			if err := asError(resp); err != nil {
				return err
			}

			out, err := formatWhereAmI(resp.WhereAmI, outputFormat)
			if err != nil {
				return err
			}
			cmd.Print(out)
			return nil
		},
	}
}
