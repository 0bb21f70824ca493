package commands

import (
	"github.com/spf13/cobra"

	appversion "github.com/network-dmenu/zoned/internal/version"
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Println(appversion.Full("zonectl"))
			return nil
		},
	}
}
