package commands

import (
	"fmt"

	"github.com/forgenet/forge/src/version"
	"github.com/spf13/cobra"
)

// NewVersionCmd returns the command that prints the version
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version info",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version.Version)
		},
	}
}
