package commands

import (
	"github.com/forgenet/forge/src/config"
	"github.com/spf13/cobra"
)

var (
	_config = config.NewDefaultConfig()
)

// RootCmd is the root command for forge
var RootCmd = &cobra.Command{
	Use:              "forge",
	Short:            "forge repository gossip node",
	TraverseChildren: true,
}
