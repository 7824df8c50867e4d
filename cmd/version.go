package cmd

import (
	"fmt"

	"xolo/cmd/root"
	"xolo/internal/env"

	"github.com/spf13/cobra"
)

var BuildTime = ""
var BuildTag = ""
var BuildCommitId = ""

func PrintVersions() {
	fmt.Printf("Version %s\n", env.Version)
	fmt.Printf("Build Time: %s\n", BuildTime)
	fmt.Printf("Build Tag: %s\n", BuildTag)
	fmt.Printf("Build Commit ID: %s\n", BuildCommitId)
}

var versionInfoCmd = &cobra.Command{
	Use:   "version-info",
	Short: "Display version information",
	Long:  `The 'version-info' command shows version details including git commit and build time`,
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		PrintVersions()
	},
}

func init() {
	root.RootCmd.AddCommand(versionInfoCmd)

	versionInfoCmd.Example = `  xolo version-info`
}
