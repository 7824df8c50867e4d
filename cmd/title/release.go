package title

import (
	"fmt"
	"net/http"

	"xolo/cmd/root"

	"github.com/spf13/cobra"
)

var optYes bool

var releaseCmd = &cobra.Command{
	Use:   "release <title> <version>",
	Short: "Release a version of a title",
	Long: `Release a version to the title's release groups. The previously released version
is deprecated, other versions keep their status.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		return api.Run(cmd.Context(), http.MethodPatch, titlePath(args[0])+"/release/"+args[1], nil)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <title>",
	Short: "Delete a title and all of its versions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !optYes {
			return fmt.Errorf("deleting '%s' removes all its versions, packages, groups and policies; add --yes to confirm", args[0])
		}
		api := root.NewAPI()
		defer api.Close()
		return api.Run(cmd.Context(), http.MethodDelete, titlePath(args[0]), nil)
	},
}

func init() {
	deleteCmd.Flags().BoolVarP(&optYes, "yes", "y", false, "Confirm the deletion")
	titleCmd.AddCommand(releaseCmd)
	titleCmd.AddCommand(deleteCmd)
	releaseCmd.Example = `  xolo title release xolotest 1.2.0`
}
