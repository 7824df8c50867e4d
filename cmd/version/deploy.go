package version

import (
	"fmt"
	"net/http"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var (
	optComputers []string
	optGroups    []string
)

var deployCmd = &cobra.Command{
	Use:   "deploy <title> <version>",
	Short: "Push-install a version on computers through MDM",
	Long: `Queue an MDM install command on each target computer. Targets that are unknown,
excluded, frozen or on an unsupported OS are reported as failed, the rest are queued.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(optComputers) == 0 && len(optGroups) == 0 {
			return fmt.Errorf("give target computers with --computers or groups with --groups")
		}
		api := root.NewAPI()
		defer api.Close()

		req := models.DeployRequest{Computers: optComputers, Groups: optGroups}
		var result models.DeployResult
		if err := api.Send(cmd.Context(), http.MethodPost, versionPath(args[0], args[1])+"/deploy", req, &result); err != nil {
			return err
		}
		if root.OutputFormat != "" {
			return root.PrintObject(&result)
		}
		fmt.Printf("Queued on %d computer(s), %d failed\n", len(result.Queued), len(result.Failed))
		for _, q := range result.Queued {
			fmt.Printf("  %s: command %s\n", q.Computer, q.CommandID)
		}
		for _, f := range result.Failed {
			fmt.Printf("  %s: %s\n", f.Target, f.Reason)
		}
		return nil
	},
}

func init() {
	deployCmd.Flags().StringSliceVar(&optComputers, "computers", nil, "Computer names")
	deployCmd.Flags().StringSliceVar(&optGroups, "groups", nil, "Computer group names")
	versionCmd.AddCommand(deployCmd)
}
