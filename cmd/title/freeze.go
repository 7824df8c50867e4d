package title

import (
	"fmt"
	"net/http"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var optUsers bool

var freezeCmd = &cobra.Command{
	Use:   "freeze <title> <computer|user>...",
	Short: "Keep computers at their installed version",
	Long:  "Add computers to the title's frozen group. With --users the targets are user names and their computers are frozen.",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return freezeOrThaw(cmd, "freeze", args)
	},
}

var thawCmd = &cobra.Command{
	Use:   "thaw <title> <computer|user|all>...",
	Short: "Let frozen computers receive updates again",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return freezeOrThaw(cmd, "thaw", args)
	},
}

var frozenCmd = &cobra.Command{
	Use:   "frozen <title>",
	Short: "List frozen computers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var computers []string
		if err := api.Get(cmd.Context(), titlePath(args[0])+"/frozen", &computers); err != nil {
			return err
		}
		if root.OutputFormat != "" {
			return root.PrintObject(computers)
		}
		if len(computers) == 0 {
			fmt.Printf("No computers are frozen for '%s'\n", args[0])
		}
		for _, c := range computers {
			fmt.Println(c)
		}
		return nil
	},
}

func freezeOrThaw(cmd *cobra.Command, action string, args []string) error {
	api := root.NewAPI()
	defer api.Close()

	req := models.FreezeRequest{Targets: args[1:], Users: optUsers}
	var result models.FreezeResult
	if err := api.Send(cmd.Context(), http.MethodPut, titlePath(args[0])+"/"+action, req, &result); err != nil {
		return err
	}
	if root.OutputFormat != "" {
		return root.PrintObject(&result)
	}
	verb := "Froze"
	if action == "thaw" {
		verb = "Thawed"
	}
	fmt.Printf("%s %d computer(s) for '%s'\n", verb, len(result.Computers), result.Title)
	for _, c := range result.Computers {
		fmt.Printf("  %s\n", c)
	}
	return nil
}

func init() {
	freezeCmd.Flags().BoolVarP(&optUsers, "users", "u", false, "Targets are user names")
	thawCmd.Flags().BoolVarP(&optUsers, "users", "u", false, "Targets are user names")
	titleCmd.AddCommand(freezeCmd)
	titleCmd.AddCommand(thawCmd)
	titleCmd.AddCommand(frozenCmd)
	thawCmd.Example = `  xolo title thaw xolotest mac-0142
  xolo title thaw xolotest all`
}
