package title

import (
	"net/http"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var addFlags, editFlags *titleFlags

var addCmd = &cobra.Command{
	Use:   "add <title>",
	Short: "Create a title",
	Long: `Create a title. Creation publishes the patch definition and sets up the installed,
frozen and expired groups plus the title's policies, progress is printed as it happens.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		t := &models.Title{}
		if err := addFlags.apply(cmd, t); err != nil {
			return err
		}
		t.Title = args[0]

		api := root.NewAPI()
		defer api.Close()
		return api.Run(cmd.Context(), http.MethodPost, "/titles", t)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <title>",
	Short: "Change attributes of a title",
	Long:  "Change attributes of a title. Only the attributes given by flags or the spec file change.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()

		t := &models.Title{}
		if err := api.Get(cmd.Context(), titlePath(args[0]), t); err != nil {
			return err
		}
		if err := editFlags.apply(cmd, t); err != nil {
			return err
		}
		t.Title = args[0]
		return api.Run(cmd.Context(), http.MethodPut, titlePath(args[0]), t)
	},
}

func init() {
	addFlags = bindTitleFlags(addCmd)
	editFlags = bindTitleFlags(editCmd)
	titleCmd.AddCommand(addCmd)
	titleCmd.AddCommand(editCmd)

	addCmd.Example = `  xolo title add xolotest -n "Xolo Test" -d "Test title" -p Pixar -e admins@example.com \
      --app-name XoloTest.app --bundle-id com.pixar.xolotest -r all
  xolo title add xolotest -f xolotest.yaml`
	editCmd.Example = `  xolo title edit xolotest --release-groups qa,it
  xolo title edit xolotest --expiration 30 --expire-paths /Applications/XoloTest.app`
}
