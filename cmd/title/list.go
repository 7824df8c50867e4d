package title

import (
	"context"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List all titles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return listTitles(cmd.Context())
	},
}

var showCmd = &cobra.Command{
	Use:   "show <title>",
	Short: "Show all attributes of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var t models.Title
		if err := api.Get(cmd.Context(), titlePath(args[0]), &t); err != nil {
			return err
		}
		return root.PrintObject(&t)
	},
}

/**
 *	Fields displayed in list format
 */
type titleColumns struct {
	Title     string `json:"title"`
	Name      string `json:"display_name"`
	Released  string `json:"released"`
	Latest    string `json:"latest"`
	Versions  int    `json:"versions"`
	Publisher string `json:"publisher"`
}

func listTitles(ctx context.Context) error {
	api := root.NewAPI()
	defer api.Close()

	var titles []models.Title
	if err := api.Get(ctx, "/titles", &titles); err != nil {
		return err
	}
	rows := make([]titleColumns, 0, len(titles))
	for _, t := range titles {
		rows = append(rows, titleColumns{
			Title:     t.Title,
			Name:      t.DisplayName,
			Released:  t.ReleasedVersion,
			Latest:    t.LatestVersion,
			Versions:  len(t.VersionOrder),
			Publisher: t.Publisher,
		})
	}
	return root.PrintList(titles, rows)
}

func init() {
	titleCmd.AddCommand(listCmd)
	titleCmd.AddCommand(showCmd)
	listCmd.Example = `  xolo title list
  xolo title list -o yaml`
}
