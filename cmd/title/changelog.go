package title

import (
	"fmt"
	"time"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var changelogCmd = &cobra.Command{
	Use:   "changelog <title>",
	Short: "Show the change history of a title",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var entries []models.ChangeLogEntry
		if err := api.Get(cmd.Context(), titlePath(args[0])+"/changelog", &entries); err != nil {
			return err
		}
		rows := make([]changeColumns, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, changeColumns{
				Time:    e.Time.Local().Format(time.DateTime),
				Admin:   e.Admin + "@" + e.Host,
				Version: e.Version,
				Change:  describeChange(e),
			})
		}
		return root.PrintList(entries, rows)
	},
}

type changeColumns struct {
	Time    string `json:"time"`
	Admin   string `json:"admin"`
	Version string `json:"version"`
	Change  string `json:"change"`
}

// describeChange 属性变更显示为 attr: old -> new
func describeChange(e models.ChangeLogEntry) string {
	if e.Attribute == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %v -> %v", e.Attribute, valueText(e.OldValue), valueText(e.NewValue))
}

func valueText(v any) string {
	if v == nil || v == "" {
		return "-"
	}
	return fmt.Sprintf("%v", v)
}

func init() {
	titleCmd.AddCommand(changelogCmd)
}
