package version

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Manage versions of a title",
	Long:  "Create, edit, upload, skip, deprecate, deploy and delete versions of a title",
}

func versionsPath(title string) string {
	return "/titles/" + title + "/versions"
}

func versionPath(title, version string) string {
	return versionsPath(title) + "/" + version
}

var listCmd = &cobra.Command{
	Use:   "list <title>",
	Short: "List the versions of a title, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return listVersions(cmd.Context(), args[0])
	},
}

var showCmd = &cobra.Command{
	Use:   "show <title> <version>",
	Short: "Show all attributes of a version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var v models.Version
		if err := api.Get(cmd.Context(), versionPath(args[0], args[1]), &v); err != nil {
			return err
		}
		return root.PrintObject(&v)
	},
}

type versionColumns struct {
	Version  string `json:"version"`
	Status   string `json:"status"`
	MinOS    string `json:"min_os"`
	Package  string `json:"package"`
	Uploaded string `json:"uploaded"`
	Pilots   string `json:"pilot_groups"`
}

func listVersions(ctx context.Context, title string) error {
	api := root.NewAPI()
	defer api.Close()

	var versions []models.Version
	if err := api.Get(ctx, versionsPath(title), &versions); err != nil {
		return err
	}
	rows := make([]versionColumns, 0, len(versions))
	for _, v := range versions {
		row := versionColumns{
			Version: v.Version,
			Status:  string(v.Status),
			MinOS:   v.MinOS,
			Package: v.PkgFile,
			Pilots:  strings.Join(v.PilotGroups, ", "),
		}
		if v.Uploaded() {
			row.Uploaded = v.UploadDate.Local().Format("2006-01-02 15:04") + " by " + v.UploadedBy
		}
		rows = append(rows, row)
	}
	return root.PrintList(versions, rows)
}

var skipCmd = &cobra.Command{
	Use:   "skip <title> <version>",
	Short: "Mark a pilot version as skipped",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeStatus(cmd.Context(), args[0], args[1], "skip")
	},
}

var deprecateCmd = &cobra.Command{
	Use:   "deprecate <title> <version>",
	Short: "Retire the released version without releasing another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return changeStatus(cmd.Context(), args[0], args[1], "deprecate")
	},
}

func changeStatus(ctx context.Context, title, version, action string) error {
	api := root.NewAPI()
	defer api.Close()
	var v models.Version
	if err := api.Send(ctx, http.MethodPatch, versionPath(title, version)+"/"+action, nil, &v); err != nil {
		return err
	}
	fmt.Printf("%s %s is now %s\n", v.Title, v.Version, v.Status)
	return nil
}

func init() {
	versionCmd.AddCommand(listCmd)
	versionCmd.AddCommand(showCmd)
	versionCmd.AddCommand(skipCmd)
	versionCmd.AddCommand(deprecateCmd)
	root.RootCmd.AddCommand(versionCmd)
}
