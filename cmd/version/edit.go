package version

import (
	"fmt"
	"net/http"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

type versionFlags struct {
	file        string
	minOS       string
	maxOS       string
	killApps    []string
	reboot      bool
	standalone  bool
	pilotGroups []string
	pkg         string
}

var addFlags, editFlags *versionFlags

func bindVersionFlags(cmd *cobra.Command) *versionFlags {
	f := &versionFlags{}
	fs := cmd.Flags()
	fs.SortFlags = false
	fs.StringVarP(&f.file, "file", "f", "", "YAML or JSON file with version attributes, flags override it")
	fs.StringVar(&f.minOS, "min-os", "", "Lowest macOS version the version installs on")
	fs.StringVar(&f.maxOS, "max-os", "", "Highest macOS version the version installs on")
	fs.StringSliceVarP(&f.killApps, "killapps", "k", nil, "Apps quit before installing, as 'Name.app;bundle.id'")
	fs.BoolVar(&f.reboot, "reboot", false, "Installing needs a reboot")
	fs.BoolVar(&f.standalone, "standalone", true, "The package is a full install, not an update")
	fs.StringSliceVarP(&f.pilotGroups, "pilot-groups", "g", nil, "Groups receiving the version while in pilot")
	return f
}

func (f *versionFlags) apply(cmd *cobra.Command, v *models.Version) error {
	if f.file != "" {
		if err := root.LoadSpec(f.file, v); err != nil {
			return err
		}
	}
	changed := cmd.Flags().Changed
	if changed("min-os") {
		v.MinOS = f.minOS
	}
	if changed("max-os") {
		v.MaxOS = f.maxOS
	}
	if changed("killapps") {
		v.KillApps = f.killApps
	}
	if changed("reboot") {
		v.Reboot = f.reboot
	}
	if changed("standalone") {
		v.Standalone = f.standalone
	}
	if changed("pilot-groups") {
		v.PilotGroups = f.pilotGroups
	}
	return nil
}

var addCmd = &cobra.Command{
	Use:   "add <title> <version>",
	Short: "Create a version in pilot",
	Long: `Create a version in pilot. With --pkg the package is uploaded once the version exists,
otherwise upload it later with 'xolo version upload'.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		v := &models.Version{Standalone: true}
		if err := addFlags.apply(cmd, v); err != nil {
			return err
		}
		v.Title, v.Version = args[0], args[1]

		api := root.NewAPI()
		defer api.Close()
		if err := api.Run(cmd.Context(), http.MethodPost, versionsPath(v.Title), v); err != nil {
			return err
		}
		if addFlags.pkg == "" {
			return nil
		}
		fmt.Printf("Uploading %s\n", addFlags.pkg)
		return api.Upload(cmd.Context(), versionPath(v.Title, v.Version)+"/pkg", addFlags.pkg)
	},
}

var editCmd = &cobra.Command{
	Use:   "edit <title> <version>",
	Short: "Change attributes of a version",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()

		path := versionPath(args[0], args[1])
		v := &models.Version{}
		if err := api.Get(cmd.Context(), path, v); err != nil {
			return err
		}
		if err := editFlags.apply(cmd, v); err != nil {
			return err
		}
		v.Title, v.Version = args[0], args[1]
		return api.Run(cmd.Context(), http.MethodPut, path, v)
	},
}

var uploadCmd = &cobra.Command{
	Use:   "upload <title> <version> <package file>",
	Short: "Upload the installer package of a version",
	Long:  "Upload a .pkg or zipped package. Uploading again replaces the package and re-triggers installs.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		return api.Upload(cmd.Context(), versionPath(args[0], args[1])+"/pkg", args[2])
	},
}

var optYes bool

var deleteCmd = &cobra.Command{
	Use:   "delete <title> <version>",
	Short: "Delete a version and its package",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !optYes {
			return fmt.Errorf("add --yes to delete %s %s", args[0], args[1])
		}
		api := root.NewAPI()
		defer api.Close()
		return api.Run(cmd.Context(), http.MethodDelete, versionPath(args[0], args[1]), nil)
	},
}

func init() {
	addFlags = bindVersionFlags(addCmd)
	addCmd.Flags().StringVar(&addFlags.pkg, "pkg", "", "Package file to upload after creating the version")
	editFlags = bindVersionFlags(editCmd)
	deleteCmd.Flags().BoolVarP(&optYes, "yes", "y", false, "Confirm the deletion")

	versionCmd.AddCommand(addCmd)
	versionCmd.AddCommand(editCmd)
	versionCmd.AddCommand(uploadCmd)
	versionCmd.AddCommand(deleteCmd)

	addCmd.Example = `  xolo version add xolotest 1.2.0 --min-os 13.0 -g qa --pkg XoloTest-1.2.0.pkg
  xolo version add xolotest 1.2.0 -f 1.2.0.yaml`
}
