package title

import (
	"os"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/spf13/cobra"
)

var titleCmd = &cobra.Command{
	Use:   "title",
	Short: "Manage software titles",
	Long:  "Create, edit, release, freeze and delete software titles",
}

func titlePath(title string) string {
	return "/titles/" + title
}

// readScript 空路径表示清除脚本
func readScript(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// titleFlags add与edit共用的属性参数
type titleFlags struct {
	file            string
	displayName     string
	description     string
	publisher       string
	contactEmail    string
	appName         string
	bundleID        string
	versionScript   string
	selfService     bool
	category        string
	icon            string
	releaseGroups   []string
	excludedGroups  []string
	uninstallIDs    []string
	uninstallScript string
	expiration      int
	expirePaths     []string
}

func bindTitleFlags(cmd *cobra.Command) *titleFlags {
	f := &titleFlags{}
	fs := cmd.Flags()
	fs.SortFlags = false
	fs.StringVarP(&f.file, "file", "f", "", "YAML or JSON file with title attributes, flags override it")
	fs.StringVarP(&f.displayName, "display-name", "n", "", "Display name")
	fs.StringVarP(&f.description, "description", "d", "", "Description")
	fs.StringVarP(&f.publisher, "publisher", "p", "", "Publisher")
	fs.StringVarP(&f.contactEmail, "contact-email", "e", "", "Contact email of the title's admins")
	fs.StringVar(&f.appName, "app-name", "", "App bundle name, e.g. Foo.app")
	fs.StringVar(&f.bundleID, "bundle-id", "", "App bundle identifier")
	fs.StringVar(&f.versionScript, "version-script", "", "File with a script printing the installed version")
	fs.BoolVar(&f.selfService, "self-service", false, "Offer the title in Self Service")
	fs.StringVar(&f.category, "category", "", "Self Service category")
	fs.StringVar(&f.icon, "icon", "", "Self Service icon")
	fs.StringSliceVarP(&f.releaseGroups, "release-groups", "r", nil, "Groups receiving released versions, 'all' for every computer")
	fs.StringSliceVarP(&f.excludedGroups, "excluded-groups", "x", nil, "Groups never receiving the title")
	fs.StringSliceVar(&f.uninstallIDs, "uninstall-ids", nil, "Package identifiers removed on uninstall")
	fs.StringVar(&f.uninstallScript, "uninstall-script", "", "File with an uninstall script")
	fs.IntVar(&f.expiration, "expiration", 0, "Days of non-use before the title is uninstalled, 0 disables")
	fs.StringSliceVar(&f.expirePaths, "expire-paths", nil, "App paths whose use resets the expiration clock")
	return f
}

/**
 * Apply the spec file and the flags that were set to a title
 * @param {*cobra.Command} cmd - Command owning the flags
 * @param {*models.Title} t - Title to modify, the current title for edit
 */
func (f *titleFlags) apply(cmd *cobra.Command, t *models.Title) error {
	if f.file != "" {
		if err := root.LoadSpec(f.file, t); err != nil {
			return err
		}
	}
	changed := cmd.Flags().Changed
	if changed("display-name") {
		t.DisplayName = f.displayName
	}
	if changed("description") {
		t.Description = f.description
	}
	if changed("publisher") {
		t.Publisher = f.publisher
	}
	if changed("contact-email") {
		t.ContactEmail = f.contactEmail
	}
	if changed("app-name") {
		t.AppName = f.appName
	}
	if changed("bundle-id") {
		t.AppBundleID = f.bundleID
	}
	if changed("version-script") {
		script, err := readScript(f.versionScript)
		if err != nil {
			return err
		}
		t.VersionScript = script
	}
	if changed("self-service") {
		t.SelfService = f.selfService
	}
	if changed("category") {
		t.SelfServiceCategory = f.category
	}
	if changed("icon") {
		t.SelfServiceIcon = f.icon
	}
	if changed("release-groups") {
		t.ReleaseGroups = f.releaseGroups
	}
	if changed("excluded-groups") {
		t.ExcludedGroups = f.excludedGroups
	}
	if changed("uninstall-ids") {
		t.UninstallIDs = f.uninstallIDs
	}
	if changed("uninstall-script") {
		script, err := readScript(f.uninstallScript)
		if err != nil {
			return err
		}
		t.UninstallScript = script
	}
	if changed("expiration") {
		t.Expiration = f.expiration
	}
	if changed("expire-paths") {
		t.ExpirePaths = f.expirePaths
	}
	return nil
}

func init() {
	root.RootCmd.AddCommand(titleCmd)
}
