package root

import (
	"xolo/internal/config"
	"xolo/internal/logger"

	"github.com/spf13/cobra"
)

// ServerConfigAnnotation 标记需要读取服务端配置文件的命令
const ServerConfigAnnotation = "xolo/server-config"

var (
	ConfigFile   string
	ServerURL    string
	OutputFormat string
)

var RootCmd = &cobra.Command{
	Use:   "xolo",
	Short: "Software title and version lifecycle manager",
	Long: `xolo manages software titles and their versions: it publishes patch definitions,
keeps device-management groups and policies in sync, and moves versions from pilot to release.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initRuntime(cmd)
	},
}

/**
 * Load configuration and start logging for the command about to run
 * @description
 * - Commands annotated with ServerConfigAnnotation read the server YAML config
 * - Client commands read ~/.xolo/client.json and log warnings to the console only
 */
func initRuntime(cmd *cobra.Command) error {
	if _, ok := cmd.Annotations[ServerConfigAnnotation]; ok {
		if err := config.Load(ConfigFile); err != nil {
			return err
		}
		cfg := config.Get()
		logger.InitLogger(&cfg.Log, cmd.Name() == "server")
		return nil
	}
	if err := config.LoadClientConfig(); err != nil {
		return err
	}
	logger.InitLogger(&config.LogConfig{Level: "warn", Path: "console"}, false)
	return nil
}

func init() {
	flags := RootCmd.PersistentFlags()
	flags.StringVarP(&ConfigFile, "config", "c", "", "Server config file (default xolo-server.yaml in ., ~/.xolo, /etc/xolo)")
	flags.StringVarP(&ServerURL, "server", "s", "", "xolo server URL, overrides client.json")
	flags.StringVarP(&OutputFormat, "output", "o", "", "Output format: table, yaml or json")
}
