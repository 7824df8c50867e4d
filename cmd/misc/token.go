package misc

import (
	"fmt"

	"xolo/cmd/root"
	"xolo/internal/config"
	"xolo/services"

	"github.com/spf13/cobra"
)

var (
	optAdmin  string
	optSave   bool
	optServer string
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Mint an admin API token",
	Long: `Mint an admin API token signed with the server's jwt_secret. Run it where the server
configuration is readable. With --save the token is stored in ~/.xolo/client.json.`,
	Args:        cobra.NoArgs,
	Annotations: map[string]string{root.ServerConfigAnnotation: "true"},
	RunE: func(cmd *cobra.Command, args []string) error {
		auth := services.NewAuthenticator(config.Get().Auth)
		token, err := auth.GenerateToken(optAdmin)
		if err != nil {
			return err
		}
		if !optSave {
			fmt.Println(token)
			return nil
		}
		client := config.GetClientConfig()
		client.Token = token
		client.Admin = optAdmin
		if optServer != "" {
			client.ServerURL = optServer
		}
		if err := config.SaveClientConfig(client); err != nil {
			return fmt.Errorf("failed to save client config: %w", err)
		}
		fmt.Printf("Token for '%s' saved\n", optAdmin)
		return nil
	},
}

func init() {
	tokenCmd.Flags().SortFlags = false
	tokenCmd.Flags().StringVarP(&optAdmin, "admin", "a", "", "Admin name the token identifies")
	tokenCmd.Flags().BoolVar(&optSave, "save", false, "Store the token in client.json")
	tokenCmd.Flags().StringVar(&optServer, "server-url", "", "Server URL stored with the token")
	tokenCmd.MarkFlagRequired("admin")
	root.RootCmd.AddCommand(tokenCmd)
	tokenCmd.Example = `  xolo token --admin jdoe --save --server-url https://xolo.example.com:8443`
}
