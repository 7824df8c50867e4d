package misc

import (
	"fmt"
	"time"

	"xolo/cmd/root"
	"xolo/internal/config"
	"xolo/internal/utils"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the client configuration",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		showConfigs()
	},
}

var optViewJwt bool

func showConfigs() {
	cfg := config.GetClientConfig()
	server := cfg.ServerURL
	if root.ServerURL != "" {
		server = root.ServerURL
	}

	fmt.Printf("Server URL: %s\n", server)
	fmt.Printf("Admin: %s\n", cfg.Admin)
	if cfg.Token == "" {
		fmt.Printf("Token: none, run `xolo token --admin NAME --save` where the server config is readable\n")
		return
	}
	// 只解析不校验，CLI没有签名密钥
	token, _, err := jwt.NewParser().ParseUnverified(cfg.Token, jwt.MapClaims{})
	if err != nil {
		fmt.Printf("Token: unreadable (%v)\n", err)
		return
	}
	if exp, err := token.Claims.GetExpirationTime(); err == nil && exp != nil {
		state := "valid"
		if exp.Before(time.Now()) {
			state = "expired"
		}
		fmt.Printf("Token expires: %s (%s)\n", exp.Local().Format(time.DateTime), state)
	}
	if optViewJwt {
		fmt.Printf("============= JWT ==============\n")
		utils.PrintYaml(token.Claims)
	} else {
		fmt.Printf("Decoded JWT: run `xolo config --jwt`\n")
	}
}

func init() {
	configCmd.Flags().SortFlags = false
	configCmd.Flags().BoolVarP(&optViewJwt, "jwt", "j", false, "Display the decoded JWT")
	root.RootCmd.AddCommand(configCmd)
	configCmd.Example = `  xolo config --jwt`
}
