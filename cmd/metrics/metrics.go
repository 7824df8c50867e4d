package metrics

import (
	"fmt"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var Cmd = &cobra.Command{
	Use:   "metrics",
	Short: "Show the server's health and key counters",
	Long:  "Show the server's health and key counters from /healthz. Full Prometheus metrics are served at /metrics.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var health models.HealthResponse
		if err := api.Get(cmd.Context(), "/healthz", &health); err != nil {
			return err
		}
		if root.OutputFormat != "" {
			return root.PrintObject(&health)
		}
		m := health.Metrics
		fmt.Printf("Status: %s, version %s, up %s\n", health.Status, health.Version, health.Uptime)
		fmt.Printf("Requests: %s (%s failed)\n", humanize.Comma(m.TotalRequests), humanize.Comma(m.ErrorRequests))
		fmt.Printf("Running operations: %d\n", m.ActiveJobs)
		fmt.Printf("Held locks: %d\n", m.HeldLocks)
		fmt.Printf("Titles: %d\n", m.Titles)
		return nil
	},
}

func init() {
	root.RootCmd.AddCommand(Cmd)
}
