package maint

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"xolo/cmd/root"
	"xolo/internal/models"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var maintCmd = &cobra.Command{
	Use:   "maint",
	Short: "Server maintenance",
	Long:  "Inspect the server state and run maintenance tasks on demand",
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Displays locks, running operations and maintenance schedules",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var state models.ServerState
		if err := api.Get(cmd.Context(), "/maint/state", &state); err != nil {
			return err
		}
		if root.OutputFormat != "" {
			return root.PrintObject(&state)
		}
		displayState(state)
		return nil
	},
}

func since(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return humanize.Time(t)
}

func displayState(s models.ServerState) {
	fmt.Println("=== xolo Server State ===")
	fmt.Printf("Version: %s\n", s.Env.Version)
	fmt.Printf("Started: %s (up %s)\n", s.StartTime.Local().Format(time.RFC3339), s.Uptime)
	fmt.Printf("Titles: %d, versions: %d, progress streams: %d\n", s.Titles, s.Versions, s.Streams)
	fmt.Printf("Data dir: %s\n", s.Env.DataDir)
	fmt.Printf("Log: %s (%s)\n", s.Env.LogFile, s.Env.LogLevel)
	fmt.Println()

	fmt.Printf("=== Locks (%d) ===\n", len(s.Locks))
	for _, l := range s.Locks {
		stale := ""
		if l.Stale {
			stale = " STALE"
		}
		fmt.Printf("%s [%s] %s by %s, %s%s\n", l.Key, l.Mode, l.Operation, l.Admin, since(l.Since), stale)
	}
	fmt.Println()

	fmt.Printf("=== Running operations (%d) ===\n", len(s.Jobs))
	for _, j := range s.Jobs {
		fmt.Printf("%s by %s, started %s\n  %s\n", j.Name, j.Admin, since(j.Started), j.StreamURL)
	}
	fmt.Println()

	fmt.Println("=== Maintenance tasks ===")
	for _, t := range s.Tasks {
		schedule := t.Schedule
		if schedule == "" {
			schedule = "on demand"
		}
		next := "-"
		if !t.NextRun.IsZero() {
			next = t.NextRun.Local().Format(time.DateTime)
		}
		status := "ok"
		if t.Running {
			status = "running"
		} else if t.LastErr != "" {
			status = "failed: " + t.LastErr
		}
		fmt.Printf("%-12s %-16s last %s, next %s, %s\n", t.Name, schedule, since(t.LastRun), next, status)
	}

	if len(s.PendingEnables) > 0 {
		fmt.Println()
		fmt.Println("=== Policies waiting to be re-enabled ===")
		for _, p := range s.PendingEnables {
			fmt.Println(p)
		}
	}
}

// post 调用同步维护接口并输出返回的消息
func post(ctx context.Context, path string, body interface{}) error {
	api := root.NewAPI()
	defer api.Close()
	var resp models.OKResponse
	if err := api.Send(ctx, http.MethodPost, path, body, &resp); err != nil {
		return err
	}
	fmt.Println(resp.Message)
	return nil
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove old progress streams, stale staging dirs and surplus log backups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		var result models.CleanupResult
		if err := api.Send(cmd.Context(), http.MethodPost, "/maint/cleanup", nil, &result); err != nil {
			return err
		}
		fmt.Printf("Removed %d progress stream(s), %d staging dir(s), %d log backup(s)\n",
			result.StreamsRemoved, result.StagingRemoved, result.LogsRemoved)
		return nil
	},
}

var rotateLogsCmd = &cobra.Command{
	Use:   "rotate-logs",
	Short: "Rotate the server log now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/maint/rotate-logs", nil)
	},
}

var logLevelCmd = &cobra.Command{
	Use:       "log-level <debug|info|warn|error>",
	Short:     "Change the server log level",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"debug", "info", "warn", "error"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/maint/set-log-level", models.LogLevelRequest{Level: args[0]})
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload-config",
	Short: "Make the server re-read its configuration file",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/maint/reload-config", nil)
	},
}

var expireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Run the expiration sweep now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/maint/expire", nil)
	},
}

var shutdownCmd = &cobra.Command{
	Use:   "shutdown",
	Short: "Stop the server once running operations finish",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return post(cmd.Context(), "/maint/shutdown-server", nil)
	},
}

func init() {
	maintCmd.AddCommand(stateCmd, cleanupCmd, rotateLogsCmd, logLevelCmd, reloadCmd, expireCmd, shutdownCmd)
	root.RootCmd.AddCommand(maintCmd)
}
