package misc

import (
	"xolo/cmd/root"

	"github.com/spf13/cobra"
)

var progressCmd = &cobra.Command{
	Use:   "progress <stream>",
	Short: "Follow the progress of a running operation",
	Long: `Follow the progress of an operation, from the start, until it finishes.
The stream is a progress_stream_url_path returned by the server, or just its stream id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		api := root.NewAPI()
		defer api.Close()
		return api.Follow(cmd.Context(), args[0])
	},
}

func init() {
	root.RootCmd.AddCommand(progressCmd)
	progressCmd.Example = `  xolo progress '/streamed_progress?stream_file=20240102-030405-0b7d1f3e-5a9c-4f55-9d3b-2f6f0e1a7c11'`
}
