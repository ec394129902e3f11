package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"

	"shopwatch/internal/app"
)

func NewVersionCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if rootOpts.Format == "json" {
				return json.NewEncoder(out).Encode(map[string]string{
					"version": app.Version,
					"go":      runtime.Version(),
				})
			}
			_, err := fmt.Fprintf(out, "shopwatch %s (%s)\n", app.Version, runtime.Version())
			return err
		},
	}
}
