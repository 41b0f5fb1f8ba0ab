package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tbeaumont/demix/internal/models"
)

func newModelsCmd(app *appState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List model assets and their download status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			dir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			for _, name := range models.Names() {
				resolved, err := models.Resolve(name, dir)
				if err != nil {
					return err
				}
				status := "downloaded"
				if resolved.NeedsDownload {
					status = "missing"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-10s %s\n", name, status, resolved.Path)
			}
			return nil
		},
	}

	bindLoggingFlags(cmd, app)
	bindModelFlags(cmd, app)

	return cmd
}
