package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/tbeaumont/demix/internal/download"
	"github.com/tbeaumont/demix/internal/ensemble"
	"github.com/tbeaumont/demix/internal/models"
	"go.uber.org/zap"
)

func newSetupCmd(app *appState) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Download and verify model assets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			modelDir, err := app.modelStorageDir()
			if err != nil {
				return err
			}

			names := ensemble.RequiredModels(app.ensembleOptions())
			if all {
				names = models.Names()
			}

			for _, name := range names {
				resolved, err := models.Resolve(name, modelDir)
				if err != nil {
					return err
				}

				if !resolved.NeedsDownload {
					if err := download.VerifyFileChecksum(resolved.Path, resolved.SHA256); err != nil {
						app.log().Warn("model checksum verification failed; downloading fresh copy", zap.String("model", resolved.Name), zap.Error(err))
						resolved.NeedsDownload = true
					}
				}

				if !resolved.NeedsDownload {
					app.log().Info("model already present", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
					fmt.Fprintf(cmd.OutOrStdout(), "Model %s already present at %s\n", resolved.Name, resolved.Path)
					continue
				}

				app.log().Info("downloading model", zap.String("model", resolved.Name), zap.String("path", resolved.Path))
				if err := app.downloadFile(cmd.Context(), download.Options{
					URL:            resolved.URL,
					Destination:    resolved.Path,
					ExpectedSHA256: resolved.SHA256,
					NoProgress:     app.noProgress,
					Logger:         app.log(),
				}); err != nil {
					return fmt.Errorf("download model %s: %w", resolved.Name, err)
				}

				fmt.Fprintf(cmd.OutOrStdout(), "Model %s installed at %s\n", resolved.Name, resolved.Path)
			}
			return nil
		},
	}

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindSeparationFlags(cmd, app)
	cmd.Flags().BoolVar(&all, "all", false, "Download every model in the registry, not just the ones the current flags need")

	return cmd
}
