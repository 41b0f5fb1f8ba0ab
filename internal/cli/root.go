package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tbeaumont/demix/internal/download"
	"github.com/tbeaumont/demix/internal/ensemble"
	"github.com/tbeaumont/demix/internal/inference"
	"github.com/tbeaumont/demix/internal/logging"
	"github.com/tbeaumont/demix/internal/models"
	"github.com/tbeaumont/demix/internal/platform"
	"github.com/tbeaumont/demix/internal/version"
	"go.uber.org/zap"
	"golang.org/x/term"
)

type appState struct {
	verbose    bool
	jsonLogs   bool
	noProgress bool

	outputDir    string
	pcm16Output  bool
	onlyVocals   bool
	overlapLarge float64
	overlapSmall float64
	chunkSize    int
	singleModel  bool
	useKimModel1 bool
	cpuOnly      bool
	gpuID        int
	largeGPU     bool
	modelDir     string
	autoDownload bool
	silenceGate  bool
	silenceDBFS  float64

	logger *zap.Logger
	out    io.Writer

	preflightFn    func(ctx context.Context) error
	newSeparatorFn func() (stemSeparator, error)
	downloadFn     func(ctx context.Context, opts download.Options) error
}

func NewRootCmd() *cobra.Command {
	app := &appState{
		outputDir:    "separated",
		overlapLarge: 0.6,
		overlapSmall: 0.5,
		chunkSize:    1000000,
		autoDownload: true,
		silenceGate:  true,
		silenceDBFS:  -65,
		out:          os.Stdout,
	}
	app.preflightFn = app.ensureModelsAvailable
	app.newSeparatorFn = app.newSeparator
	app.downloadFn = download.DownloadFile

	cmd := &cobra.Command{
		Use:           "demix [flags] <audio-file>...",
		Short:         "Separate music into vocals, drums, bass, and other stems",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version.Resolve(),
		Args:          cobra.ArbitraryArgs,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			logger, err := logging.New(logging.Options{Verbose: app.verbose, JSON: app.jsonLogs})
			if err != nil {
				return fmt.Errorf("initialize logger: %w", err)
			}
			app.logger = logger
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return app.runSeparate(cmd.Context(), args)
		},
	}

	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	bindLoggingFlags(cmd, app)
	bindProgressFlag(cmd, app)
	bindModelFlags(cmd, app)
	bindOutputFlags(cmd, app)
	bindSeparationFlags(cmd, app)
	bindComputeFlags(cmd, app)
	bindSilenceFlags(cmd, app)

	cmd.AddCommand(newSeparateCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newSetupCmd(app))
	cmd.AddCommand(newVersionCmd())

	return cmd
}

func bindLoggingFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.verbose, "verbose", app.verbose, "Enable verbose logs")
	cmd.Flags().BoolVar(&app.jsonLogs, "json", app.jsonLogs, "Enable JSON logging")
}

func bindProgressFlag(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.noProgress, "no-progress", app.noProgress, "Disable progress indicators")
}

func bindModelFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVar(&app.modelDir, "model-dir", app.modelDir, "Directory where models are stored")
	cmd.Flags().BoolVar(&app.autoDownload, "auto-download", app.autoDownload, "Automatically download missing models")
}

func bindOutputFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().StringVarP(&app.outputDir, "output", "o", app.outputDir, "Directory where stem files are written")
	cmd.Flags().BoolVar(&app.pcm16Output, "pcm16", app.pcm16Output, "Write stems as 16-bit PCM WAV instead of 32-bit float, for players that cannot decode float WAV")
}

func bindSeparationFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.onlyVocals, "only-vocals", app.onlyVocals, "Only create vocals and instrumental stems; skip bass, drums, other")
	cmd.Flags().Float64Var(&app.overlapLarge, "overlap-large", app.overlapLarge, "Window overlap for the heavy models (0..0.99)")
	cmd.Flags().Float64Var(&app.overlapSmall, "overlap-small", app.overlapSmall, "Window overlap for the first instrumental model (0..0.99)")
	cmd.Flags().IntVar(&app.chunkSize, "chunk-size", app.chunkSize, "Chunk size in samples for the spectral models")
	cmd.Flags().BoolVar(&app.singleModel, "single-onnx", app.singleModel, "Use a single spectral vocal model; lighter but lower quality")
	cmd.Flags().BoolVar(&app.useKimModel1, "use-kim-model-1", app.useKimModel1, "Use the older Kim vocal model instead of version 2")
}

func bindComputeFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.cpuOnly, "cpu", app.cpuOnly, "Run inference on CPU even when a GPU is available")
	cmd.Flags().IntVar(&app.gpuID, "gpu-id", app.gpuID, "CUDA device to run inference on")
	cmd.Flags().BoolVar(&app.largeGPU, "large-gpu", app.largeGPU, "Keep all model sessions resident; needs roughly 11 GB of memory")
}

func bindSilenceFlags(cmd *cobra.Command, app *appState) {
	cmd.Flags().BoolVar(&app.silenceGate, "silence-gate", app.silenceGate, "Detect near-silent input and skip model inference")
	cmd.Flags().Float64Var(&app.silenceDBFS, "silence-threshold-dbfs", app.silenceDBFS, "Silence gate threshold in dBFS")
}

func (a *appState) ensembleOptions() ensemble.Options {
	return ensemble.Options{
		OverlapLarge: a.overlapLarge,
		OverlapSmall: a.overlapSmall,
		ChunkSize:    a.chunkSize,
		SingleModel:  a.singleModel,
		UseKimModel1: a.useKimModel1,
		OnlyVocals:   a.onlyVocals,
		LargeMemory:  a.largeGPU,
		Logger:       a.log(),
	}
}

func (a *appState) newSeparator() (stemSeparator, error) {
	if err := inference.Initialize(); err != nil {
		return nil, err
	}
	return ensemble.New(a.loadSession, a.ensembleOptions()), nil
}

func (a *appState) loadSession(ctx context.Context, name string) (inference.Session, error) {
	dir, err := a.modelStorageDir()
	if err != nil {
		return nil, err
	}
	resolved, err := a.ensureModelAvailable(ctx, name, dir)
	if err != nil {
		return nil, err
	}
	a.log().Debug("loading model session", zap.String("model", name), zap.String("path", resolved.Path))
	return inference.Open(resolved.Path, "input", "output", inference.Options{
		UseCPU: a.cpuOnly,
		GPUID:  a.gpuID,
		Logger: a.log(),
	})
}

func (a *appState) ensureModelsAvailable(ctx context.Context) error {
	dir, err := a.modelStorageDir()
	if err != nil {
		return err
	}
	for _, name := range ensemble.RequiredModels(a.ensembleOptions()) {
		if _, err := a.ensureModelAvailable(ctx, name, dir); err != nil {
			return err
		}
	}
	return nil
}

func (a *appState) ensureModelAvailable(ctx context.Context, name, dir string) (models.ResolvedAsset, error) {
	resolved, err := models.Resolve(name, dir)
	if err != nil {
		return models.ResolvedAsset{}, err
	}

	if !resolved.NeedsDownload {
		return resolved, nil
	}

	if !a.autoDownload {
		return models.ResolvedAsset{}, fmt.Errorf("model %q is missing at %s; run `demix setup` or use --auto-download=true", resolved.Name, resolved.Path)
	}

	a.log().Info("model not found, downloading", zap.String("model", resolved.Name), zap.String("destination", resolved.Path))
	if err := a.downloadFile(ctx, download.Options{
		URL:            resolved.URL,
		Destination:    resolved.Path,
		ExpectedSHA256: resolved.SHA256,
		NoProgress:     a.noProgress,
		Logger:         a.log(),
	}); err != nil {
		return models.ResolvedAsset{}, fmt.Errorf("download model %q: %w", resolved.Name, err)
	}

	resolved.NeedsDownload = false
	return resolved, nil
}

func (a *appState) downloadFile(ctx context.Context, opts download.Options) error {
	fn := a.downloadFn
	if fn == nil {
		fn = download.DownloadFile
	}
	return fn(ctx, opts)
}

func (a *appState) modelStorageDir() (string, error) {
	dir, err := platform.ResolveModelDir(a.modelDir)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create model directory %s: %w", dir, err)
	}
	return dir, nil
}

func (a *appState) log() *zap.Logger {
	if a.logger == nil {
		return zap.NewNop()
	}
	return a.logger
}

func (a *appState) progressEnabled() bool {
	if a.noProgress {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

func (a *appState) outWriter() io.Writer {
	if a.out == nil {
		return os.Stdout
	}
	return a.out
}
