package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stereoforge/pairbatch/config"
	"github.com/stereoforge/pairbatch/crs"
	"github.com/stereoforge/pairbatch/internal/artifacts"
	"github.com/stereoforge/pairbatch/internal/engine"
	"github.com/stereoforge/pairbatch/internal/logging"
	"github.com/stereoforge/pairbatch/internal/prompt"
	"github.com/stereoforge/pairbatch/internal/settings"
	"github.com/stereoforge/pairbatch/internal/setup"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := logging.NewCLI(os.Stderr, &levelVar)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	workspace  string
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	var (
		logLevel  = defaultLogLevel
		logFormat = defaultLogFormat
		opts      globalOptions
	)

	root := &cobra.Command{
		Use:           "pairbatch",
		Short:         "Batch stereo-pair photogrammetry: elevation models and reports for every pair of a manifest",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", defaultLogFormat, "Set log format (text, json)")
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file (default <workspace>/"+settings.DefaultFileName+")")
	root.PersistentFlags().StringVarP(&opts.workspace, "workspace", "w", "", "Workspace directory holding the manifest, images and output")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := logging.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		mode, err := logging.ParseMode(logFormat)
		if err != nil {
			return err
		}
		if levelVar != nil {
			levelVar.Set(level)
		}
		// Commands derive their loggers after flags are parsed, so swapping the
		// handler here reaches all of them.
		if mode != logging.ModeCLI {
			*logger = *logging.New(mode, cmd.ErrOrStderr(), levelVar)
		}
		setup.SetLogger(logger.With("component", "setup"))
		return nil
	}

	root.AddCommand(
		newRunCommand(logger, &opts),
		newStatusCommand(logger, &opts),
		newInitCommand(logger, &opts),
		newReprojectCommand(),
		newCRSCommand(),
	)
	return root
}

// configFile returns the configuration path and whether it must exist.
func (o *globalOptions) configFile() (string, bool) {
	if o.configPath != "" {
		return o.configPath, true
	}
	return filepath.Join(o.workspaceDir(), settings.DefaultFileName), false
}

func (o *globalOptions) workspaceDir() string {
	if o.workspace != "" {
		return o.workspace
	}
	return "."
}

// loadSettings reads the configuration; --workspace wins over the file.
func (o *globalOptions) loadSettings() (settings.Settings, error) {
	path, required := o.configFile()
	s, err := settings.Load(path, required)
	if err != nil {
		return settings.Settings{}, err
	}
	if o.workspace != "" {
		s.Workspace = o.workspace
	}
	return s, nil
}

func verifySetup(logger *slog.Logger, s settings.Settings) error {
	logger = logger.With("action", "verify_setup")
	logger.Debug("verifying workspace", "workspace", s.Workspace)
	if err := setup.Verify(s); err != nil {
		logger.Error("workspace verification failed", "error", err)
		logger.Info("run 'pairbatch init' to create the workspace layout")
		return err
	}
	logger.Debug("workspace verification succeeded")
	return nil
}

func newRunCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var (
		target      string
		manifest    string
		imagesDir   string
		outputDir   string
		backend     string
		errorLog    string
		interpolate bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Args:  cobra.NoArgs,
		Short: "Process every pair listed in the manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "run")

			s, err := opts.loadSettings()
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("crs") {
				s.CRS = target
			}
			if flags.Changed("manifest") {
				s.Manifest = manifest
			}
			if flags.Changed("images-dir") {
				s.ImagesDir = imagesDir
			}
			if flags.Changed("output-dir") {
				s.OutputDir = outputDir
			}
			if flags.Changed("engine") {
				s.Engine.Backend = backend
			}
			if flags.Changed("error-log") {
				s.ErrorLog = errorLog
			}
			if flags.Changed("interpolate") {
				s.Processing.Interpolation = string(engine.InterpolationDisabled)
				if interpolate {
					s.Processing.Interpolation = string(engine.InterpolationEnabled)
				}
			}
			if err := s.Validate(); err != nil {
				return err
			}
			if err := verifySetup(cmdLogger, s); err != nil {
				return err
			}

			system, ok, err := s.Target()
			if err != nil {
				return err
			}
			if !ok {
				selector := prompt.Selector{In: cmd.InOrStdin(), Out: cmd.OutOrStdout()}
				if system, err = selector.SelectCRS(); err != nil {
					return err
				}
			}

			report, runErr := config.RunPairs(cmd.Context(), config.RunRequest{
				Settings: s,
				Target:   system,
				Logger:   cmdLogger,
			})

			out := cmd.OutOrStdout()
			for _, outcome := range report.Outcomes {
				line := fmt.Sprintf("Pair %s\t%s", outcome.PairID, outcome.Kind)
				if outcome.Reason != "" {
					line += "\t" + outcome.Reason
				}
				fmt.Fprintln(out, line)
			}
			if report.RunID != "" {
				fmt.Fprintf(out, "run %s: %d succeeded, %d skipped, %d failed\n",
					report.RunID, report.Succeeded, report.Skipped, report.Failed)
			}
			return runErr
		},
	}

	cmd.Flags().StringVar(&target, "crs", "", "Target coordinate reference system, e.g. EPSG:32651 (prompted when unset)")
	cmd.Flags().StringVar(&manifest, "manifest", "", "Manifest of image pairs (default "+settings.Default().Manifest+")")
	cmd.Flags().StringVar(&imagesDir, "images-dir", "", "Directory holding the images")
	cmd.Flags().StringVar(&outputDir, "output-dir", "", "Directory receiving reports, rasters and the project")
	cmd.Flags().StringVar(&backend, "engine", "", "Engine backend (preview, bridge)")
	cmd.Flags().StringVar(&errorLog, "error-log", "", "Error log file")
	cmd.Flags().BoolVar(&interpolate, "interpolate", false, "Fill gaps of the elevation model")

	return cmd
}

func newStatusCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	var runID string

	cmd := &cobra.Command{
		Use:   "status",
		Args:  cobra.NoArgs,
		Short: "Show the last persisted state of every pair of a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "status")

			s, err := opts.loadSettings()
			if err != nil {
				return err
			}
			ledger := s.Layout().LedgerPath()
			cmdLogger.Debug("reading ledger", "path", ledger, "run", runID)

			status, err := config.Status(cmd.Context(), ledger, runID)
			if err != nil {
				return err
			}
			printStatus(cmd.OutOrStdout(), status)
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "Run id (default latest run)")

	return cmd
}

func printStatus(out io.Writer, status config.RunStatus) {
	run := status.Run
	fmt.Fprintf(out, "run %s\t%s\ttarget %s\tengine %s\n", run.ID, run.Status, run.TargetCRS, run.Engine)
	fmt.Fprintf(out, "started %s", run.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if run.FinishedAt != nil {
		fmt.Fprintf(out, "\tfinished %s", run.FinishedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "\n%d pairs: %d succeeded, %d skipped, %d failed\n", run.Pairs, run.Succeeded, run.Skipped, run.Failed)

	for _, u := range status.Units {
		line := fmt.Sprintf("Pair %s\t%s", u.PairID, u.State)
		if u.Outcome != "" {
			line += "\t" + string(u.Outcome)
		}
		if u.Reason != "" {
			line += "\t" + u.Reason
		}
		fmt.Fprintln(out, line)
		for _, a := range status.ArtifactsFor(u.PairID) {
			location, err := artifacts.PathFromURI(a.URI)
			if err != nil {
				location = a.URI
			}
			fmt.Fprintf(out, "\t%s\t%s\n", a.Kind, location)
		}
	}
	for _, skip := range status.Skips {
		fmt.Fprintf(out, "Pair %s\tskipped\t%s\n", skip.PairID, skip.Reason)
	}
}

func newInitCommand(logger *slog.Logger, opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Args:  cobra.NoArgs,
		Short: "Create the workspace layout and a sample configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdLogger := logger.With("command", "init")

			s, err := opts.loadSettings()
			if err != nil {
				return err
			}
			configPath, _ := opts.configFile()
			if err := setup.Init(s, configPath); err != nil {
				cmdLogger.Error("workspace initialization failed", "error", err)
				return err
			}
			cmdLogger.Info("workspace ready", "images", s.ImagesPath(), "output", s.OutputPath(), "config", configPath)
			return nil
		},
	}
}

func newReprojectCommand() *cobra.Command {
	var from, to string

	cmd := &cobra.Command{
		Use:   "reproject <x> <y> <z>",
		Args:  cobra.ExactArgs(3),
		Short: "Convert one position between reference systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			src, err := crs.Parse(from)
			if err != nil {
				return err
			}
			dst, err := crs.Parse(to)
			if err != nil {
				return err
			}
			p, err := parseVec(args)
			if err != nil {
				return err
			}
			q, err := crs.Reproject(p, src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s\n", formatCoord(q.X), formatCoord(q.Y), formatCoord(q.Z))
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", crs.WGS84.String(), "Source reference system")
	cmd.Flags().StringVar(&to, "to", "", "Target reference system")
	_ = cmd.MarkFlagRequired("to")

	return cmd
}

func newCRSCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crs",
		Short: "Inspect supported coordinate reference systems",
	}
	cmd.AddCommand(newCRSListCommand())
	return cmd
}

func newCRSListCommand() *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "list",
		Args:  cobra.NoArgs,
		Short: "List supported reference systems",
		RunE: func(cmd *cobra.Command, args []string) error {
			systems := crs.Common()
			if all {
				systems = crs.Supported()
			}
			out := cmd.OutOrStdout()
			for _, system := range systems {
				fmt.Fprintf(out, "%s\t%s\n", system, system.Describe())
			}
			if !all {
				fmt.Fprintln(out, "UTM zones: EPSG:32601..32660 (north), EPSG:32701..32760 (south); use --all to list them")
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&all, "all", false, "Include every UTM zone")

	return cmd
}
