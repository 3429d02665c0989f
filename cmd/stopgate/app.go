package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/stopgate/internal/config"
	"github.com/ShayCichocki/stopgate/internal/logging"
	"github.com/ShayCichocki/stopgate/internal/orchestrator"
)

// app holds per-invocation state shared by every command.
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	projectDir string
	debug      bool
	progress   bool

	// engineOpts are appended when opening the engine; tests inject fakes here.
	engineOpts []orchestrator.Option
	logger     *logging.DebugLogger
}

func newApp(stdin io.Reader, stdout, stderr io.Writer, opts ...orchestrator.Option) *app {
	return &app{stdin: stdin, stdout: stdout, stderr: stderr, engineOpts: opts}
}

func (a *app) execute(ctx context.Context, args []string) int {
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetIn(a.stdin)
	root.SetOut(a.stdout)
	root.SetErr(a.stderr)

	err := root.ExecuteContext(ctx)
	if a.logger != nil {
		_ = a.logger.Close()
	}
	if err != nil {
		a.writeError(err)
		return 1
	}
	return 0
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stopgate",
		Short: "Validation gate for agent termination",
		Long: `stopgate decides when an agent may legitimately stop.

An agent opens an authorization session, validates every required criterion
(security, lint, type, build, start, test and project-defined checks) in order
or in dependency-planned parallel waves, and receives a signed termination flag
once everything has passed. Emergency overrides bypass the pipeline under a
quota and leave an audit trail.

Every command prints one JSON object with "success" and a "nextStep" hint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&a.projectDir, "project", "C", "", "Project root (default: nearest directory with .stopgate, .stopgate.yaml or .git)")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "Write debug logs to .stopgate/logs/stopgate-debug.log")
	root.PersistentFlags().BoolVar(&a.progress, "progress", false, "Print validation progress to stderr")
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	root.AddCommand(
		a.startAuthorizationCmd(),
		a.validateCriterionCmd(),
		a.validateParallelCmd(),
		a.completeAuthorizationCmd(),
		a.selectiveRevalidationCmd(),
		a.createOverrideCmd(),
		a.executeOverrideCmd(),
		a.checkOverrideCmd(),
		a.createSnapshotCmd(),
		a.rollbackCmd(),
		a.listSnapshotsCmd(),
		a.cleanupSnapshotsCmd(),
		a.statusCmd(),
		a.monitorCmd(),
		a.planCmd(),
		a.statsCmd(),
		a.verifyTerminationCmd(),
		a.waitForTerminationCmd(),
		a.stateDryRunCmd(),
		a.doctorCmd(),
		a.versionCmd(),
	)
	return root
}

// project resolves the project context from --project or the working directory.
func (a *app) project() (config.ProjectContext, error) {
	root := a.projectDir
	if root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return config.ProjectContext{}, fmt.Errorf("get working directory: %w", err)
		}
		root = config.FindProjectRoot(cwd)
	}
	return config.NewProjectContext(root)
}

// openEngine builds the engine for the current project. The caller closes it.
func (a *app) openEngine(extra ...orchestrator.Option) (*orchestrator.Engine, error) {
	project, err := a.project()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(project.RootPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	opts := []orchestrator.Option{}
	if a.debug {
		if a.logger == nil {
			a.logger = logging.ForStateDir(project.StateDir)
		}
		opts = append(opts, orchestrator.WithLogger(a.logger))
	}
	opts = append(opts, extra...)
	opts = append(opts, a.engineOpts...)

	return orchestrator.New(orchestrator.RequiredConfig{Project: project, Config: cfg}, opts...)
}

// withEngine opens the engine, runs fn and closes the engine. With
// --progress, engine events are printed to stderr while fn runs.
func (a *app) withEngine(fn func(eng *orchestrator.Engine) error) error {
	var extra []orchestrator.Option
	var events *orchestrator.EventEmitter
	done := make(chan struct{})
	if a.progress {
		events = orchestrator.NewEventEmitter(64)
		extra = append(extra, orchestrator.WithEvents(events))
		go func() {
			defer close(done)
			for ev := range events.Events() {
				printEvent(a.stderr, ev)
			}
		}()
	} else {
		close(done)
	}

	eng, err := a.openEngine(extra...)
	if err == nil {
		err = fn(eng)
		_ = eng.Close()
	}
	if events != nil {
		events.Close()
	}
	<-done
	return err
}

// exactArgs wraps cobra.ExactArgs so argument errors classify as usage errors.
func exactArgs(n int) cobra.PositionalArgs {
	return wrapArgs(cobra.ExactArgs(n))
}

func rangeArgs(lo, hi int) cobra.PositionalArgs {
	return wrapArgs(cobra.RangeArgs(lo, hi))
}

func minArgs(n int) cobra.PositionalArgs {
	return wrapArgs(cobra.MinimumNArgs(n))
}

func wrapArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}
