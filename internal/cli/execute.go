package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"pepolar/internal/backend"
	"pepolar/internal/bids"
	"pepolar/internal/config"
	"pepolar/internal/derive"
	"pepolar/internal/logging"
	"pepolar/internal/runlog"
	"pepolar/internal/trace"
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
	Results  []derive.Result
	RunID    string
}

var (
	// stdout receives help text.
	stdout io.Writer = os.Stdout

	// newBackend builds the image backend from the loaded configuration.
	newBackend = func(cfg *config.Config) backend.Backend {
		return backend.NewFSL(cfg.FSLTools(), cfg.ToolEnv(os.Getenv))
	}

	// logOutput overrides the logger sinks; nil means stderr.
	logOutput []string
)

// Execute runs a canonical Invocation.
//
// Configuration is loaded and overlaid with the invocation before anything
// touches the dataset. A non-dry run is recorded in the run ledger under the
// work directory, including a failure record when the derivation fails.
func Execute(ctx context.Context, inv Invocation) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if inv.Help != "" {
		_, _ = io.WriteString(stdout, inv.Help)
		res.ExitCode = ExitSuccess
		return res, nil
	}

	cfg, err := loadConfig(inv)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	pairs, err := cfg.Pairs()
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	logger, err := logging.New(logging.Options{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Verbose:     inv.Verbose,
		OutputPaths: logOutput,
	})
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	defer func() { _ = logger.Sync() }()

	sessions, err := bids.DiscoverSessions(inv.BIDSDir, inv.Participants, inv.Sessions)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}
	if len(sessions) == 0 {
		logger.Warn("no matching subjects or sessions", zap.String("dataset", inv.BIDSDir))
	}

	workDir := cfg.WorkDir
	if workDir == "" {
		workDir = filepath.Join(inv.BIDSDir, "derivatives", "pepolar")
	}

	b := newBackend(cfg)
	recorder := trace.NewRecorder()
	orch := derive.New(b, derive.Options{
		Pairs:       pairs,
		DryRun:      cfg.DryRun,
		IntendedFor: cfg.Style(),
		Tasks:       cfg.Tasks,
		WorkDir:     workDir,
		Gate:        cfg.Gate(),
	}, logger)
	orch.Trace = recorder

	var (
		ledger *runlog.Recorder
		run    runlog.Run
	)
	if !cfg.DryRun {
		ledger, run, err = startRun(workDir, inv.BIDSDir, b.Name(), sessions)
		if err != nil {
			return res, err
		}
		res.RunID = run.RunID
		logger = logger.With(zap.String("run_id", run.RunID))
		orch.Logger = logger
	}

	logger.Info("derivation started",
		zap.String("dataset", inv.BIDSDir),
		zap.Int("sessions", len(sessions)),
		zap.Bool("dry_run", cfg.DryRun),
		zap.String("backend", b.Name()),
	)
	results, runErr := orch.Run(ctx, sessions)
	res.Results = results
	for _, r := range results {
		logger.Info("group finished",
			zap.String("session", r.Session.String()),
			zap.String("group", r.GroupKey),
			zap.String("state", string(r.State)),
			zap.String("derived", r.Derived),
		)
	}

	var traceHash string
	var traceErr error
	if inv.TracePath != "" {
		traceHash, traceErr = recorder.WriteFile(inv.BIDSDir, inv.TracePath)
	} else {
		traceHash, traceErr = recorder.Trace(inv.BIDSDir).Hash()
	}
	if traceErr != nil {
		logger.Error("writing trace failed", zap.Error(traceErr))
	}

	if ledger != nil {
		if _, err := ledger.Finish(run, results, traceHash, runErr); err != nil {
			logger.Error("recording run failed", zap.Error(err))
			if runErr == nil {
				return res, err
			}
		}
	}

	if runErr != nil {
		logger.Error("derivation aborted", zap.Error(runErr))
		res.ExitCode = exitCodeFor(runErr)
		return res, runErr
	}
	if traceErr != nil {
		return res, traceErr
	}
	logger.Info("derivation finished", zap.Int("groups", len(results)))
	res.ExitCode = ExitSuccess
	return res, nil
}

// loadConfig reads the configuration file and overlays the flags given on
// the command line.
func loadConfig(inv Invocation) (*config.Config, error) {
	cfg, err := config.Load(inv.ConfigPath)
	if err != nil {
		return nil, err
	}
	if inv.DryRun {
		cfg.DryRun = true
	}
	if inv.IntendedFor != "" {
		cfg.IntendedFor = inv.IntendedFor
	}
	if len(inv.Tasks) > 0 {
		cfg.Tasks = inv.Tasks
	}
	if inv.WorkDir != "" {
		cfg.WorkDir = inv.WorkDir
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func startRun(workDir, dataset, backendName string, sessions []bids.SubjectSession) (*runlog.Recorder, runlog.Run, error) {
	store, err := runlog.NewStore(workDir)
	if err != nil {
		return nil, runlog.Run{}, err
	}
	ledger := runlog.NewRecorder(store)
	names := make([]string, 0, len(sessions))
	for _, s := range sessions {
		names = append(names, s.String())
	}
	run, err := ledger.Start(runlog.Run{Dataset: dataset, Backend: backendName, Sessions: names})
	if err != nil {
		return nil, runlog.Run{}, err
	}
	return ledger, run, nil
}

func exitCodeFor(err error) int {
	var derr *derive.Error
	switch {
	case errors.As(err, &derr) && derr.Kind == derive.ErrInternal:
		return ExitInternalError
	case errors.As(err, &derr):
		return ExitDerivationFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitDerivationFailure
	case errors.Is(err, config.ErrInvalid):
		return ExitConfigError
	default:
		return ExitCode(err)
	}
}
