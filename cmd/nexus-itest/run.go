package main

import (
	"context"
	"io"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zrcxvs/nexus-cli/internal/itest/attempt"
	"github.com/zrcxvs/nexus-cli/internal/itest/candidate"
	"github.com/zrcxvs/nexus-cli/internal/itest/config"
	"github.com/zrcxvs/nexus-cli/internal/itest/history"
	"github.com/zrcxvs/nexus-cli/internal/itest/progress"
	"github.com/zrcxvs/nexus-cli/internal/itest/runstate"
	"github.com/zrcxvs/nexus-cli/internal/itest/supervisor"
	"github.com/zrcxvs/nexus-cli/internal/itest/verdict"
)

const (
	stateDir       = ".nexus-itest"
	defaultHistory = "history.db"
)

type runOptions struct {
	configPath    string
	binary        string
	nodeID        string
	singleAttempt bool
	logsRoot      string
	noFallback    bool
	quiet         bool
	historyDB     string
	seed          int64
	seedSet       bool
}

func newRunCommand(stdout, stderr io.Writer) *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the prover CLI against candidates until one succeeds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.seedSet = cmd.Flags().Changed("seed")
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return exitWith(runItest(ctx, opts, stdout, stderr))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.configPath, "config", "", "run config file (YAML or JSON)")
	f.StringVar(&opts.binary, "binary", "", "worker binary path or glob (overrides config and "+config.BinaryEnvVar+")")
	f.StringVar(&opts.nodeID, "node-id", "", "force a single candidate when the environment list is empty")
	f.BoolVar(&opts.singleAttempt, "single-attempt", false, "give each candidate exactly one task")
	f.StringVar(&opts.logsRoot, "logs-root", "", "run artifact directory (default "+stateDir+"/runs/<run_id>)")
	f.BoolVar(&opts.noFallback, "no-fallback", false, "do not fall back to the built-in candidate list")
	f.BoolVarP(&opts.quiet, "quiet", "q", false, "do not echo worker output")
	f.StringVar(&opts.historyDB, "history-db", "", "run history database (\""+config.HistoryOff+"\" disables)")
	f.Int64Var(&opts.seed, "seed", 0, "seed for the candidate shuffle")
	return cmd
}

func runItest(ctx context.Context, opts runOptions, stdout, stderr io.Writer) int {
	logger := log.New(stderr, "[nexus-itest] ", log.LstdFlags)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		logger.Printf("load config: %v", err)
		return 1
	}
	if opts.binary != "" {
		cfg.Worker.Binary = opts.binary
	} else {
		cfg.ApplyEnv(os.Getenv)
	}
	if opts.noFallback {
		cfg.Candidates.DisableFallback = true
	}
	if opts.quiet {
		f := false
		cfg.Diagnostics.EchoOutput = &f
	}
	if opts.logsRoot != "" {
		cfg.LogsRoot = opts.logsRoot
	}
	if opts.historyDB != "" {
		cfg.HistoryDB = opts.historyDB
	}

	runID := ulid.Make().String()
	startedAt := time.Now().UTC()
	logsRoot := cfg.LogsRoot
	if logsRoot == "" {
		logsRoot = filepath.Join(stateDir, "runs", runID)
	}
	if abs, err := filepath.Abs(logsRoot); err == nil {
		logsRoot = abs
	}
	if err := runstate.WritePIDFile(logsRoot); err != nil {
		logger.Printf("prepare logs root: %v", err)
		return 1
	}
	events, err := progress.Open(logsRoot, runID)
	if err != nil {
		logger.Printf("open progress log: %v", err)
		return 1
	}
	defer func() { _ = events.Close() }()
	logger.Printf("run_id=%s logs_root=%s", runID, logsRoot)

	finish := func(v verdict.Verdict) int {
		fo := v.FinalOutcome()
		if err := fo.Save(filepath.Join(logsRoot, runstate.FinalFileName)); err != nil {
			logger.Printf("write %s: %v", runstate.FinalFileName, err)
		}
		recordHistory(ctx, cfg.HistoryDB, history.FromFinal(fo, startedAt, logsRoot), logger)
		verdict.WriteSummary(stdout, v, isTerminal(stdout))
		return v.ExitCode()
	}

	binary, err := supervisor.ResolveBinary(cfg.Worker.Binary)
	if err != nil {
		logger.Printf("ERROR: %v", err)
		return finish(verdict.Failed(runID, err))
	}
	logger.Printf("worker binary: %s", binary)

	pool, source, err := candidate.Resolve(candidate.Pool{
		EnvList:  os.Getenv(cfg.Candidates.EnvVar),
		Forced:   opts.nodeID,
		Fallback: cfg.FallbackPool(),
	})
	if err != nil {
		logger.Printf("ERROR: %v (set %s or pass --node-id)", err, cfg.Candidates.EnvVar)
		return finish(verdict.Failed(runID, err))
	}
	var rng *rand.Rand
	if opts.seedSet {
		rng = rand.New(rand.NewPCG(uint64(opts.seed), uint64(opts.seed)))
	}
	sel, err := candidate.NewSelector(pool, rng)
	if err != nil {
		return finish(verdict.Failed(runID, err))
	}
	logger.Printf("%d candidate(s) from %s", len(pool), source)

	detector, err := cfg.Detector()
	if err != nil {
		logger.Printf("ERROR: %v", err)
		return finish(verdict.Failed(runID, err))
	}
	var echo io.Writer
	if cfg.Echo() {
		echo = stdout
	}
	runner := &attempt.Runner{
		Supervisor:    &supervisor.Supervisor{TermGrace: cfg.TermGrace(), Logger: logger},
		Detector:      detector,
		Limits:        cfg.Limits(),
		Tick:          cfg.Tick(),
		ProgressEvery: cfg.ProgressEvery(),
		TailLines:     cfg.TailLines(),
		Binary:        binary,
		Args:          cfg.Worker.Args,
		CandidateFlag: cfg.Worker.CandidateFlag,
		MaxTasksFlag:  cfg.Worker.MaxTasksFlag,
		SingleAttempt: opts.singleAttempt,
		Env:           cfg.WorkerEnv(),
		LogsRoot:      logsRoot,
		Echo:          echo,
		Logger:        logger,
		Events:        events,
	}
	agg := &verdict.Aggregator{
		RunID:           runID,
		Runner:          runner,
		CandidateSource: source,
		SingleAttempt:   opts.singleAttempt,
		Logger:          logger,
		Events:          events,
	}
	v, err := agg.Run(ctx, sel)
	switch {
	case err == nil:
	case verdict.IsInterrupt(err):
		logger.Printf("interrupted; worker shut down")
	default:
		logger.Printf("ERROR: %v", err)
	}
	return finish(v)
}

// recordHistory is best-effort; a broken history store never changes a verdict.
func recordHistory(ctx context.Context, dbPath string, r history.Run, logger *log.Logger) {
	if strings.EqualFold(dbPath, config.HistoryOff) {
		return
	}
	if dbPath == "" {
		dbPath = filepath.Join(stateDir, defaultHistory)
	}
	store, err := history.Open(dbPath)
	if err != nil {
		logger.Printf("history: %v", err)
		return
	}
	defer store.Close()
	// The run context may already be cancelled by an interrupt.
	if err := store.RecordRun(context.WithoutCancel(ctx), r); err != nil {
		logger.Printf("history: %v", err)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
