package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jnesss/bpf-sandbox/binary"
	"github.com/jnesss/bpf-sandbox/config"
	"github.com/jnesss/bpf-sandbox/database"
	"github.com/jnesss/bpf-sandbox/detect"
	"github.com/jnesss/bpf-sandbox/engine"
	"github.com/jnesss/bpf-sandbox/process"
	"github.com/jnesss/bpf-sandbox/tracer"
	"github.com/jnesss/bpf-sandbox/web"
)

// pollInterval is the display refresh rate of the progress loop.
const pollInterval = time.Second / 60

var runCmd = &cobra.Command{
	Use:   "run [flags] <path> [args...]",
	Short: "Launch a target and capture its behaviour until it exits",
	Long: `Launch a target under the tracer and capture events until the target exits
or the command is interrupted. The target comes from the arguments or from
engine.target in the config file.`,
	RunE: runSession,
}

func init() {
	f := runCmd.Flags()
	f.SetInterspersed(false)
	f.Int("arena-mb", 0, "event arena size in MiB")
	f.Int("workers", 0, "session worker count (0 starts inline)")
	f.Duration("stop-timeout", 0, "bound on tracer shutdown before the stop is degraded")
	f.String("object", "", "compiled eBPF object")
	f.StringSlice("categories", nil, "categories to capture (default all)")
	f.String("rules", "", "Sigma rules directory")
	f.String("samples", "", "directory to keep a copy of each target binary")
	f.String("listen", "", "serve the status API on this address")
	f.Bool("drop-privileges", true, "run the target as the user that invoked sudo")

	for key, flag := range map[string]string{
		"engine.arena_size_mb":    "arena-mb",
		"engine.workers":          "workers",
		"engine.stop_timeout":     "stop-timeout",
		"tracer.object":           "object",
		"tracer.categories":       "categories",
		"detect.rules_dir":        "rules",
		"samples.dir":             "samples",
		"web.listen":              "listen",
		"process.drop_privileges": "drop-privileges",
	} {
		if err := v.BindPFlag(key, f.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(runCmd)
}

func runSession(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.Logger)
	if err != nil {
		return err
	}
	defer logger.Sync()

	target, targetArgs := cfg.Engine.Target, cfg.Engine.Args
	if len(args) > 0 {
		target, targetArgs = args[0], args[1:]
	}
	if target == "" {
		return fmt.Errorf("no target: pass a path or set engine.target")
	}

	cats, err := cfg.Tracer.CategorySet()
	if err != nil {
		return err
	}

	launcher := process.NewLauncher(logger)
	if cfg.Process.DropPrivileges {
		cred, err := process.SudoCredential()
		if err != nil {
			logger.Warn("Target will run with the current credentials", zap.Error(err))
		} else {
			launcher.Credential = cred
		}
	}

	detector, err := detect.NewDetector(cfg.Detect.RulesDir, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize detector: %w", err)
	}
	defer detector.Close()

	var journal *database.DB
	if cfg.Journal.Path != "" {
		journal, err = openJournal(cfg.Journal.Path, logger)
		if err != nil {
			return err
		}
		defer journal.Close()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithSource(tracer.NewEBPFSource(cfg.Tracer.Object, logger)),
		engine.WithLauncher(launcher),
		engine.WithDetector(detector),
		engine.WithMetrics(engine.NewMetrics(reg)),
		engine.WithStopTimeout(cfg.Engine.StopTimeout),
		engine.WithCorrelationCache(cfg.Engine.CorrelationCache),
		engine.WithTarget(target, targetArgs...),
	}
	if len(cats) > 0 {
		opts = append(opts, engine.WithCategories(cats...))
	}
	if journal != nil {
		opts = append(opts, engine.WithJournal(journal))
	}
	if cfg.Samples.Dir != "" {
		samples, err := binary.NewCache(cfg.Samples.CacheSize, cfg.Samples.Dir, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize sample store: %w", err)
		}
		opts = append(opts, engine.WithSamples(samples))
	}

	eng, err := engine.New(cfg.Engine.ArenaSizeMB, cfg.Engine.Workers, opts...)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Web.Listen != "" {
		srv := web.NewServer(eng, journal, reg, cfg.Web.Listen, logger)
		go func() {
			if err := srv.Start(ctx); err != nil {
				logger.Error("Web server error", zap.Error(err))
			}
		}()
	}

	eng.Submit()
	watch(ctx, eng, logger)

	eng.StopMonitoring()
	if err := eng.Close(); err != nil {
		logger.Warn("Engine close", zap.Error(err))
	}
	return report(eng.LastResult())
}

// watch polls the engine until its session completes or ctx is done,
// printing a status line whenever the generation moves.
func watch(ctx context.Context, eng *engine.Engine, logger *zap.Logger) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var seen uint64
	for {
		select {
		case <-ctx.Done():
			logger.Info("Interrupted, stopping session")
			return
		case <-ticker.C:
		}

		vs := eng.Poll()
		if vs.Generation != seen {
			seen = vs.Generation
			fmt.Fprintf(os.Stderr, "\r%-24s events=%-8d arena=%5.1f%% pid=%d",
				vs.Flags, eng.EventCount(), vs.Progress*100, eng.TargetPID())
		}
		if eng.Idle() && (vs.Flags.Has(engine.FlagComplete) || vs.Flags.Has(engine.FlagError)) {
			fmt.Fprintln(os.Stderr)
			return
		}
	}
}

func report(res engine.SessionResult) error {
	if res.ID == "" {
		return fmt.Errorf("no session ran")
	}
	fmt.Printf("session %s: %s pid=%d state=%s committed=%d dropped=%d detections=%d exit=%d\n",
		res.ID, res.Target, res.PID, res.State, res.Committed, res.Dropped, res.Detections, res.ExitCode)
	if res.Reason != nil {
		fmt.Printf("reason: %v\n", res.Reason)
	}
	if !res.Success && res.Reason != nil {
		return res.Reason
	}
	return nil
}

// openJournal creates the journal and, when running under sudo, hands its
// directory to the invoking user so the database stays readable without root.
func openJournal(path string, logger *zap.Logger) (*database.DB, error) {
	db, err := database.NewDB(path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize journal: %w", err)
	}

	u, err := process.OriginalUser()
	if err != nil {
		return db, nil
	}
	uid, _ := strconv.Atoi(u.Uid)
	gid, _ := strconv.Atoi(u.Gid)
	for _, p := range []string{filepath.Dir(path), path} {
		if err := os.Chown(p, uid, gid); err != nil {
			logger.Debug("Could not chown journal", zap.String("path", p), zap.Error(err))
		}
	}
	return db, nil
}
