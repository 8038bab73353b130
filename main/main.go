package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		return
	}
	logger := initLogger("info", -1)

	switch os.Args[1] {
	case "run":
		os.Exit(runExitCode(os.Args[2:]))
	case "launch":
		if err := cmdLaunch(os.Args[2:]); err != nil {
			logger.Fatal("stanmpi launch failed", zap.Error(err))
		}
	case "list":
		if err := cmdList(os.Args[2:]); err != nil {
			logger.Fatal("stanmpi list failed", zap.Error(err))
		}
	case "show":
		if err := cmdShow(os.Args[2:]); err != nil {
			logger.Fatal("stanmpi show failed", zap.Error(err))
		}
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage:
  stanmpi run    [flags]
  stanmpi launch --np N [--coord-addr HOST:PORT] -- run [flags]
  stanmpi list   [--tracking-db PATH]
  stanmpi show   <run-id|id> [--tracking-db PATH]

Commands:
  run     Take part in a distributed Stan sampling run. Rank 0 compiles the
          model into the shared datastore; every rank then samples its shard.
  launch  Start N local copies of "run" with rank environment set.
  list    List runs recorded by head processes on this machine.
  show    Show one recorded run with its metrics.

 Examples:
  mpirun -np 8 stanmpi run \
    --data-path /mnt/data/rdumps \
    --shared-model-datastore /mnt/shared/models \
    --nodes 2 --procs 4 --samples 1000 \
    --stan-code-file ./model.stan \
    --coord-addr head-node:29400

  stanmpi launch --np 4 -- run -d ./data --shared-model-datastore /tmp/models \
    -n 1 -p 4 -s 1000 --stan-code-file ./model.stan

  stanmpi run --profile cluster --samples 5000

 Notes:
  - Rank and group size are read from STANMPI_RANK/SIZE, OMPI_COMM_WORLD_*,
    PMI_*, SLURM_PROCID/NTASKS or RANK/WORLD_SIZE.
  - STAN_PATH (or --stan-path) must point at a CmdStan checkout on rank 0.
  - Defaults and profiles live in ~/.stanmpi/config.(yaml|json).
  - The sampler writes to ./outputs/output.csv unless --output-file is given;
    the directory must already exist.`)
}

// runExitCode maps the outcome of cmdRun to a process exit code: the
// sampler's code, 2 for usage errors, 1 for anything else.
func runExitCode(args []string) int {
	code, err := cmdRun(args)
	// cmdRun replaces the global logger with a rank-aware one.
	logger := zap.L()
	if err != nil {
		logger.Error("stanmpi run failed", zap.Error(err))
	}
	logger.Sync()
	return code
}

// newRunFlagSet binds the run flags to opts.
func newRunFlagSet(opts *RunOptions) *pflag.FlagSet {
	fs := pflag.NewFlagSet("run", pflag.ContinueOnError)
	fs.StringVarP(&opts.DataPath, "data-path", "d", "", "Directory containing the RDump input files (required)")
	fs.StringVar(&opts.SharedModelDatastore, "shared-model-datastore", "", "Shared base directory for compiled models, visible to all nodes (required)")
	fs.IntVarP(&opts.Nodes, "nodes", "n", 0, "Number of nodes the run spans (required)")
	fs.IntVarP(&opts.Procs, "procs", "p", 0, "Number of processes per node (required)")
	fs.IntVarP(&opts.Samples, "samples", "s", 0, "Sample size of the RDump file (required)")
	fs.StringVar(&opts.StanCodeFile, "stan-code-file", "", "Path of the Stan code file (required)")
	fs.StringVar(&opts.StanPath, "stan-path", "", "CmdStan installation directory (defaults to $STAN_PATH)")
	fs.StringVar(&opts.Experiment, "experiment", "", "Experiment name (defaults to $STANMPI_EXPERIMENT or \"default\")")
	fs.StringVar(&opts.RunID, "run-id", "", "Run id shared by every rank (generated by rank 0 when empty)")
	fs.StringVar(&opts.CoordAddr, "coord-addr", "", "HOST:PORT where rank 0 accepts the other ranks")
	fs.DurationVar(&opts.BarrierTimeout, "barrier-timeout", 0, "Give up waiting at a barrier after this long (0 waits forever)")
	fs.StringVar(&opts.OutputFile, "output-file", "", "Sampler output file; its directory must exist (default "+defaultOutputFile+")")
	fs.BoolVar(&opts.IsolateRun, "isolate-run", false, "Compile into a per-run directory instead of sharing one per experiment")
	fs.StringVar(&opts.TrackingDB, "tracking-db", "", "SQLite file the head records runs in (default ~/.stanmpi/runs.db)")
	fs.StringVar(&opts.ConfigFile, "config-file", "", "YAML/JSON file describing this run")
	fs.StringVar(&opts.Profile, "profile", "", "Profile from ~/.stanmpi/config.yaml to use as defaults")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stanmpi run -d DATA --shared-model-datastore DIR -n NODES -p PROCS -s SAMPLES --stan-code-file FILE\n")
		fs.PrintDefaults()
	}
	return fs
}

// stanmpi run --data-path DIR --shared-model-datastore DIR -n N -p P -s S --stan-code-file FILE
func cmdRun(args []string) (int, error) {
	var opts RunOptions
	fs := newRunFlagSet(&opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, nil
		}
		return 2, err
	}

	if err := opts.layer(fs.Changed, os.Getenv); err != nil {
		return 1, err
	}
	if err := opts.Validate(); err != nil {
		fs.Usage()
		return 2, err
	}

	topo, err := DetectTopology(os.Getenv, opts.Shards())
	if err != nil {
		return 1, err
	}
	if opts.CoordAddr != "" {
		topo.CoordAddr = opts.CoordAddr
	}

	logger := initLogger(opts.LogLevel, topo.Rank)
	defer logger.Sync()
	if topo.Size != opts.Shards() {
		logger.Warn("group size does not match nodes*procs",
			zap.Int("size", topo.Size), zap.Int("shards", opts.Shards()), zap.String("source", topo.Source))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		sigch := make(chan os.Signal, 1)
		signal.Notify(sigch, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigch
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	comm, err := Connect(ctx, topo)
	if err != nil {
		return 1, err
	}
	defer comm.Close()

	var store *Store
	defer func() {
		if store != nil {
			store.Close()
		}
	}()
	orch := &Orchestrator{
		Opts:    opts,
		Comm:    comm,
		Models:  NewProvisioner(CmdStan{Home: opts.StanPath, Stdout: os.Stdout, Stderr: os.Stderr}, logger),
		Sampler: &JobRunner{OutputFile: opts.OutputFile, Stdout: os.Stdout, Stderr: os.Stderr},
		OpenReporter: func(ctx context.Context, rc RunContext) (Reporter, error) {
			var err error
			if store, err = OpenStore(opts.TrackingDB); err != nil {
				return nil, err
			}
			snapshot, err := json.Marshal(opts)
			if err != nil {
				return nil, fmt.Errorf("marshal config snapshot: %w", err)
			}
			return store.StartRun(ctx, rc, string(snapshot))
		},
		Log: logger,
	}
	report, err := orch.Run(ctx)
	if err != nil {
		return 1, err
	}
	return report.Job.ExitCode, nil
}

// stanmpi launch --np N -- run [flags]
func cmdLaunch(args []string) error {
	fs := pflag.NewFlagSet("launch", pflag.ContinueOnError)
	var (
		np        int
		coordAddr string
	)
	fs.IntVar(&np, "np", 0, "Number of processes to start (required)")
	fs.StringVar(&coordAddr, "coord-addr", "127.0.0.1:"+defaultCoordPort, "Address rank 0 listens on")
	fs.SetInterspersed(false)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stanmpi launch --np N [--coord-addr HOST:PORT] -- run [run flags...]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if np < 1 {
		fs.Usage()
		return fmt.Errorf("np must be positive")
	}
	childArgs := fs.Args()
	if len(childArgs) == 0 || childArgs[0] != "run" {
		childArgs = append([]string{"run"}, childArgs...)
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate stanmpi executable: %w", err)
	}
	return launchLocal(context.Background(), exe, childArgs, np, coordAddr)
}

// launchLocal starts np copies of exe and waits for all of them. The first
// failure cancels the rest.
func launchLocal(ctx context.Context, exe string, args []string, np int, coordAddr string) error {
	logger := zap.L()
	logger.Info("launching processes", zap.Int("np", np), zap.String("coord_addr", coordAddr), zap.String("exe", exe))
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for rank := 0; rank < np; rank++ {
		rank := rank
		cmd := exec.CommandContext(gctx, exe, args...)
		cmd.Env = append(os.Environ(),
			"STANMPI_RANK="+strconv.Itoa(rank),
			"STANMPI_SIZE="+strconv.Itoa(np),
			"STANMPI_COORD_ADDR="+coordAddr,
		)
		cmd.Stdin = nil
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		g.Go(func() error {
			if err := cmd.Run(); err != nil {
				return fmt.Errorf("rank %d: %w", rank, err)
			}
			return nil
		})
	}
	err := g.Wait()
	logger.Info("all local processes finished", zap.Int("np", np), zap.Duration("took", time.Since(start)), zap.Error(err))
	return err
}

func cmdList(args []string) error {
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "tracking-db", "", "SQLite tracking store (default ~/.stanmpi/runs.db)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stanmpi list [--tracking-db PATH]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	store, err := OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("open tracking store: %w", err)
	}
	defer store.Close()

	runs, err := store.ListRuns(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("%-5s %-20s %-36s %-9s %-5s %-16s\n", "ID", "EXPERIMENT", "RUN_ID", "STATUS", "EXIT", "CREATED")
	for _, run := range runs {
		exit := "-"
		if run.ExitCode.Valid {
			exit = strconv.FormatInt(run.ExitCode.Int64, 10)
		}
		created := "(unknown)"
		if !run.CreatedAt.IsZero() {
			created = humanize.Time(run.CreatedAt)
		}
		fmt.Printf("%-5d %-20s %-36s %-9s %-5s %-16s\n", run.ID, run.Experiment, run.RunID, run.Status, exit, created)
	}
	return nil
}

func cmdShow(args []string) error {
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	var dbPath string
	fs.StringVar(&dbPath, "tracking-db", "", "SQLite tracking store (default ~/.stanmpi/runs.db)")
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: stanmpi show <run-id|id> [--tracking-db PATH]\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return fmt.Errorf("run id is required")
	}

	store, err := OpenStore(dbPath)
	if err != nil {
		return fmt.Errorf("open tracking store: %w", err)
	}
	defer store.Close()

	run, err := store.LoadRun(context.Background(), fs.Arg(0))
	if err != nil {
		return err
	}
	printRun(os.Stdout, run)
	return nil
}

func printRun(w io.Writer, run *TrackedRun) {
	fmt.Fprintf(w, "Run %d\n", run.ID)
	fmt.Fprintln(w, "-------------")
	fmt.Fprintf(w, "Experiment:  %s\n", run.Experiment)
	fmt.Fprintf(w, "Run ID:      %s\n", run.RunID)
	fmt.Fprintf(w, "Status:      %s\n", run.Status)
	if run.ExitCode.Valid {
		fmt.Fprintf(w, "Exit code:   %d\n", run.ExitCode.Int64)
	}
	fmt.Fprintf(w, "Command:     %s\n", run.Command)
	if !run.CreatedAt.IsZero() {
		fmt.Fprintf(w, "Created at:  %s (%s)\n", run.CreatedAt.Format(time.RFC3339), humanize.Time(run.CreatedAt))
	} else {
		fmt.Fprintf(w, "Created at:  (unknown)\n")
	}
	if !run.CompletedAt.IsZero() {
		fmt.Fprintf(w, "Completed:   %s\n", run.CompletedAt.Format(time.RFC3339))
	}
	if len(run.Metrics) > 0 {
		fmt.Fprintln(w, "Metrics:")
		for _, m := range run.Metrics {
			fmt.Fprintf(w, "  %-14s %s\n", m.Key, humanize.FtoaWithDigits(m.Value, 3))
		}
	}
	if run.ConfigSnapshot != "" {
		fmt.Fprintln(w, "Config snapshot:")
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, []byte(run.ConfigSnapshot), "  ", "  "); err == nil {
			fmt.Fprintln(w, pretty.String())
		} else {
			fmt.Fprintln(w, run.ConfigSnapshot)
		}
	}
}
