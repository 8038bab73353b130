package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// ModelSource is the head/worker split of model provisioning.
type ModelSource interface {
	Provision(ctx context.Context, source string, paths ModelPaths) (*Model, error)
	Load(paths ModelPaths) (*Model, error)
}

// Sampler runs the compiled model against one data file.
type Sampler interface {
	Command(m *Model, dataFile string) string
	Run(ctx context.Context, m *Model, dataFile string) (JobResult, error)
}

// Orchestrator is one process's part in a distributed sampling run.
type Orchestrator struct {
	Opts    RunOptions
	Comm    Communicator
	Models  ModelSource
	Sampler Sampler
	// OpenReporter is only called on the head, once the run context is agreed.
	OpenReporter func(ctx context.Context, rc RunContext) (Reporter, error)
	Log          *zap.Logger

	now func() time.Time
}

// Report summarizes what this process did.
type Report struct {
	Role     Role
	Run      RunContext
	Paths    ModelPaths
	DataFile string
	Job      JobResult
	Total    time.Duration
	Compile  time.Duration
}

func (o *Orchestrator) clock() time.Time {
	if o.now != nil {
		return o.now()
	}
	return time.Now()
}

func (o *Orchestrator) Run(ctx context.Context) (*Report, error) {
	start := o.clock()
	role := RoleForRank(o.Comm.Rank())
	log := o.Log.With(zap.Stringer("role", role))
	log.Info("STAN RUN", zap.Int("size", o.Comm.Size()))

	var rep Reporter = discardReporter{}
	fail := func(err error) error {
		o.Comm.Abort(err.Error())
		if role.IsHead() {
			if cerr := rep.Complete(context.Background(), RunStatusFailed, -1); cerr != nil {
				log.Warn("unable to record failed run", zap.Error(cerr))
			}
		}
		return err
	}

	rc, err := ResolveRunContext(ctx, o.Comm, o.Opts.Experiment, o.Opts.RunID)
	if err != nil {
		return nil, fail(err)
	}
	log = log.With(zap.String("experiment", rc.Experiment), zap.String("run_id", rc.RunID))
	report := &Report{Role: role, Run: rc}

	if role.IsHead() && o.OpenReporter != nil {
		if rep, err = o.OpenReporter(ctx, rc); err != nil {
			rep = discardReporter{}
			return nil, fail(fmt.Errorf("open tracking run: %w", err))
		}
	}

	shards := o.Opts.Shards()
	log.Info(fmt.Sprintf("nodes=%d, nprocs=%d, shards=%d, samples=%d",
		o.Opts.Nodes, o.Opts.Procs, shards, o.Opts.Samples))
	if role.IsHead() {
		for _, m := range []struct {
			key string
			v   int
		}{{"nodes", o.Opts.Nodes}, {"nprocs", o.Opts.Procs}, {"shards", shards}, {"samples", o.Opts.Samples}} {
			if err := rep.Log(ctx, m.key, float64(m.v)); err != nil {
				return nil, fail(err)
			}
		}
	}

	report.Paths = ResolveModelPaths(o.Opts.SharedModelDatastore, rc, o.Opts.IsolateRun)
	var model *Model
	if role.IsHead() {
		if err := report.Paths.Ensure(); err != nil {
			return nil, fail(err)
		}
		compileStart := o.clock()
		if model, err = o.Models.Provision(ctx, o.Opts.StanCodeFile, report.Paths); err != nil {
			return nil, fail(err)
		}
		report.Compile = o.clock().Sub(compileStart)
	}

	// Nobody loads the model before the head has finished writing it.
	if err := o.barrier(ctx, log, "model compiled"); err != nil {
		return nil, fail(err)
	}
	if !role.IsHead() {
		if model, err = o.Models.Load(report.Paths); err != nil {
			return nil, fail(err)
		}
	}

	report.DataFile = DataFile(o.Opts.DataPath, o.Opts.Samples, shards)
	log.Info("running job", zap.String("data_file", report.DataFile))

	// Nobody samples before every process has its model.
	if err := o.barrier(ctx, log, "model loaded"); err != nil {
		return nil, fail(err)
	}

	command := o.Sampler.Command(model, report.DataFile)
	log.Info("calling command", zap.String("command", command))
	if cr, ok := rep.(commandRecorder); ok {
		if err := cr.SetCommand(ctx, command); err != nil {
			log.Warn("unable to record command", zap.Error(err))
		}
	}
	res, err := o.Sampler.Run(ctx, model, report.DataFile)
	end := o.clock()
	report.Job = res
	report.Total = end.Sub(start)
	if err != nil {
		return report, fail(err)
	}

	fields := []zap.Field{
		zap.Duration("elapsed", report.Total),
		zap.Duration("process_time", res.Elapsed()),
		zap.Int("exit_code", res.ExitCode),
	}
	if info, err := os.Stat(o.Opts.OutputFile); err == nil {
		fields = append(fields, zap.String("output_size", humanize.Bytes(uint64(info.Size()))))
	}
	if res.Success() {
		log.Info("sampler finished", fields...)
	} else {
		log.Error("sampler failed", fields...)
	}

	if role.IsHead() {
		metrics := []struct {
			key string
			v   float64
		}{
			{"total_time", report.Total.Seconds()},
			{"process_time", res.Elapsed().Seconds()},
			{"compile_time", report.Compile.Seconds()},
			{"exit_code", float64(res.ExitCode)},
		}
		for _, m := range metrics {
			if err := rep.Log(ctx, m.key, m.v); err != nil {
				log.Warn("unable to record metric", zap.String("key", m.key), zap.Error(err))
			}
		}
		if err := rep.Complete(ctx, res.Status(), res.ExitCode); err != nil {
			log.Warn("unable to complete tracking run", zap.Error(err))
		}
		log.Info("job finished", zap.String("status", string(res.Status())))
	}
	return report, nil
}

func (o *Orchestrator) barrier(ctx context.Context, log *zap.Logger, name string) error {
	if o.Opts.BarrierTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.Opts.BarrierTimeout)
		defer cancel()
	}
	waitStart := time.Now()
	if err := o.Comm.Barrier(ctx); err != nil {
		return fmt.Errorf("barrier %q: %w", name, err)
	}
	log.Debug("barrier passed", zap.String("barrier", name), zap.Duration("waited", time.Since(waitStart)))
	return nil
}
