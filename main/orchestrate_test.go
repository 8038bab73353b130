package main

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(e string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) all() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// recordingComm stands in for the runtime and notes every collective.
type recordingComm struct {
	rank, size int
	// fromHead holds the values a worker receives, in broadcast order.
	fromHead []string
	log      *eventLog
}

func (c *recordingComm) Rank() int { return c.rank }
func (c *recordingComm) Size() int { return c.size }

func (c *recordingComm) Barrier(ctx context.Context) error {
	c.log.add("barrier")
	return ctx.Err()
}

func (c *recordingComm) Broadcast(_ context.Context, v string) (string, error) {
	c.log.add("broadcast")
	if c.rank != 0 {
		v, c.fromHead = c.fromHead[0], c.fromHead[1:]
	}
	return v, nil
}

func (c *recordingComm) Abort(reason string) { c.log.add("abort") }
func (c *recordingComm) Close() error        { return nil }

type recordingModels struct {
	log *eventLog
	err error
}

func (m *recordingModels) Provision(_ context.Context, _ string, paths ModelPaths) (*Model, error) {
	m.log.add("provision")
	if m.err != nil {
		return nil, m.err
	}
	return &Model{StanFile: paths.StanFile, ExeFile: paths.ExeFile}, nil
}

func (m *recordingModels) Load(paths ModelPaths) (*Model, error) {
	m.log.add("load")
	return &Model{StanFile: paths.StanFile, ExeFile: paths.ExeFile}, nil
}

type recordingSampler struct {
	log      *eventLog
	exitCode int
}

func (s *recordingSampler) Command(m *Model, dataFile string) string {
	return (&JobRunner{}).Command(m, dataFile)
}

func (s *recordingSampler) Run(_ context.Context, m *Model, dataFile string) (JobResult, error) {
	s.log.add("run")
	now := time.Now()
	return JobResult{Command: s.Command(m, dataFile), ExitCode: s.exitCode, Start: now, End: now.Add(time.Second)}, nil
}

type fakeReporter struct {
	log      *eventLog
	mu       sync.Mutex
	metrics  map[string]float64
	status   RunStatus
	exitCode int
	command  string
}

func newFakeReporter(log *eventLog) *fakeReporter {
	return &fakeReporter{log: log, metrics: map[string]float64{}}
}

func (r *fakeReporter) Log(_ context.Context, key string, v float64) error {
	if r.log != nil {
		r.log.add("log:" + key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics[key] = v
	return nil
}

func (r *fakeReporter) Complete(_ context.Context, status RunStatus, exitCode int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.status, r.exitCode = status, exitCode
	return nil
}

func (r *fakeReporter) SetCommand(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.command = command
	return nil
}

func testOptions(t *testing.T) RunOptions {
	dir := t.TempDir()
	return RunOptions{
		DataPath:             filepath.Join(dir, "data"),
		SharedModelDatastore: filepath.Join(dir, "shared"),
		Nodes:                2,
		Procs:                2,
		Samples:              1000,
		StanCodeFile:         filepath.Join(dir, "model.stan"),
		Experiment:           "exp",
		OutputFile:           filepath.Join(dir, "out.csv"),
	}
}

func TestHeadRunOrder(t *testing.T) {
	chk := require.New(t)
	events := &eventLog{}
	rep := newFakeReporter(events)
	o := &Orchestrator{
		Opts:    testOptions(t),
		Comm:    &recordingComm{rank: 0, size: 4, log: events},
		Models:  &recordingModels{log: events},
		Sampler: &recordingSampler{log: events},
		OpenReporter: func(context.Context, RunContext) (Reporter, error) {
			return rep, nil
		},
		Log: zap.NewNop(),
	}
	report, err := o.Run(context.Background())
	chk.NoError(err)

	chk.Equal([]string{
		"broadcast", "broadcast",
		"log:nodes", "log:nprocs", "log:shards", "log:samples",
		"provision",
		"barrier",
		"barrier",
		"run",
		"log:total_time", "log:process_time", "log:compile_time", "log:exit_code",
	}, events.all())
	chk.Equal(RoleHead, report.Role)
	chk.Len(report.Run.RunID, 36, "head generates a run id")
	chk.Equal(filepath.Join(o.Opts.DataPath, "data_n1000_s4.Rdump"), report.DataFile)
	chk.DirExists(report.Paths.Dir)

	chk.Equal(RunStatusFinished, rep.status)
	chk.Equal(4.0, rep.metrics["shards"])
	chk.Equal(1.0, rep.metrics["process_time"])
	chk.Contains(rep.command, "sample data file=")
}

func TestWorkerRunOrder(t *testing.T) {
	chk := require.New(t)
	events := &eventLog{}
	opts := testOptions(t)
	opts.Experiment = "worker-local"
	o := &Orchestrator{
		Opts:    opts,
		Comm:    &recordingComm{rank: 3, size: 4, fromHead: []string{"exp", "from-head"}, log: events},
		Models:  &recordingModels{log: events},
		Sampler: &recordingSampler{log: events},
		OpenReporter: func(context.Context, RunContext) (Reporter, error) {
			t.Fatal("workers must not open the tracking run")
			return nil, nil
		},
		Log: zap.NewNop(),
	}
	report, err := o.Run(context.Background())
	chk.NoError(err)

	chk.Equal([]string{"broadcast", "broadcast", "barrier", "load", "barrier", "run"}, events.all())
	chk.Equal(RoleWorker, report.Role)
	chk.Equal(RunContext{Experiment: "exp", RunID: "from-head"}, report.Run)
	chk.NoDirExists(report.Paths.Dir, "workers never create the model directory")
}

func TestHeadCompileFailureAborts(t *testing.T) {
	chk := require.New(t)
	events := &eventLog{}
	rep := newFakeReporter(nil)
	boom := errors.New("stanc failed")
	o := &Orchestrator{
		Opts:    testOptions(t),
		Comm:    &recordingComm{rank: 0, size: 2, log: events},
		Models:  &recordingModels{log: events, err: boom},
		Sampler: &recordingSampler{log: events},
		OpenReporter: func(context.Context, RunContext) (Reporter, error) {
			return rep, nil
		},
		Log: zap.NewNop(),
	}
	_, err := o.Run(context.Background())
	chk.ErrorIs(err, boom)
	chk.Equal([]string{"broadcast", "broadcast", "provision", "abort"}, events.all())
	chk.Equal(RunStatusFailed, rep.status)
}

func TestSamplerFailureIsReportedNotSwallowed(t *testing.T) {
	chk := require.New(t)
	events := &eventLog{}
	rep := newFakeReporter(nil)
	o := &Orchestrator{
		Opts:    testOptions(t),
		Comm:    &recordingComm{rank: 0, size: 1, log: events},
		Models:  &recordingModels{log: events},
		Sampler: &recordingSampler{log: events, exitCode: 2},
		OpenReporter: func(context.Context, RunContext) (Reporter, error) {
			return rep, nil
		},
		Log: zap.NewNop(),
	}
	report, err := o.Run(context.Background())
	chk.NoError(err)
	chk.Equal(2, report.Job.ExitCode)
	chk.Equal(RunStatusFailed, rep.status)
	chk.Equal(2, rep.exitCode)
	chk.Equal(2.0, rep.metrics["exit_code"])
}

func TestSingleProcessEndToEnd(t *testing.T) {
	chk := require.New(t)
	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	opts := testOptions(t)
	opts.Nodes, opts.Procs, opts.Samples = 1, 1, 500
	chk.NoError(writeFile(opts.StanCodeFile, "parameters { real mu; }"))

	rep := newFakeReporter(nil)
	o := &Orchestrator{
		Opts:    opts,
		Comm:    localComm{},
		Models:  NewProvisioner(&fakeCompiler{}, logger),
		Sampler: &JobRunner{OutputFile: opts.OutputFile},
		OpenReporter: func(context.Context, RunContext) (Reporter, error) {
			return rep, nil
		},
		Log: logger,
	}
	report, err := o.Run(context.Background())
	chk.NoError(err)
	chk.True(report.Job.Success(), "fake model exits 0")
	chk.Equal(filepath.Join(opts.DataPath, "data_n500_s1.Rdump"), report.DataFile)

	var messages []string
	for _, e := range logs.All() {
		messages = append(messages, e.Message)
	}
	summary, compiling := -1, -1
	for i, m := range messages {
		switch m {
		case "nodes=1, nprocs=1, shards=1, samples=500":
			summary = i
		case "compiling Stan model":
			compiling = i
		}
	}
	chk.NotEqual(-1, summary, "summary line missing from %v", messages)
	chk.NotEqual(-1, compiling)
	chk.Less(summary, compiling)

	chk.Equal(RunStatusFinished, rep.status)
	for _, key := range []string{"nodes", "nprocs", "shards", "samples", "total_time", "process_time", "exit_code"} {
		chk.Contains(rep.metrics, key)
	}
}

// TestGroupRunOverTCP runs a head and two workers in one process against
// the real provisioner and sampler.
func TestGroupRunOverTCP(t *testing.T) {
	chk := require.New(t)
	comms := newTestGroup(t, 3)
	opts := testOptions(t)
	opts.Nodes, opts.Procs = 1, 3
	chk.NoError(writeFile(opts.StanCodeFile, "model {}"))

	events := &eventLog{}
	compiler := &fakeCompiler{onCompile: func() {
		time.Sleep(100 * time.Millisecond)
		events.add("compiled")
	}}
	rep := newFakeReporter(nil)

	reports := make([]*Report, len(comms))
	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := &Orchestrator{
				Opts:    opts,
				Comm:    c,
				Models:  &loadRecorder{Provisioner: NewProvisioner(compiler, zap.NewNop()), log: events},
				Sampler: &JobRunner{OutputFile: opts.OutputFile},
				OpenReporter: func(context.Context, RunContext) (Reporter, error) {
					return rep, nil
				},
				Log: zap.NewNop(),
			}
			reports[i], errs[i] = o.Run(context.Background())
		}()
	}
	wg.Wait()

	for i := range comms {
		chk.NoError(errs[i], "rank %d", i)
		chk.True(reports[i].Job.Success(), "rank %d", i)
		chk.Equal(reports[0].Run, reports[i].Run, "rank %d disagrees on the run context", i)
		chk.Equal(reports[0].Paths, reports[i].Paths)
	}
	chk.Equal(1, compiler.count(), "only the head compiles")
	got := events.all()
	chk.Equal("compiled", got[0], "no worker loads before the head compiled: %v", got)
	chk.Len(got, 3)
	chk.Equal(RunStatusFinished, rep.status)
}

func TestGroupCompileFailureReleasesWorkers(t *testing.T) {
	chk := require.New(t)
	comms := newTestGroup(t, 3)
	opts := testOptions(t)
	chk.NoError(writeFile(opts.StanCodeFile, "model {}"))
	compiler := &fakeCompiler{err: errors.New("make: *** [model] Error 1")}

	errs := make([]error, len(comms))
	var wg sync.WaitGroup
	for i, c := range comms {
		i, c := i, c
		wg.Add(1)
		go func() {
			defer wg.Done()
			o := &Orchestrator{
				Opts:    opts,
				Comm:    c,
				Models:  NewProvisioner(compiler, zap.NewNop()),
				Sampler: &JobRunner{OutputFile: opts.OutputFile},
				Log:     zap.NewNop(),
			}
			_, errs[i] = o.Run(context.Background())
		}()
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("workers still blocked after the head failed to compile")
	}
	chk.ErrorContains(errs[0], "Error 1")
	for _, err := range errs[1:] {
		chk.ErrorIs(err, ErrAborted)
		chk.ErrorContains(err, "Error 1")
	}
}

// loadRecorder notes when a worker loads the model.
type loadRecorder struct {
	*Provisioner
	log *eventLog
}

func (l *loadRecorder) Load(paths ModelPaths) (*Model, error) {
	m, err := l.Provisioner.Load(paths)
	l.log.add("load")
	return m, err
}
