package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// RunProfile is one layer of run settings. Zero values mean "not set here".
type RunProfile struct {
	DataPath             string `yaml:"data_path"`
	SharedModelDatastore string `yaml:"shared_model_datastore"`
	Nodes                int    `yaml:"nodes"`
	Procs                int    `yaml:"procs"`
	Samples              int    `yaml:"samples"`
	StanCodeFile         string `yaml:"stan_code_file"`
	StanPath             string `yaml:"stan_path"`
	Experiment           string `yaml:"experiment"`
	CoordAddr            string `yaml:"coord_addr"`
	BarrierTimeout       string `yaml:"barrier_timeout"`
	OutputFile           string `yaml:"output_file"`
	IsolateRun           *bool  `yaml:"isolate_run"`
	TrackingDB           string `yaml:"tracking_db"`
	LogLevel             string `yaml:"log_level"`
}

type Config struct {
	Defaults RunProfile            `yaml:"defaults"`
	Profiles map[string]RunProfile `yaml:"profiles"`
	path     string
}

// RunConfigFile describes a single invocation, passed with --config-file.
type RunConfigFile struct {
	Profile    string `yaml:"profile"`
	RunID      string `yaml:"run_id"`
	RunProfile `yaml:",inline"`
}

// RunOptions is the fully layered configuration for one `run`.
type RunOptions struct {
	DataPath             string
	SharedModelDatastore string
	Nodes                int
	Procs                int
	Samples              int
	StanCodeFile         string

	StanPath       string
	Experiment     string
	RunID          string
	CoordAddr      string
	BarrierTimeout time.Duration
	OutputFile     string
	IsolateRun     bool
	TrackingDB     string
	LogLevel       string

	ConfigFile string
	Profile    string

	isolateLayered bool
}

func (o RunOptions) Shards() int { return o.Nodes * o.Procs }

// Validate checks that every required setting ended up somewhere. Values are
// not range checked.
func (o RunOptions) Validate() error {
	var missing []string
	if o.DataPath == "" {
		missing = append(missing, "data-path")
	}
	if o.SharedModelDatastore == "" {
		missing = append(missing, "shared-model-datastore")
	}
	if o.Nodes == 0 {
		missing = append(missing, "nodes")
	}
	if o.Procs == 0 {
		missing = append(missing, "procs")
	}
	if o.Samples == 0 {
		missing = append(missing, "samples")
	}
	if o.StanCodeFile == "" {
		missing = append(missing, "stan-code-file")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required settings: %v", missing)
	}
	return nil
}

// applyProfile fills settings that are still unset from prof. isSet reports
// whether a flag was given explicitly on the command line.
func (o *RunOptions) applyProfile(source string, prof *RunProfile, isSet func(string) bool) error {
	if prof == nil {
		return nil
	}
	fillString(&o.DataPath, prof.DataPath)
	fillString(&o.SharedModelDatastore, prof.SharedModelDatastore)
	fillInt(&o.Nodes, prof.Nodes)
	fillInt(&o.Procs, prof.Procs)
	fillInt(&o.Samples, prof.Samples)
	fillString(&o.StanCodeFile, prof.StanCodeFile)
	fillString(&o.StanPath, prof.StanPath)
	fillString(&o.Experiment, prof.Experiment)
	fillString(&o.CoordAddr, prof.CoordAddr)
	fillString(&o.OutputFile, prof.OutputFile)
	fillString(&o.TrackingDB, prof.TrackingDB)
	if !isSet("log-level") {
		fillString(&o.LogLevel, prof.LogLevel)
	}
	if !isSet("isolate-run") && !o.isolateLayered && prof.IsolateRun != nil {
		o.IsolateRun = *prof.IsolateRun
		o.isolateLayered = true
	}
	if o.BarrierTimeout == 0 && !isSet("barrier-timeout") && prof.BarrierTimeout != "" {
		d, err := time.ParseDuration(prof.BarrierTimeout)
		if err != nil {
			return fmt.Errorf("invalid barrier_timeout %q in %s: %w", prof.BarrierTimeout, source, err)
		}
		o.BarrierTimeout = d
	}
	return nil
}

// applyEnv is the last fallback, after every file layer.
func (o *RunOptions) applyEnv(getenv func(string) string) {
	fillString(&o.StanPath, getenv("STAN_PATH"))
	fillString(&o.Experiment, getenv("STANMPI_EXPERIMENT"))
	fillString(&o.Experiment, getenv("AZUREML_ARM_PROJECT_NAME"))
	fillString(&o.RunID, getenv("STANMPI_RUN_ID"))
	fillString(&o.RunID, getenv("AZUREML_RUN_ID"))
	fillString(&o.CoordAddr, getenv("STANMPI_COORD_ADDR"))
	fillString(&o.OutputFile, defaultOutputFile)
	fillString(&o.LogLevel, "info")
}

// layer resolves o against the run file, the profile, and the user config,
// in that order of precedence, then the environment.
func (o *RunOptions) layer(isSet func(string) bool, getenv func(string) string) error {
	var runFile *RunConfigFile
	if o.ConfigFile != "" {
		absPath, err := filepath.Abs(o.ConfigFile)
		if err != nil {
			return fmt.Errorf("config-file: %w", err)
		}
		if runFile, err = loadRunConfigFile(absPath); err != nil {
			return err
		}
		o.ConfigFile = absPath
		fillString(&o.Profile, runFile.Profile)
		fillString(&o.RunID, runFile.RunID)
		if err := o.applyProfile(absPath, &runFile.RunProfile, isSet); err != nil {
			return err
		}
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg == nil {
		if o.Profile != "" {
			return fmt.Errorf("profile %q requested but no config file found (expected %s)", o.Profile, configPathHint())
		}
	} else {
		if o.Profile != "" {
			prof, ok := cfg.Profiles[o.Profile]
			if !ok {
				return fmt.Errorf("profile %q not found in %s", o.Profile, cfg.path)
			}
			if err := o.applyProfile("profile "+o.Profile, &prof, isSet); err != nil {
				return err
			}
		}
		if err := o.applyProfile("defaults", &cfg.Defaults, isSet); err != nil {
			return err
		}
	}
	o.applyEnv(getenv)
	return nil
}

func fillString(dst *string, v string) {
	if *dst == "" {
		*dst = v
	}
}

func fillInt(dst *int, v int) {
	if *dst == 0 {
		*dst = v
	}
}

// configDir is overridable for tests.
var configDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".stanmpi")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

func defaultConfigPaths() ([]string, error) {
	dir, err := configDir()
	if err != nil {
		return nil, err
	}
	return []string{
		filepath.Join(dir, "config.yaml"),
		filepath.Join(dir, "config.yml"),
		filepath.Join(dir, "config.json"),
	}, nil
}

func loadConfig() (*Config, error) {
	paths, err := defaultConfigPaths()
	if err != nil {
		return nil, err
	}
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		cfg := &Config{
			Profiles: make(map[string]RunProfile),
			path:     path,
		}
		if err := unmarshalConfigData(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		if cfg.Profiles == nil {
			cfg.Profiles = make(map[string]RunProfile)
		}
		return cfg, nil
	}
	return nil, nil
}

func loadRunConfigFile(path string) (*RunConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	if err := unmarshalConfigData(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, nil
}

func configPathHint() string {
	dir, err := configDir()
	if err != nil {
		return "~/.stanmpi/config.(json|yaml)"
	}
	return fmt.Sprintf("%s/config.(json|yaml)", dir)
}

// unmarshalConfigData decodes YAML, which also covers JSON documents.
func unmarshalConfigData(data []byte, target interface{}) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(trimmed))
	dec.KnownFields(true)
	return dec.Decode(target)
}
