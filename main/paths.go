package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// ModelPaths is where the shared model lives. Every process derives the
// same value from the same inputs.
type ModelPaths struct {
	Dir      string
	StanFile string
	ExeFile  string
}

// ResolveModelPaths returns base/experiment/model.{stan,} or, when isolate is
// set, base/experiment/run-id/model.{stan,}.
func ResolveModelPaths(base string, rc RunContext, isolate bool) ModelPaths {
	dir := filepath.Join(base, rc.Experiment)
	if isolate {
		dir = filepath.Join(dir, rc.RunID)
	}
	model := filepath.Join(dir, "model")
	return ModelPaths{
		Dir:      dir,
		StanFile: model + ".stan",
		ExeFile:  model,
	}
}

// Ensure creates the model directory if it is missing. Only the head calls it.
func (p ModelPaths) Ensure() error {
	info, err := os.Stat(p.Dir)
	if err == nil {
		if !info.IsDir() {
			return fmt.Errorf("model directory %s exists and is not a directory", p.Dir)
		}
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("stat model directory %s: %w", p.Dir, err)
	}
	if err := os.MkdirAll(p.Dir, 0o755); err != nil {
		return fmt.Errorf("create model directory %s: %w", p.Dir, err)
	}
	return nil
}

// DataFile names the RDump input for a given sample size and shard count.
func DataFile(dataPath string, samples, shards int) string {
	return filepath.Join(dataPath, DataFileName(samples, shards))
}

func DataFileName(samples, shards int) string {
	return fmt.Sprintf("data_n%d_s%d.Rdump", samples, shards)
}
