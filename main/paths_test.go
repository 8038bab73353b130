package main

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

var nameGen = rapid.StringMatching(`[A-Za-z0-9][A-Za-z0-9_.-]{0,15}`)

func TestResolveModelPathsIsPure(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		base := "/" + nameGen.Draw(t, "base")
		rc := RunContext{Experiment: nameGen.Draw(t, "experiment"), RunID: nameGen.Draw(t, "run")}
		isolate := rapid.Bool().Draw(t, "isolate")

		a := ResolveModelPaths(base, rc, isolate)
		b := ResolveModelPaths(base, rc, isolate)
		if a != b {
			t.Fatalf("paths differ between calls: %+v vs %+v", a, b)
		}
		if a.StanFile != a.ExeFile+".stan" {
			t.Fatalf("stan file %q is not exe %q + .stan", a.StanFile, a.ExeFile)
		}
		if filepath.Dir(a.ExeFile) != a.Dir {
			t.Fatalf("exe %q not inside %q", a.ExeFile, a.Dir)
		}
	})
}

func TestResolveModelPathsLayout(t *testing.T) {
	chk := require.New(t)
	rc := RunContext{Experiment: "eight-schools", RunID: "run-42"}

	shared := ResolveModelPaths("/mnt/models", rc, false)
	chk.Equal("/mnt/models/eight-schools", shared.Dir)
	chk.Equal("/mnt/models/eight-schools/model.stan", shared.StanFile)
	chk.Equal("/mnt/models/eight-schools/model", shared.ExeFile)

	isolated := ResolveModelPaths("/mnt/models", rc, true)
	chk.Equal("/mnt/models/eight-schools/run-42", isolated.Dir)
	chk.Equal("/mnt/models/eight-schools/run-42/model.stan", isolated.StanFile)
	chk.Equal("/mnt/models/eight-schools/run-42/model", isolated.ExeFile)
}

func TestModelPathsEnsure(t *testing.T) {
	chk := require.New(t)
	base := t.TempDir()
	paths := ResolveModelPaths(base, RunContext{Experiment: "exp", RunID: "r1"}, true)

	chk.NoError(paths.Ensure())
	chk.DirExists(paths.Dir)
	// A second call finds the directory and is fine with it.
	chk.NoError(paths.Ensure())
}

func TestModelPathsEnsureRejectsFile(t *testing.T) {
	chk := require.New(t)
	base := t.TempDir()
	paths := ResolveModelPaths(base, RunContext{Experiment: "exp"}, false)
	chk.NoError(writeFile(paths.Dir, "not a directory"))

	err := paths.Ensure()
	chk.Error(err)
	chk.Contains(err.Error(), "not a directory")
}

func TestDataFileName(t *testing.T) {
	chk := require.New(t)
	chk.Equal("data_n1000_s8.Rdump", DataFileName(1000, 2*4))
	chk.Equal("/data/data_n1000_s8.Rdump", DataFile("/data", 1000, 8))

	rapid.Check(t, func(t *rapid.T) {
		samples := rapid.IntRange(1, 1_000_000).Draw(t, "samples")
		nodes := rapid.IntRange(1, 64).Draw(t, "nodes")
		procs := rapid.IntRange(1, 128).Draw(t, "procs")
		want := "data_n" + itoa(samples) + "_s" + itoa(nodes*procs) + ".Rdump"
		if got := DataFileName(samples, nodes*procs); got != want {
			t.Fatalf("DataFileName(%d, %d) = %q, want %q", samples, nodes*procs, got, want)
		}
	})
}
