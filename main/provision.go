package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"go.uber.org/zap"
)

// Model is a compiled, runnable Stan program.
type Model struct {
	StanFile string
	ExeFile  string
}

// Compiler turns a Stan source file into an executable at exeFile.
type Compiler interface {
	Compile(ctx context.Context, stanFile, exeFile string) error
}

// CmdStan builds models with the make-based CmdStan toolchain rooted at Home.
type CmdStan struct {
	Home   string
	Stdout io.Writer
	Stderr io.Writer
}

func (c CmdStan) Compile(ctx context.Context, stanFile, exeFile string) error {
	if c.Home == "" {
		return fmt.Errorf("CmdStan path is not set (use --stan-path or STAN_PATH)")
	}
	if info, err := os.Stat(c.Home); err != nil {
		return fmt.Errorf("CmdStan path %s: %w", c.Home, err)
	} else if !info.IsDir() {
		return fmt.Errorf("CmdStan path %s is not a directory", c.Home)
	}
	target, err := filepath.Abs(exeFile)
	if err != nil {
		return fmt.Errorf("resolve model target: %w", err)
	}
	if filepath.Ext(stanFile) != ".stan" || strings.TrimSuffix(stanFile, ".stan") != exeFile {
		return fmt.Errorf("CmdStan expects %s next to %s.stan", exeFile, exeFile)
	}
	cmd := exec.CommandContext(ctx, "make", "-C", c.Home, target)
	cmd.Stdout = orDiscard(c.Stdout)
	cmd.Stderr = orDiscard(c.Stderr)
	zap.L().Debug("invoking CmdStan", zap.Strings("argv", cmd.Args))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("make %s: %w", target, err)
	}
	return nil
}

func orDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}

// Provisioner puts the model in place: the head compiles it, workers load it.
type Provisioner struct {
	Compiler Compiler
	log      *zap.Logger
}

func NewProvisioner(c Compiler, log *zap.Logger) *Provisioner {
	return &Provisioner{Compiler: c, log: log}
}

// Provision copies source into the shared location unless it is already
// there, then compiles it in place. Recompiling an unchanged model is
// left to the compiler.
func (p *Provisioner) Provision(ctx context.Context, source string, paths ModelPaths) (*Model, error) {
	if _, err := os.Stat(paths.StanFile); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat %s: %w", paths.StanFile, err)
		}
		p.log.Info("copying Stan code file to shared directory",
			zap.String("from", source), zap.String("to", paths.StanFile))
		if err := copyFileAtomic(source, paths.StanFile); err != nil {
			return nil, err
		}
	} else {
		p.log.Info("shared Stan code file already present; skipping copy", zap.String("path", paths.StanFile))
	}

	p.log.Info("compiling Stan model", zap.String("exe", paths.ExeFile))
	if err := p.Compiler.Compile(ctx, paths.StanFile, paths.ExeFile); err != nil {
		return nil, fmt.Errorf("compile %s: %w", paths.StanFile, err)
	}
	if info, err := os.Stat(paths.ExeFile); err == nil {
		p.log.Info("model compiled", zap.String("exe", paths.ExeFile), zap.String("size", humanize.Bytes(uint64(info.Size()))))
	}
	return &Model{StanFile: paths.StanFile, ExeFile: paths.ExeFile}, nil
}

// Load picks up the executable the head built. It does not compile and does
// not inspect the file beyond checking that it exists.
func (p *Provisioner) Load(paths ModelPaths) (*Model, error) {
	p.log.Info("loading compiled model", zap.String("exe", paths.ExeFile))
	if _, err := os.Stat(paths.ExeFile); err != nil {
		return nil, fmt.Errorf("load compiled model: %w", err)
	}
	return &Model{StanFile: paths.StanFile, ExeFile: paths.ExeFile}, nil
}

// copyFileAtomic writes to a temp file beside dst and renames it, so readers
// never see a partial copy.
func copyFileAtomic(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open Stan code file: %w", err)
	}
	defer in.Close()
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("create temp copy: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return fmt.Errorf("install %s: %w", dst, err)
	}
	return nil
}
