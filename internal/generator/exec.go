package generator

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"gopkg.in/yaml.v2"
)

// descriptor is the optional generator.yaml file a generator directory may
// carry to override how its entrypoint is invoked.
type descriptor struct {
	Entrypoint string   `yaml:"entrypoint"`
	Args       []string `yaml:"args"`
	TimeoutSec int      `yaml:"timeout_seconds"`
}

// ExecGenerator invokes a generator that lives as a subdirectory of the
// generators path. The entrypoint is run once per sample as
//
//	entrypoint --index N --seed S --output-dir DIR
//
// and must exit zero with its artifacts written under DIR. The entrypoint is
// either an executable named "generate", a "generate.py" script run through
// the configured interpreter, or whatever generator.yaml names.
type ExecGenerator struct {
	name        string
	dir         string
	interpreter string
	desc        descriptor
}

var _ Generator = (*ExecGenerator)(nil)

func (g *ExecGenerator) Name() string {
	return g.name
}

func (g *ExecGenerator) command(ctx context.Context, globalIndex int, seed int64, outputDir string) (*exec.Cmd, error) {
	args := append([]string(nil), g.desc.Args...)
	args = append(args,
		"--index", strconv.Itoa(globalIndex),
		"--seed", strconv.FormatInt(seed, 10),
		"--output-dir", outputDir,
	)

	if g.desc.Entrypoint != "" {
		return exec.CommandContext(ctx, filepath.Join(g.dir, g.desc.Entrypoint), args...), nil
	}

	if _, err := os.Stat(filepath.Join(g.dir, "generate")); err == nil {
		return exec.CommandContext(ctx, filepath.Join(g.dir, "generate"), args...), nil
	}

	script := filepath.Join(g.dir, "generate.py")
	if _, err := os.Stat(script); err == nil {
		return exec.CommandContext(ctx, g.interpreter, append([]string{script}, args...)...), nil
	}

	return nil, fmt.Errorf("generator %s has no entrypoint in %s", g.name, g.dir)
}

func (g *ExecGenerator) Generate(ctx context.Context, globalIndex int, seed int64, outputDir string) (Manifest, error) {
	if g.desc.TimeoutSec > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(g.desc.TimeoutSec)*time.Second)
		defer cancel()
	}

	cmd, err := g.command(ctx, globalIndex, seed, outputDir)
	if err != nil {
		return Manifest{}, err
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.Dir = g.dir

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return Manifest{}, fmt.Errorf("generator %s failed for index %d: %w (stderr: %s)", g.name, globalIndex, err, stderr.String())
	}

	artifacts, err := listArtifacts(outputDir)
	if err != nil {
		return Manifest{}, err
	}
	if len(artifacts) == 0 {
		return Manifest{}, fmt.Errorf("generator %s produced no artifacts for index %d", g.name, globalIndex)
	}

	slog.Debug("generator run complete", "generator", g.name, "index", globalIndex, "artifacts", len(artifacts), "duration", time.Since(start))

	return Manifest{
		Artifacts: artifacts,
		Seed:      seed,
		PeakRSS:   peakRSS(cmd),
	}, nil
}

// peakRSS reads the generator process's maximum resident set size from its
// rusage. The kernel reports it in kilobytes.
func peakRSS(cmd *exec.Cmd) int64 {
	if cmd.ProcessState == nil {
		return 0
	}
	usage, ok := cmd.ProcessState.SysUsage().(*syscall.Rusage)
	if !ok {
		return 0
	}
	return usage.Maxrss * 1024
}

func listArtifacts(dir string) ([]string, error) {
	var artifacts []string
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		artifacts = append(artifacts, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts in %s: %w", dir, err)
	}
	return artifacts, nil
}

// ExecRegistry discovers generators as subdirectories of a base path. The
// directory listing is re-read on every call so generators can be added
// without restarting the worker.
type ExecRegistry struct {
	basePath    string
	interpreter string
}

var _ Registry = (*ExecRegistry)(nil)

func NewExecRegistry(basePath, interpreter string) (*ExecRegistry, error) {
	info, err := os.Stat(basePath)
	if err != nil {
		return nil, fmt.Errorf("generators path %s is not accessible: %w", basePath, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("generators path %s is not a directory", basePath)
	}

	return &ExecRegistry{basePath: basePath, interpreter: interpreter}, nil
}

func (r *ExecRegistry) Resolve(name string) (Generator, error) {
	dir := filepath.Join(r.basePath, name)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, unknownGenerator(name)
	}

	gen := &ExecGenerator{name: name, dir: dir, interpreter: r.interpreter}

	descPath := filepath.Join(dir, "generator.yaml")
	if data, err := os.ReadFile(descPath); err == nil {
		if err := yaml.Unmarshal(data, &gen.desc); err != nil {
			return nil, fmt.Errorf("invalid descriptor %s: %w", descPath, err)
		}
	}

	return gen, nil
}

func (r *ExecRegistry) Names() ([]string, error) {
	entries, err := os.ReadDir(r.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list generators in %s: %w", r.basePath, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() && entry.Name()[0] != '.' {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}
