package generator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"datawheel/pkg/models"
)

// Manifest describes the artifacts one generator invocation produced for a
// single sample, relative to the sample directory.
type Manifest struct {
	Artifacts []string

	// Seed is the seed the sample was generated with, recorded so derived
	// seeds remain reproducible.
	Seed int64

	// PeakRSS is the peak resident set size of the generator process in
	// bytes, when known. Zero means the runner could not measure it.
	PeakRSS int64
}

// Generator is one black-box sample-producing capability. Implementations
// must be deterministic: the same (index, seed) always yields byte-identical
// artifacts for a given generator version.
type Generator interface {
	Name() string

	// Generate produces the artifacts for one sample into outputDir and
	// reports them. outputDir exists and is empty when called.
	Generate(ctx context.Context, globalIndex int, seed int64, outputDir string) (Manifest, error)
}

// Registry resolves a generator type name to its capability. Unknown names
// are a validation-class failure: the task can never succeed on redelivery.
type Registry interface {
	Resolve(name string) (Generator, error)

	// Names lists every known generator, sorted. The submitter iterates this
	// set for the "all" sentinel.
	Names() ([]string, error)
}

func unknownGenerator(name string) error {
	return fmt.Errorf("%w: unknown generator type %q", models.ErrInvalidTask, name)
}

// StaticRegistry is a fixed in-memory mapping, used by tests and embedded
// callers that construct their generators directly.
type StaticRegistry struct {
	mu         sync.RWMutex
	generators map[string]Generator
}

var _ Registry = (*StaticRegistry)(nil)

func NewStaticRegistry(generators ...Generator) *StaticRegistry {
	reg := &StaticRegistry{generators: make(map[string]Generator)}
	for _, gen := range generators {
		reg.generators[gen.Name()] = gen
	}
	return reg
}

func (r *StaticRegistry) Register(gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.generators[gen.Name()] = gen
}

func (r *StaticRegistry) Resolve(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	gen, ok := r.generators[name]
	if !ok {
		return nil, unknownGenerator(name)
	}
	return gen, nil
}

func (r *StaticRegistry) Names() ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
