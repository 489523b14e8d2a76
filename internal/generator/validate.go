package generator

import (
	"fmt"
	"os"
)

// Artifact names a generator is expected to produce per sample. Samples
// missing a required artifact are rejected before upload.
var (
	RequiredArtifacts = []string{"prompt.txt", "first_frame.png"}
	OptionalArtifacts = []string{"final_frame.png", "ground_truth.mp4", "scoring.txt"}

	// SeedArtifact records the derived seed when the task carried none. It is
	// written by the worker, not the generator, and always accepted.
	SeedArtifact = "seed.txt"
)

type ValidationResult struct {
	SampleID        string
	MissingRequired []string
	ExtraFiles      []string
	FileSizes       map[string]int64
}

func (r ValidationResult) Valid() bool {
	return len(r.MissingRequired) == 0
}

func (r ValidationResult) Err() error {
	if r.Valid() {
		return nil
	}
	return fmt.Errorf("sample %s is missing required artifacts %v", r.SampleID, r.MissingRequired)
}

// ValidateSample checks a produced sample directory against the expected
// artifact set. Extra files are reported but do not fail validation; nested
// directories are ignored.
func ValidateSample(sampleID, dir string) (ValidationResult, error) {
	result := ValidationResult{
		SampleID:  sampleID,
		FileSizes: make(map[string]int64),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return result, fmt.Errorf("failed to read sample directory %s: %w", dir, err)
	}

	present := make(map[string]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		present[entry.Name()] = true

		if info, err := entry.Info(); err == nil {
			result.FileSizes[entry.Name()] = info.Size()
		}
	}

	for _, name := range RequiredArtifacts {
		if !present[name] {
			result.MissingRequired = append(result.MissingRequired, name)
		}
		delete(present, name)
	}
	for _, name := range OptionalArtifacts {
		delete(present, name)
	}
	delete(present, SeedArtifact)

	for name := range present {
		result.ExtraFiles = append(result.ExtraFiles, name)
	}

	return result, nil
}
