package generator

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSample(t *testing.T, dir string, files ...string) {
	t.Helper()

	require.NoError(t, os.MkdirAll(dir, 0o755))
	for _, name := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}
}

func TestValidateSampleComplete(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "prompt.txt", "first_frame.png", "final_frame.png", "ground_truth.mp4")

	result, err := ValidateSample("00007", dir)
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.NoError(t, result.Err())
	assert.Empty(t, result.ExtraFiles)
	assert.Len(t, result.FileSizes, 4)
}

func TestValidateSampleMissingRequired(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "prompt.txt")

	result, err := ValidateSample("00001", dir)
	require.NoError(t, err)
	assert.False(t, result.Valid())
	assert.Equal(t, []string{"first_frame.png"}, result.MissingRequired)
	assert.ErrorContains(t, result.Err(), "00001")
}

func TestValidateSampleExtraAndSeedFiles(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir, "prompt.txt", "first_frame.png", "seed.txt", "debug.log")

	result, err := ValidateSample("00002", dir)
	require.NoError(t, err)
	assert.True(t, result.Valid())
	assert.Equal(t, []string{"debug.log"}, result.ExtraFiles)
}
