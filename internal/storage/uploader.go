package storage

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"datawheel/internal/core/utils"
	"datawheel/pkg/models"
)

// Batch is one worker's produced sample set, handed over for persistence.
// SampleDirs are the local sample directories in ascending local order; the
// uploader re-keys them into the global index space using StartIndex.
type Batch struct {
	GeneratorType string
	StartIndex    int
	Format        string

	// Bucket overrides the uploader's default target when set.
	Bucket string

	SampleDirs []string
}

type UploadResult struct {
	// SampleIDs are the zero-padded global identifiers assigned to each
	// sample directory.
	SampleIDs []string

	// Keys are the object keys written.
	Keys []string
}

// Uploader persists sample sets under the deterministic key scheme
// {type}/{global_index:05d}/{artifact} (files mode) or as one
// {type}_{start:05d}-{end:05d}.tar.gz archive per batch (tar mode). Keys are
// a pure function of the batch, so re-running an upload after redelivery
// overwrites the same objects with identical bytes.
type Uploader struct {
	store         ObjectStore
	defaultBucket string
	concurrency   int
}

func NewUploader(store ObjectStore, defaultBucket string, concurrency int) *Uploader {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Uploader{store: store, defaultBucket: defaultBucket, concurrency: concurrency}
}

// GlobalID formats a global sample index into its zero-padded identifier.
func GlobalID(index int) string {
	return fmt.Sprintf("%05d", index)
}

// TarName is the archive object key for a batch covering
// [start, start+count) in tar mode. The end bound is exclusive.
func TarName(generatorType string, start, count int) string {
	return fmt.Sprintf("%s_%05d-%05d.tar.gz", generatorType, start, start+count)
}

func (u *Uploader) bucket(batch Batch) string {
	if batch.Bucket != "" {
		return batch.Bucket
	}
	return u.defaultBucket
}

func (u *Uploader) Upload(ctx context.Context, batch Batch) (UploadResult, error) {
	if len(batch.SampleDirs) == 0 {
		return UploadResult{}, fmt.Errorf("batch for %s has no samples", batch.GeneratorType)
	}

	switch batch.Format {
	case "", models.OutputFormatFiles:
		return u.uploadFiles(ctx, batch)
	case models.OutputFormatTar:
		return u.uploadTar(ctx, batch)
	default:
		return UploadResult{}, fmt.Errorf("unsupported output format %q", batch.Format)
	}
}

type artifactUpload struct {
	path string
	key  string
}

func (u *Uploader) collectArtifacts(batch Batch) ([]artifactUpload, []string, error) {
	var uploads []artifactUpload
	sampleIDs := make([]string, len(batch.SampleDirs))

	for i, dir := range batch.SampleDirs {
		sampleID := GlobalID(batch.StartIndex + i)
		sampleIDs[i] = sampleID

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

			uploads = append(uploads, artifactUpload{
				path: path,
				key:  fmt.Sprintf("%s/%s/%s", batch.GeneratorType, sampleID, filepath.ToSlash(rel)),
			})
			return nil
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to collect artifacts from %s: %w", dir, err)
		}
	}

	return uploads, sampleIDs, nil
}

func (u *Uploader) uploadFiles(ctx context.Context, batch Batch) (UploadResult, error) {
	uploads, sampleIDs, err := u.collectArtifacts(batch)
	if err != nil {
		return UploadResult{}, err
	}

	bucket := u.bucket(batch)

	results := utils.RunInPool(func(upload artifactUpload) (string, error) {
		file, err := os.Open(upload.path)
		if err != nil {
			return "", fmt.Errorf("failed to open artifact %s: %w", upload.path, err)
		}
		defer file.Close()

		if err := u.store.PutObject(ctx, bucket, upload.key, file); err != nil {
			return "", err
		}
		return upload.key, nil
	}, uploads, u.concurrency)

	var keys []string
	var failed int
	for result := range results {
		if result.Err != nil {
			slog.Error("artifact upload failed", "generator", batch.GeneratorType, "error", result.Err)
			failed++
			continue
		}
		keys = append(keys, result.Value)
	}
	sort.Strings(keys)

	if failed > 0 {
		return UploadResult{SampleIDs: sampleIDs, Keys: keys},
			fmt.Errorf("failed to upload %d of %d artifacts for %s", failed, len(uploads), batch.GeneratorType)
	}

	slog.Info("uploaded sample batch", "generator", batch.GeneratorType, "samples", len(sampleIDs), "objects", len(keys), "bucket", bucket)

	return UploadResult{SampleIDs: sampleIDs, Keys: keys}, nil
}

func (u *Uploader) uploadTar(ctx context.Context, batch Batch) (UploadResult, error) {
	key := TarName(batch.GeneratorType, batch.StartIndex, len(batch.SampleDirs))

	staging, err := os.CreateTemp("", "datawheel_tar_*.tar.gz")
	if err != nil {
		return UploadResult{}, fmt.Errorf("failed to create tar staging file: %w", err)
	}
	defer os.Remove(staging.Name())
	defer staging.Close()

	sampleIDs, err := writeTar(staging, batch)
	if err != nil {
		return UploadResult{}, err
	}

	if _, err := staging.Seek(0, io.SeekStart); err != nil {
		return UploadResult{}, fmt.Errorf("failed to rewind tar staging file: %w", err)
	}

	bucket := u.bucket(batch)
	if err := u.store.PutObject(ctx, bucket, key, staging); err != nil {
		return UploadResult{}, err
	}

	slog.Info("uploaded sample archive", "generator", batch.GeneratorType, "samples", len(sampleIDs), "key", key, "bucket", bucket)

	return UploadResult{SampleIDs: sampleIDs, Keys: []string{key}}, nil
}

// writeTar stages every sample into one gzip-compressed tar whose entries
// mirror the files-mode hierarchy: {global_id}/{artifact}.
func writeTar(w io.Writer, batch Batch) ([]string, error) {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	sampleIDs := make([]string, len(batch.SampleDirs))
	for i, dir := range batch.SampleDirs {
		sampleID := GlobalID(batch.StartIndex + i)
		sampleIDs[i] = sampleID

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

			header, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			header.Name = sampleID + "/" + filepath.ToSlash(rel)

			if err := tw.WriteHeader(header); err != nil {
				return err
			}

			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()

			_, err = io.Copy(tw, file)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("failed to stage sample %s into archive: %w", sampleID, err)
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize tar archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize gzip stream: %w", err)
	}

	return sampleIDs, nil
}
