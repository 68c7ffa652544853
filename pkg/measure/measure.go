// Package measure computes segmented airway volumes from NIfTI label maps.
package measure

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/internal/workers"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/report"
)

// DefaultLabel is the airway label written by the segmentation model
const DefaultLabel = 1

// SegmentVolume counts the voxels equal to label in the NIfTI file at path
// and multiplies by the spatial voxel size. The result is in mm^3.
func SegmentVolume(path string, label int) (models.VolumeResult, error) {
	res := models.VolumeResult{Filename: filepath.Base(path)}
	vol, err := nifti.Read(path)
	if err != nil {
		return res, err
	}
	target := float64(label)
	for _, v := range vol.Data {
		if v == target {
			res.Voxels++
		}
	}
	res.VolumeMM3 = float64(res.Voxels) * vol.VoxelVolume()
	return res, nil
}

// Options control Directory.
type Options struct {
	Label    int
	NumCores int
	Logger   zerolog.Logger
}

// Directory measures every .nii.gz file directly inside dir. A file that
// cannot be read is reported with volume 0 and its error; it does not stop
// the others. Results come back in natural filename order.
func Directory(ctx context.Context, dir string, opts Options) ([]models.VolumeResult, error) {
	logger := opts.Logger
	if opts.Label == 0 {
		opts.Label = DefaultLabel
	}

	if _, err := os.Stat(dir); err != nil {
		return nil, apperrors.NewNotFound(dir)
	}
	files, err := niftiFiles(dir)
	if err != nil {
		return nil, apperrors.NewIO("volume", err)
	}

	results := make([]models.VolumeResult, len(files))
	workers.ForEach(ctx, len(files), opts.NumCores, func(i int) {
		res, err := SegmentVolume(files[i], opts.Label)
		if err != nil {
			logger.Error().Err(err).Str("file", res.Filename).Msg("Failed to calculate volume")
			res.Err = err
			res.VolumeMM3 = 0
		} else {
			logger.Info().
				Str("file", res.Filename).
				Int("label", opts.Label).
				Int("voxels", res.Voxels).
				Float64("volume_mm3", res.VolumeMM3).
				Msg("Calculated airway volume")
		}
		results[i] = res
	})
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// Report measures dir and writes the volume report into outDir. It returns
// the results and the report path.
func Report(ctx context.Context, dir, outDir, format string, opts Options) ([]models.VolumeResult, string, error) {
	results, err := Directory(ctx, dir, opts)
	if err != nil {
		return nil, "", err
	}
	path, err := report.WriteVolumeReport(outDir, results, format)
	if err != nil {
		return results, path, apperrors.NewIO("volume", err)
	}
	opts.Logger.Info().Str("report", path).Int("files", len(results)).Msg("Volume report written")
	return results, path, nil
}

func niftiFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !naming.IsNiftiGz(e.Name()) || naming.IsHidden(e.Name()) {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
	}
	sort.Slice(files, func(i, j int) bool {
		return naming.NaturalLess(filepath.Base(files[i]), filepath.Base(files[j]))
	})
	return files, nil
}
