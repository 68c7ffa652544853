package stl

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/workers"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
)

// Export is the outcome of converting one label map.
type Export struct {
	Source    string
	Output    string
	Triangles int
	Err       error
}

// ConvertFile reads a NIfTI label map, extracts its surface and writes it
// to stlPath. It returns the number of triangles written.
func ConvertFile(niftiPath, stlPath string, opts Options) (int, error) {
	vol, err := nifti.Read(niftiPath)
	if err != nil {
		return 0, err
	}
	triangles, err := Extract(vol, opts)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", filepath.Base(niftiPath), err)
	}
	if err := SaveToSTL(stlPath, triangles); err != nil {
		return 0, err
	}
	return len(triangles), nil
}

// ConvertDirectory writes {base}.stl into out for every NIfTI file directly
// inside in, using numCores goroutines. Failures are logged and recorded
// per file. A folder without NIfTI files is an error.
func ConvertDirectory(ctx context.Context, in, out string, opts Options, numCores int, logger zerolog.Logger) ([]Export, error) {
	entries, err := os.ReadDir(in)
	if err != nil {
		return nil, apperrors.NewNotFound(in)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() || !naming.IsNifti(e.Name()) || naming.IsHidden(e.Name()) {
			continue
		}
		files = append(files, e.Name())
	}
	if len(files) == 0 {
		return nil, apperrors.NewNoNifti(in)
	}
	sort.Slice(files, func(i, j int) bool { return naming.NaturalLess(files[i], files[j]) })

	if err := os.MkdirAll(out, 0755); err != nil {
		return nil, apperrors.NewIO("stl", err)
	}

	exports := make([]Export, len(files))
	workers.ForEach(ctx, len(files), numCores, func(i int) {
		src := filepath.Join(in, files[i])
		dst := filepath.Join(out, naming.STLName(files[i]))
		n, err := ConvertFile(src, dst, opts)
		exports[i] = Export{Source: src, Output: dst, Triangles: n, Err: err}
		switch {
		case errors.Is(err, ErrEmptyMask):
			logger.Warn().Str("file", files[i]).Int("label", opts.Label).Msg("No voxels of label, no STL written")
		case err != nil:
			logger.Error().Err(err).Str("file", files[i]).Msg("Failed to convert to STL")
		default:
			logger.Info().Str("file", files[i]).Str("stl", filepath.Base(dst)).Int("triangles", n).Msg("Exported STL")
		}
	})
	if err := ctx.Err(); err != nil {
		return exports, err
	}
	return exports, nil
}
