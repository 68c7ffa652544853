package visualization

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/internal/workers"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
)

// Axes of the mid-slice triplet
var Axes = []string{"x", "y", "z"}

// Options control SavePreviews.
type Options struct {
	// Label is drawn over the image when a mask is found
	Label int

	// Ext is the image extension, ".png" or ".jpg"
	Ext string

	// Alpha is the overlay opacity
	Alpha float64

	NumCores int
	Logger   zerolog.Logger
}

// Preview is the outcome for one scan.
type Preview struct {
	Image   string
	Mask    string
	Outputs []string
	Err     error
}

// SaveMidSlices writes the x, y and z slices through the center of the
// mask (or of the grid without a mask) as {name}_{axis}{ext} into outDir.
func SaveMidSlices(vol, mask *models.Volume, name, outDir string, opts Options) ([]string, error) {
	if opts.Ext == "" {
		opts.Ext = ".png"
	}
	if opts.Alpha == 0 {
		opts.Alpha = 0.5
	}
	if opts.Label == 0 {
		opts.Label = 1
	}
	if mask != nil && mask.Dims != vol.Dims {
		return nil, fmt.Errorf("mask dims %v do not match image dims %v", mask.Dims[:3], vol.Dims[:3])
	}

	center := [3]int{vol.Width() / 2, vol.Height() / 2, vol.Depth() / 2}
	if mask != nil {
		center = MaskCenter(mask, opts.Label)
	}

	viewer := NewViewer(vol)
	var outputs []string
	for i, axis := range Axes {
		slice, err := viewer.ExtractSlice(axis, center[i])
		if err != nil {
			return outputs, err
		}
		path := filepath.Join(outDir, fmt.Sprintf("%s_%s%s", name, axis, opts.Ext))
		if mask == nil {
			err = SaveImage(slice, path)
		} else {
			overlay, oerr := Overlay(slice, mask, axis, center[i], opts.Label, MaskColor, opts.Alpha)
			if oerr != nil {
				return outputs, oerr
			}
			err = SaveImage(overlay, path)
		}
		if err != nil {
			return outputs, err
		}
		outputs = append(outputs, path)
	}
	return outputs, nil
}

// SavePreviews renders a mid-slice triplet for every NIfTI scan in
// imageDir. When maskDir is set, the segmentation {name}_seg of each scan
// is drawn over it; scans without one are rendered plain.
func SavePreviews(ctx context.Context, imageDir, maskDir, outDir string, opts Options) ([]Preview, error) {
	logger := opts.Logger
	if opts.Label == 0 {
		opts.Label = 1
	}

	entries, err := os.ReadDir(imageDir)
	if err != nil {
		return nil, apperrors.NewNotFound(imageDir)
	}
	var images []string
	for _, e := range entries {
		if e.IsDir() || !naming.IsNifti(e.Name()) || naming.IsHidden(e.Name()) {
			continue
		}
		images = append(images, e.Name())
	}
	if len(images) == 0 {
		return nil, apperrors.NewNoNifti(imageDir)
	}
	sort.Slice(images, func(i, j int) bool { return naming.NaturalLess(images[i], images[j]) })

	previews := make([]Preview, len(images))
	workers.ForEach(ctx, len(images), opts.NumCores, func(i int) {
		name := naming.TrimChannelSuffix(images[i])
		p := Preview{Image: filepath.Join(imageDir, images[i])}
		if maskDir != "" {
			p.Mask = findMask(maskDir, name)
		}
		p.Outputs, p.Err = renderPreview(p, name, outDir, opts)
		if p.Err != nil {
			logger.Error().Err(p.Err).Str("file", images[i]).Msg("Failed to save preview")
		} else {
			logger.Debug().Str("file", images[i]).Bool("overlay", p.Mask != "").Msg("Saved preview")
		}
		previews[i] = p
	})
	if err := ctx.Err(); err != nil {
		return previews, err
	}
	return previews, nil
}

func renderPreview(p Preview, name, outDir string, opts Options) ([]string, error) {
	vol, err := nifti.Read(p.Image)
	if err != nil {
		return nil, err
	}
	var mask *models.Volume
	if p.Mask != "" {
		if mask, err = nifti.Read(p.Mask); err != nil {
			return nil, err
		}
	}
	return SaveMidSlices(vol, mask, name, outDir, opts)
}

func findMask(dir, name string) string {
	for _, candidate := range []string{name + "_seg.nii.gz", name + "_seg.nii", name + ".nii.gz"} {
		path := filepath.Join(dir, candidate)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}
