// Package visualization renders quality-control previews of scans and
// segmentations: axis-aligned slices as 16-bit grayscale, optionally with
// the segmentation mask drawn over them in color.
package visualization

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"airwayseg/internal/models"
)

// maximum number of voxels sampled when estimating the display window
const windowSamples = 1 << 20

// MaskColor is the default overlay color
var MaskColor = color.RGBA{R: 255, G: 64, B: 64, A: 255}

// Viewer extracts slices from one volume. Only the first frame of 4D data
// is shown.
type Viewer struct {
	vol *models.Volume

	// display window mapped to 0..65535
	low  float64
	high float64
}

// NewViewer creates a viewer whose display window spans the 1st to 99th
// percentile of the voxel values.
func NewViewer(vol *models.Volume) *Viewer {
	v := &Viewer{vol: vol}
	v.low, v.high = percentileWindow(vol, 0.01, 0.99)
	return v
}

// SetWindow overrides the display window.
func (v *Viewer) SetWindow(low, high float64) {
	v.low, v.high = low, high
}

// Window returns the display window.
func (v *Viewer) Window() (low, high float64) {
	return v.low, v.high
}

func percentileWindow(vol *models.Volume, lo, hi float64) (float64, float64) {
	n := vol.Width() * vol.Height() * vol.Depth()
	if n == 0 {
		return 0, 1
	}
	step := max(1, n/windowSamples)
	sample := make([]float64, 0, n/step+1)
	for i := 0; i < n; i += step {
		sample = append(sample, vol.Data[i])
	}
	sort.Float64s(sample)
	low := stat.Quantile(lo, stat.Empirical, sample, nil)
	high := stat.Quantile(hi, stat.Empirical, sample, nil)
	if high <= low {
		low, high = sample[0], sample[len(sample)-1]
	}
	if high <= low {
		high = low + 1
	}
	return low, high
}

func (v *Viewer) gray(value float64) color.Gray16 {
	f := (value - v.low) / (v.high - v.low)
	return color.Gray16{Y: uint16(math.Max(0, math.Min(65535, math.Round(f*65535))))}
}

// SliceSize returns the image size of a slice along axis and the number of
// slices along it.
func SliceSize(vol *models.Volume, axis string) (w, h, count int, err error) {
	switch strings.ToLower(axis) {
	case "x":
		return vol.Depth(), vol.Height(), vol.Width(), nil
	case "y":
		return vol.Width(), vol.Depth(), vol.Height(), nil
	case "z":
		return vol.Width(), vol.Height(), vol.Depth(), nil
	}
	return 0, 0, 0, fmt.Errorf("invalid axis: %s (must be x, y, or z)", axis)
}

// voxel maps pixel (px, py) of a slice at position along axis to a voxel index
func voxel(axis string, position, px, py int) (x, y, z int) {
	switch strings.ToLower(axis) {
	case "x":
		return position, py, px
	case "y":
		return px, position, py
	default:
		return px, py, position
	}
}

func checkPosition(vol *models.Volume, axis string, position int) (w, h int, err error) {
	w, h, count, err := SliceSize(vol, axis)
	if err != nil {
		return 0, 0, err
	}
	if position < 0 {
		return 0, 0, fmt.Errorf("position must be non-negative")
	}
	if position >= count {
		return 0, 0, fmt.Errorf("position %d exceeds %s size %d", position, axis, count)
	}
	return w, h, nil
}

// ExtractSlice extracts a 2D slice along axis. An x slice is depth wide and
// height tall, a y slice width by depth and a z slice width by height.
func (v *Viewer) ExtractSlice(axis string, position int) (*image.Gray16, error) {
	w, h, err := checkPosition(v.vol, axis, position)
	if err != nil {
		return nil, err
	}
	img := image.NewGray16(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			x, y, z := voxel(axis, position, px, py)
			img.SetGray16(px, py, v.gray(v.vol.At(x, y, z)))
		}
	}
	return img, nil
}

// Overlay draws the voxels of mask equal to label over a slice extracted
// with the same axis and position, blending c at alpha.
func Overlay(slice *image.Gray16, mask *models.Volume, axis string, position, label int, c color.RGBA, alpha float64) (*image.RGBA, error) {
	w, h, err := checkPosition(mask, axis, position)
	if err != nil {
		return nil, err
	}
	if b := slice.Bounds(); b.Dx() != w || b.Dy() != h {
		return nil, fmt.Errorf("mask slice %dx%d does not match image %dx%d", w, h, b.Dx(), b.Dy())
	}
	target := float64(label)
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for py := 0; py < h; py++ {
		for px := 0; px < w; px++ {
			g := uint8(slice.Gray16At(px, py).Y >> 8)
			pix := color.RGBA{R: g, G: g, B: g, A: 255}
			x, y, z := voxel(axis, position, px, py)
			if mask.At(x, y, z) == target {
				pix.R = blend(g, c.R, alpha)
				pix.G = blend(g, c.G, alpha)
				pix.B = blend(g, c.B, alpha)
			}
			out.SetRGBA(px, py, pix)
		}
	}
	return out, nil
}

func blend(base, over uint8, alpha float64) uint8 {
	return uint8(math.Round(float64(base)*(1-alpha) + float64(over)*alpha))
}

// MaskCenter returns the voxel at the center of the bounding box of label,
// or the grid center when the label is absent.
func MaskCenter(mask *models.Volume, label int) [3]int {
	target := float64(label)
	lo := [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi := [3]int{-1, -1, -1}
	for z := 0; z < mask.Depth(); z++ {
		for y := 0; y < mask.Height(); y++ {
			row := mask.Index(0, y, z)
			for x := 0; x < mask.Width(); x++ {
				if mask.Data[row+x] != target {
					continue
				}
				p := [3]int{x, y, z}
				for i := range p {
					lo[i] = min(lo[i], p[i])
					hi[i] = max(hi[i], p[i])
				}
			}
		}
	}
	if hi[0] < 0 {
		return [3]int{mask.Width() / 2, mask.Height() / 2, mask.Depth() / 2}
	}
	return [3]int{(lo[0] + hi[0]) / 2, (lo[1] + hi[1]) / 2, (lo[2] + hi[2]) / 2}
}

// SaveImage writes img as PNG, or as JPEG when path ends in .jpg or .jpeg.
func SaveImage(img image.Image, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating preview directory: %w", err)
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg":
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	default:
		err = png.Encode(file, img)
	}
	if err != nil {
		file.Close()
		return fmt.Errorf("error encoding %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// SaveSliceSequence extracts and saves every slice along axis.
func (v *Viewer) SaveSliceSequence(axis, outputDir, ext string) ([]string, error) {
	_, _, count, err := SliceSize(v.vol, axis)
	if err != nil {
		return nil, err
	}
	if ext == "" {
		ext = ".png"
	}

	var files []string
	for pos := 0; pos < count; pos++ {
		img, err := v.ExtractSlice(axis, pos)
		if err != nil {
			return files, err
		}
		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%s_%03d%s", axis, pos, ext))
		if err := SaveImage(img, filename); err != nil {
			return files, err
		}
		files = append(files, filename)
	}
	return files, nil
}
