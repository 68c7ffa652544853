package dicomio

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	"airwayseg/internal/models"
	"airwayseg/pkg/nifti"
)

// Series is one DICOM series read from a folder.
type Series struct {
	UID    string
	Volume *models.Volume

	// Flipped is true when the slice order was reversed so the volume's
	// z axis points towards superior.
	Flipped bool
}

// slice is one decoded image plane with the geometry needed to stack it.
type slice struct {
	path        string
	seriesUID   string
	instance    int
	position    [3]float64
	hasPosition bool
	orientation [6]float64
	spacing     [2]float64 // row spacing, column spacing
	thickness   float64
	between     float64
	rows, cols  int
	pixels      []float64
}

// ReadSeries reads every DICOM file directly in dir and assembles one
// volume per SeriesInstanceUID. The series with the most slices comes first.
func ReadSeries(dir string) ([]Series, error) {
	files, err := DicomFiles(dir)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no DICOM files in %s", dir)
	}

	groups := make(map[string][]*slice)
	var order []string
	for _, f := range files {
		planes, err := readSlices(f)
		if err != nil {
			return nil, err
		}
		for _, s := range planes {
			if _, ok := groups[s.seriesUID]; !ok {
				order = append(order, s.seriesUID)
			}
			groups[s.seriesUID] = append(groups[s.seriesUID], s)
		}
	}

	series := make([]Series, 0, len(order))
	for _, uid := range order {
		vol, flipped, err := stack(groups[uid])
		if err != nil {
			return nil, fmt.Errorf("series %s in %s: %w", uid, filepath.Base(dir), err)
		}
		series = append(series, Series{UID: uid, Volume: vol, Flipped: flipped})
	}
	sort.SliceStable(series, func(i, j int) bool {
		return series[i].Volume.Depth() > series[j].Volume.Depth()
	})
	return series, nil
}

// readSlices decodes all frames of one file. Multi-frame files yield one
// slice per frame stacked along the slice normal.
func readSlices(path string) ([]*slice, error) {
	ds, err := dicom.ParseFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", filepath.Base(path), err)
	}

	base := slice{
		path:        path,
		seriesUID:   firstString(ds, tag.SeriesInstanceUID),
		instance:    int(firstFloat(ds, tag.InstanceNumber, 0)),
		orientation: [6]float64{1, 0, 0, 0, 1, 0},
		spacing:     [2]float64{1, 1},
		thickness:   firstFloat(ds, tag.SliceThickness, 0),
		between:     firstFloat(ds, tag.SpacingBetweenSlices, 0),
		rows:        firstInt(ds, tag.Rows),
		cols:        firstInt(ds, tag.Columns),
	}
	if pos := floats(ds, tag.ImagePositionPatient); len(pos) == 3 {
		copy(base.position[:], pos)
		base.hasPosition = true
	}
	if ori := floats(ds, tag.ImageOrientationPatient); len(ori) == 6 {
		copy(base.orientation[:], ori)
	}
	if sp := floats(ds, tag.PixelSpacing); len(sp) == 2 && sp[0] > 0 && sp[1] > 0 {
		copy(base.spacing[:], sp)
	}

	slope := firstFloat(ds, tag.RescaleSlope, 1)
	if slope == 0 {
		slope = 1
	}
	intercept := firstFloat(ds, tag.RescaleIntercept, 0)
	signed := firstInt(ds, tag.PixelRepresentation) == 1

	el, err := ds.FindElementByTag(tag.PixelData)
	if err != nil {
		return nil, fmt.Errorf("%s has no pixel data", filepath.Base(path))
	}
	info := dicom.MustGetPixelDataInfo(el.Value)
	if len(info.Frames) == 0 {
		return nil, fmt.Errorf("%s has no frames", filepath.Base(path))
	}

	normal := sliceNormal(base.orientation)
	step := base.between
	if step == 0 {
		step = base.thickness
	}
	if step == 0 {
		step = 1
	}

	out := make([]*slice, 0, len(info.Frames))
	for i, fr := range info.Frames {
		img, err := fr.GetImage()
		if err != nil {
			return nil, fmt.Errorf("error decoding frame %d of %s: %w", i, filepath.Base(path), err)
		}
		s := base
		s.pixels = decodePixels(img, signed, slope, intercept)
		b := img.Bounds()
		s.cols, s.rows = b.Dx(), b.Dy()
		if i > 0 {
			for k := 0; k < 3; k++ {
				s.position[k] += float64(i) * step * normal[k]
			}
			s.instance = base.instance*len(info.Frames) + i
		}
		out = append(out, &s)
	}
	return out, nil
}

func decodePixels(img image.Image, signed bool, slope, intercept float64) []float64 {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	out := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var v float64
			switch im := img.(type) {
			case *image.Gray16:
				raw := im.Gray16At(b.Min.X+x, b.Min.Y+y).Y
				if signed {
					v = float64(int16(raw))
				} else {
					v = float64(raw)
				}
			case *image.Gray:
				raw := im.GrayAt(b.Min.X+x, b.Min.Y+y).Y
				if signed {
					v = float64(int8(raw))
				} else {
					v = float64(raw)
				}
			default:
				v = float64(color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16).Y)
			}
			out[x+w*y] = v*slope + intercept
		}
	}
	return out
}

// stack orders slices along the slice normal and builds a RAS volume.
func stack(slices []*slice) (*models.Volume, bool, error) {
	first := slices[0]
	for _, s := range slices[1:] {
		if s.rows != first.rows || s.cols != first.cols {
			return nil, false, fmt.Errorf("slice %s is %dx%d, expected %dx%d",
				filepath.Base(s.path), s.cols, s.rows, first.cols, first.rows)
		}
	}

	normal := sliceNormal(first.orientation)
	dist := func(s *slice) float64 {
		return s.position[0]*normal[0] + s.position[1]*normal[1] + s.position[2]*normal[2]
	}
	allPositioned := true
	for _, s := range slices {
		allPositioned = allPositioned && s.hasPosition
	}
	sort.SliceStable(slices, func(i, j int) bool {
		if allPositioned {
			return dist(slices[i]) < dist(slices[j])
		}
		return slices[i].instance < slices[j].instance
	})

	sliceSpacing := 0.0
	if allPositioned && len(slices) > 1 {
		sliceSpacing = (dist(slices[len(slices)-1]) - dist(slices[0])) / float64(len(slices)-1)
	}
	if sliceSpacing <= 0 {
		sliceSpacing = first.between
	}
	if sliceSpacing <= 0 {
		sliceSpacing = first.thickness
	}
	if sliceSpacing <= 0 {
		sliceSpacing = 1
	}

	// the volume's k axis follows the normal; keep it pointing up in z
	flipped := normal[2] < 0
	if flipped {
		for i, j := 0, len(slices)-1; i < j; i, j = i+1, j-1 {
			slices[i], slices[j] = slices[j], slices[i]
		}
		for k := range normal {
			normal[k] = -normal[k]
		}
	}

	nx, ny, nz := first.cols, first.rows, len(slices)
	rowSpacing, colSpacing := first.spacing[0], first.spacing[1]
	vol := models.NewVolume(nx, ny, nz, [3]float64{colSpacing, rowSpacing, sliceSpacing})
	plane := nx * ny
	integral := true
	for k, s := range slices {
		copy(vol.Data[k*plane:(k+1)*plane], s.pixels)
		if integral {
			for _, v := range s.pixels {
				if v != math.Trunc(v) || v < math.MinInt16 || v > math.MaxInt16 {
					integral = false
					break
				}
			}
		}
	}
	vol.Datatype = nifti.DTFloat32
	if integral {
		vol.Datatype = nifti.DTInt16
	}

	// LPS direction cosines scaled by spacing, then x and y negated for RAS
	origin := slices[0].position
	rowDir := first.orientation[0:3]
	colDir := first.orientation[3:6]
	for r := 0; r < 3; r++ {
		sign := 1.0
		if r < 2 {
			sign = -1
		}
		vol.Affine[r][0] = sign * rowDir[r] * colSpacing
		vol.Affine[r][1] = sign * colDir[r] * rowSpacing
		vol.Affine[r][2] = sign * normal[r] * sliceSpacing
		vol.Affine[r][3] = sign * origin[r]
	}
	vol.Affine[3] = [4]float64{0, 0, 0, 1}
	return vol, flipped, nil
}

func sliceNormal(o [6]float64) [3]float64 {
	return [3]float64{
		o[1]*o[5] - o[2]*o[4],
		o[2]*o[3] - o[0]*o[5],
		o[0]*o[4] - o[1]*o[3],
	}
}

func strs(ds dicom.Dataset, t tag.Tag) []string {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil || el.Value.ValueType() != dicom.Strings {
		return nil
	}
	return dicom.MustGetStrings(el.Value)
}

func firstString(ds dicom.Dataset, t tag.Tag) string {
	if s := strs(ds, t); len(s) > 0 {
		return strings.TrimSpace(s[0])
	}
	return ""
}

func floats(ds dicom.Dataset, t tag.Tag) []float64 {
	var out []float64
	for _, s := range strs(ds, t) {
		for _, part := range strings.Split(s, `\`) {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return nil
			}
			out = append(out, v)
		}
	}
	return out
}

func firstFloat(ds dicom.Dataset, t tag.Tag, fallback float64) float64 {
	if v := floats(ds, t); len(v) > 0 {
		return v[0]
	}
	return fallback
}

func firstInt(ds dicom.Dataset, t tag.Tag) int {
	el, err := ds.FindElementByTag(t)
	if err != nil || el.Value == nil {
		return 0
	}
	if el.Value.ValueType() == dicom.Ints {
		if v := dicom.MustGetInts(el.Value); len(v) > 0 {
			return v[0]
		}
		return 0
	}
	return int(firstFloat(ds, t, 0))
}
