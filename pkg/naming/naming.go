// Package naming holds the folder and file naming conventions shared by the
// processing steps: output roots, anonymized aliases, and the suffixes the
// segmentation tool expects on its inputs and produces on its outputs.
package naming

import (
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"

	"github.com/maruel/natural"
)

// Subfolders created under the output root
const (
	RenamedDir      = "Renamed_Anonymized"
	NiftiDir        = "NIfTI_Converted"
	SegmentationDir = "Segmentations"
	STLDir          = "STL_Exports"
	PreviewDir      = "Previews"
)

// DefaultSuffix marks an output root
const DefaultSuffix = "_Processed"

const (
	niftiGzExt    = ".nii.gz"
	niftiExt      = ".nii"
	channelSuffix = "_0000"
	segSuffix     = "_seg"
)

// OutputRoot returns the folder that receives all products for input.
// When the parent of input already carries the suffix (input is itself a
// product folder) the parent is reused.
func OutputRoot(input, suffix string) string {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	clean := filepath.Clean(input)
	parent := filepath.Dir(clean)
	if strings.Contains(filepath.Base(parent), suffix) {
		return parent
	}
	return filepath.Join(parent, filepath.Base(clean)+suffix)
}

// Alias returns the anonymized name for index.
func Alias(nickname string, index int) string {
	return fmt.Sprintf("%s_%d", nickname, index)
}

// ShuffledIndices returns start..start+n-1 in random order.
func ShuffledIndices(start, n int, rng *rand.Rand) []int {
	indices := make([]int, n)
	for i := range indices {
		indices[i] = start + i
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	rng.Shuffle(n, func(i, j int) {
		indices[i], indices[j] = indices[j], indices[i]
	})
	return indices
}

// NewRand returns a generator seeded with seed, or a randomly seeded one for 0.
func NewRand(seed uint64) *rand.Rand {
	if seed == 0 {
		return rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// NiftiFilename builds the converted file name for a patient and optional
// time point. Renamed patients may already carry the time point.
func NiftiFilename(patient, timePoint string, renamed bool) string {
	if timePoint == "" {
		return patient + niftiGzExt
	}
	if renamed && strings.Contains(patient, timePoint) {
		return patient + niftiGzExt
	}
	return patient + "_" + timePoint + niftiGzExt
}

// IsNifti reports whether name has a NIfTI extension.
func IsNifti(name string) bool {
	return strings.HasSuffix(name, niftiGzExt) || strings.HasSuffix(name, niftiExt)
}

// IsNiftiGz reports whether name is a compressed NIfTI file.
func IsNiftiGz(name string) bool {
	return strings.HasSuffix(name, niftiGzExt)
}

// SplitNifti splits name into base and NIfTI extension.
func SplitNifti(name string) (base, ext string) {
	switch {
	case strings.HasSuffix(name, niftiGzExt):
		return strings.TrimSuffix(name, niftiGzExt), niftiGzExt
	case strings.HasSuffix(name, niftiExt):
		return strings.TrimSuffix(name, niftiExt), niftiExt
	default:
		return name, ""
	}
}

// TrimNiftiExt strips a .nii or .nii.gz extension.
func TrimNiftiExt(name string) string {
	base, _ := SplitNifti(name)
	return base
}

// WithChannelSuffix appends the _0000 channel marker the predictor requires.
func WithChannelSuffix(name string) string {
	base, ext := SplitNifti(name)
	if strings.HasSuffix(base, channelSuffix) {
		return name
	}
	return base + channelSuffix + ext
}

// WithSegSuffix returns the segmentation name for a predictor output.
func WithSegSuffix(name string) string {
	base := TrimNiftiExt(name)
	if strings.HasSuffix(base, segSuffix) {
		return base + niftiGzExt
	}
	return base + segSuffix + niftiGzExt
}

// IsSegmentation reports whether name already carries the _seg suffix.
func IsSegmentation(name string) bool {
	return strings.HasSuffix(TrimNiftiExt(name), segSuffix)
}

// STLName returns the mesh file name for a NIfTI file.
func STLName(name string) string {
	return TrimNiftiExt(name) + ".stl"
}

// IsHidden reports whether name is an OS metadata file that must be skipped.
func IsHidden(name string) bool {
	return strings.HasPrefix(name, "._") || name == ".DS_Store" || name == "Thumbs.db"
}

// NaturalLess orders names with embedded numbers numerically (case_2 < case_10).
func NaturalLess(a, b string) bool {
	return natural.Less(a, b)
}

// TrimChannelSuffix removes the _0000 channel marker and the extension.
func TrimChannelSuffix(name string) string {
	return strings.TrimSuffix(TrimNiftiExt(name), channelSuffix)
}
