package dicomio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
)

// ConvertOptions control ConvertTree.
type ConvertOptions struct {
	// Renamed marks patient folders as anonymized aliases, which may already
	// carry the time point in their name.
	Renamed bool

	Logger zerolog.Logger
}

// Conversion is one written NIfTI file.
type Conversion struct {
	Source string
	Output string
	Dims   [4]int
}

// ConvertResult summarizes a tree conversion.
type ConvertResult struct {
	Converted []Conversion
	Skipped   []string
	Failures  []FileFailure
}

// ConvertTree converts every patient folder under input into NIfTI files in
// output. A patient folder holding DICOM gives "{patient}.nii.gz"; otherwise
// each time-point subfolder holding DICOM gives "{patient}_{tp}.nii.gz".
// When input itself holds DICOM it is converted as a single patient.
func ConvertTree(ctx context.Context, input, output string, opts ConvertOptions) (*ConvertResult, error) {
	logger := opts.Logger
	if err := os.MkdirAll(output, 0755); err != nil {
		return nil, apperrors.NewIO("convert", err)
	}

	res := &ConvertResult{}
	if ContainsDicom(input) {
		convertFolder(input, filepath.Base(input), "", output, opts, res)
		return finishConvert(input, res)
	}

	patients, err := subdirs(input)
	if err != nil {
		return nil, apperrors.NewIO("convert", err)
	}
	for _, patient := range patients {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		patientPath := filepath.Join(input, patient)
		if ContainsDicom(patientPath) {
			convertFolder(patientPath, patient, "", output, opts, res)
			continue
		}

		timePoints, err := subdirs(patientPath)
		if err != nil {
			res.Failures = append(res.Failures, FileFailure{Path: patientPath, Err: err})
			continue
		}
		if len(timePoints) == 0 {
			logger.Warn().Str("folder", patientPath).Msg("No DICOM files found, skipping")
			res.Skipped = append(res.Skipped, patientPath)
			continue
		}
		for _, tp := range timePoints {
			tpPath := filepath.Join(patientPath, tp)
			if !ContainsDicom(tpPath) {
				logger.Warn().Str("folder", tpPath).Msg("No DICOM files found, skipping")
				res.Skipped = append(res.Skipped, tpPath)
				continue
			}
			convertFolder(tpPath, patient, tp, output, opts, res)
		}
	}
	return finishConvert(input, res)
}

func finishConvert(input string, res *ConvertResult) (*ConvertResult, error) {
	if len(res.Converted) == 0 {
		if len(res.Failures) > 0 {
			return res, apperrors.NewConversion("convert", res.Failures[0].Err)
		}
		return res, apperrors.NewNoDicom(input)
	}
	return res, nil
}

func convertFolder(dir, patient, timePoint, output string, opts ConvertOptions, res *ConvertResult) {
	logger := opts.Logger
	series, err := ReadSeries(dir)
	if err != nil {
		logger.Error().Err(err).Str("folder", dir).Msg("Error reading DICOM series")
		res.Failures = append(res.Failures, FileFailure{Path: dir, Err: err})
		return
	}

	name := naming.NiftiFilename(patient, timePoint, opts.Renamed)
	for i, s := range series {
		fileName := name
		if i > 0 {
			fileName = fmt.Sprintf("%s_series%d.nii.gz", naming.TrimNiftiExt(name), i+1)
		}
		if s.Flipped {
			logger.Info().Str("folder", dir).Msg("Reversed slice order to keep z ascending")
		}
		s.Volume.Description = "converted from DICOM"
		outPath := filepath.Join(output, fileName)
		if err := nifti.Write(outPath, s.Volume); err != nil {
			logger.Error().Err(err).Str("file", fileName).Msg("Error writing NIfTI")
			res.Failures = append(res.Failures, FileFailure{Path: dir, Err: err})
			continue
		}
		logger.Info().
			Str("folder", dir).
			Str("file", fileName).
			Ints("dims", s.Volume.Dims[:3]).
			Floats64("spacing", s.Volume.Spacing[:]).
			Msg("Converted series")
		res.Converted = append(res.Converted, Conversion{Source: dir, Output: outPath, Dims: s.Volume.Dims})
	}
}

func subdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !naming.IsHidden(e.Name()) && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Slice(names, func(i, j int) bool { return naming.NaturalLess(names[i], names[j]) })
	return names, nil
}
