// Package gui is the desktop shell: a home screen of task tiles and one
// page per task, each running the processing pipeline off the UI thread.
package gui

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/pkg/pipeline"
)

// Page is one task screen.
type Page int

const (
	PageFull Page = iota
	PageConvert
	PageSegment
	PageSTL
	PageVolume
)

// Pages lists the home screen tiles in display order.
var Pages = []Page{PageFull, PageConvert, PageSegment, PageSTL, PageVolume}

// Title is the tile and page heading.
func (p Page) Title() string {
	switch p {
	case PageFull:
		return "Full pipeline"
	case PageConvert:
		return "DICOM to NIfTI"
	case PageSegment:
		return "Segment airway"
	case PageSTL:
		return "NIfTI to STL"
	case PageVolume:
		return "Volume"
	}
	return fmt.Sprintf("Page(%d)", int(p))
}

// Description is shown under the page heading.
func (p Page) Description() string {
	switch p {
	case PageFull:
		return "Anonymize, convert, segment, measure and export in one run."
	case PageConvert:
		return "Convert patient folders of DICOM files to NIfTI, optionally anonymizing them first."
	case PageSegment:
		return "Segment the airway in DICOM or NIfTI scans."
	case PageSTL:
		return "Export an STL surface for every segmentation in a folder."
	case PageVolume:
		return "Write the segmented airway volume of every file in a folder."
	}
	return ""
}

// fields says which inputs a page shows.
type fields struct {
	FileType bool
	Rename   bool
	Convert  bool
	Predict  bool
	Volume   bool
	STL      bool
	Previews bool
}

func (p Page) fields() fields {
	switch p {
	case PageFull:
		return fields{FileType: true, Rename: true, Convert: true, Predict: true, Volume: true, STL: true, Previews: true}
	case PageConvert:
		return fields{Rename: true, Previews: true}
	case PageSegment:
		return fields{FileType: true, Rename: true, Volume: true, STL: true, Previews: true}
	}
	return fields{}
}

// Form is what the user entered on a page.
type Form struct {
	Input    string
	FileType models.FileType
	Rename   bool
	Nickname string
	Start    string

	Convert  bool
	Predict  bool
	Volume   bool
	STL      bool
	Previews bool
}

// Defaults returns the initial form of a page.
func (p Page) Defaults() Form {
	f := Form{FileType: models.FileTypeDICOM, Start: "1"}
	switch p {
	case PageFull:
		f.Convert, f.Predict, f.Volume, f.STL = true, true, true, true
	case PageSTL, PageVolume:
		f.FileType = models.FileTypeNIfTI
	}
	return f
}

// Params validates f and returns the pipeline parameters for the page.
// Steps a page stands for are always on; toggles the page does not show
// are ignored.
func (p Page) Params(f Form) (*pipeline.Params, error) {
	input := strings.TrimSpace(f.Input)
	if input == "" {
		return nil, apperrors.NewInvalidInput("select an input folder")
	}
	fl := p.fields()
	params := &pipeline.Params{
		Input:    filepath.Clean(input),
		FileType: f.FileType,
		Previews: fl.Previews && f.Previews,
	}
	if !fl.FileType {
		params.FileType = p.Defaults().FileType
	}

	if fl.Rename && f.Rename {
		nickname := strings.TrimSpace(f.Nickname)
		if nickname == "" {
			return nil, apperrors.NewInvalidInput("enter a nickname to rename cases")
		}
		start, err := strconv.Atoi(strings.TrimSpace(f.Start))
		if err != nil || start < 0 {
			return nil, apperrors.NewInvalidInput(fmt.Sprintf("invalid start index %q", f.Start))
		}
		params.Rename, params.Nickname, params.Start = true, nickname, start
	}

	switch p {
	case PageFull:
		params.Convert = f.Convert && params.FileType == models.FileTypeDICOM
		params.Predict = f.Predict
		params.Volume = f.Volume
		params.STL = f.STL
	case PageConvert:
		params.Convert = true
	case PageSegment:
		params.Predict = true
		params.Volume = f.Volume
		params.STL = f.STL
	case PageSTL:
		params.STL = true
	case PageVolume:
		params.Volume = true
	}
	if !params.Rename && !params.Convert && !params.Predict && !params.Volume && !params.STL && !params.Previews {
		return nil, apperrors.NewInvalidInput("select at least one step")
	}
	return params, nil
}

// Summary describes a finished run for the completion dialog.
func Summary(res *pipeline.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Results saved in %s\n", res.OutputRoot)
	if n := len(res.Renames); n > 0 {
		fmt.Fprintf(&b, "\nRenamed cases: %d", n)
	}
	if n := len(res.Conversions); n > 0 {
		fmt.Fprintf(&b, "\nNIfTI files: %d", n)
	}
	if res.VolumeReport != "" {
		fmt.Fprintf(&b, "\nVolume report: %s", filepath.Base(res.VolumeReport))
		for _, v := range res.Volumes {
			if v.Err != nil {
				fmt.Fprintf(&b, "\n  %s: error", v.Filename)
				continue
			}
			fmt.Fprintf(&b, "\n  %s: %.2f mm³", v.Filename, v.VolumeMM3)
		}
	}
	if n := len(res.STLFiles); n > 0 {
		fmt.Fprintf(&b, "\nSTL files: %d", n)
	}
	if n := len(res.Previews); n > 0 {
		fmt.Fprintf(&b, "\nPreview images: %d", n)
	}
	return b.String()
}
