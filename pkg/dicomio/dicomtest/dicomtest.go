// Package dicomtest writes small synthetic DICOM series for tests.
package dicomtest

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/frame"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Series describes a synthetic single-frame CT series.
type Series struct {
	PatientName string
	PatientID   string
	SeriesUID   string

	Rows, Cols int
	Slices     int

	// PixelSpacing is row spacing then column spacing
	PixelSpacing [2]float64
	SliceSpacing float64

	// Orientation is ImageOrientationPatient; zero means axial (1,0,0,0,1,0)
	Orientation [6]float64

	// Value returns the stored pixel value at (x, y) of slice k
	Value func(x, y, k int) uint16
}

// Write stores the series in dir as IM{k}.dcm files and returns their paths.
func Write(dir string, s Series) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	if s.PixelSpacing == [2]float64{} {
		s.PixelSpacing = [2]float64{1, 1}
	}
	if s.SliceSpacing == 0 {
		s.SliceSpacing = 1
	}
	if s.Orientation == [6]float64{} {
		s.Orientation = [6]float64{1, 0, 0, 0, 1, 0}
	}
	if s.SeriesUID == "" {
		s.SeriesUID = "1.2.826.0.1.3680043.8.498.1"
	}
	if s.Value == nil {
		s.Value = func(x, y, k int) uint16 { return uint16(x + y + k) }
	}

	var paths []string
	for k := 0; k < s.Slices; k++ {
		z := float64(k) * s.SliceSpacing
		ds, err := sliceDataset(s, k, z)
		if err != nil {
			return nil, err
		}
		path := filepath.Join(dir, fmt.Sprintf("IM%d.dcm", k+1))
		if err := writeFile(path, ds); err != nil {
			return nil, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func sliceDataset(s Series, k int, z float64) (dicom.Dataset, error) {
	orientation := make([]string, 6)
	for i, v := range s.Orientation {
		orientation[i] = fmt.Sprintf("%g", v)
	}
	values := []struct {
		t tag.Tag
		v any
	}{
		{tag.TransferSyntaxUID, []string{"1.2.840.10008.1.2.1"}},
		{tag.MediaStorageSOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}},
		{tag.MediaStorageSOPInstanceUID, []string{fmt.Sprintf("%s.%d", s.SeriesUID, k+1)}},
		{tag.PatientName, []string{s.PatientName}},
		{tag.PatientID, []string{s.PatientID}},
		{tag.PatientBirthDate, []string{"19700101"}},
		{tag.PatientSex, []string{"F"}},
		{tag.Modality, []string{"CT"}},
		{tag.SeriesInstanceUID, []string{s.SeriesUID}},
		{tag.SOPInstanceUID, []string{fmt.Sprintf("%s.%d", s.SeriesUID, k+1)}},
		{tag.SOPClassUID, []string{"1.2.840.10008.5.1.4.1.1.2"}},
		{tag.InstanceNumber, []string{fmt.Sprintf("%d", k+1)}},
		{tag.ImagePositionPatient, []string{"0", "0", fmt.Sprintf("%g", z)}},
		{tag.ImageOrientationPatient, orientation},
		{tag.PixelSpacing, []string{fmt.Sprintf("%g", s.PixelSpacing[0]), fmt.Sprintf("%g", s.PixelSpacing[1])}},
		{tag.SliceThickness, []string{fmt.Sprintf("%g", s.SliceSpacing)}},
		{tag.RescaleIntercept, []string{"0"}},
		{tag.RescaleSlope, []string{"1"}},
		{tag.Rows, []int{s.Rows}},
		{tag.Columns, []int{s.Cols}},
		{tag.BitsAllocated, []int{16}},
		{tag.BitsStored, []int{16}},
		{tag.HighBit, []int{15}},
		{tag.PixelRepresentation, []int{0}},
		{tag.SamplesPerPixel, []int{1}},
		{tag.PhotometricInterpretation, []string{"MONOCHROME2"}},
	}

	ds := dicom.Dataset{}
	for _, e := range values {
		el, err := dicom.NewElement(e.t, e.v)
		if err != nil {
			return ds, fmt.Errorf("element %v: %w", e.t, err)
		}
		ds.Elements = append(ds.Elements, el)
	}

	nf := frame.NewNativeFrame[uint16](16, s.Rows, s.Cols, s.Rows*s.Cols, 1)
	for y := 0; y < s.Rows; y++ {
		for x := 0; x < s.Cols; x++ {
			nf.RawData[y*s.Cols+x] = s.Value(x, y, k)
		}
	}
	pixels, err := dicom.NewElement(tag.PixelData, dicom.PixelDataInfo{
		Frames: []*frame.Frame{{Encapsulated: false, NativeData: nf}},
	})
	if err != nil {
		return ds, err
	}
	ds.Elements = append(ds.Elements, pixels)
	return ds, nil
}

func writeFile(path string, ds dicom.Dataset) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := dicom.Write(f, ds); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
