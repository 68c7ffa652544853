package dicomio

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	apperrors "airwayseg/internal/errors"
	"airwayseg/pkg/dicomio/dicomtest"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/report"
)

func writeSeries(t *testing.T, dir string, s dicomtest.Series) []string {
	t.Helper()
	paths, err := dicomtest.Write(dir, s)
	require.NoError(t, err)
	return paths
}

func patientValue(t *testing.T, path string, tg tag.Tag) (string, bool) {
	t.Helper()
	ds, err := dicom.ParseFile(path, nil, dicom.SkipPixelData())
	require.NoError(t, err)
	el, err := ds.FindElementByTag(tg)
	if err != nil {
		return "", false
	}
	return dicom.MustGetStrings(el.Value)[0], true
}

// buildTree lays out:
//
//	root/P01/*.dcm
//	root/P02/T1/*.dcm
//	root/P02/T1/extra/*.dcm   (inside a case, ignored)
//	root/P02/T2/notes.txt
func buildTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	writeSeries(t, filepath.Join(root, "P01"), dicomtest.Series{PatientName: "Doe^Jane", PatientID: "123", Rows: 4, Cols: 3, Slices: 2})
	writeSeries(t, filepath.Join(root, "P02", "T1"), dicomtest.Series{PatientName: "Roe^Ann", PatientID: "456", Rows: 4, Cols: 3, Slices: 3})
	writeSeries(t, filepath.Join(root, "P02", "T1", "extra"), dicomtest.Series{PatientName: "Roe^Ann", PatientID: "456", Rows: 2, Cols: 2, Slices: 1})
	require.NoError(t, os.MkdirAll(filepath.Join(root, "P02", "T2"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "P02", "T2", "notes.txt"), []byte("not dicom"), 0644))
	return root
}

func TestDetection(t *testing.T) {
	root := buildTree(t)

	assert.True(t, IsDicomFile(filepath.Join(root, "P01", "IM1.dcm")))
	assert.False(t, IsDicomFile(filepath.Join(root, "P02", "T2", "notes.txt")))
	assert.False(t, IsDicomFile(filepath.Join(root, "missing.dcm")))

	assert.True(t, ContainsDicom(filepath.Join(root, "P01")))
	assert.False(t, ContainsDicom(filepath.Join(root, "P02")))
	assert.False(t, ContainsDicom(filepath.Join(root, "P02", "T2")))

	cases, err := FindCaseFolders(root)
	require.NoError(t, err)
	var rels, names []string
	for _, c := range cases {
		rels = append(rels, c.RelPath)
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{"P01", filepath.Join("P02", "T1")}, rels)
	assert.Equal(t, []string{"P01", "T1"}, names)
	assert.Equal(t, filepath.Join(root, "P02", "T1"), cases[1].Path)
}

func TestAnonymizeOverwritesPresentFieldsOnly(t *testing.T) {
	dir := t.TempDir()
	src := writeSeries(t, filepath.Join(dir, "in"), dicomtest.Series{PatientName: "Doe^Jane", PatientID: "123", Rows: 2, Cols: 2, Slices: 1})[0]
	dst := filepath.Join(dir, "out", "Airway_1_1.dcm")

	fields := append([]Field{{Keyword: "InstitutionName", Value: "Nowhere"}}, DefaultFields...)
	require.NoError(t, Anonymize(src, dst, "Airway_1", fields))

	name, _ := patientValue(t, dst, tag.PatientName)
	assert.Equal(t, "Airway_1", name)
	id, _ := patientValue(t, dst, tag.PatientID)
	assert.Equal(t, "ANON", id)
	birth, _ := patientValue(t, dst, tag.PatientBirthDate)
	assert.Equal(t, "N/A", birth)
	sex, _ := patientValue(t, dst, tag.PatientSex)
	assert.Equal(t, "N/A", sex)

	_, present := patientValue(t, dst, tag.InstitutionName)
	assert.False(t, present, "absent fields must not be added")

	assert.Error(t, Anonymize(src, dst, "x", []Field{{Keyword: "NotARealKeyword", Value: "x"}}))
}

func TestAnonymizeTree(t *testing.T) {
	root := buildTree(t)
	dst := filepath.Join(t.TempDir(), naming.RenamedDir)

	res, err := AnonymizeTree(root, dst, AnonymizeOptions{
		Nickname: "Airway",
		Start:    5,
		Rand:     naming.NewRand(7),
	})
	require.NoError(t, err)
	assert.Empty(t, res.Failures)
	assert.Equal(t, 5, res.Files)

	var aliases []string
	for _, e := range res.Entries {
		aliases = append(aliases, e.New)
	}
	sort.Strings(aliases)
	assert.Equal(t, []string{"Airway_5", "Airway_6"}, aliases)

	// the log is sorted by original folder once the run is done
	entries, err := report.ReadRenameLog(filepath.Join(dst, report.RenameLogName))
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "P01", entries[0].Original)
	assert.Equal(t, filepath.Join("P02", "T1"), entries[1].Original)

	for _, e := range entries {
		files, err := os.ReadDir(filepath.Join(dst, e.New))
		require.NoError(t, err)
		require.NotEmpty(t, files)
		first := filepath.Join(dst, e.New, e.New+"_1.dcm")
		name, ok := patientValue(t, first, tag.PatientName)
		require.True(t, ok)
		assert.Equal(t, e.New, name)
	}
	files, err := os.ReadDir(filepath.Join(dst, entries[1].New))
	require.NoError(t, err)
	assert.Len(t, files, 3, "subfolders of a case are not copied")
}

func TestAnonymizeTreeWithoutDicom(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "readme.txt"), []byte("hi"), 0644))

	_, err := AnonymizeTree(root, filepath.Join(t.TempDir(), "out"), AnonymizeOptions{Nickname: "Airway"})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrNoDicom))

	_, err = AnonymizeTree(root, t.TempDir(), AnonymizeOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidInput))
}

func TestReadSeries(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, dicomtest.Series{
		PatientName:  "Doe^Jane",
		Rows:         4,
		Cols:         3,
		Slices:       5,
		PixelSpacing: [2]float64{0.5, 0.25},
		SliceSpacing: 2,
	})

	series, err := ReadSeries(dir)
	require.NoError(t, err)
	require.Len(t, series, 1)
	vol := series[0].Volume
	assert.False(t, series[0].Flipped)

	assert.Equal(t, [4]int{3, 4, 5, 1}, vol.Dims)
	assert.InDeltaSlice(t, []float64{0.25, 0.5, 2}, vol.Spacing[:], 1e-9)
	assert.Equal(t, nifti.DTInt16, vol.Datatype)
	for k := 0; k < 5; k++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 3; x++ {
				assert.Equal(t, float64(x+y+k), vol.At(x, y, k))
			}
		}
	}

	// LPS x and y are negated into RAS
	assert.InDelta(t, -0.25, vol.Affine[0][0], 1e-9)
	assert.InDelta(t, -0.5, vol.Affine[1][1], 1e-9)
	assert.InDelta(t, 2, vol.Affine[2][2], 1e-9)
}

func TestReadSeriesFlipsDownwardNormal(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, dir, dicomtest.Series{
		Rows:        2,
		Cols:        2,
		Slices:      3,
		Orientation: [6]float64{1, 0, 0, 0, -1, 0},
		Value:       func(x, y, k int) uint16 { return uint16(10 * k) },
	})

	series, err := ReadSeries(dir)
	require.NoError(t, err)
	require.Len(t, series, 1)
	vol := series[0].Volume
	assert.True(t, series[0].Flipped)
	assert.Equal(t, 0.0, vol.At(0, 0, 0))
	assert.Equal(t, 20.0, vol.At(0, 0, 2))
	assert.Greater(t, vol.Affine[2][2], 0.0)
}

func TestReadSeriesSplitsByUID(t *testing.T) {
	dir := t.TempDir()
	writeSeries(t, filepath.Join(dir, "a"), dicomtest.Series{SeriesUID: "1.2.3", Rows: 2, Cols: 2, Slices: 3})
	writeSeries(t, filepath.Join(dir, "b"), dicomtest.Series{SeriesUID: "1.2.4", Rows: 2, Cols: 2, Slices: 1})
	// merge both into one folder under distinct names
	merged := filepath.Join(dir, "merged")
	require.NoError(t, os.MkdirAll(merged, 0755))
	for _, sub := range []string{"a", "b"} {
		entries, err := os.ReadDir(filepath.Join(dir, sub))
		require.NoError(t, err)
		for _, e := range entries {
			data, err := os.ReadFile(filepath.Join(dir, sub, e.Name()))
			require.NoError(t, err)
			require.NoError(t, os.WriteFile(filepath.Join(merged, sub+"_"+e.Name()), data, 0644))
		}
	}

	series, err := ReadSeries(merged)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "1.2.3", series[0].UID)
	assert.Equal(t, 3, series[0].Volume.Depth())
	assert.Equal(t, 1, series[1].Volume.Depth())
}

func TestConvertTree(t *testing.T) {
	root := buildTree(t)
	out := filepath.Join(t.TempDir(), naming.NiftiDir)

	res, err := ConvertTree(context.Background(), root, out, ConvertOptions{})
	require.NoError(t, err)
	assert.Len(t, res.Converted, 2)
	assert.Contains(t, res.Skipped, filepath.Join(root, "P02", "T2"))

	vol, err := nifti.Read(filepath.Join(out, "P01.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, [4]int{3, 4, 2, 1}, vol.Dims)

	vol, err = nifti.Read(filepath.Join(out, "P02_T1.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, 3, vol.Depth())
	assert.Equal(t, 5.0, vol.At(2, 3, 0))
}

func TestConvertTreeSingleCaseRoot(t *testing.T) {
	root := filepath.Join(t.TempDir(), "Airway_3")
	writeSeries(t, root, dicomtest.Series{Rows: 2, Cols: 2, Slices: 2})
	out := t.TempDir()

	res, err := ConvertTree(context.Background(), root, out, ConvertOptions{Renamed: true})
	require.NoError(t, err)
	require.Len(t, res.Converted, 1)
	assert.Equal(t, filepath.Join(out, "Airway_3.nii.gz"), res.Converted[0].Output)
}

func TestConvertTreeEmpty(t *testing.T) {
	_, err := ConvertTree(context.Background(), t.TempDir(), t.TempDir(), ConvertOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNoDicom))
}
