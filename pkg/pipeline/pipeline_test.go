package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/pkg/config"
	"airwayseg/pkg/dicomio/dicomtest"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/predict"
	"airwayseg/pkg/report"
)

// fakeSegmenter stands in for the predictor: every voxel above 500 in each
// input image becomes label 1 in an output named without the channel suffix.
type fakeSegmenter struct {
	calls int
	err   error
}

func (f *fakeSegmenter) Run(ctx context.Context, name string, args, env []string) ([]byte, []byte, error) {
	f.calls++
	in, out := args[1], args[3]
	entries, err := os.ReadDir(in)
	if err != nil {
		return nil, nil, err
	}
	for _, e := range entries {
		if !naming.IsNifti(e.Name()) {
			continue
		}
		vol, err := nifti.Read(filepath.Join(in, e.Name()))
		if err != nil {
			return nil, nil, err
		}
		for i, v := range vol.Data {
			if v > 500 {
				vol.Data[i] = 1
			} else {
				vol.Data[i] = 0
			}
		}
		vol.Datatype = nifti.DTUint8
		if err := nifti.Write(filepath.Join(out, naming.TrimChannelSuffix(e.Name())+".nii.gz"), vol); err != nil {
			return nil, nil, err
		}
	}
	if err := os.WriteFile(filepath.Join(out, "plans.json"), []byte("{}"), 0644); err != nil {
		return nil, nil, err
	}
	return []byte("done"), nil, f.err
}

// airwayValue draws a bright block in the middle of a 12x12x8 series
func airwayValue(x, y, k int) uint16 {
	if x >= 4 && x < 8 && y >= 4 && y < 8 && k >= 2 && k < 6 {
		return 1000
	}
	return 0
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Processing.Seed = 3
	return cfg
}

func newFakePredictor(f *fakeSegmenter) *predict.Predictor {
	return predict.New(predict.Options{Command: "fake_predict"}, zerolog.Nop()).WithRunner(f)
}

func writeCase(t *testing.T, dir, patient string) {
	t.Helper()
	_, err := dicomtest.Write(dir, dicomtest.Series{
		PatientName: patient,
		PatientID:   patient,
		Rows:        12,
		Cols:        12,
		Slices:      8,
		Value:       airwayValue,
	})
	require.NoError(t, err)
}

func names(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		out = append(out, e.Name())
	}
	sort.Strings(out)
	return out
}

func TestProcessRejectsInvalidInput(t *testing.T) {
	_, err := New(&Params{Input: filepath.Join(t.TempDir(), "missing"), FileType: models.FileTypeDICOM}).Process(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidInput))

	_, err = New(&Params{Input: t.TempDir(), FileType: "PNG"}).Process(context.Background())
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidInput))
}

func TestProcessDICOMFullRun(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Scans")
	writeCase(t, filepath.Join(input, "PatientA"), "Doe^Jane")
	writeCase(t, filepath.Join(input, "PatientB"), "Roe^Ann")

	seg := &fakeSegmenter{}
	var steps []string
	params := &Params{
		Input:     input,
		FileType:  models.FileTypeDICOM,
		Rename:    true,
		Nickname:  "Airway",
		Start:     1,
		Convert:   true,
		Predict:   true,
		STL:       true,
		Previews:  true,
		Config:    testConfig(),
		Predictor: newFakePredictor(seg),
		Progress:  func(e Event) { steps = append(steps, e.Step) },
	}

	res, err := New(params).Process(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, seg.calls)

	root := filepath.Join(filepath.Dir(input), "Scans_Processed")
	assert.Equal(t, root, res.OutputRoot)
	assert.Equal(t, []string{
		filepath.Join(root, naming.RenamedDir),
		filepath.Join(root, naming.NiftiDir),
		filepath.Join(root, naming.SegmentationDir),
		filepath.Join(root, naming.STLDir),
		filepath.Join(root, naming.PreviewDir),
	}, res.Folders)
	assert.Equal(t, []string{StepValidate, StepRename, StepConvert, StepPredict, StepVolume, StepSTL, StepPreview, StepDone}, steps)

	// anonymized cases and their log
	require.Len(t, res.Renames, 2)
	assert.Equal(t, filepath.Join(root, naming.RenamedDir, report.RenameLogName), res.RenameLog)
	assert.Equal(t, []string{"Airway_1", "Airway_2", report.RenameLogName}, names(t, filepath.Join(root, naming.RenamedDir)))

	// converted inputs carry the channel suffix, outputs the _seg suffix
	assert.Len(t, res.Conversions, 2)
	assert.Equal(t, []string{"Airway_1_0000.nii.gz", "Airway_2_0000.nii.gz"}, names(t, filepath.Join(root, naming.NiftiDir)))
	assert.Equal(t, []string{"Airway_1_seg.nii.gz", "Airway_2_seg.nii.gz"}, names(t, filepath.Join(root, naming.SegmentationDir)))

	// 4x4x4 voxels of 1mm^3 each
	require.Len(t, res.Volumes, 2)
	for _, v := range res.Volumes {
		assert.NoError(t, v.Err)
		assert.InDelta(t, 64, v.VolumeMM3, 1e-9, v.Filename)
	}
	assert.Equal(t, filepath.Join(root, report.VolumeTextName), res.VolumeReport)
	assert.FileExists(t, res.VolumeReport)

	assert.Len(t, res.STLFiles, 2)
	assert.Equal(t, []string{"Airway_1_seg.stl", "Airway_2_seg.stl"}, names(t, filepath.Join(root, naming.STLDir)))
	assert.Len(t, res.Previews, 6)
	assert.FileExists(t, filepath.Join(root, naming.PreviewDir, "Airway_1_z.png"))
}

func TestProcessPredictConvertsDICOMFirst(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Scans")
	writeCase(t, filepath.Join(input, "P01"), "Doe^Jane")

	params := &Params{
		Input:     input,
		FileType:  models.FileTypeDICOM,
		Predict:   true,
		Config:    testConfig(),
		Predictor: newFakePredictor(&fakeSegmenter{}),
	}
	res, err := New(params).Process(context.Background())
	require.NoError(t, err)
	assert.Len(t, res.Conversions, 1)
	assert.Equal(t, []string{"P01_seg.nii.gz"}, names(t, filepath.Join(res.OutputRoot, naming.SegmentationDir)))
	require.Len(t, res.Volumes, 1)
	assert.Empty(t, res.STLFiles)
}

func TestProcessNiftiRenameAndFailedPrediction(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Images")
	require.NoError(t, os.MkdirAll(filepath.Join(input, "sub"), 0755))
	vol := models.NewVolume(6, 6, 6, [3]float64{0.5, 0.5, 0.5})
	for i := range vol.Data[:40] {
		vol.Data[i] = 900
	}
	require.NoError(t, nifti.Write(filepath.Join(input, "scan_a.nii.gz"), vol))
	require.NoError(t, nifti.Write(filepath.Join(input, "sub", "scan_b.nii.gz"), vol))

	seg := &fakeSegmenter{err: errors.New("exit status 1")}
	params := &Params{
		Input:     input,
		FileType:  models.FileTypeNIfTI,
		Rename:    true,
		Nickname:  "Case",
		Start:     10,
		Predict:   true,
		Config:    testConfig(),
		Predictor: newFakePredictor(seg),
	}
	res, err := New(params).Process(context.Background())
	require.Error(t, err)
	assert.True(t, IsPredictionFailure(err))

	// outputs written before the failure are still tidied and measured
	segDir := filepath.Join(res.OutputRoot, naming.SegmentationDir)
	assert.Equal(t, []string{"Case_10_seg.nii.gz", "Case_11_seg.nii.gz"}, names(t, segDir))
	require.Len(t, res.Volumes, 2)
	assert.InDelta(t, 40*0.125, res.Volumes[0].VolumeMM3, 1e-9)
	assert.FileExists(t, res.VolumeReport)

	entries, err := report.ReadRenameLog(res.RenameLog)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Original, "scan_"), e.Original)
		assert.True(t, strings.HasPrefix(e.New, "Case_1"), e.New)
	}
}

func TestProcessVolumeAndSTLOnly(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Segmentations")
	require.NoError(t, os.MkdirAll(input, 0755))
	mask := models.NewVolume(8, 8, 8, [3]float64{1, 1, 2})
	mask.Datatype = nifti.DTUint8
	for z := 2; z < 6; z++ {
		for y := 2; y < 6; y++ {
			for x := 2; x < 6; x++ {
				mask.Data[mask.Index(x, y, z)] = 1
			}
		}
	}
	require.NoError(t, nifti.Write(filepath.Join(input, "case_1_seg.nii.gz"), mask))

	cfg := testConfig()
	cfg.Volume.Format = "csv"
	res, err := New(&Params{
		Input:    input,
		FileType: models.FileTypeNIfTI,
		Volume:   true,
		STL:      true,
		Config:   cfg,
	}).Process(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Volumes, 1)
	assert.InDelta(t, 128, res.Volumes[0].VolumeMM3, 1e-9)
	assert.Equal(t, filepath.Join(res.OutputRoot, report.VolumeCSVName), res.VolumeReport)
	assert.Equal(t, []string{filepath.Join(res.OutputRoot, naming.STLDir, "case_1_seg.stl")}, res.STLFiles)
}

func TestRenameNifti(t *testing.T) {
	_, err := RenameNifti(t.TempDir(), t.TempDir(), RenameOptions{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidInput))

	_, err = RenameNifti(t.TempDir(), t.TempDir(), RenameOptions{Nickname: "X"})
	assert.True(t, apperrors.Is(err, apperrors.ErrNoNifti))

	src := t.TempDir()
	dst := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "a.nii.gz"), []byte("a"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(src, "b.nii"), []byte("b"), 0644))

	res, err := RenameNifti(src, dst, RenameOptions{Nickname: "X", Start: 3, Rand: naming.NewRand(1)})
	require.NoError(t, err)
	assert.Equal(t, []models.RenameEntry{{Original: "a.nii.gz", New: "X_3.nii.gz"}}, res.Entries)
	data, err := os.ReadFile(filepath.Join(dst, "X_3.nii.gz"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(data))
}

type memoryRecorder struct {
	started  int
	renames  []models.RenameEntry
	volumes  []models.VolumeResult
	output   string
	finalErr error
}

func (m *memoryRecorder) StartRun(ctx context.Context, input string, fileType models.FileType) (string, error) {
	m.started++
	return "run-1", nil
}

func (m *memoryRecorder) FinishRun(ctx context.Context, id, output string, runErr error) error {
	m.output, m.finalErr = output, runErr
	return nil
}

func (m *memoryRecorder) RecordRenames(ctx context.Context, runID string, entries []models.RenameEntry) error {
	m.renames = append(m.renames, entries...)
	return nil
}

func (m *memoryRecorder) RecordVolumes(ctx context.Context, runID string, results []models.VolumeResult) error {
	m.volumes = append(m.volumes, results...)
	return nil
}

func TestRunRecordsHistory(t *testing.T) {
	input := filepath.Join(t.TempDir(), "Images")
	require.NoError(t, os.MkdirAll(input, 0755))
	vol := models.NewVolume(4, 4, 4, [3]float64{1, 1, 1})
	vol.Data[0] = 1
	require.NoError(t, nifti.Write(filepath.Join(input, "scan.nii.gz"), vol))

	rec := &memoryRecorder{}
	res, err := Run(context.Background(), &Params{
		Input:    input,
		FileType: models.FileTypeNIfTI,
		Rename:   true,
		Nickname: "R",
		Start:    1,
		Volume:   true,
		Config:   testConfig(),
	}, rec)
	require.NoError(t, err)

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, res.OutputRoot, rec.output)
	assert.NoError(t, rec.finalErr)
	assert.Equal(t, []models.RenameEntry{{Original: "scan.nii.gz", New: "R_1.nii.gz"}}, rec.renames)
	require.Len(t, rec.volumes, 1)
	assert.Equal(t, "R_1.nii.gz", rec.volumes[0].Filename)
	assert.Equal(t, 1, rec.volumes[0].Voxels)
}
