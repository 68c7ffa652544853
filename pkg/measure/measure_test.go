package measure

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/report"
)

// writeMask stores a 4x4x4 label map with n voxels set to label.
func writeMask(t *testing.T, path string, n int, label float64, spacing [3]float64) {
	t.Helper()
	vol := models.NewVolume(4, 4, 4, spacing)
	vol.Datatype = nifti.DTUint8
	for i := 0; i < n; i++ {
		vol.Data[i] = label
	}
	// a second label that must not be counted
	vol.Data[len(vol.Data)-1] = 2
	require.NoError(t, nifti.Write(path, vol))
}

func TestSegmentVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "case_1_seg.nii.gz")
	writeMask(t, path, 10, 1, [3]float64{0.5, 0.5, 2})

	res, err := SegmentVolume(path, 1)
	require.NoError(t, err)
	assert.Equal(t, "case_1_seg.nii.gz", res.Filename)
	assert.Equal(t, 10, res.Voxels)
	assert.InDelta(t, 5.0, res.VolumeMM3, 1e-9)

	res, err = SegmentVolume(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Voxels)
}

func TestDirectoryRecordsFailuresAsZero(t *testing.T) {
	dir := t.TempDir()
	writeMask(t, filepath.Join(dir, "case_10_seg.nii.gz"), 3, 1, [3]float64{1, 1, 1})
	writeMask(t, filepath.Join(dir, "case_2_seg.nii.gz"), 8, 1, [3]float64{1, 1, 1})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case_3_seg.nii.gz"), []byte("broken"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("skip"), 0644))

	results, err := Directory(context.Background(), dir, Options{NumCores: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "case_2_seg.nii.gz", results[0].Filename)
	assert.InDelta(t, 8, results[0].VolumeMM3, 1e-9)
	assert.Equal(t, "case_3_seg.nii.gz", results[1].Filename)
	assert.Error(t, results[1].Err)
	assert.Zero(t, results[1].VolumeMM3)
	assert.Equal(t, "case_10_seg.nii.gz", results[2].Filename)
}

func TestDirectoryRecordsCorruptHeader(t *testing.T) {
	dir := t.TempDir()
	writeMask(t, filepath.Join(dir, "case_1_seg.nii.gz"), 4, 1, [3]float64{1, 1, 1})

	// a label map whose header claims far more voxels than could exist
	plain := filepath.Join(t.TempDir(), "plain.nii")
	writeMask(t, plain, 4, 1, [3]float64{1, 1, 1})
	raw, err := os.ReadFile(plain)
	require.NoError(t, err)
	// dim[0] sits at byte 40 of the header, dim[1..4] follow it
	binary.LittleEndian.PutUint16(raw[40:], 4)
	for i := 1; i <= 4; i++ {
		binary.LittleEndian.PutUint16(raw[40+2*i:], 32767)
	}
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write(raw[:400])
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(filepath.Join(dir, "case_2_seg.nii.gz"), buf.Bytes(), 0644))

	results, err := Directory(context.Background(), dir, Options{NumCores: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.InDelta(t, 4, results[0].VolumeMM3, 1e-9)
	assert.Equal(t, "case_2_seg.nii.gz", results[1].Filename)
	assert.Error(t, results[1].Err)
	assert.Zero(t, results[1].VolumeMM3)
}

func TestDirectoryMissing(t *testing.T) {
	_, err := Directory(context.Background(), filepath.Join(t.TempDir(), "nope"), Options{})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestReport(t *testing.T) {
	dir := t.TempDir()
	out := t.TempDir()
	writeMask(t, filepath.Join(dir, "a_seg.nii.gz"), 4, 1, [3]float64{1, 1, 0.5})

	results, path, err := Report(context.Background(), dir, out, "txt", Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, filepath.Join(out, report.VolumeTextName), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "Filename\tVolume (mm^3)\na_seg.nii.gz\t2.00\n", string(data))
}
