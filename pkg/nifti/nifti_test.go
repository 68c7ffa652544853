package nifti

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwayseg/internal/models"
)

func sampleVolume() *models.Volume {
	vol := models.NewVolume(4, 3, 2, [3]float64{0.5, 0.75, 1.25})
	for i := range vol.Data {
		vol.Data[i] = float64(i%7) - 2
	}
	vol.Datatype = DTInt16
	vol.Description = "test volume"
	return vol
}

func TestWriteReadRoundTrip(t *testing.T) {
	for _, name := range []string{"vol.nii", "vol.nii.gz"} {
		t.Run(name, func(t *testing.T) {
			vol := sampleVolume()
			path := filepath.Join(t.TempDir(), name)
			require.NoError(t, Write(path, vol))

			got, err := Read(path)
			require.NoError(t, err)
			assert.Equal(t, [4]int{4, 3, 2, 1}, got.Dims)
			assert.Equal(t, vol.Data, got.Data)
			assert.Equal(t, DTInt16, got.Datatype)
			assert.Equal(t, "test volume", got.Description)
			for i := 0; i < 3; i++ {
				assert.InDelta(t, vol.Spacing[i], got.Spacing[i], 1e-6)
			}
		})
	}
}

func TestGzipDetectedByContent(t *testing.T) {
	dir := t.TempDir()
	gzPath := filepath.Join(dir, "a.nii.gz")
	require.NoError(t, Write(gzPath, sampleVolume()))

	raw, err := os.ReadFile(gzPath)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x1f, 0x8b}, raw[:2])

	// a compressed file with the wrong extension still reads
	renamed := filepath.Join(dir, "b.nii")
	require.NoError(t, os.WriteFile(renamed, raw, 0644))
	h, err := ReadHeader(renamed)
	require.NoError(t, err)
	assert.Equal(t, [4]int{4, 3, 2, 1}, h.Dims())
}

func TestAffinePreserved(t *testing.T) {
	vol := sampleVolume()
	vol.Datatype = DTFloat32
	// LPS-style flip of x and y with an offset
	vol.Affine = [4][4]float64{
		{-0.5, 0, 0, 10},
		{0, -0.75, 0, -20},
		{0, 0, 1.25, 30},
		{0, 0, 0, 1},
	}
	path := filepath.Join(t.TempDir(), "affine.nii.gz")
	require.NoError(t, Write(path, vol))

	h, err := ReadHeader(path)
	require.NoError(t, err)

	for name, got := range map[string][4][4]float64{
		"sform": h.Affine(),
		"qform": h.QformAffine(),
	} {
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				assert.InDelta(t, vol.Affine[i][j], got[i][j], 1e-5, "%s[%d][%d]", name, i, j)
			}
		}
	}
}

func TestMirroredAffineQform(t *testing.T) {
	affine := [4][4]float64{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, -2, 5},
		{0, 0, 0, 1},
	}
	h := &Header{}
	h.Dim[0] = 3
	h.SetAffine(affine)
	assert.Equal(t, float32(-1), h.Pixdim[0])

	got := h.QformAffine()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			assert.InDelta(t, affine[i][j], got[i][j], 1e-6)
		}
	}
	assert.Less(t, Determinant3(affine), 0.0)
}

func TestScalingApplied(t *testing.T) {
	vol := sampleVolume()
	path := filepath.Join(t.TempDir(), "scaled.nii")
	require.NoError(t, Write(path, vol))

	// patch scl_slope (offset 112) and scl_inter (offset 116)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(raw[112:116], []byte{0, 0, 0, 0x40}) // 2.0
	copy(raw[116:120], []byte{0, 0, 0x80, 0x3f}) // 1.0
	require.NoError(t, os.WriteFile(path, raw, 0644))

	got, err := Read(path)
	require.NoError(t, err)
	for i, v := range vol.Data {
		assert.Equal(t, v*2+1, got.Data[i])
	}
}

func TestReadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.nii")
	require.NoError(t, os.WriteFile(path, make([]byte, 400), 0644))
	_, err := Read(path)
	assert.Error(t, err)

	_, err = Read(filepath.Join(t.TempDir(), "missing.nii"))
	assert.Error(t, err)
}

// writeRawHeader stores a gzip file holding only h and the extension flag.
func writeRawHeader(t *testing.T, path string, h *Header) {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	require.NoError(t, binary.Write(gz, binary.LittleEndian, h))
	_, err := gz.Write([]byte{0, 0, 0, 0})
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func TestReadRejectsOversizedDims(t *testing.T) {
	vol := sampleVolume()
	h := newHeader(vol, DTInt16, 2)
	h.Dim = [8]int16{4, 32767, 32767, 32767, 32767, 1, 1, 1}
	path := filepath.Join(t.TempDir(), "huge_seg.nii.gz")
	writeRawHeader(t, path, h)

	assert.NotPanics(t, func() {
		_, err := Read(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exceed")
	})

	// zero and negative sizes are rejected too
	h.Dim = [8]int16{3, 4, 0, 2, 1, 1, 1, 1}
	writeRawHeader(t, path, h)
	_, err := Read(path)
	assert.Error(t, err)

	h.Dim = [8]int16{3, 4, -3, 2, 1, 1, 1, 1}
	writeRawHeader(t, path, h)
	_, err = Read(path)
	assert.Error(t, err)
}

func TestReadRejectsTruncatedData(t *testing.T) {
	vol := sampleVolume()
	h := newHeader(vol, DTInt16, 2)
	// plausible dims but no voxel data after the header
	h.Dim = [8]int16{3, 512, 512, 400, 1, 1, 1, 1}
	path := filepath.Join(t.TempDir(), "short_seg.nii.gz")
	writeRawHeader(t, path, h)

	_, err := Read(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading voxel data")
}

func TestWriteRejectsMismatchedDims(t *testing.T) {
	vol := sampleVolume()
	vol.Data = vol.Data[:5]
	assert.Error(t, Write(filepath.Join(t.TempDir(), "bad.nii"), vol))
}

func TestInverse(t *testing.T) {
	a := [4][4]float64{{2, 0, 0, 1}, {0, 4, 0, 2}, {0, 0, 8, 3}, {0, 0, 0, 1}}
	inv, err := Inverse(a)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, inv[0][0], 1e-12)
	assert.InDelta(t, -0.5, inv[0][3], 1e-12)
	assert.InDelta(t, -0.375, inv[2][3], 1e-12)
}
