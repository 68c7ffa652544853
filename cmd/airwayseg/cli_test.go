package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"airwayseg/internal/ledger"
	"airwayseg/internal/models"
	"airwayseg/pkg/config"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/predict"
	"airwayseg/pkg/report"
)

type testEnv struct {
	state     *appState
	out       *bytes.Buffer
	config    string
	ledgerDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Processing.NumCores = 2
	cfg.Processing.Seed = 7
	cfg.Logging.Level = "error"
	cfg.Ledger.Dir = filepath.Join(dir, "ledger")
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, config.SaveConfig(cfg, path))

	out := &bytes.Buffer{}
	return &testEnv{
		state:     &appState{out: out},
		out:       out,
		config:    path,
		ledgerDir: cfg.Ledger.Dir,
	}
}

func (e *testEnv) run(args ...string) error {
	e.out.Reset()
	app := newCLIApp(e.state)
	app.Writer = e.out
	return app.RunContext(context.Background(), append([]string{"airwayseg", "--config", e.config}, args...))
}

// writeMask writes a 10x10x10 label map with a 2x2x2 block of label 1 and
// 0.5 mm voxels, so the block measures 1 mm³.
func writeMask(t *testing.T, path string) {
	t.Helper()
	vol := models.NewVolume(10, 10, 10, [3]float64{0.5, 0.5, 0.5})
	vol.Datatype = nifti.DTUint8
	for z := 4; z < 6; z++ {
		for y := 4; y < 6; y++ {
			for x := 4; x < 6; x++ {
				vol.Data[vol.Index(x, y, z)] = 1
			}
		}
	}
	require.NoError(t, nifti.Write(path, vol))
}

type volumeOutput struct {
	Report  string         `json:"report"`
	Volumes []volumeLine   `json:"volumes"`
	Stats   report.Summary `json:"stats"`
}

func TestParseFileType(t *testing.T) {
	ft, err := parseFileType("dicom")
	require.NoError(t, err)
	assert.Equal(t, models.FileTypeDICOM, ft)

	ft, err = parseFileType("NIfTI")
	require.NoError(t, err)
	assert.Equal(t, models.FileTypeNIfTI, ft)

	_, err = parseFileType("png")
	assert.Error(t, err)
}

func TestVolumeCommand(t *testing.T) {
	env := newTestEnv(t)
	segs := filepath.Join(t.TempDir(), "Segs")
	writeMask(t, filepath.Join(segs, "case_1.nii.gz"))

	require.NoError(t, env.run("volume", "--input", segs, "--format", "csv"))

	var got volumeOutput
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &got))
	require.Len(t, got.Volumes, 1)
	assert.Equal(t, "case_1.nii.gz", got.Volumes[0].File)
	assert.InDelta(t, 1.0, got.Volumes[0].VolumeMM3, 1e-9)
	assert.FileExists(t, got.Report)
	assert.Equal(t, ".csv", filepath.Ext(got.Report))
	assert.Equal(t, segs+"_Processed", filepath.Dir(got.Report))
	assert.Equal(t, 1, got.Stats.Count)
	assert.InDelta(t, 1.0, got.Stats.Mean, 1e-9)

	err := env.run("volume", "--input", segs, "--format", "xlsx")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INVALID_INPUT]")
}

func TestSTLCommand(t *testing.T) {
	env := newTestEnv(t)
	segs := filepath.Join(t.TempDir(), "Segs")
	writeMask(t, filepath.Join(segs, "case_1.nii.gz"))
	out := filepath.Join(t.TempDir(), "meshes")

	require.NoError(t, env.run("stl", "--input", segs, "--output", out, "--no-smooth"))

	var got struct {
		STLFiles []string `json:"stl_files"`
		Failed   []string `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &got))
	require.Len(t, got.STLFiles, 1)
	assert.Empty(t, got.Failed)
	assert.Equal(t, out, filepath.Dir(got.STLFiles[0]))
	assert.FileExists(t, got.STLFiles[0])
}

func TestRenameNiftiCommand(t *testing.T) {
	env := newTestEnv(t)
	input := filepath.Join(t.TempDir(), "Scans")
	writeMask(t, filepath.Join(input, "a.nii.gz"))
	writeMask(t, filepath.Join(input, "nested", "b.nii.gz"))

	err := env.run("rename-nifti", "--input", input)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[INVALID_INPUT]")
	assert.Equal(t, 1, exitCode(err))

	out := filepath.Join(t.TempDir(), "renamed")
	require.NoError(t, env.run("rename-nifti", "--input", input, "--output", out, "--nickname", "Case", "--start", "5"))

	var got struct {
		Log     string               `json:"log"`
		Renamed []models.RenameEntry `json:"renamed"`
	}
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &got))
	require.Len(t, got.Renamed, 2)
	assert.FileExists(t, got.Log)
	assert.FileExists(t, filepath.Join(out, "Case_5.nii.gz"))
	assert.FileExists(t, filepath.Join(out, "Case_6.nii.gz"))
}

func TestConfigInit(t *testing.T) {
	env := newTestEnv(t)
	path := filepath.Join(t.TempDir(), "airwayseg.yaml")

	require.NoError(t, env.run("config", "init", "--path", path))
	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Predictor.Command, cfg.Predictor.Command)

	err = env.run("config", "init", "--path", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	require.NoError(t, env.run("config", "init", "--path", path, "--force"))
}

func TestRunRequiresStep(t *testing.T) {
	env := newTestEnv(t)
	err := env.run("run", "--input", t.TempDir(), "--type", "NIfTI")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no step selected")
}

func TestRunRecordsHistory(t *testing.T) {
	env := newTestEnv(t)
	input := filepath.Join(t.TempDir(), "Segs")
	writeMask(t, filepath.Join(input, "case_1.nii.gz"))

	require.NoError(t, env.run("run", "--input", input, "--type", "NIfTI", "--volume"))
	var summary runSummary
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &summary))
	assert.Equal(t, input+"_Processed", summary.OutputRoot)
	require.Len(t, summary.Volumes, 1)
	assert.Empty(t, summary.Error)

	require.NoError(t, env.run("history"))
	table := env.out.String()
	assert.Contains(t, table, ledger.StatusSucceeded)
	assert.Contains(t, table, input)

	l, err := ledger.Open(env.ledgerDir)
	require.NoError(t, err)
	runs, err := l.RecentRuns(context.Background(), 1)
	require.NoError(t, err)
	require.NoError(t, l.Close())
	require.Len(t, runs, 1)

	require.NoError(t, env.run("history", runs[0].ID))
	var detail struct {
		Run     string       `json:"run"`
		Volumes []volumeLine `json:"volumes"`
	}
	require.NoError(t, json.Unmarshal(env.out.Bytes(), &detail))
	assert.Equal(t, runs[0].ID, detail.Run)
	require.Len(t, detail.Volumes, 1)
	assert.InDelta(t, 1.0, detail.Volumes[0].VolumeMM3, 1e-9)
}

// failingRunner stands in for a predictor that exits with an error.
type failingRunner struct{}

func (failingRunner) Run(ctx context.Context, name string, args, env []string) ([]byte, []byte, error) {
	return nil, []byte("CUDA out of memory"), errors.New("exit status 1")
}

func TestPredictFailureExitCode(t *testing.T) {
	env := newTestEnv(t)
	env.state.predictor = predict.New(predict.Options{Command: "fake_predict"}, zerolog.Nop()).WithRunner(failingRunner{})
	input := filepath.Join(t.TempDir(), "Images")
	writeMask(t, filepath.Join(input, "case_1.nii.gz"))

	err := env.run("predict", "--input", input)
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
	assert.True(t, strings.HasPrefix(err.Error(), "[PREDICTION]"))

	// inputs carry the channel suffix expected by the predictor
	_, statErr := os.Stat(filepath.Join(input, "case_1_0000.nii.gz"))
	assert.NoError(t, statErr)
}
