// Package pipeline chains the processing steps of a run: anonymize and
// rename, DICOM to NIfTI conversion, airway segmentation, volume
// calculation, STL export and QC previews.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/logging"
	"airwayseg/internal/models"
	"airwayseg/pkg/config"
	"airwayseg/pkg/dicomio"
	"airwayseg/pkg/measure"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/predict"
	"airwayseg/pkg/stl"
	"airwayseg/pkg/visualization"
)

// Step names reported to the progress callback
const (
	StepValidate = "validate"
	StepRename   = "rename"
	StepConvert  = "convert"
	StepPredict  = "predict"
	StepVolume   = "volume"
	StepSTL      = "stl"
	StepPreview  = "preview"
	StepDone     = "done"
)

// Event is one progress notification.
type Event struct {
	Step    string
	Message string
}

// Params holds the run configuration chosen by the user.
type Params struct {
	// Input is the folder the user starts from. It holds patient folders of
	// DICOM files, or NIfTI files, depending on FileType.
	Input string

	// FileType is the format of the files in Input
	FileType models.FileType

	// Rename anonymizes DICOM headers and replaces case names with aliases
	// "{Nickname}_{index}", index counted from Start in shuffled order.
	Rename   bool
	Nickname string
	Start    int

	// Convert turns DICOM series into NIfTI files
	Convert bool

	// Predict runs the segmentation tool. DICOM input is converted first
	// when Convert is off.
	Predict bool

	// Volume writes the segmented volume report
	Volume bool

	// STL exports a surface mesh per segmentation
	STL bool

	// Previews saves mid-slice QC images
	Previews bool

	// Config supplies predictor, mesh, volume and output settings.
	// Nil uses config.DefaultConfig().
	Config *config.Config

	// Predictor overrides the predictor built from Config
	Predictor *predict.Predictor

	// Progress, when set, is called as each step starts
	Progress func(Event)

	Logger zerolog.Logger
}

// Result lists what a run produced.
type Result struct {
	OutputRoot string

	// Folders are the product folders created, in step order
	Folders []string

	Renames   []models.RenameEntry
	RenameLog string

	Conversions []dicomio.Conversion

	Volumes      []models.VolumeResult
	VolumeReport string

	STLFiles []string
	Previews []string
}

// Pipeline runs one set of Params.
type Pipeline struct {
	params *Params
	cfg    *config.Config
	logger zerolog.Logger
}

// New creates a pipeline for params.
func New(params *Params) *Pipeline {
	cfg := params.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Pipeline{
		params: params,
		cfg:    cfg,
		logger: logging.Component(params.Logger, "pipeline"),
	}
}

// NewPredictor builds the predictor described by cfg. The child environment
// is the process environment plus the nnU-Net folders from the env file
// and cfg, without overriding variables that are already set.
func NewPredictor(cfg *config.Config, logger zerolog.Logger) (*predict.Predictor, error) {
	dotenv, err := config.LoadEnvFile(cfg.Predictor.EnvFile)
	if err != nil {
		return nil, err
	}
	paths := predict.ResolvePaths(cfg.Predictor.BaseDir, predict.Paths{
		Raw:          cfg.Predictor.RawDir,
		Results:      cfg.Predictor.ResultsDir,
		Preprocessed: cfg.Predictor.PreprocessedDir,
	})
	return predict.New(predict.Options{
		Command:       cfg.Predictor.Command,
		Dataset:       cfg.Predictor.Dataset,
		Configuration: cfg.Predictor.Configuration,
		Folds:         cfg.Predictor.Folds,
		ExtraArgs:     cfg.Predictor.ExtraArgs,
		Env:           predict.ProcessEnv(dotenv, paths),
	}, logging.Component(logger, "predict")), nil
}

// MeshOptions converts the mesh section of cfg.
func MeshOptions(cfg *config.Config) stl.Options {
	return stl.Options{
		Label:               cfg.Mesh.Label,
		Decimate:            cfg.Mesh.Decimate,
		CoplanarEpsilon:     cfg.Mesh.CoplanarEpsilon,
		SmoothingIterations: cfg.Mesh.SmoothingIterations,
		Relaxation:          cfg.Mesh.Relaxation,
		FlipXY:              cfg.Mesh.FlipXY,
	}
}

// AnonymizeFields converts the anonymize section of cfg.
func AnonymizeFields(cfg *config.Config) []dicomio.Field {
	fields := make([]dicomio.Field, len(cfg.Anonymize.Fields))
	for i, f := range cfg.Anonymize.Fields {
		fields[i] = dicomio.Field{Keyword: f.Keyword, Value: f.Value}
	}
	return fields
}

func (p *Pipeline) progress(step, msg string) {
	p.logger.Info().Str("step", step).Msg(msg)
	if p.params.Progress != nil {
		p.params.Progress(Event{Step: step, Message: msg})
	}
}

func (p *Pipeline) mkdir(res *Result, name string) (string, error) {
	dir := filepath.Join(res.OutputRoot, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.NewIO(name, err)
	}
	res.Folders = append(res.Folders, dir)
	return dir, nil
}

// Process runs the enabled steps in order. Each step reads the folder the
// previous one produced. The returned Result describes whatever was
// produced, also when an error stops the run.
func (p *Pipeline) Process(ctx context.Context) (*Result, error) {
	params := p.params
	res := &Result{}

	// Step 1: validate input
	p.progress(StepValidate, "Checking input folder")
	info, err := os.Stat(params.Input)
	if err != nil || !info.IsDir() {
		return res, apperrors.NewInvalidInput(fmt.Sprintf("invalid input folder: %s", params.Input))
	}
	switch params.FileType {
	case models.FileTypeDICOM, models.FileTypeNIfTI:
	default:
		return res, apperrors.NewInvalidInput(fmt.Sprintf("unknown file type %q (must be DICOM or NIfTI)", params.FileType))
	}
	input, err := filepath.Abs(params.Input)
	if err != nil {
		return res, apperrors.NewInvalidInput(err.Error())
	}

	// Step 2: output root
	res.OutputRoot = naming.OutputRoot(input, p.cfg.Output.Suffix)
	if err := os.MkdirAll(res.OutputRoot, 0755); err != nil {
		return res, apperrors.NewIO("output", err)
	}
	p.logger.Info().Str("input", input).Str("output", res.OutputRoot).Msg("Starting run")

	// Step 3: anonymize and rename
	renamed := false
	if params.Rename {
		if input, err = p.rename(input, res); err != nil {
			return res, err
		}
		renamed = true
	}

	// Step 4: convert
	converted := false
	if params.Convert && params.FileType == models.FileTypeDICOM {
		if input, err = p.convert(ctx, input, renamed, res); err != nil {
			return res, err
		}
		converted = true
	} else if params.Convert {
		p.logger.Warn().Msg("Input is already NIfTI, skipping conversion")
	}

	// Step 5: predict, or Step 6: measure and mesh the input directly
	if params.Predict {
		if params.FileType == models.FileTypeDICOM && !converted {
			p.logger.Info().Msg("Converting DICOM to NIfTI before prediction")
			if input, err = p.convert(ctx, input, renamed, res); err != nil {
				return res, err
			}
		}
		segDir, err := p.predict(ctx, input, res)
		if params.Previews {
			p.previews(ctx, input, segDir, res)
		}
		if err != nil {
			return res, err
		}
	} else {
		if params.Volume {
			if err := p.volume(ctx, input, res); err != nil {
				return res, err
			}
		}
		if params.STL {
			if err := p.stl(ctx, input, res); err != nil {
				return res, err
			}
		}
		if params.Previews {
			if params.FileType == models.FileTypeDICOM && !converted {
				p.logger.Warn().Msg("Previews need NIfTI input, skipping")
			} else {
				p.previews(ctx, input, "", res)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}
	p.progress(StepDone, "Processing finished")
	return res, nil
}

func (p *Pipeline) rename(input string, res *Result) (string, error) {
	params := p.params
	p.progress(StepRename, "Anonymizing and renaming")
	dst, err := p.mkdir(res, naming.RenamedDir)
	if err != nil {
		return input, err
	}
	rng := naming.NewRand(p.cfg.Processing.Seed)
	logger := logging.Component(params.Logger, "rename")

	if params.FileType == models.FileTypeNIfTI {
		r, err := RenameNifti(input, dst, RenameOptions{
			Nickname: params.Nickname,
			Start:    params.Start,
			Rand:     rng,
			Logger:   logger,
		})
		if err != nil {
			return input, err
		}
		res.Renames = append(res.Renames, r.Entries...)
		res.RenameLog = r.LogPath
		return dst, nil
	}

	r, err := dicomio.AnonymizeTree(input, dst, dicomio.AnonymizeOptions{
		Nickname: params.Nickname,
		Start:    params.Start,
		Fields:   AnonymizeFields(p.cfg),
		Rand:     rng,
		Logger:   logger,
	})
	if err != nil {
		return input, err
	}
	res.Renames = append(res.Renames, r.Entries...)
	res.RenameLog = r.LogPath
	return dst, nil
}

func (p *Pipeline) convert(ctx context.Context, input string, renamed bool, res *Result) (string, error) {
	p.progress(StepConvert, "Converting DICOM to NIfTI")
	dst, err := p.mkdir(res, naming.NiftiDir)
	if err != nil {
		return input, err
	}
	r, err := dicomio.ConvertTree(ctx, input, dst, dicomio.ConvertOptions{
		Renamed: renamed,
		Logger:  logging.Component(p.params.Logger, "convert"),
	})
	if r != nil {
		res.Conversions = append(res.Conversions, r.Converted...)
	}
	if err != nil {
		return input, err
	}
	return dst, nil
}

// predict segments input into Segmentations. Renaming the outputs, volume
// calculation and STL export run even when the predictor fails, so partial
// results are kept; the predictor error is returned afterwards.
func (p *Pipeline) predict(ctx context.Context, input string, res *Result) (string, error) {
	p.progress(StepPredict, "Running airway segmentation")
	segDir, err := p.mkdir(res, naming.SegmentationDir)
	if err != nil {
		return "", err
	}
	predictor := p.params.Predictor
	if predictor == nil {
		if predictor, err = NewPredictor(p.cfg, p.params.Logger); err != nil {
			return segDir, apperrors.NewPrediction(err)
		}
	}

	var runErr error
	logger := logging.Component(p.params.Logger, "predict")
	if _, err := predict.SuffixInputs(input, logger); err != nil {
		runErr = apperrors.NewIO(StepPredict, err)
	} else if err := predictor.Run(ctx, input, segDir); err != nil {
		runErr = apperrors.NewPrediction(err)
	}

	if _, err := predict.RenameOutputs(segDir, logger); err != nil {
		p.logger.Error().Err(err).Msg("Error renaming segmentations")
	}
	if _, err := predict.RemoveInternal(segDir, logger); err != nil {
		p.logger.Error().Err(err).Msg("Error removing predictor files")
	}

	// post-processing must not be cancelled with the predictor
	post := context.WithoutCancel(ctx)
	if err := p.volume(post, segDir, res); err != nil && !quiet(err) {
		p.logger.Error().Err(err).Msg("Error calculating volumes")
	}
	if p.params.STL {
		if err := p.stl(post, segDir, res); err != nil && !quiet(err) {
			p.logger.Error().Err(err).Msg("Error exporting STL")
		}
	}
	return segDir, runErr
}

// quiet reports errors that only mean the predictor produced nothing
func quiet(err error) bool {
	return apperrors.Is(err, apperrors.ErrNoNifti)
}

func (p *Pipeline) volume(ctx context.Context, dir string, res *Result) error {
	p.progress(StepVolume, "Calculating airway volumes")
	results, path, err := measure.Report(ctx, dir, res.OutputRoot, p.cfg.Volume.Format, measure.Options{
		Label:    p.cfg.Volume.Label,
		NumCores: p.cfg.Processing.NumCores,
		Logger:   logging.Component(p.params.Logger, "volume"),
	})
	res.Volumes = append(res.Volumes, results...)
	if path != "" {
		res.VolumeReport = path
	}
	if err == nil && len(results) == 0 {
		p.logger.Warn().Str("folder", dir).Msg("No .nii.gz files to measure")
	}
	return err
}

func (p *Pipeline) stl(ctx context.Context, dir string, res *Result) error {
	p.progress(StepSTL, "Exporting STL meshes")
	out, err := p.mkdir(res, naming.STLDir)
	if err != nil {
		return err
	}
	exports, err := stl.ConvertDirectory(ctx, dir, out, MeshOptions(p.cfg), p.cfg.Processing.NumCores,
		logging.Component(p.params.Logger, "stl"))
	for _, e := range exports {
		if e.Err == nil {
			res.STLFiles = append(res.STLFiles, e.Output)
		}
	}
	return err
}

// previews never fail the run; problems are logged
func (p *Pipeline) previews(ctx context.Context, imageDir, maskDir string, res *Result) {
	p.progress(StepPreview, "Saving QC previews")
	out, err := p.mkdir(res, naming.PreviewDir)
	if err != nil {
		p.logger.Error().Err(err).Msg("Error creating preview folder")
		return
	}
	previews, err := visualization.SavePreviews(context.WithoutCancel(ctx), imageDir, maskDir, out, visualization.Options{
		Label:    p.cfg.Volume.Label,
		NumCores: p.cfg.Processing.NumCores,
		Logger:   logging.Component(p.params.Logger, "preview"),
	})
	if err != nil {
		p.logger.Error().Err(err).Msg("Error saving previews")
	}
	for _, pv := range previews {
		res.Previews = append(res.Previews, pv.Outputs...)
	}
}

// IsPredictionFailure reports whether err came from the segmentation tool.
func IsPredictionFailure(err error) bool {
	var exitErr *predict.ExitError
	return apperrors.Is(err, apperrors.ErrPrediction) || errors.As(err, &exitErr)
}
