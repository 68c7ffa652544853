package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/ledger"
	"airwayseg/internal/logging"
	"airwayseg/internal/models"
	"airwayseg/pkg/config"
	"airwayseg/pkg/dicomio"
	"airwayseg/pkg/measure"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/nifti"
	"airwayseg/pkg/pipeline"
	"airwayseg/pkg/predict"
	"airwayseg/pkg/report"
	"airwayseg/pkg/stl"
	"airwayseg/pkg/visualization"
	"airwayseg/pkg/watch"
)

// appState is filled by the Before hook and shared by all commands.
type appState struct {
	cfg    *config.Config
	logger zerolog.Logger
	out    io.Writer

	// predictor replaces the configured predictor in tests
	predictor *predict.Predictor
}

// newCLIApp creates the CLI application with all commands.
func newCLIApp(state *appState) *cli.App {
	app := &cli.App{
		Name:    "airwayseg",
		Usage:   "Airway segmentation workflow for CT/CBCT scans",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Value: "config.yaml", Usage: "Configuration file", EnvVars: []string{"AIRWAYSEG_CONFIG"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides the config)"},
			&cli.BoolFlag{Name: "json-logs", Usage: "Log as JSON lines"},
		},
		Before: func(c *cli.Context) error {
			cfg, err := config.LoadConfig(c.String("config"))
			if err != nil {
				return outputError(apperrors.NewInvalidInput(err.Error()))
			}
			state.cfg = cfg
			level := cfg.Logging.Level
			if c.IsSet("log-level") {
				level = c.String("log-level")
			}
			state.logger = logging.New(logging.Options{
				Level: level,
				JSON:  cfg.Logging.JSON || c.Bool("json-logs"),
			})
			if state.out == nil {
				state.out = os.Stdout
			}
			return nil
		},
		Commands: []*cli.Command{
			runCmd(state),
			anonymizeCmd(state),
			renameNiftiCmd(state),
			convertCmd(state),
			predictCmd(state),
			volumeCmd(state),
			stlCmd(state),
			previewCmd(state),
			watchCmd(state),
			historyCmd(state),
			configCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

func inputFlag() cli.Flag {
	return &cli.StringFlag{Name: "input", Aliases: []string{"i"}, Required: true, Usage: "Input folder"}
}

func outputFlag(usage string) cli.Flag {
	return &cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: usage}
}

func fileTypeFlag() cli.Flag {
	return &cli.StringFlag{Name: "type", Aliases: []string{"t"}, Value: string(models.FileTypeDICOM), Usage: "Input file type: DICOM or NIfTI"}
}

func renameFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "nickname", Aliases: []string{"n"}, Usage: "Alias prefix for renamed cases"},
		&cli.IntFlag{Name: "start", Value: 1, Usage: "First alias index"},
	}
}

func stepFlags() []cli.Flag {
	return []cli.Flag{
		&cli.BoolFlag{Name: "rename", Usage: "Anonymize and rename cases"},
		&cli.BoolFlag{Name: "convert", Usage: "Convert DICOM to NIfTI"},
		&cli.BoolFlag{Name: "predict", Usage: "Run airway segmentation"},
		&cli.BoolFlag{Name: "volume", Usage: "Calculate segmented volumes"},
		&cli.BoolFlag{Name: "stl", Usage: "Export STL meshes"},
		&cli.BoolFlag{Name: "previews", Usage: "Save QC previews"},
		&cli.BoolFlag{Name: "all", Usage: "Enable every step"},
	}
}

// paramsFromFlags builds pipeline params for input from the step flags.
func paramsFromFlags(c *cli.Context, state *appState, input string) (*pipeline.Params, error) {
	fileType, err := parseFileType(c.String("type"))
	if err != nil {
		return nil, err
	}
	all := c.Bool("all")
	params := &pipeline.Params{
		Input:     input,
		FileType:  fileType,
		Rename:    all || c.Bool("rename"),
		Nickname:  c.String("nickname"),
		Start:     c.Int("start"),
		Convert:   (all && fileType == models.FileTypeDICOM) || c.Bool("convert"),
		Predict:   all || c.Bool("predict"),
		Volume:    all || c.Bool("volume"),
		STL:       all || c.Bool("stl"),
		Previews:  all || c.Bool("previews") || state.cfg.Output.Previews,
		Config:    state.cfg,
		Predictor: state.predictor,
		Logger:    state.logger,
	}
	if params.Rename && params.Nickname == "" {
		return nil, apperrors.NewInvalidInput("--nickname is required with --rename")
	}
	if !params.Rename && !params.Convert && !params.Predict && !params.Volume && !params.STL && !params.Previews {
		return nil, apperrors.NewInvalidInput("no step selected")
	}
	return params, nil
}

func parseFileType(s string) (models.FileType, error) {
	switch strings.ToLower(s) {
	case "dicom":
		return models.FileTypeDICOM, nil
	case "nifti":
		return models.FileTypeNIfTI, nil
	}
	return "", apperrors.NewInvalidInput(fmt.Sprintf("unknown file type %q (must be DICOM or NIfTI)", s))
}

// openRecorder opens the ledger when enabled. The returned close function
// is never nil.
func openRecorder(state *appState) (pipeline.Recorder, func()) {
	if !state.cfg.Ledger.Enabled {
		return nil, func() {}
	}
	dir, err := state.cfg.LedgerDir()
	if err != nil {
		state.logger.Warn().Err(err).Msg("Ledger disabled")
		return nil, func() {}
	}
	l, err := ledger.Open(dir)
	if err != nil {
		state.logger.Warn().Err(err).Msg("Ledger disabled")
		return nil, func() {}
	}
	return l, func() { l.Close() }
}

// runSummary is printed after a pipeline run.
type runSummary struct {
	OutputRoot   string              `json:"output_root"`
	Folders      []string            `json:"folders,omitempty"`
	Renamed      int                 `json:"renamed"`
	Converted    int                 `json:"converted"`
	Volumes      []volumeLine        `json:"volumes,omitempty"`
	VolumeReport string              `json:"volume_report,omitempty"`
	VolumeStats  *report.Summary     `json:"volume_stats,omitempty"`
	STLFiles     []string            `json:"stl_files,omitempty"`
	Previews     int                 `json:"previews"`
	Error        string              `json:"error,omitempty"`
	Code         apperrors.ErrorCode `json:"code,omitempty"`
}

type volumeLine struct {
	File      string  `json:"file"`
	VolumeMM3 float64 `json:"volume_mm3"`
	Error     string  `json:"error,omitempty"`
}

func summarize(res *pipeline.Result, err error) runSummary {
	s := runSummary{
		OutputRoot:   res.OutputRoot,
		Folders:      res.Folders,
		Renamed:      len(res.Renames),
		Converted:    len(res.Conversions),
		VolumeReport: res.VolumeReport,
		STLFiles:     res.STLFiles,
		Previews:     len(res.Previews),
	}
	s.Volumes = volumeLines(res.Volumes)
	if len(res.Volumes) > 0 {
		stats := report.Summarize(res.Volumes)
		s.VolumeStats = &stats
	}
	if err != nil {
		s.Error = err.Error()
		s.Code = apperrors.CodeOf(err)
	}
	return s
}

func volumeLines(results []models.VolumeResult) []volumeLine {
	lines := make([]volumeLine, 0, len(results))
	for _, v := range results {
		l := volumeLine{File: v.Filename, VolumeMM3: v.VolumeMM3}
		if v.Err != nil {
			l.Error = v.Err.Error()
		}
		lines = append(lines, l)
	}
	return lines
}

// runCmd creates the run command.
func runCmd(state *appState) *cli.Command {
	flags := []cli.Flag{inputFlag(), fileTypeFlag()}
	flags = append(flags, renameFlags()...)
	flags = append(flags, stepFlags()...)
	return &cli.Command{
		Name:  "run",
		Usage: "Run the selected processing steps on a folder",
		Flags: flags,
		Action: func(c *cli.Context) error {
			params, err := paramsFromFlags(c, state, c.String("input"))
			if err != nil {
				return outputError(err)
			}
			rec, closeRec := openRecorder(state)
			defer closeRec()

			start := time.Now()
			res, runErr := pipeline.Run(c.Context, params, rec)
			state.logger.Info().Dur("elapsed", time.Since(start)).Msg("Run finished")
			if err := outputJSON(state.out, summarize(res, runErr)); err != nil {
				return err
			}
			if runErr != nil {
				return outputError(runErr)
			}
			return nil
		},
	}
}

// defaultOutput returns --output, or dir under the output root of input.
func defaultOutput(c *cli.Context, state *appState, dir string) string {
	if out := c.String("output"); out != "" {
		return out
	}
	return filepath.Join(naming.OutputRoot(c.String("input"), state.cfg.Output.Suffix), dir)
}

func requireDir(path string) error {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return apperrors.NewInvalidInput(fmt.Sprintf("invalid input folder: %s", path))
	}
	return nil
}

// anonymizeCmd creates the anonymize command.
func anonymizeCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "anonymize",
		Usage: "Anonymize DICOM case folders and rename them to aliases",
		Flags: append([]cli.Flag{inputFlag(), outputFlag("Destination folder (default: <input>_Processed/Renamed_Anonymized)")}, renameFlags()...),
		Action: func(c *cli.Context) error {
			if err := requireDir(c.String("input")); err != nil {
				return outputError(err)
			}
			res, err := dicomio.AnonymizeTree(c.String("input"), defaultOutput(c, state, naming.RenamedDir), dicomio.AnonymizeOptions{
				Nickname: c.String("nickname"),
				Start:    c.Int("start"),
				Fields:   pipeline.AnonymizeFields(state.cfg),
				Rand:     naming.NewRand(state.cfg.Processing.Seed),
				Logger:   logging.Component(state.logger, "rename"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(state.out, map[string]any{
				"log":      res.LogPath,
				"renamed":  res.Entries,
				"files":    res.Files,
				"failures": len(res.Failures),
			})
		},
	}
}

// renameNiftiCmd creates the rename-nifti command.
func renameNiftiCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "rename-nifti",
		Usage: "Copy NIfTI files under shuffled aliases",
		Flags: append([]cli.Flag{inputFlag(), outputFlag("Destination folder (default: <input>_Processed/Renamed_Anonymized)")}, renameFlags()...),
		Action: func(c *cli.Context) error {
			if err := requireDir(c.String("input")); err != nil {
				return outputError(err)
			}
			res, err := pipeline.RenameNifti(c.String("input"), defaultOutput(c, state, naming.RenamedDir), pipeline.RenameOptions{
				Nickname: c.String("nickname"),
				Start:    c.Int("start"),
				Rand:     naming.NewRand(state.cfg.Processing.Seed),
				Logger:   logging.Component(state.logger, "rename"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(state.out, map[string]any{"log": res.LogPath, "renamed": res.Entries})
		},
	}
}

// convertCmd creates the convert command.
func convertCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "convert",
		Usage: "Convert DICOM patient folders to NIfTI",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag("Destination folder (default: <input>_Processed/NIfTI_Converted)"),
			&cli.BoolFlag{Name: "renamed", Usage: "Patient folders are aliases that may already carry the time point"},
		},
		Action: func(c *cli.Context) error {
			if err := requireDir(c.String("input")); err != nil {
				return outputError(err)
			}
			res, err := dicomio.ConvertTree(c.Context, c.String("input"), defaultOutput(c, state, naming.NiftiDir), dicomio.ConvertOptions{
				Renamed: c.Bool("renamed"),
				Logger:  logging.Component(state.logger, "convert"),
			})
			if err != nil {
				return outputError(err)
			}
			files := make([]string, 0, len(res.Converted))
			for _, conv := range res.Converted {
				files = append(files, conv.Output)
			}
			return outputJSON(state.out, map[string]any{"converted": files, "skipped": res.Skipped, "failures": len(res.Failures)})
		},
	}
}

// predictCmd creates the predict command.
func predictCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "predict",
		Usage: "Segment the airway in a folder of NIfTI images",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag("Segmentation folder (default: <input>_Processed/Segmentations)"),
		},
		Action: func(c *cli.Context) error {
			in := c.String("input")
			if err := requireDir(in); err != nil {
				return outputError(err)
			}
			out := defaultOutput(c, state, naming.SegmentationDir)
			if err := os.MkdirAll(out, 0755); err != nil {
				return outputError(apperrors.NewIO("predict", err))
			}

			predictor := state.predictor
			if predictor == nil {
				var err error
				if predictor, err = pipeline.NewPredictor(state.cfg, state.logger); err != nil {
					return outputError(apperrors.NewPrediction(err))
				}
			}
			logger := logging.Component(state.logger, "predict")
			if _, err := predict.SuffixInputs(in, logger); err != nil {
				return outputError(apperrors.NewIO("predict", err))
			}
			runErr := predictor.Run(c.Context, in, out)
			renamed, err := predict.RenameOutputs(out, logger)
			if err != nil {
				logger.Error().Err(err).Msg("Error renaming segmentations")
			}
			if _, err := predict.RemoveInternal(out, logger); err != nil {
				logger.Error().Err(err).Msg("Error removing predictor files")
			}
			if runErr != nil {
				return outputError(apperrors.NewPrediction(runErr))
			}
			return outputJSON(state.out, map[string]any{"output": out, "segmentations": renamed})
		},
	}
}

// volumeCmd creates the volume command.
func volumeCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "volume",
		Usage: "Calculate segmented airway volumes",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag("Folder receiving the report (default: <input>_Processed)"),
			&cli.StringFlag{Name: "format", Usage: "Report format: txt or csv (default from config)"},
			&cli.IntFlag{Name: "label", Usage: "Label to count (default from config)"},
		},
		Action: func(c *cli.Context) error {
			format := state.cfg.Volume.Format
			if c.IsSet("format") {
				format = c.String("format")
			}
			if format != "txt" && format != "csv" {
				return outputError(apperrors.NewInvalidInput(fmt.Sprintf("invalid format %q (must be txt or csv)", format)))
			}
			label := state.cfg.Volume.Label
			if c.IsSet("label") {
				label = c.Int("label")
			}
			outDir := c.String("output")
			if outDir == "" {
				outDir = naming.OutputRoot(c.String("input"), state.cfg.Output.Suffix)
			}
			if err := os.MkdirAll(outDir, 0755); err != nil {
				return outputError(apperrors.NewIO("volume", err))
			}

			results, path, err := measure.Report(c.Context, c.String("input"), outDir, format, measure.Options{
				Label:    label,
				NumCores: state.cfg.Processing.NumCores,
				Logger:   logging.Component(state.logger, "volume"),
			})
			if err != nil {
				return outputError(err)
			}
			return outputJSON(state.out, map[string]any{
				"report":  path,
				"volumes": volumeLines(results),
				"stats":   report.Summarize(results),
			})
		},
	}
}

// stlCmd creates the stl command.
func stlCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "stl",
		Usage: "Export STL meshes from NIfTI label maps",
		Flags: []cli.Flag{
			inputFlag(),
			outputFlag("STL folder (default: <input>_Processed/STL_Exports)"),
			&cli.IntFlag{Name: "label", Usage: "Label turned into a surface (default from config)"},
			&cli.BoolFlag{Name: "no-smooth", Usage: "Skip decimation and smoothing"},
		},
		Action: func(c *cli.Context) error {
			opts := pipeline.MeshOptions(state.cfg)
			if c.IsSet("label") {
				opts.Label = c.Int("label")
			}
			if c.Bool("no-smooth") {
				opts.Decimate = false
				opts.SmoothingIterations = 0
			}
			exports, err := stl.ConvertDirectory(c.Context, c.String("input"), defaultOutput(c, state, naming.STLDir), opts,
				state.cfg.Processing.NumCores, logging.Component(state.logger, "stl"))
			if err != nil {
				return outputError(err)
			}
			var files, failed []string
			for _, e := range exports {
				if e.Err != nil {
					failed = append(failed, filepath.Base(e.Source))
					continue
				}
				files = append(files, e.Output)
			}
			return outputJSON(state.out, map[string]any{"stl_files": files, "failed": failed})
		},
	}
}

// previewCmd creates the preview command.
func previewCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:  "preview",
		Usage: "Save QC slice previews of NIfTI images",
		Flags: []cli.Flag{
			inputFlag(),
			&cli.StringFlag{Name: "masks", Aliases: []string{"m"}, Usage: "Segmentation folder drawn over the images"},
			outputFlag("Preview folder (default: <input>_Processed/Previews)"),
			&cli.StringFlag{Name: "sequence", Usage: "Save every slice along this axis (x, y or z) instead of the mid-slice triplet"},
			&cli.StringFlag{Name: "ext", Value: ".png", Usage: "Image format: .png or .jpg"},
		},
		Action: func(c *cli.Context) error {
			out := defaultOutput(c, state, naming.PreviewDir)
			if axis := c.String("sequence"); axis != "" {
				return saveSequences(c, state, axis, out)
			}
			previews, err := visualization.SavePreviews(c.Context, c.String("input"), c.String("masks"), out, visualization.Options{
				Label:    state.cfg.Volume.Label,
				Ext:      c.String("ext"),
				NumCores: state.cfg.Processing.NumCores,
				Logger:   logging.Component(state.logger, "preview"),
			})
			if err != nil {
				return outputError(err)
			}
			var files []string
			for _, p := range previews {
				files = append(files, p.Outputs...)
			}
			return outputJSON(state.out, map[string]any{"previews": files})
		},
	}
}

// saveSequences writes every slice of every image in the input folder into
// out/{name}/.
func saveSequences(c *cli.Context, state *appState, axis, out string) error {
	entries, err := os.ReadDir(c.String("input"))
	if err != nil {
		return outputError(apperrors.NewNotFound(c.String("input")))
	}
	written := 0
	for _, e := range entries {
		if e.IsDir() || !naming.IsNifti(e.Name()) {
			continue
		}
		vol, err := nifti.Read(filepath.Join(c.String("input"), e.Name()))
		if err != nil {
			state.logger.Error().Err(err).Str("file", e.Name()).Msg("Error reading image")
			continue
		}
		files, err := visualization.NewViewer(vol).SaveSliceSequence(axis, filepath.Join(out, naming.TrimChannelSuffix(e.Name())), c.String("ext"))
		if err != nil {
			return outputError(apperrors.NewInvalidInput(err.Error()))
		}
		written += len(files)
	}
	return outputJSON(state.out, map[string]any{"output": out, "slices": written})
}

// watchCmd creates the watch command.
func watchCmd(state *appState) *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "inbox", Required: true, Usage: "Folder receiving new case folders"},
		fileTypeFlag(),
		&cli.DurationFlag{Name: "poll", Usage: "Delay between scans (default from config)"},
		&cli.DurationFlag{Name: "settle", Usage: "Quiet time before a folder is processed (default from config)"},
	}
	flags = append(flags, renameFlags()...)
	flags = append(flags, stepFlags()...)
	return &cli.Command{
		Name:  "watch",
		Usage: "Process every new case folder dropped into an inbox",
		Flags: flags,
		Action: func(c *cli.Context) error {
			if _, err := paramsFromFlags(c, state, c.String("inbox")); err != nil {
				return outputError(err)
			}
			poll := time.Duration(state.cfg.Watch.PollSeconds) * time.Second
			if c.IsSet("poll") {
				poll = c.Duration("poll")
			}
			settle := time.Duration(state.cfg.Watch.SettleSeconds) * time.Second
			if c.IsSet("settle") {
				settle = c.Duration("settle")
			}

			rec, closeRec := openRecorder(state)
			defer closeRec()

			w := watchNew(c, state, poll, settle, rec)
			if err := w.Run(c.Context); err != nil && !errors.Is(err, context.Canceled) {
				return outputError(err)
			}
			return nil
		},
	}
}

// watchNew builds a watcher that runs the selected steps on every settled
// folder of the inbox. A failing folder is logged and the watch goes on.
func watchNew(c *cli.Context, state *appState, poll, settle time.Duration, rec pipeline.Recorder) *watch.Watcher {
	logger := logging.Component(state.logger, "watch")
	handler := func(ctx context.Context, dir string) error {
		params, err := paramsFromFlags(c, state, dir)
		if err != nil {
			return err
		}
		res, err := pipeline.Run(ctx, params, rec)
		if err != nil {
			logger.Error().Err(err).Str("folder", filepath.Base(dir)).Msg("Error processing folder")
			return nil
		}
		return outputJSON(state.out, summarize(res, nil))
	}
	return watch.New(c.String("inbox"), poll, settle, state.cfg.Output.Suffix, handler, logger)
}

// historyCmd creates the history command.
func historyCmd(state *appState) *cli.Command {
	return &cli.Command{
		Name:      "history",
		Usage:     "List recent runs, or the renames and volumes of one run",
		ArgsUsage: "[run id]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 20, Usage: "Number of runs listed"},
		},
		Action: func(c *cli.Context) error {
			dir, err := state.cfg.LedgerDir()
			if err != nil {
				return outputError(apperrors.NewInternal(err))
			}
			l, err := ledger.Open(dir)
			if err != nil {
				return outputError(apperrors.NewIO("history", err))
			}
			defer l.Close()

			if c.NArg() > 0 {
				id := c.Args().First()
				renames, err := l.Renames(c.Context, id)
				if err != nil {
					return outputError(apperrors.NewIO("history", err))
				}
				volumes, err := l.Volumes(c.Context, id)
				if err != nil {
					return outputError(apperrors.NewIO("history", err))
				}
				return outputJSON(state.out, map[string]any{"run": id, "renamed": renames, "volumes": volumeLines(volumes)})
			}

			runs, err := l.RecentRuns(c.Context, c.Int("limit"))
			if err != nil {
				return outputError(apperrors.NewIO("history", err))
			}
			tw := tabwriter.NewWriter(state.out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTARTED\tTYPE\tSTATUS\tINPUT\tERROR")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.StartedAt.Format(time.DateTime), r.FileType, r.Status, r.Input, r.Error)
			}
			return tw.Flush()
		},
	}
}

// configCmd creates the config command.
func configCmd() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "Manage the configuration file",
		Subcommands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Write a configuration file with default values",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "path", Value: "config.yaml", Usage: "Destination file"},
					&cli.BoolFlag{Name: "force", Usage: "Overwrite an existing file"},
				},
				Action: func(c *cli.Context) error {
					path := c.String("path")
					if _, err := os.Stat(path); err == nil && !c.Bool("force") {
						return outputError(apperrors.NewInvalidInput(fmt.Sprintf("%s already exists (use --force)", path)))
					}
					if err := config.CreateDefaultConfigFile(path); err != nil {
						return outputError(apperrors.NewIO("config", err))
					}
					fmt.Fprintf(c.App.Writer, "Wrote %s\n", path)
					return nil
				},
			},
		},
	}
}

// Helper functions

// outputJSON writes v to w as indented JSON.
func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// outputError formats err for the CLI. Prediction failures exit with 3,
// other errors with 1.
func outputError(err error) error {
	code := 1
	if pipeline.IsPredictionFailure(err) {
		code = 3
	}
	var stepErr *apperrors.StepError
	if errors.As(err, &stepErr) {
		msg := stepErr.Message
		if stepErr.Step != "" {
			msg = stepErr.Step + ": " + msg
		}
		return cli.Exit(fmt.Sprintf("[%s] %s", stepErr.Code, msg), code)
	}
	return cli.Exit(err.Error(), code)
}

// exitCode returns the process exit code for an error returned by the app.
func exitCode(err error) int {
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		return coder.ExitCode()
	}
	return 1
}
