package pipeline

import (
	"context"

	"airwayseg/internal/models"
)

// Recorder keeps a history of runs.
type Recorder interface {
	StartRun(ctx context.Context, input string, fileType models.FileType) (string, error)
	FinishRun(ctx context.Context, id, output string, runErr error) error
	RecordRenames(ctx context.Context, runID string, entries []models.RenameEntry) error
	RecordVolumes(ctx context.Context, runID string, results []models.VolumeResult) error
}

// Run processes params and, when rec is not nil, records the run with its
// renames and volumes. Recording failures are logged and never fail the run.
func Run(ctx context.Context, params *Params, rec Recorder) (*Result, error) {
	p := New(params)
	if rec == nil {
		return p.Process(ctx)
	}

	// history is written even when the run is cancelled
	bg := context.WithoutCancel(ctx)
	id, err := rec.StartRun(bg, params.Input, params.FileType)
	if err != nil {
		p.logger.Error().Err(err).Msg("Error recording run")
		return p.Process(ctx)
	}
	logger := p.logger.With().Str("run", id).Logger()
	p.logger = logger

	res, runErr := p.Process(ctx)
	if err := rec.RecordRenames(bg, id, res.Renames); err != nil {
		logger.Error().Err(err).Msg("Error recording renames")
	}
	if err := rec.RecordVolumes(bg, id, res.Volumes); err != nil {
		logger.Error().Err(err).Msg("Error recording volumes")
	}
	if err := rec.FinishRun(bg, id, res.OutputRoot, runErr); err != nil {
		logger.Error().Err(err).Msg("Error recording run result")
	}
	return res, runErr
}
