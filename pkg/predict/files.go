package predict

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"airwayseg/internal/models"
	"airwayseg/pkg/naming"
)

// SuffixInputs renames every NIfTI file in dir to carry the "_0000"
// channel suffix the predictor expects. Files whose target already exists
// are left alone.
func SuffixInputs(dir string, logger zerolog.Logger) ([]models.RenameEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading predictor input: %w", err)
	}
	var renamed []models.RenameEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !naming.IsNifti(name) || naming.IsHidden(name) {
			continue
		}
		target := naming.WithChannelSuffix(name)
		if target == name {
			continue
		}
		if exists(filepath.Join(dir, target)) {
			logger.Warn().Str("file", name).Str("target", target).Msg("Channel-suffixed file already exists, skipping")
			continue
		}
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, target)); err != nil {
			return renamed, fmt.Errorf("error renaming %s: %w", name, err)
		}
		logger.Info().Str("file", name).Str("target", target).Msg("Renamed NIfTI input")
		renamed = append(renamed, models.RenameEntry{Original: name, New: target})
	}
	return renamed, nil
}

// RenameOutputs gives every .nii.gz label map in dir the "_seg" suffix,
// skipping files whose target already exists.
func RenameOutputs(dir string, logger zerolog.Logger) ([]models.RenameEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("error reading predictor output: %w", err)
	}
	var renamed []models.RenameEntry
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !naming.IsNiftiGz(name) || naming.IsSegmentation(name) {
			continue
		}
		target := naming.WithSegSuffix(name)
		if exists(filepath.Join(dir, target)) {
			logger.Info().Str("file", name).Str("target", target).Msg("Skipped renaming, target already exists")
			continue
		}
		if err := os.Rename(filepath.Join(dir, name), filepath.Join(dir, target)); err != nil {
			return renamed, fmt.Errorf("error renaming %s: %w", name, err)
		}
		logger.Info().Str("file", name).Str("target", target).Msg("Renamed segmentation")
		renamed = append(renamed, models.RenameEntry{Original: name, New: target})
	}
	return renamed, nil
}

// RemoveInternal deletes the predictor's .json side files from dir and
// returns how many were removed.
func RemoveInternal(dir string, logger zerolog.Logger) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("error reading predictor output: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return removed, fmt.Errorf("error removing %s: %w", e.Name(), err)
		}
		logger.Debug().Str("file", e.Name()).Msg("Removed predictor side file")
		removed++
	}
	return removed, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
