package pipeline

import (
	"fmt"
	"io"
	"io/fs"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/report"
)

// RenameOptions control RenameNifti.
type RenameOptions struct {
	Nickname string
	Start    int
	Rand     *rand.Rand
	Logger   zerolog.Logger
}

// RenameResult lists the copied files and the rename log.
type RenameResult struct {
	Entries []models.RenameEntry
	LogPath string
	Failed  []string
}

// RenameNifti copies every .nii.gz file below src into dst as
// "{nickname}_{index}.nii.gz", with indices shuffled from opts.Start. The
// mapping is written to rename_log.txt in dst and sorted at the end.
func RenameNifti(src, dst string, opts RenameOptions) (*RenameResult, error) {
	logger := opts.Logger
	if opts.Nickname == "" {
		return nil, apperrors.NewInvalidInput("a nickname is required to rename files")
	}

	var files []string
	err := filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && path != src && filepath.Clean(path) == filepath.Clean(dst) {
			return filepath.SkipDir
		}
		if !d.IsDir() && naming.IsNiftiGz(d.Name()) && !naming.IsHidden(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, apperrors.NewIO("rename", err)
	}
	if len(files) == 0 {
		return nil, apperrors.NewNoNifti(src)
	}
	sort.Slice(files, func(i, j int) bool { return naming.NaturalLess(files[i], files[j]) })

	logPath := filepath.Join(dst, report.RenameLogName)
	renameLog, err := report.CreateRenameLog(logPath, report.FileLogHeader)
	if err != nil {
		return nil, apperrors.NewIO("rename", err)
	}

	res := &RenameResult{LogPath: logPath}
	indices := naming.ShuffledIndices(opts.Start, len(files), opts.Rand)
	for i, file := range files {
		name := naming.Alias(opts.Nickname, indices[i]) + ".nii.gz"
		if err := copyFile(file, filepath.Join(dst, name)); err != nil {
			logger.Error().Err(err).Str("file", filepath.Base(file)).Msg("Error renaming file")
			res.Failed = append(res.Failed, file)
			continue
		}
		if err := renameLog.Append(filepath.Base(file), name); err != nil {
			renameLog.Close()
			return res, apperrors.NewIO("rename", err)
		}
		logger.Info().Str("file", filepath.Base(file)).Str("renamed", name).Msg("Renamed NIfTI file")
		res.Entries = append(res.Entries, models.RenameEntry{Original: filepath.Base(file), New: name})
	}

	if err := renameLog.Close(); err != nil {
		return res, apperrors.NewIO("rename", err)
	}
	if err := report.SortRenameLog(logPath); err != nil {
		logger.Error().Err(err).Msg("Error sorting rename log")
	}
	return res, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("error copying %s: %w", filepath.Base(src), err)
	}
	return out.Close()
}
