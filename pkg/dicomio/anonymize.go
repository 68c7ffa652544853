package dicomio

import (
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"

	apperrors "airwayseg/internal/errors"
	"airwayseg/internal/models"
	"airwayseg/pkg/naming"
	"airwayseg/pkg/report"
)

// AliasPlaceholder in a field value is replaced by the case alias.
const AliasPlaceholder = "{alias}"

// Field is a DICOM attribute, by keyword, and the value it is overwritten with.
type Field struct {
	Keyword string
	Value   string
}

// DefaultFields are the patient attributes replaced during de-identification.
var DefaultFields = []Field{
	{Keyword: "PatientName", Value: AliasPlaceholder},
	{Keyword: "PatientID", Value: "ANON"},
	{Keyword: "PatientBirthDate", Value: "N/A"},
	{Keyword: "PatientSex", Value: "N/A"},
}

// Anonymize reads src, overwrites every field in fields that is present in
// the file and writes the result to dst. Absent fields are not added.
func Anonymize(src, dst, alias string, fields []Field) error {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	ds, err := dicom.ParseFile(src, nil)
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", filepath.Base(src), err)
	}

	for _, field := range fields {
		info, err := tag.FindByName(field.Keyword)
		if err != nil {
			return fmt.Errorf("unknown DICOM keyword %q: %w", field.Keyword, err)
		}
		value := strings.ReplaceAll(field.Value, AliasPlaceholder, alias)
		for i, el := range ds.Elements {
			if el.Tag != info.Tag {
				continue
			}
			replaced, err := dicom.NewElement(info.Tag, []string{value})
			if err != nil {
				return fmt.Errorf("error setting %s: %w", field.Keyword, err)
			}
			ds.Elements[i] = replaced
		}
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", filepath.Base(dst), err)
	}
	if err := dicom.Write(out, ds, dicom.SkipVRVerification()); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("error writing %s: %w", filepath.Base(dst), err)
	}
	return out.Close()
}

// AnonymizeOptions control AnonymizeTree.
type AnonymizeOptions struct {
	// Nickname prefixes every alias
	Nickname string

	// Start is the first alias index
	Start int

	// Fields overrides DefaultFields when set
	Fields []Field

	// Rand shuffles alias assignment; nil uses a random seed
	Rand *rand.Rand

	Logger zerolog.Logger
}

// FileFailure records a file that could not be anonymized.
type FileFailure struct {
	Path string
	Err  error
}

// AnonymizeResult summarizes a tree anonymization.
type AnonymizeResult struct {
	Cases    []models.CaseFolder
	Entries  []models.RenameEntry
	LogPath  string
	Files    int
	Failures []FileFailure
}

// AnonymizeTree de-identifies every case folder under src into dst. Cases
// receive shuffled aliases "{nickname}_{index}" counted from opts.Start;
// each file is written as dst/{alias}/{alias}_{i}.dcm. The mapping is logged
// to rename_log.txt in dst and sorted once all cases are done. Failing files
// are logged and collected without stopping the run.
func AnonymizeTree(src, dst string, opts AnonymizeOptions) (*AnonymizeResult, error) {
	logger := opts.Logger
	nickname := opts.Nickname
	if nickname == "" {
		return nil, apperrors.NewInvalidInput("a nickname is required to rename cases")
	}

	cases, err := FindCaseFolders(src)
	if err != nil {
		return nil, apperrors.NewIO("anonymize", err)
	}
	if len(cases) == 0 {
		return nil, apperrors.NewNoDicom(src)
	}

	indices := naming.ShuffledIndices(opts.Start, len(cases), opts.Rand)
	for i := range cases {
		cases[i].Alias = naming.Alias(nickname, indices[i])
	}

	logPath := filepath.Join(dst, report.RenameLogName)
	renameLog, err := report.CreateRenameLog(logPath, report.FolderLogHeader)
	if err != nil {
		return nil, apperrors.NewIO("anonymize", err)
	}

	res := &AnonymizeResult{Cases: cases, LogPath: logPath}
	for _, c := range cases {
		logger.Info().Str("folder", c.RelPath).Str("case", c.Name).Str("alias", c.Alias).Msg("Renaming case folder")
		if err := renameLog.Append(c.RelPath, c.Alias); err != nil {
			renameLog.Close()
			return res, apperrors.NewIO("anonymize", err)
		}
		res.Entries = append(res.Entries, models.RenameEntry{Original: c.RelPath, New: c.Alias})

		files, err := DicomFiles(c.Path)
		if err != nil {
			res.Failures = append(res.Failures, FileFailure{Path: c.Path, Err: err})
			logger.Error().Err(err).Str("folder", c.RelPath).Msg("Error listing case folder")
			continue
		}
		outDir := filepath.Join(dst, c.Alias)
		for i, file := range files {
			name := fmt.Sprintf("%s_%d.dcm", c.Alias, i+1)
			if err := Anonymize(file, filepath.Join(outDir, name), c.Alias, opts.Fields); err != nil {
				res.Failures = append(res.Failures, FileFailure{Path: file, Err: err})
				logger.Error().Err(err).Str("file", filepath.Base(file)).Str("folder", c.RelPath).Msg("Error anonymizing file")
				continue
			}
			res.Files++
		}
	}

	if err := renameLog.Close(); err != nil {
		return res, apperrors.NewIO("anonymize", err)
	}
	if err := report.SortRenameLog(logPath); err != nil {
		logger.Error().Err(err).Msg("Error sorting rename log")
	}
	logger.Info().Int("cases", len(cases)).Int("files", res.Files).Int("failed", len(res.Failures)).Msg("Anonymization finished")
	return res, nil
}
