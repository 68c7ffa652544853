// Package predict runs the external nnU-Net segmentation tool and tidies
// its output folder.
package predict

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Environment variable names read by the predictor
const (
	EnvRaw          = "nnUNet_raw"
	EnvResults      = "nnUNet_results"
	EnvPreprocessed = "nnUNet_preprocessed"

	// nnU-Net v1 names, kept for older installations
	EnvRawDataBase   = "nnUNet_raw_data_base"
	EnvResultsFolder = "RESULTS_FOLDER"
)

// DefaultTrainingDir is the folder name holding the trained model tree
const DefaultTrainingDir = "nnUNet_training_v2"

// Paths are the three nnU-Net data folders.
type Paths struct {
	Raw          string
	Results      string
	Preprocessed string
}

// ResolvePaths fills the data folders from explicit overrides, falling back
// to base/nnUNet_raw etc. An empty base means ../../nnUNet_training_v2
// relative to the working directory.
func ResolvePaths(base string, override Paths) Paths {
	if base == "" {
		base = filepath.Join("..", "..", DefaultTrainingDir)
	}
	if abs, err := filepath.Abs(base); err == nil {
		base = abs
	}
	p := Paths{
		Raw:          filepath.Join(base, "nnUNet_raw"),
		Results:      filepath.Join(base, "nnUNet_results"),
		Preprocessed: filepath.Join(base, "nnUNet_preprocessed"),
	}
	if override.Raw != "" {
		p.Raw = override.Raw
	}
	if override.Results != "" {
		p.Results = override.Results
	}
	if override.Preprocessed != "" {
		p.Preprocessed = override.Preprocessed
	}
	return p
}

// Env returns environ with the predictor variables added. Variables already
// present in environ are kept; otherwise dotenv values win over paths.
func Env(environ []string, dotenv map[string]string, paths Paths) []string {
	present := make(map[string]bool, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i > 0 {
			present[kv[:i]] = true
		}
	}

	defaults := map[string]string{
		EnvRaw:           paths.Raw,
		EnvResults:       paths.Results,
		EnvPreprocessed:  paths.Preprocessed,
		EnvRawDataBase:   paths.Raw,
		EnvResultsFolder: paths.Results,
	}
	for k, v := range dotenv {
		defaults[k] = v
	}

	keys := make([]string, 0, len(defaults))
	for k := range defaults {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := append([]string(nil), environ...)
	for _, k := range keys {
		if present[k] || defaults[k] == "" {
			continue
		}
		out = append(out, k+"="+defaults[k])
	}
	return out
}

// Lookup returns the value of key in an environ list.
func Lookup(environ []string, key string) (string, bool) {
	for i := len(environ) - 1; i >= 0; i-- {
		if v, ok := strings.CutPrefix(environ[i], key+"="); ok {
			return v, true
		}
	}
	return "", false
}

// ProcessEnv is Env over the current process environment.
func ProcessEnv(dotenv map[string]string, paths Paths) []string {
	return Env(os.Environ(), dotenv, paths)
}
