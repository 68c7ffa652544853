// Package report writes the flat traceability files produced by a run: the
// rename log (original -> anonymized names) and the volume report.
//
// Both are append-only while a run is in progress and fully rewritten in
// sorted order once it finishes.
package report

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"airwayseg/internal/models"
	"airwayseg/pkg/naming"
)

// File names and headers
const (
	RenameLogName    = "rename_log.txt"
	VolumeTextName   = "Volume Calculations.txt"
	VolumeCSVName    = "volume_calculations.csv"
	FolderLogHeader  = "Original Folder\tNew Folder"
	FileLogHeader    = "Original File\tNew File"
	volumeTextHeader = "Filename\tVolume (mm^3)"
)

var volumeCSVHeader = []string{"Filename", "Volume (mm^3)"}

// RenameLog appends original -> new mappings to a tab-separated log.
// Each entry is flushed immediately so a crash leaves a usable log.
type RenameLog struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
}

// CreateRenameLog creates (truncates) the log at path and writes the header.
func CreateRenameLog(path, header string) (*RenameLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("error creating log directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("error creating rename log: %w", err)
	}
	l := &RenameLog{path: path, file: f, w: bufio.NewWriter(f)}
	if _, err := l.w.WriteString(header + "\n"); err != nil {
		f.Close()
		return nil, err
	}
	return l, l.w.Flush()
}

// Path returns the location of the log file.
func (l *RenameLog) Path() string {
	return l.path
}

// Append records one mapping.
func (l *RenameLog) Append(original, renamed string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := fmt.Fprintf(l.w, "%s\t%s\n", original, renamed); err != nil {
		return err
	}
	return l.w.Flush()
}

// Close flushes and closes the log.
func (l *RenameLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.w.Flush(); err != nil {
		l.file.Close()
		return err
	}
	return l.file.Close()
}

// SortRenameLog rewrites the log with entries sorted alphabetically by the
// original name; the header line is preserved.
func SortRenameLog(path string) error {
	return rewriteSorted(path, func(a, b string) bool {
		return firstColumn(a, "\t") < firstColumn(b, "\t")
	})
}

// ReadRenameLog parses a rename log into entries, skipping the header.
func ReadRenameLog(path string) ([]models.RenameEntry, error) {
	_, lines, err := readLines(path)
	if err != nil {
		return nil, err
	}
	entries := make([]models.RenameEntry, 0, len(lines))
	for _, line := range lines {
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		entries = append(entries, models.RenameEntry{Original: parts[0], New: parts[1]})
	}
	return entries, nil
}

// WriteVolumeReport writes results into dir using the given format ("txt"
// or "csv"), then rewrites it in natural filename order. It returns the
// report path.
func WriteVolumeReport(dir string, results []models.VolumeResult, format string) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("error creating report directory: %w", err)
	}

	var path string
	var err error
	switch format {
	case "", "txt":
		path = filepath.Join(dir, VolumeTextName)
		err = writeVolumeText(path, results)
	case "csv":
		path = filepath.Join(dir, VolumeCSVName)
		err = writeVolumeCSV(path, results)
	default:
		return "", fmt.Errorf("unknown volume report format %q", format)
	}
	if err != nil {
		return "", err
	}

	if err := SortVolumeReport(path); err != nil {
		return path, err
	}
	return path, nil
}

func writeVolumeText(path string, results []models.VolumeResult) error {
	err := writeAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprintln(bw, volumeTextHeader)
		for _, r := range results {
			fmt.Fprintf(bw, "%s\t%.2f\n", r.Filename, r.VolumeMM3)
		}
		return bw.Flush()
	})
	if err != nil {
		return fmt.Errorf("error writing volume report: %w", err)
	}
	return nil
}

func writeVolumeCSV(path string, results []models.VolumeResult) error {
	records := make([][]string, 0, len(results)+1)
	records = append(records, volumeCSVHeader)
	for _, r := range results {
		records = append(records, []string{r.Filename, fmt.Sprintf("%.2f", r.VolumeMM3)})
	}
	if err := writeAtomic(path, func(w io.Writer) error {
		return csv.NewWriter(w).WriteAll(records)
	}); err != nil {
		return fmt.Errorf("error writing volume report: %w", err)
	}
	return nil
}

// SortVolumeReport rewrites a volume report with rows in natural filename order.
func SortVolumeReport(path string) error {
	if strings.HasSuffix(path, ".csv") {
		return sortCSV(path)
	}
	return rewriteSorted(path, func(a, b string) bool {
		return naming.NaturalLess(firstColumn(a, "\t"), firstColumn(b, "\t"))
	})
}

// sortCSV orders CSV records by their parsed first field so quoted
// filenames holding commas keep their place.
func sortCSV(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", filepath.Base(path), err)
	}
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	f.Close()
	if err != nil {
		return fmt.Errorf("error parsing %s: %w", filepath.Base(path), err)
	}
	if len(records) < 2 {
		return nil
	}

	rows := records[1:]
	sort.SliceStable(rows, func(i, j int) bool {
		return naming.NaturalLess(rows[i][0], rows[j][0])
	})
	return writeAtomic(path, func(w io.Writer) error {
		return csv.NewWriter(w).WriteAll(records)
	})
}

// Summary describes the distribution of measured volumes.
type Summary struct {
	Count  int
	Failed int
	Mean   float64
	StdDev float64
	Min    float64
	Max    float64
}

// Summarize computes statistics over successfully measured results.
func Summarize(results []models.VolumeResult) Summary {
	var s Summary
	values := make([]float64, 0, len(results))
	for _, r := range results {
		if r.Err != nil {
			s.Failed++
			continue
		}
		values = append(values, r.VolumeMM3)
	}
	s.Count = len(values)
	if s.Count == 0 {
		return s
	}
	s.Mean = stat.Mean(values, nil)
	if s.Count > 1 {
		s.StdDev = stat.StdDev(values, nil)
	}
	s.Min = floats.Min(values)
	s.Max = floats.Max(values)
	if math.IsNaN(s.StdDev) {
		s.StdDev = 0
	}
	return s
}

func rewriteSorted(path string, less func(a, b string) bool) error {
	header, lines, err := readLines(path)
	if err != nil {
		return err
	}
	sort.SliceStable(lines, func(i, j int) bool { return less(lines[i], lines[j]) })

	return writeAtomic(path, func(w io.Writer) error {
		bw := bufio.NewWriter(w)
		fmt.Fprintln(bw, header)
		for _, line := range lines {
			fmt.Fprintln(bw, line)
		}
		return bw.Flush()
	})
}

// writeAtomic fills a temporary file next to path and renames it into
// place. Write and close errors are both returned; on failure path is left
// untouched.
func writeAtomic(path string, fill func(w io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", filepath.Base(path), err)
	}
	if err := fill(f); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func readLines(path string) (header string, lines []string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("error opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			header = line
			first = false
			continue
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return "", nil, err
	}
	return header, lines, nil
}

func firstColumn(line, sep string) string {
	if i := strings.Index(line, sep); i >= 0 {
		return line[:i]
	}
	return line
}
