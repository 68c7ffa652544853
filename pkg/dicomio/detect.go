// Package dicomio finds, de-identifies and converts DICOM series.
//
// A "case folder" is any folder that directly holds DICOM files. Case
// folders are not searched further: their subfolders are treated as part
// of the case and ignored.
package dicomio

import (
	"bytes"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/suyashkumar/dicom"

	"airwayseg/internal/models"
	"airwayseg/pkg/naming"
)

var dicmMagic = []byte("DICM")

// IsDicomFile reports whether path parses as DICOM. Files carrying the
// standard preamble are accepted without a full parse.
func IsDicomFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	head := make([]byte, 132)
	n, _ := io.ReadFull(f, head)
	f.Close()
	if n == len(head) && bytes.Equal(head[128:], dicmMagic) {
		return true
	}

	_, err = dicom.ParseFile(path, nil, dicom.SkipPixelData())
	return err == nil
}

// ContainsDicom reports whether dir directly holds at least one DICOM file.
func ContainsDicom(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.Type().IsRegular() || naming.IsHidden(e.Name()) {
			continue
		}
		if IsDicomFile(filepath.Join(dir, e.Name())) {
			return true
		}
	}
	return false
}

// DicomFiles lists the DICOM files directly inside dir in natural order.
func DicomFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.Type().IsRegular() || naming.IsHidden(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if IsDicomFile(path) {
			files = append(files, path)
		}
	}
	sort.Slice(files, func(i, j int) bool { return naming.NaturalLess(files[i], files[j]) })
	return files, nil
}

// FindCaseFolders walks root and returns every folder holding DICOM files,
// sorted by relative path. The root itself is a case when it holds DICOM.
func FindCaseFolders(root string) ([]models.CaseFolder, error) {
	var cases []models.CaseFolder
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && naming.IsHidden(d.Name()) {
			return fs.SkipDir
		}
		if !ContainsDicom(path) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		cases = append(cases, models.CaseFolder{Path: path, RelPath: rel, Name: filepath.Base(path)})
		return fs.SkipDir
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(cases, func(i, j int) bool { return cases[i].RelPath < cases[j].RelPath })
	return cases, nil
}
