package models

// FileType is the format of the files the user starts from
type FileType string

const (
	FileTypeDICOM FileType = "DICOM"
	FileTypeNIfTI FileType = "NIfTI"
)

// CaseFolder is a patient or session folder holding one scan.
type CaseFolder struct {
	// Path is the absolute path of the folder
	Path string

	// RelPath is the path relative to the tree root it was found in
	RelPath string

	// Name is the folder's own base name
	Name string

	// Alias is the anonymized name ("{nickname}_{index}"), empty when not renamed
	Alias string
}

// RenameEntry records one original -> new name mapping for traceability.
type RenameEntry struct {
	Original string
	New      string
}

// VolumeResult is the measured segmentation volume of one file.
type VolumeResult struct {
	Filename  string
	VolumeMM3 float64
	Voxels    int

	// Err is set when the file could not be measured; VolumeMM3 is 0 then.
	Err error
}
