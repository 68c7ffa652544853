package nifti

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
)

// HeaderSize is the size of a NIfTI-1 header; single-file images place the
// data at VoxOffset (352 once the 4-byte extension flag is included).
const (
	HeaderSize       = 348
	defaultVoxOffset = 352
)

// Datatype codes
const (
	DTUint8   int16 = 2
	DTInt16   int16 = 4
	DTInt32   int16 = 8
	DTFloat32 int16 = 16
	DTFloat64 int16 = 64
	DTInt8    int16 = 256
	DTUint16  int16 = 512
	DTUint32  int16 = 768
)

// Header is the on-disk NIfTI-1 header. Field order and sizes follow the
// file layout exactly so it can be read with encoding/binary.
type Header struct {
	SizeofHdr     int32
	DataType      [10]byte
	DBName        [18]byte
	Extents       int32
	SessionError  int16
	Regular       byte
	DimInfo       byte
	Dim           [8]int16
	IntentP1      float32
	IntentP2      float32
	IntentP3      float32
	IntentCode    int16
	Datatype      int16
	Bitpix        int16
	SliceStart    int16
	Pixdim        [8]float32
	VoxOffset     float32
	SclSlope      float32
	SclInter      float32
	SliceEnd      int16
	SliceCode     byte
	XYZTUnits     byte
	CalMax        float32
	CalMin        float32
	SliceDuration float32
	Toffset       float32
	Glmax         int32
	Glmin         int32
	Descrip       [80]byte
	AuxFile       [24]byte
	QformCode     int16
	SformCode     int16
	QuaternB      float32
	QuaternC      float32
	QuaternD      float32
	QoffsetX      float32
	QoffsetY      float32
	QoffsetZ      float32
	SrowX         [4]float32
	SrowY         [4]float32
	SrowZ         [4]float32
	IntentName    [16]byte
	Magic         [4]byte
}

// ReadHeaderFrom decodes a header and reports the byte order it was stored in.
func ReadHeaderFrom(r io.Reader) (*Header, binary.ByteOrder, error) {
	raw := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("error reading NIfTI header: %w", err)
	}

	var order binary.ByteOrder
	switch {
	case binary.LittleEndian.Uint32(raw[0:4]) == HeaderSize:
		order = binary.LittleEndian
	case binary.BigEndian.Uint32(raw[0:4]) == HeaderSize:
		order = binary.BigEndian
	default:
		return nil, nil, fmt.Errorf("not a NIfTI-1 file: sizeof_hdr is not %d", HeaderSize)
	}

	h := &Header{}
	if err := binary.Read(bytes.NewReader(raw), order, h); err != nil {
		return nil, nil, fmt.Errorf("error decoding NIfTI header: %w", err)
	}
	magic := string(h.Magic[:3])
	if magic != "n+1" && magic != "ni1" {
		return nil, nil, fmt.Errorf("unsupported NIfTI magic %q", magic)
	}
	if h.Dim[0] < 1 || h.Dim[0] > 7 {
		return nil, nil, fmt.Errorf("invalid NIfTI dimension count %d", h.Dim[0])
	}
	return h, order, nil
}

// Dims returns the grid size along x, y, z and t; missing dimensions are 1.
func (h *Header) Dims() [4]int {
	var d [4]int
	for i := 0; i < 4; i++ {
		d[i] = 1
		if int(h.Dim[0]) > i && h.Dim[i+1] > 0 {
			d[i] = int(h.Dim[i+1])
		}
	}
	return d
}

// Zooms returns the spatial voxel spacing in mm.
func (h *Header) Zooms() [3]float64 {
	var z [3]float64
	for i := 0; i < 3; i++ {
		z[i] = math.Abs(float64(h.Pixdim[i+1]))
		if z[i] == 0 || int(h.Dim[0]) <= i {
			z[i] = 1
		}
	}
	return z
}

// maxVoxelBytes bounds the voxel data of a single image.
const maxVoxelBytes = math.MaxInt32

// NumVoxels returns the number of voxels across all stored dimensions. It
// fails when a dimension is not positive or the data would exceed
// maxVoxelBytes at bpv bytes per voxel.
func (h *Header) NumVoxels(bpv int) (int, error) {
	nd := int(h.Dim[0])
	if nd < 1 || nd > 7 {
		return 0, fmt.Errorf("invalid NIfTI dimension count %d", nd)
	}
	dims := h.Dim[1 : nd+1]
	n := int64(1)
	for _, d := range dims {
		if d <= 0 {
			return 0, fmt.Errorf("invalid NIfTI dimensions %v", dims)
		}
		n *= int64(d)
		if n*int64(bpv) > maxVoxelBytes {
			return 0, fmt.Errorf("NIfTI dimensions %v exceed %d bytes of voxel data", dims, maxVoxelBytes)
		}
	}
	return int(n), nil
}

// BytesPerVoxel returns the storage size of the datatype.
func BytesPerVoxel(datatype int16) (int, error) {
	switch datatype {
	case DTUint8, DTInt8:
		return 1, nil
	case DTInt16, DTUint16:
		return 2, nil
	case DTInt32, DTUint32, DTFloat32:
		return 4, nil
	case DTFloat64:
		return 8, nil
	default:
		return 0, fmt.Errorf("unsupported NIfTI datatype %d", datatype)
	}
}

// Description returns the descrip field as a string.
func (h *Header) Description() string {
	return cString(h.Descrip[:])
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
