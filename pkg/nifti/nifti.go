// Package nifti reads and writes single-file NIfTI-1 images (.nii and
// .nii.gz) into the shared volume model.
//
// Voxel values are always decoded to float64 with scl_slope/scl_inter
// applied. When writing, the volume's Datatype selects the on-disk type and
// its Affine is stored as both sform and qform.
package nifti

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"

	"airwayseg/internal/models"
)

// unit code for millimetres in xyzt_units
const unitsMM = 2

// ReadHeader reads only the header of a .nii or .nii.gz file.
func ReadHeader(path string) (*Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r, closeFn, err := decompress(path, f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, _, err := ReadHeaderFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return h, nil
}

// Read loads a NIfTI image into a volume.
func Read(path string) (*models.Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("error opening %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	r, closeFn, err := decompress(path, f)
	if err != nil {
		return nil, err
	}
	defer closeFn()

	h, order, err := ReadHeaderFrom(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	bpv, err := BytesPerVoxel(h.Datatype)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	n, err := h.NumVoxels(bpv)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	offset := int64(h.VoxOffset)
	if offset < HeaderSize {
		offset = HeaderSize
	}
	if _, err := io.CopyN(io.Discard, r, offset-HeaderSize); err != nil {
		return nil, fmt.Errorf("error seeking to voxel data in %s: %w", filepath.Base(path), err)
	}

	// grow with the stream so a truncated file fails before a full allocation
	size := int64(n) * int64(bpv)
	raw, err := io.ReadAll(io.LimitReader(r, size))
	if err == nil && int64(len(raw)) < size {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, fmt.Errorf("error reading voxel data in %s: %w", filepath.Base(path), err)
	}

	data := decodeVoxels(raw, h.Datatype, order, n)
	slope := float64(h.SclSlope)
	inter := float64(h.SclInter)
	if slope != 0 && !math.IsNaN(slope) && (slope != 1 || inter != 0) {
		for i := range data {
			data[i] = data[i]*slope + inter
		}
	}

	return &models.Volume{
		Data:        data,
		Dims:        h.Dims(),
		Spacing:     h.Zooms(),
		Affine:      h.Affine(),
		Datatype:    h.Datatype,
		Description: h.Description(),
	}, nil
}

// Write stores vol as a little-endian single-file NIfTI-1 image. A ".gz"
// suffix on path selects gzip compression.
func Write(path string, vol *models.Volume) error {
	if vol == nil || len(vol.Data) == 0 {
		return fmt.Errorf("refusing to write empty volume to %s", filepath.Base(path))
	}
	frames := vol.Frames()
	if want := vol.Dims[0] * vol.Dims[1] * vol.Dims[2] * frames; want != len(vol.Data) {
		return fmt.Errorf("volume has %d voxels, dims %v need %d", len(vol.Data), vol.Dims, want)
	}

	datatype := vol.Datatype
	if datatype == 0 {
		datatype = DTFloat32
	}
	bpv, err := BytesPerVoxel(datatype)
	if err != nil {
		return err
	}

	h := newHeader(vol, datatype, bpv)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", filepath.Base(path), err)
	}

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(strings.ToLower(path), ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	bw := bufio.NewWriter(w)

	err = writeBody(bw, h, vol.Data, datatype, bpv)
	if err == nil {
		err = bw.Flush()
	}
	if gz != nil {
		if cerr := gz.Close(); err == nil {
			err = cerr
		}
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("error writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

func newHeader(vol *models.Volume, datatype int16, bpv int) *Header {
	h := &Header{
		SizeofHdr: HeaderSize,
		Regular:   'r',
		Datatype:  datatype,
		Bitpix:    int16(bpv * 8),
		VoxOffset: defaultVoxOffset,
		SclSlope:  1,
		XYZTUnits: unitsMM,
	}
	ndim := 3
	if vol.Frames() > 1 {
		ndim = 4
	}
	h.Dim[0] = int16(ndim)
	for i := 0; i < ndim; i++ {
		h.Dim[i+1] = int16(vol.Dims[i])
	}
	for i := ndim + 1; i < 8; i++ {
		h.Dim[i] = 1
	}
	h.Pixdim[4] = 1

	affine := vol.Affine
	if affine[3][3] == 0 {
		// no orientation known: fall back to spacing only
		for i := 0; i < 3; i++ {
			affine[i][i] = vol.Spacing[i]
		}
		affine[3][3] = 1
	}
	h.SetAffine(affine)
	// keep the declared spacing when the affine carries a different scale
	for i := 0; i < 3; i++ {
		if vol.Spacing[i] > 0 {
			h.Pixdim[i+1] = float32(vol.Spacing[i])
		}
	}

	copy(h.Descrip[:79], vol.Description)
	copy(h.Magic[:], "n+1\x00")
	return h
}

func writeBody(w io.Writer, h *Header, data []float64, datatype int16, bpv int) error {
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return err
	}
	// 4-byte extension flag: no extensions
	if _, err := w.Write([]byte{0, 0, 0, 0}); err != nil {
		return err
	}

	const chunk = 1 << 16
	buf := make([]byte, 0, chunk*bpv)
	for start := 0; start < len(data); start += chunk {
		end := start + chunk
		if end > len(data) {
			end = len(data)
		}
		buf = buf[:(end-start)*bpv]
		encodeVoxels(buf, data[start:end], datatype)
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}

func decompress(path string, f *os.File) (io.Reader, func(), error) {
	br := bufio.NewReader(f)
	magic, err := br.Peek(2)
	if err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, fmt.Errorf("error opening gzip stream in %s: %w", filepath.Base(path), err)
		}
		return gz, func() { gz.Close() }, nil
	}
	return br, func() {}, nil
}

func decodeVoxels(raw []byte, datatype int16, order binary.ByteOrder, n int) []float64 {
	out := make([]float64, n)
	switch datatype {
	case DTUint8:
		for i := range out {
			out[i] = float64(raw[i])
		}
	case DTInt8:
		for i := range out {
			out[i] = float64(int8(raw[i]))
		}
	case DTInt16:
		for i := range out {
			out[i] = float64(int16(order.Uint16(raw[2*i:])))
		}
	case DTUint16:
		for i := range out {
			out[i] = float64(order.Uint16(raw[2*i:]))
		}
	case DTInt32:
		for i := range out {
			out[i] = float64(int32(order.Uint32(raw[4*i:])))
		}
	case DTUint32:
		for i := range out {
			out[i] = float64(order.Uint32(raw[4*i:]))
		}
	case DTFloat32:
		for i := range out {
			out[i] = float64(math.Float32frombits(order.Uint32(raw[4*i:])))
		}
	case DTFloat64:
		for i := range out {
			out[i] = math.Float64frombits(order.Uint64(raw[8*i:]))
		}
	}
	return out
}

func encodeVoxels(buf []byte, data []float64, datatype int16) {
	le := binary.LittleEndian
	switch datatype {
	case DTUint8:
		for i, v := range data {
			buf[i] = uint8(clampRound(v, 0, math.MaxUint8))
		}
	case DTInt8:
		for i, v := range data {
			buf[i] = byte(int8(clampRound(v, math.MinInt8, math.MaxInt8)))
		}
	case DTInt16:
		for i, v := range data {
			le.PutUint16(buf[2*i:], uint16(int16(clampRound(v, math.MinInt16, math.MaxInt16))))
		}
	case DTUint16:
		for i, v := range data {
			le.PutUint16(buf[2*i:], uint16(clampRound(v, 0, math.MaxUint16)))
		}
	case DTInt32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], uint32(int32(clampRound(v, math.MinInt32, math.MaxInt32))))
		}
	case DTUint32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], uint32(clampRound(v, 0, math.MaxUint32)))
		}
	case DTFloat32:
		for i, v := range data {
			le.PutUint32(buf[4*i:], math.Float32bits(float32(v)))
		}
	case DTFloat64:
		for i, v := range data {
			le.PutUint64(buf[8*i:], math.Float64bits(v))
		}
	}
}

func clampRound(v, lo, hi float64) float64 {
	v = math.Round(v)
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
