// Package stl turns segmentation label maps into triangle meshes and
// writes them as binary STL files.
package stl

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// Triangle is one STL facet.
type Triangle struct {
	Normal  [3]float32
	Vertex1 [3]float32
	Vertex2 [3]float32
	Vertex3 [3]float32
}

// header written in the 80-byte STL preamble
const stlHeader = "binary STL written by airwayseg"

// SaveToSTL writes triangles to path as a binary STL file.
func SaveToSTL(path string, triangles []Triangle) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("error creating output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating STL file: %w", err)
	}
	w := bufio.NewWriter(f)
	if err := WriteBinary(w, triangles); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("error writing STL file: %w", err)
	}
	return f.Close()
}

// WriteBinary encodes triangles in the binary STL layout: an 80-byte
// header, a uint32 facet count and 50 bytes per facet.
func WriteBinary(w io.Writer, triangles []Triangle) error {
	var header [80]byte
	copy(header[:], stlHeader)
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("error writing STL header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(triangles))); err != nil {
		return fmt.Errorf("error writing triangle count: %w", err)
	}

	var buf [50]byte
	for _, t := range triangles {
		off := 0
		for _, v := range [4][3]float32{t.Normal, t.Vertex1, t.Vertex2, t.Vertex3} {
			for _, c := range v {
				binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(c))
				off += 4
			}
		}
		// attribute byte count stays zero
		buf[48], buf[49] = 0, 0
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("error writing triangle: %w", err)
		}
	}
	return nil
}

// ReadBinary decodes a binary STL stream.
func ReadBinary(r io.Reader) ([]Triangle, error) {
	var header [80]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("error reading STL header: %w", err)
	}
	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("error reading triangle count: %w", err)
	}

	triangles := make([]Triangle, count)
	var buf [50]byte
	for i := range triangles {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return nil, fmt.Errorf("error reading triangle %d: %w", i, err)
		}
		var vs [4][3]float32
		off := 0
		for j := range vs {
			for k := range vs[j] {
				vs[j][k] = math.Float32frombits(binary.LittleEndian.Uint32(buf[off:]))
				off += 4
			}
		}
		triangles[i] = Triangle{Normal: vs[0], Vertex1: vs[1], Vertex2: vs[2], Vertex3: vs[3]}
	}
	return triangles, nil
}

// LoadSTL reads a binary STL file.
func LoadSTL(path string) ([]Triangle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadBinary(bufio.NewReader(f))
}

// FaceNormal returns the unit normal of the triangle v1, v2, v3 following
// the right-hand rule, or zero for degenerate triangles.
func FaceNormal(v1, v2, v3 [3]float64) [3]float32 {
	ax, ay, az := v2[0]-v1[0], v2[1]-v1[1], v2[2]-v1[2]
	bx, by, bz := v3[0]-v1[0], v3[1]-v1[1], v3[2]-v1[2]
	nx := ay*bz - az*by
	ny := az*bx - ax*bz
	nz := ax*by - ay*bx
	l := math.Sqrt(nx*nx + ny*ny + nz*nz)
	if l == 0 {
		return [3]float32{}
	}
	return [3]float32{float32(nx / l), float32(ny / l), float32(nz / l)}
}
