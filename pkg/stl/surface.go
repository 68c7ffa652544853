package stl

import (
	"errors"
	"math"

	"github.com/unixpickle/model3d/model3d"

	"airwayseg/internal/models"
	"airwayseg/pkg/nifti"
)

// ErrEmptyMask is returned when a label map holds no voxel of the label.
var ErrEmptyMask = errors.New("segmentation contains no voxels of the requested label")

// Options control surface extraction.
type Options struct {
	// Label is the voxel value enclosed by the surface
	Label int

	// Decimate merges coplanar faces, which removes most of the staircase
	// triangles produced on flat voxel faces.
	Decimate        bool
	CoplanarEpsilon float64

	// SmoothingIterations and Relaxation drive Laplacian smoothing
	SmoothingIterations int
	Relaxation          float64

	// FlipXY negates x and y after the affine, giving LPS coordinates
	FlipXY bool
}

// DefaultOptions returns the export settings used by the pipeline.
func DefaultOptions() Options {
	return Options{
		Label:               1,
		Decimate:            true,
		CoplanarEpsilon:     1e-5,
		SmoothingIterations: 5,
		Relaxation:          0.1,
		FlipXY:              true,
	}
}

// labelSolid exposes the voxels equal to label as a model3d solid in voxel
// index space. Each voxel occupies the unit cube around its index.
type labelSolid struct {
	vol   *models.Volume
	label float64
	min   model3d.Coord3D
	max   model3d.Coord3D
}

func (s *labelSolid) Min() model3d.Coord3D { return s.min }
func (s *labelSolid) Max() model3d.Coord3D { return s.max }

func (s *labelSolid) Contains(c model3d.Coord3D) bool {
	if c.X < s.min.X || c.Y < s.min.Y || c.Z < s.min.Z ||
		c.X > s.max.X || c.Y > s.max.Y || c.Z > s.max.Z {
		return false
	}
	x := int(math.Round(c.X))
	y := int(math.Round(c.Y))
	z := int(math.Round(c.Z))
	return s.vol.At(x, y, z) == s.label
}

// newLabelSolid bounds the solid by the voxels carrying label, padded by
// one empty voxel on every side so the surface is closed at the grid edge.
func newLabelSolid(vol *models.Volume, label int) (*labelSolid, error) {
	target := float64(label)
	lo := [3]int{math.MaxInt, math.MaxInt, math.MaxInt}
	hi := [3]int{-1, -1, -1}
	nx, ny, nz := vol.Width(), vol.Height(), vol.Depth()
	for z := 0; z < nz; z++ {
		for y := 0; y < ny; y++ {
			row := vol.Index(0, y, z)
			for x := 0; x < nx; x++ {
				if vol.Data[row+x] != target {
					continue
				}
				p := [3]int{x, y, z}
				for i := 0; i < 3; i++ {
					lo[i] = min(lo[i], p[i])
					hi[i] = max(hi[i], p[i])
				}
			}
		}
	}
	if hi[0] < 0 {
		return nil, ErrEmptyMask
	}
	return &labelSolid{
		vol:   vol,
		label: target,
		min:   model3d.XYZ(float64(lo[0]-1), float64(lo[1]-1), float64(lo[2]-1)),
		max:   model3d.XYZ(float64(hi[0]+1), float64(hi[1]+1), float64(hi[2]+1)),
	}, nil
}

// Extract builds the surface of the voxels equal to opts.Label, in the
// physical coordinates given by the volume affine.
func Extract(vol *models.Volume, opts Options) ([]Triangle, error) {
	solid, err := newLabelSolid(vol, opts.Label)
	if err != nil {
		return nil, err
	}

	mesh := model3d.MarchingCubesSearch(solid, 1.0, 8)
	if opts.Decimate {
		mesh = mesh.EliminateCoplanar(opts.CoplanarEpsilon)
	}
	if opts.SmoothingIterations > 0 {
		smoother := &model3d.MeshSmoother{
			StepSize:   opts.Relaxation,
			Iterations: opts.SmoothingIterations,
		}
		mesh = smoother.Smooth(mesh)
	}

	// a mirroring affine reverses facet orientation
	mirrored := nifti.Determinant3(vol.Affine) < 0

	faces := mesh.TriangleSlice()
	triangles := make([]Triangle, 0, len(faces))
	for _, f := range faces {
		var v [3][3]float64
		for i, c := range f {
			x, y, z := vol.Apply(c.X, c.Y, c.Z)
			if opts.FlipXY {
				x, y = -x, -y
			}
			v[i] = [3]float64{x, y, z}
		}
		if mirrored {
			v[1], v[2] = v[2], v[1]
		}
		triangles = append(triangles, Triangle{
			Normal:  FaceNormal(v[0], v[1], v[2]),
			Vertex1: toFloat32(v[0]),
			Vertex2: toFloat32(v[1]),
			Vertex3: toFloat32(v[2]),
		})
	}
	return triangles, nil
}

func toFloat32(v [3]float64) [3]float32 {
	return [3]float32{float32(v[0]), float32(v[1]), float32(v[2])}
}
