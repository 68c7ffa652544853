package models

// Volume represents a 3D (or 4D) voxel grid read from or written to a
// NIfTI file, or assembled from a DICOM series.
type Volume struct {
	// Data is the voxel data in x-fastest order: idx = x + nx*(y + ny*z) (+ nx*ny*nz*t)
	Data []float64

	// Dims holds the grid size along x, y, z and t. 3D volumes have Dims[3] == 1.
	Dims [4]int

	// Spacing is the physical size of each voxel in mm along x, y and z
	Spacing [3]float64

	// Affine maps voxel indices (i, j, k, 1) to physical coordinates.
	// NIfTI volumes use the RAS+ convention.
	Affine [4][4]float64

	// Datatype is the NIfTI datatype code used when the volume is written
	Datatype int16

	// Description is stored in the NIfTI descrip field
	Description string
}

// NewVolume allocates a zero-filled 3D volume with identity orientation and
// the given spacing.
func NewVolume(nx, ny, nz int, spacing [3]float64) *Volume {
	v := &Volume{
		Data:    make([]float64, nx*ny*nz),
		Dims:    [4]int{nx, ny, nz, 1},
		Spacing: spacing,
	}
	for i := 0; i < 3; i++ {
		v.Affine[i][i] = spacing[i]
	}
	v.Affine[3][3] = 1
	return v
}

// Width is the number of voxels along x
func (v *Volume) Width() int { return v.Dims[0] }

// Height is the number of voxels along y
func (v *Volume) Height() int { return v.Dims[1] }

// Depth is the number of voxels along z
func (v *Volume) Depth() int { return v.Dims[2] }

// Frames is the number of time points (1 for 3D data)
func (v *Volume) Frames() int {
	if v.Dims[3] < 1 {
		return 1
	}
	return v.Dims[3]
}

// Index returns the offset of voxel (x, y, z) in the first frame.
func (v *Volume) Index(x, y, z int) int {
	return x + v.Dims[0]*(y+v.Dims[1]*z)
}

// At returns the value of voxel (x, y, z), or 0 outside the grid.
func (v *Volume) At(x, y, z int) float64 {
	if x < 0 || y < 0 || z < 0 || x >= v.Dims[0] || y >= v.Dims[1] || z >= v.Dims[2] {
		return 0
	}
	return v.Data[v.Index(x, y, z)]
}

// VoxelVolume returns the physical volume of one voxel in mm^3.
func (v *Volume) VoxelVolume() float64 {
	return v.Spacing[0] * v.Spacing[1] * v.Spacing[2]
}

// Apply maps a voxel index coordinate through the affine.
func (v *Volume) Apply(i, j, k float64) (x, y, z float64) {
	a := v.Affine
	x = a[0][0]*i + a[0][1]*j + a[0][2]*k + a[0][3]
	y = a[1][0]*i + a[1][1]*j + a[1][2]*k + a[1][3]
	z = a[2][0]*i + a[2][1]*j + a[2][2]*k + a[2][3]
	return x, y, z
}
