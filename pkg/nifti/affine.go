package nifti

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Affine returns the voxel-to-world transform of the header: the sform when
// present, else the qform, else a scaling by pixdim.
func (h *Header) Affine() [4][4]float64 {
	switch {
	case h.SformCode > 0:
		return h.sformAffine()
	case h.QformCode > 0:
		return h.QformAffine()
	default:
		var a [4][4]float64
		z := h.Zooms()
		for i := 0; i < 3; i++ {
			a[i][i] = z[i]
		}
		a[3][3] = 1
		return a
	}
}

func (h *Header) sformAffine() [4][4]float64 {
	var a [4][4]float64
	rows := [3][4]float32{h.SrowX, h.SrowY, h.SrowZ}
	for i := 0; i < 3; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = float64(rows[i][j])
		}
	}
	a[3][3] = 1
	return a
}

// QformAffine builds the transform from the quaternion fields.
func (h *Header) QformAffine() [4][4]float64 {
	b := float64(h.QuaternB)
	c := float64(h.QuaternC)
	d := float64(h.QuaternD)
	a := 1.0 - (b*b + c*c + d*d)
	if a < 1e-7 {
		// 180 degree rotation: renormalize b, c, d
		n := 1.0 / math.Sqrt(b*b+c*c+d*d)
		b, c, d = b*n, c*n, d*n
		a = 0
	} else {
		a = math.Sqrt(a)
	}

	qfac := 1.0
	if h.Pixdim[0] < 0 {
		qfac = -1
	}
	dx := math.Abs(float64(h.Pixdim[1]))
	dy := math.Abs(float64(h.Pixdim[2]))
	dz := math.Abs(float64(h.Pixdim[3]))
	if dx == 0 {
		dx = 1
	}
	if dy == 0 {
		dy = 1
	}
	if dz == 0 {
		dz = 1
	}
	dz *= qfac

	var m [4][4]float64
	m[0][0] = (a*a + b*b - c*c - d*d) * dx
	m[0][1] = 2 * (b*c - a*d) * dy
	m[0][2] = 2 * (b*d + a*c) * dz
	m[1][0] = 2 * (b*c + a*d) * dx
	m[1][1] = (a*a + c*c - b*b - d*d) * dy
	m[1][2] = 2 * (c*d - a*b) * dz
	m[2][0] = 2 * (b*d - a*c) * dx
	m[2][1] = 2 * (c*d + a*b) * dy
	m[2][2] = (a*a + d*d - c*c - b*b) * dz
	m[0][3] = float64(h.QoffsetX)
	m[1][3] = float64(h.QoffsetY)
	m[2][3] = float64(h.QoffsetZ)
	m[3][3] = 1
	return m
}

// SetAffine stores affine in both the sform and the qform of the header.
// The qform keeps only the rigid part; pixdim receives the column norms.
func (h *Header) SetAffine(affine [4][4]float64) {
	h.SformCode = 1
	h.QformCode = 1
	h.SrowX = [4]float32{float32(affine[0][0]), float32(affine[0][1]), float32(affine[0][2]), float32(affine[0][3])}
	h.SrowY = [4]float32{float32(affine[1][0]), float32(affine[1][1]), float32(affine[1][2]), float32(affine[1][3])}
	h.SrowZ = [4]float32{float32(affine[2][0]), float32(affine[2][1]), float32(affine[2][2]), float32(affine[2][3])}

	b, c, d, qfac, zooms := quaternFromAffine(affine)
	h.QuaternB, h.QuaternC, h.QuaternD = float32(b), float32(c), float32(d)
	h.QoffsetX = float32(affine[0][3])
	h.QoffsetY = float32(affine[1][3])
	h.QoffsetZ = float32(affine[2][3])
	h.Pixdim[0] = float32(qfac)
	for i := 0; i < 3; i++ {
		h.Pixdim[i+1] = float32(zooms[i])
	}
}

// quaternFromAffine extracts the rotation quaternion (b, c, d), the qfac
// handedness flag and the voxel sizes from the upper 3x3 of affine.
func quaternFromAffine(affine [4][4]float64) (b, c, d, qfac float64, zooms [3]float64) {
	r := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r.Set(i, j, affine[i][j])
		}
	}

	for j := 0; j < 3; j++ {
		col := mat.Col(nil, j, r)
		n := math.Sqrt(col[0]*col[0] + col[1]*col[1] + col[2]*col[2])
		if n == 0 {
			// degenerate column: treat as the identity axis
			n = 1
			col = []float64{0, 0, 0}
			col[j] = 1
		}
		zooms[j] = n
		for i := 0; i < 3; i++ {
			r.Set(i, j, col[i]/n)
		}
	}

	qfac = 1
	if mat.Det(r) < 0 {
		qfac = -1
		for i := 0; i < 3; i++ {
			r.Set(i, 2, -r.At(i, 2))
		}
	}

	r11, r12, r13 := r.At(0, 0), r.At(0, 1), r.At(0, 2)
	r21, r22, r23 := r.At(1, 0), r.At(1, 1), r.At(1, 2)
	r31, r32, r33 := r.At(2, 0), r.At(2, 1), r.At(2, 2)

	var a float64
	trace := r11 + r22 + r33 + 1
	if trace > 0.5 {
		a = 0.5 * math.Sqrt(trace)
		b = 0.25 * (r32 - r23) / a
		c = 0.25 * (r13 - r31) / a
		d = 0.25 * (r21 - r12) / a
	} else {
		xd := 1 + r11 - (r22 + r33)
		yd := 1 + r22 - (r11 + r33)
		zd := 1 + r33 - (r11 + r22)
		switch {
		case xd > 1:
			b = 0.5 * math.Sqrt(xd)
			c = 0.25 * (r12 + r21) / b
			d = 0.25 * (r13 + r31) / b
			a = 0.25 * (r32 - r23) / b
		case yd > 1:
			c = 0.5 * math.Sqrt(yd)
			b = 0.25 * (r12 + r21) / c
			d = 0.25 * (r23 + r32) / c
			a = 0.25 * (r13 - r31) / c
		default:
			d = 0.5 * math.Sqrt(zd)
			b = 0.25 * (r13 + r31) / d
			c = 0.25 * (r23 + r32) / d
			a = 0.25 * (r21 - r12) / d
		}
		if a < 0 {
			b, c, d = -b, -c, -d
		}
	}
	return b, c, d, qfac, zooms
}

// Inverse returns the inverse of a 4x4 affine.
func Inverse(affine [4][4]float64) ([4][4]float64, error) {
	m := mat.NewDense(4, 4, nil)
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m.Set(i, j, affine[i][j])
		}
	}
	var inv mat.Dense
	if err := inv.Inverse(m); err != nil {
		return [4][4]float64{}, err
	}
	var out [4][4]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = inv.At(i, j)
		}
	}
	return out, nil
}

// Determinant3 returns the determinant of the upper 3x3 block; a negative
// value means the transform mirrors space.
func Determinant3(affine [4][4]float64) float64 {
	m := mat.NewDense(3, 3, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			m.Set(i, j, affine[i][j])
		}
	}
	return mat.Det(m)
}
