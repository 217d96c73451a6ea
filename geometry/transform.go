// Package geometry turns estimated camera motions into rigid transforms,
// trajectories and point clouds.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// RotationMatrix builds R = Rz(euler[2]) Ry(euler[1]) Rx(euler[0]) from
// angles in radians.
func RotationMatrix(euler [3]float64) *mat.Dense {
	sx, cx := math.Sincos(euler[0])
	sy, cy := math.Sincos(euler[1])
	sz, cz := math.Sincos(euler[2])
	return mat.NewDense(3, 3, []float64{
		cz * cy, cz*sy*sx - sz*cx, cz*sy*cx + sz*sx,
		sz * cy, sz*sy*sx + cz*cx, sz*sy*cx - cz*sx,
		-sy, cy * sx, cy * cx,
	})
}

// Transform assembles a 4x4 homogeneous transform.
func Transform(rotation mat.Matrix, translation r3.Vector) *mat.Dense {
	t := mat.NewDense(4, 4, nil)
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			t.Set(i, j, rotation.At(i, j))
		}
	}
	t.Set(0, 3, translation.X)
	t.Set(1, 3, translation.Y)
	t.Set(2, 3, translation.Z)
	t.Set(3, 3, 1)
	return t
}

// FromPose converts an Euler rotation and a translation vector.
func FromPose(rotation, translation [3]float64) *mat.Dense {
	return Transform(RotationMatrix(rotation), r3.Vector{X: translation[0], Y: translation[1], Z: translation[2]})
}

// Invert returns the inverse of a rigid transform.
func Invert(t mat.Matrix) *mat.Dense {
	rt := mat.DenseCopyOf(mat.DenseCopyOf(t).Slice(0, 3, 0, 3).T())
	var shift mat.VecDense
	shift.MulVec(rt, mat.NewVecDense(3, []float64{t.At(0, 3), t.At(1, 3), t.At(2, 3)}))
	return Transform(rt, r3.Vector{X: -shift.AtVec(0), Y: -shift.AtVec(1), Z: -shift.AtVec(2)})
}

// Apply maps p through a 4x4 transform.
func Apply(t mat.Matrix, p r3.Vector) r3.Vector {
	return r3.Vector{
		X: t.At(0, 0)*p.X + t.At(0, 1)*p.Y + t.At(0, 2)*p.Z + t.At(0, 3),
		Y: t.At(1, 0)*p.X + t.At(1, 1)*p.Y + t.At(1, 2)*p.Z + t.At(1, 3),
		Z: t.At(2, 0)*p.X + t.At(2, 1)*p.Y + t.At(2, 2)*p.Z + t.At(2, 3),
	}
}
