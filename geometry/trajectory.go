package geometry

import (
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Trajectory chains relative camera motions, starting at the identity.
type Trajectory struct {
	current *mat.Dense
	poses   []*mat.Dense
}

func NewTrajectory() *Trajectory {
	start := Transform(mat.NewDiagDense(3, []float64{1, 1, 1}), r3.Vector{})
	return &Trajectory{current: start, poses: []*mat.Dense{start}}
}

// Append composes relative, the pose of the next frame expressed in the
// current frame, onto the trajectory.
func (t *Trajectory) Append(relative mat.Matrix) {
	next := mat.NewDense(4, 4, nil)
	next.Mul(t.current, relative)
	t.current = next
	t.poses = append(t.poses, next)
}

func (t *Trajectory) Len() int { return len(t.poses) }

// Pose returns the absolute transform of frame i.
func (t *Trajectory) Pose(i int) *mat.Dense {
	return mat.DenseCopyOf(t.poses[i])
}

// Positions returns the camera centre of every frame.
func (t *Trajectory) Positions() []r3.Vector {
	out := make([]r3.Vector, len(t.poses))
	for i, p := range t.poses {
		out[i] = Apply(p, r3.Vector{})
	}
	return out
}

// Length is the travelled distance along the trajectory.
func (t *Trajectory) Length() float64 {
	positions := t.Positions()
	total := 0.0
	for i := 1; i < len(positions); i++ {
		total += positions[i].Sub(positions[i-1]).Norm()
	}
	return total
}
