// Package criterion holds unsupervised losses for depth and pose estimation.
package criterion

import (
	"depthpose/ml"

	"github.com/pkg/errors"
	torch "github.com/wangkuiyi/gotorch"
)

// Term names reported by Consistency, in reporting order.
const (
	TemporalRotation    = "temporal_rotation"
	TemporalTranslation = "temporal_translation"
	StereoRotation      = "stereo_rotation"
	StereoTranslation   = "stereo_translation"
	DepthScale          = "depth_scale"
)

// Consistency scores the geometric redundancy of a stereo pair observed at
// two instants. It expects views ordered left-current, left-next,
// right-current, right-next, and poses ordered left forward, left backward,
// right forward, right backward.
//
// Forward and backward motion of one camera must cancel out, both cameras
// are rigidly mounted so their motions must agree, and the two cameras must
// see the same mean depth at the same instant.
type Consistency struct {
	LambdaPosition float32
	LambdaAngle    float32
	LambdaDepth    float32
}

var _ ml.Criterion = (*Consistency)(nil)

func NewConsistency(lambdaPosition, lambdaAngle, lambdaDepth float32) *Consistency {
	return &Consistency{
		LambdaPosition: lambdaPosition,
		LambdaAngle:    lambdaAngle,
		LambdaDepth:    lambdaDepth,
	}
}

func (c *Consistency) Compute(images, depths []torch.Tensor, poses []ml.Pose) (*ml.Losses, error) {
	if len(images) != 4 || len(depths) != 4 || len(poses) != 4 {
		return nil, errors.Errorf("consistency needs 4 views, depths and poses, got %d, %d and %d",
			len(images), len(depths), len(poses))
	}
	leftFwd, leftBwd, rightFwd, rightBwd := poses[0], poses[1], poses[2], poses[3]

	temporalRotation := weightedSum(
		weighted{meanSquare(torch.Add(leftFwd.Rotation, leftBwd.Rotation, 1)), 0.5},
		weighted{meanSquare(torch.Add(rightFwd.Rotation, rightBwd.Rotation, 1)), 0.5},
	)
	temporalTranslation := weightedSum(
		weighted{meanSquare(torch.Add(leftFwd.Translation, leftBwd.Translation, 1)), 0.5},
		weighted{meanSquare(torch.Add(rightFwd.Translation, rightBwd.Translation, 1)), 0.5},
	)
	stereoRotation := weightedSum(
		weighted{meanSquare(torch.Sub(leftFwd.Rotation, rightFwd.Rotation, 1)), 0.5},
		weighted{meanSquare(torch.Sub(leftBwd.Rotation, rightBwd.Rotation, 1)), 0.5},
	)
	stereoTranslation := weightedSum(
		weighted{meanSquare(torch.Sub(leftFwd.Translation, rightFwd.Translation, 1)), 0.5},
		weighted{meanSquare(torch.Sub(leftBwd.Translation, rightBwd.Translation, 1)), 0.5},
	)
	depthScale := weightedSum(
		weighted{meanSquare(torch.Sub(depths[0].Mean(), depths[2].Mean(), 1)), 0.5},
		weighted{meanSquare(torch.Sub(depths[1].Mean(), depths[3].Mean(), 1)), 0.5},
	)

	losses := ml.NewLosses()
	losses.Set(TemporalRotation, temporalRotation)
	losses.Set(TemporalTranslation, temporalTranslation)
	losses.Set(StereoRotation, stereoRotation)
	losses.Set(StereoTranslation, stereoTranslation)
	losses.Set(DepthScale, depthScale)
	losses.Set(ml.LossKey, weightedSum(
		weighted{temporalRotation, c.LambdaAngle},
		weighted{stereoRotation, c.LambdaAngle},
		weighted{temporalTranslation, c.LambdaPosition},
		weighted{stereoTranslation, c.LambdaPosition},
		weighted{depthScale, c.LambdaDepth},
	))
	return losses, nil
}

type weighted struct {
	term   torch.Tensor
	weight float32
}

// weightedSum starts from a zero derived from the first term so the result
// stays on the terms' device.
func weightedSum(terms ...weighted) torch.Tensor {
	acc := torch.Sub(terms[0].term, terms[0].term, 1)
	for _, t := range terms {
		acc = torch.Add(acc, t.term, t.weight)
	}
	return acc
}

func meanSquare(x torch.Tensor) torch.Tensor {
	return torch.Mul(x, x).Mean()
}
