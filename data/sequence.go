package data

import (
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// Sequence is a KITTI raw drive: synchronised left (image_02) and right
// (image_03) frame lists.
type Sequence struct {
	Dir   string
	Left  []string
	Right []string
}

// OpenSequence lists the frames of the drive stored under dir.
func OpenSequence(dir string) (*Sequence, error) {
	left, err := listFrames(filepath.Join(dir, "image_02", "data"))
	if err != nil {
		return nil, err
	}
	right, err := listFrames(filepath.Join(dir, "image_03", "data"))
	if err != nil {
		return nil, err
	}
	if len(left) != len(right) {
		return nil, errors.Errorf("%s: %d left frames but %d right frames", dir, len(left), len(right))
	}
	if len(left) < 2 {
		return nil, errors.Errorf("%s: need at least 2 frames, found %d", dir, len(left))
	}
	return &Sequence{Dir: dir, Left: left, Right: right}, nil
}

func listFrames(dir string) ([]string, error) {
	var frames []string
	for _, pattern := range []string{"*.png", "*.jpg"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, errors.Wrap(err, "list frames")
		}
		frames = append(frames, matches...)
	}
	sort.Strings(frames)
	return frames, nil
}

// Len is the number of (current, next) frame pairs.
func (s *Sequence) Len() int {
	return len(s.Left) - 1
}

// Frames returns the four frame paths of pair i in ml.ViewKeys order.
func (s *Sequence) Frames(i int) [4]string {
	return [4]string{s.Left[i], s.Left[i+1], s.Right[i], s.Right[i+1]}
}
