package path

import (
	"fmt"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

const (
	// DefaultSampleInterval is the arc spacing of discrete path samples.
	DefaultSampleInterval = 0.5

	appendTolerance = 0.5
)

// Sample is one discrete path point: a pose, the path curvature there, and
// the lateral offset from the segment's start lane line (right positive).
type Sample struct {
	Transform geo.Transform
	Curvature float64
	Lateral   float64
}

// DiscretePath is an ordered sequence of samples at a fixed arc interval,
// built by concatenating continuous path segments.
type DiscretePath struct {
	interval float64
	length   float64
	samples  []Sample
}

// NewDiscretePath samples a continuous path at the given arc interval.
func NewDiscretePath(cp *ContinuousPath, interval float64) *DiscretePath {
	if interval <= 0 {
		interval = DefaultSampleInterval
	}
	d := &DiscretePath{interval: interval}
	d.appendSegment(cp, true)
	return d
}

// Append concatenates another continuous segment; its start must coincide
// with the current path end.
func (d *DiscretePath) Append(cp *ContinuousPath) error {
	last := d.samples[len(d.samples)-1]
	gap := geo.Distance(last.Transform.Location, cp.Start().Transform.Location)
	if gap > appendTolerance {
		return fmt.Errorf("append: discontinuous path segments, gap %.3f", gap)
	}
	d.appendSegment(cp, false)
	return nil
}

func (d *DiscretePath) appendSegment(cp *ContinuousPath, includeStart bool) {
	ref := cp.Start().Transform
	s := 0.0
	if !includeStart {
		s = d.interval
	}
	for ; s < cp.Range(); s += d.interval {
		d.samples = append(d.samples, d.sampleAt(cp, ref, s))
	}
	d.samples = append(d.samples, d.sampleAt(cp, ref, cp.Range()))
	d.length += cp.Range()
}

func (d *DiscretePath) sampleAt(cp *ContinuousPath, ref geo.Transform, s float64) Sample {
	t := cp.TransformAt(s)
	return Sample{
		Transform: t,
		Curvature: cp.CurvatureAt(s),
		Lateral:   geo.LateralOffset(t.Location, ref),
	}
}

// Range is the total arc length of the concatenated path.
func (d *DiscretePath) Range() float64 {
	return d.length
}

func (d *DiscretePath) Interval() float64 {
	return d.interval
}

func (d *DiscretePath) Samples() []Sample {
	return d.samples
}

// Last returns the terminal sample of the path.
func (d *DiscretePath) Last() Sample {
	return d.samples[len(d.samples)-1]
}
