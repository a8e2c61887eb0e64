package traffic

import (
	"fmt"

	"github.com/golang/geo/r2"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

// BoundingBox is a vehicle body box; Extent holds half-sizes, with Extent.X
// the half-length along the vehicle heading.
type BoundingBox struct {
	Extent r2.Point
}

// Placement is the minimal pose tuple used to register a vehicle body on the
// traffic lattice.
type Placement struct {
	ID          int64
	Transform   geo.Transform
	BoundingBox BoundingBox
}

// HeadLocation is the front-bumper reference point of the placement.
func (p Placement) HeadLocation() r2.Point {
	return p.Transform.Project(p.BoundingBox.Extent.X)
}

// RearLocation is the rear end of the bounding box: half a length behind the
// centre along the heading.
func (p Placement) RearLocation() r2.Point {
	return p.Transform.Project(-p.BoundingBox.Extent.X)
}

func (p Placement) String() string {
	return fmt.Sprintf("vehicle %d: x:%.2f y:%.2f yaw:%.3f",
		p.ID, p.Transform.Location.X, p.Transform.Location.Y, p.Transform.Yaw)
}

// Vehicle tracks the state of one vehicle during planning. Values are
// immutable within a snapshot; identity is the id.
type Vehicle struct {
	ID           int64
	BoundingBox  BoundingBox
	Transform    geo.Transform
	Speed        float64
	PolicySpeed  float64
	Acceleration float64
	Curvature    float64
}

func (v Vehicle) Placement() Placement {
	return Placement{ID: v.ID, Transform: v.Transform, BoundingBox: v.BoundingBox}
}

func (v Vehicle) String() string {
	return fmt.Sprintf("id:%d x:%.2f y:%.2f policy:%.2f speed:%.2f accel:%.2f curvature:%.4f",
		v.ID, v.Transform.Location.X, v.Transform.Location.Y,
		v.PolicySpeed, v.Speed, v.Acceleration, v.Curvature)
}
