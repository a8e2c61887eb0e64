package roadmap

import (
	"github.com/dhconnelly/rtreego"
	"github.com/golang/geo/r2"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

const fastMapSampling = 2.0

type laneSample struct {
	roadID int64
	laneID int32
	rect   rtreego.Rect
}

func (s *laneSample) Bounds() rtreego.Rect {
	return s.rect
}

// FastWaypointMap answers nearest-waypoint-by-world-location queries through
// an R-tree over sampled lane centreline points.
type FastWaypointMap struct {
	m    *Map
	tree *rtreego.Rtree
}

func NewFastWaypointMap(m *Map) *FastWaypointMap {
	tree := rtreego.NewTree(2, 8, 32)
	for _, roadID := range util.SortedKeys(m.roads) {
		road := m.roads[roadID]
		for lane := int32(0); int(lane) < len(road.laneOffsets); lane++ {
			for s := 0.0; s <= road.length; s += fastMapSampling {
				wp := m.Waypoint(roadID, lane, s)
				loc := wp.Transform.Location
				tree.Insert(&laneSample{
					roadID: roadID,
					laneID: lane,
					rect:   rtreego.Point{loc.X, loc.Y}.ToRect(0.01),
				})
			}
		}
	}
	return &FastWaypointMap{m: m, tree: tree}
}

// Waypoint returns the waypoint on the nearest drivable lane to loc, nil if
// the location is off the mapped network.
func (f *FastWaypointMap) Waypoint(loc r2.Point) *Waypoint {
	nearest := f.tree.NearestNeighbor(rtreego.Point{loc.X, loc.Y})
	if nearest == nil {
		return nil
	}
	sample := nearest.(*laneSample)
	best := f.m.ProjectToLane(loc, sample.roadID, sample.laneID)
	if best == nil {
		return nil
	}

	// The nearest sample resolves only the coarse (road, lane); the exact
	// lane still needs to be picked by lateral proximity since samples on
	// adjacent lanes can tie near a boundary.
	road := f.m.Road(sample.roadID)
	bestDist := geo.Distance(best.Transform.Location, loc)
	for lane := int32(0); int(lane) < len(road.laneOffsets); lane++ {
		if lane == sample.laneID {
			continue
		}
		cand := f.m.ProjectToLane(loc, sample.roadID, lane)
		if cand == nil {
			continue
		}
		if d := geo.Distance(cand.Transform.Location, loc); d < bestDist {
			best, bestDist = cand, d
		}
	}
	return best
}
