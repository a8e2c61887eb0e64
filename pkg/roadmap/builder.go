package roadmap

import (
	"github.com/hzj-learn/conformal-lattice-planner/pkg/geo"
)

const DefaultLaneWidth = 3.5

// Builder assembles synthetic road networks for tests and the demo binary.
// Roads are laid out end to end from the cursor pose; lane 0 is the leftmost
// lane.
type Builder struct {
	m      *Map
	cursor geo.Transform
}

func NewBuilder() *Builder {
	return &Builder{m: &Map{roads: make(map[int64]*Road)}}
}

// AddRoad appends a straight road at the cursor.
func (b *Builder) AddRoad(id int64, length float64, numLanes int, laneWidth float64) *Builder {
	return b.AddCurvedRoad(id, length, numLanes, laneWidth, 0)
}

// AddCurvedRoad appends a constant-curvature road at the cursor and advances
// the cursor to the road's end pose. Positive curvature turns toward the
// right-hand side.
func (b *Builder) AddCurvedRoad(id int64, length float64, numLanes int, laneWidth, curvature float64) *Builder {
	offsets := make([]float64, numLanes)
	for i := range offsets {
		offsets[i] = float64(i) * laneWidth
	}
	road := &Road{
		id:          id,
		length:      length,
		origin:      b.cursor,
		curvature:   curvature,
		laneOffsets: offsets,
	}
	b.m.roads[id] = road
	b.cursor = road.pose(length)
	return b
}

// Chain records a successor relation between two existing roads.
func (b *Builder) Chain(from, to int64) *Builder {
	f, t := b.m.roads[from], b.m.roads[to]
	if f == nil || t == nil {
		return b
	}
	f.nexts = append(f.nexts, to)
	t.prevs = append(t.prevs, from)
	return b
}

func (b *Builder) Build() *Map {
	return b.m
}

// BuildStraightMap lays the given roads end to end along +x, chained in
// order.
func BuildStraightMap(roadIDs []int64, roadLength float64, numLanes int, laneWidth float64) *Map {
	b := NewBuilder()
	for _, id := range roadIDs {
		b.AddRoad(id, roadLength, numLanes, laneWidth)
	}
	for i := 0; i+1 < len(roadIDs); i++ {
		b.Chain(roadIDs[i], roadIDs[i+1])
	}
	return b.Build()
}

// BuildLoopMap is BuildStraightMap with the last road chained back onto the
// first. The wrap is topological only; the geometry stays on the +x axis.
func BuildLoopMap(roadIDs []int64, roadLength float64, numLanes int, laneWidth float64) *Map {
	m := BuildStraightMap(roadIDs, roadLength, numLanes, laneWidth)
	if len(roadIDs) > 1 {
		last, first := m.roads[roadIDs[len(roadIDs)-1]], m.roads[roadIDs[0]]
		last.nexts = append(last.nexts, first.id)
		first.prevs = append(first.prevs, last.id)
	}
	return m
}
