package main

import (
	"log"
	"net/http"
	"sync"

	"github.com/go-chi/render"
	"github.com/golang/geo/r2"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/server/rest"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/traffic"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/util"
)

const (
	demoSpawnClearance = 20.0
	demoSpawnInset     = 5.0
	demoVehicleBaseID  = 100
)

// demoTraffic keeps a rolling window of simulated vehicles alive around the
// route start, so /api/plan always has live agents to plan against. Spawn
// poses come from the traffic manager's fringe suggestions and the window
// slides with the traffic.
type demoTraffic struct {
	mu sync.Mutex

	mg       *traffic.Manager
	fm       *roadmap.FastWaypointMap
	rt       router.Router
	vehicles map[int64]traffic.Vehicle
}

func newDemoTraffic(m *roadmap.Map, fm *roadmap.FastWaypointMap, rt router.Router, start *roadmap.Waypoint, window float64) (*demoTraffic, error) {
	mg, err := traffic.NewManager(start, window, rt, m, fm)
	if err != nil {
		return nil, err
	}
	return &demoTraffic{
		mg:       mg,
		fm:       fm,
		rt:       rt,
		vehicles: make(map[int64]traffic.Vehicle),
	}, nil
}

// seed spawns up to n vehicles, alternating between the back and front
// fringes of the window.
func (d *demoTraffic) seed(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i := 0; i < n; i++ {
		// Front spawns always run faster than back spawns so same-lane
		// pairs diverge; the demo moves vehicles at constant speed.
		var suggestion *traffic.SpawnSuggestion
		var speed float64
		atBack := i%2 == 0
		if atBack {
			suggestion = d.mg.BackSpawnWaypoint(demoSpawnClearance)
			speed = 8.0 + float64(i%3)
		} else {
			suggestion = d.mg.FrontSpawnWaypoint(demoSpawnClearance)
			speed = 12.0 + float64(i%3)
		}
		if suggestion == nil {
			log.Printf("demo traffic: no spawn slot with %.0fm clearance left", demoSpawnClearance)
			continue
		}

		// The body must lie fully inside the window, so the spawn pose is
		// inset from the fringe.
		pose := suggestion.Waypoint.Transform
		if atBack {
			pose.Location = pose.Project(demoSpawnInset)
		} else {
			pose.Location = pose.Project(-demoSpawnInset)
		}

		v := traffic.Vehicle{
			ID:          int64(demoVehicleBaseID + i),
			BoundingBox: traffic.BoundingBox{Extent: r2.Point{X: 2.3, Y: 1.0}},
			Transform:   pose,
			Speed:       speed,
			PolicySpeed: speed,
			Curvature:   suggestion.Waypoint.Curvature,
		}
		if d.mg.AddVehicle(v.Placement()) != 1 {
			continue
		}
		d.vehicles[v.ID] = v
		log.Printf("demo traffic: seeded vehicle %d at %s, clearance %.1fm",
			v.ID, suggestion.Waypoint, suggestion.Clearance)
	}
}

// advance rolls every vehicle forward along the route by dt seconds and
// slides the window with the slowest one. Vehicles that fall off the window
// are dropped.
func (d *demoTraffic) advance(dt float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.vehicles) == 0 {
		return
	}

	shift := 0.0
	placements := make([]traffic.Placement, 0, len(d.vehicles))
	for i, id := range util.SortedKeys(d.vehicles) {
		v := d.vehicles[id]
		ds := v.Speed * dt
		if wp := d.fm.Waypoint(v.Transform.Location); wp != nil && ds > 0 {
			if next, err := d.rt.FrontWaypoint(wp, ds); err == nil && next != nil {
				v.Transform = next.Transform
				v.Curvature = next.Curvature
			}
		}
		d.vehicles[id] = v
		placements = append(placements, v.Placement())
		if i == 0 || ds < shift {
			shift = ds
		}
	}

	disappeared, ok, err := d.mg.MoveTrafficSliding(placements, shift)
	if err != nil {
		log.Printf("demo traffic: %v", err)
		return
	}
	if !ok {
		log.Printf("demo traffic: collision while sliding the window")
	}
	for _, id := range disappeared {
		log.Printf("demo traffic: vehicle %d left the window", id)
		delete(d.vehicles, id)
	}
}

// handleTraffic serves the current vehicles in the /api/plan input shape so
// a client can feed them straight back into the planner.
func (d *demoTraffic) handleTraffic(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]rest.VehicleInput, 0, len(d.vehicles))
	for _, id := range util.SortedKeys(d.vehicles) {
		v := d.vehicles[id]
		out = append(out, rest.VehicleInput{
			ID:          v.ID,
			X:           v.Transform.Location.X,
			Y:           v.Transform.Location.Y,
			Yaw:         v.Transform.Yaw,
			HalfLength:  v.BoundingBox.Extent.X,
			HalfWidth:   v.BoundingBox.Extent.Y,
			Speed:       v.Speed,
			PolicySpeed: v.PolicySpeed,
		})
	}

	render.Status(r, http.StatusOK)
	render.JSON(w, r, out)
}
