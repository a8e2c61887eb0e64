package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	_ "net/http/pprof"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hzj-learn/conformal-lattice-planner/pkg/engine/idmplanner"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/engine/stplanner"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/follow"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/roadmap"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/router"
	mymiddleware "github.com/hzj-learn/conformal-lattice-planner/pkg/server/middleware"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/server/rest"
	"github.com/hzj-learn/conformal-lattice-planner/pkg/server/rest/service"
)

var (
	listenAddr     = flag.String("listenaddr", ":5000", "server listen address")
	variant        = flag.String("variant", "idm", "planner variant: idm or spatiotemporal")
	simTimeStep    = flag.Float64("timestep", 0.2, "forward simulation time step in seconds")
	spatialHorizon = flag.Float64("horizon", 150.0, "spatial planning horizon in meters")
	roadLength     = flag.Float64("roadlength", 120.0, "length of each synthetic road in meters")
	numLanes       = flag.Int("lanes", 3, "lanes per synthetic road")
	numAgents      = flag.Int("agents", 6, "demo traffic vehicles to seed")
	trafficWindow  = flag.Float64("trafficwindow", 200.0, "length of the demo traffic window in meters")
)

// The demo route reuses the closed loop of the benchmark town.
var loopRoadSequence = []int64{
	47, 558, 48, 887, 49, 717, 50, 42, 276, 43, 35, 636, 36,
	540, 37, 1021, 38, 678, 39, 728, 40, 841, 41, 6, 45, 103,
	46, 659,
}

func main() {
	flag.Parse()

	m := roadmap.BuildLoopMap(loopRoadSequence, *roadLength, *numLanes, roadmap.DefaultLaneWidth)
	fm := roadmap.NewFastWaypointMap(m)
	rt := router.NewLoopRouter(loopRoadSequence)
	idm := follow.Default()

	planner, err := newPlanner(*variant, rt, m, fm, idm)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("planner variant: %s, horizon: %.0fm, time step: %.2fs",
		*variant, *spatialHorizon, *simTimeStep)

	svc := service.NewPlannerService(planner, m, fm, rt)

	demo, err := newDemoTraffic(m, fm, rt, m.Waypoint(loopRoadSequence[0], 0, 10), *trafficWindow)
	if err != nil {
		log.Fatal(err)
	}
	demo.seed(*numAgents)
	go func() {
		for range time.Tick(time.Second) {
			demo.advance(1.0)
		}
	}()

	reg := prometheus.NewRegistry()
	metrics := mymiddleware.NewMetrics(reg)

	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Handler)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	rest.PlannerRouter(r, svc)
	r.Get("/api/traffic", demo.handleTraffic)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Mount("/debug", chimiddleware.Profiler())

	log.Printf("listening on %s", *listenAddr)
	if err := http.ListenAndServe(*listenAddr, r); err != nil {
		log.Fatal(err)
	}
}

func newPlanner(variant string, rt router.Router, m *roadmap.Map, fm *roadmap.FastWaypointMap, idm follow.Model) (service.PathPlanner, error) {
	switch variant {
	case "idm":
		return idmplanner.New(
			idmplanner.Config{SimTimeStep: *simTimeStep, SpatialHorizon: *spatialHorizon},
			rt, m, fm, idm)
	case "spatiotemporal":
		return stplanner.New(
			stplanner.Config{SimTimeStep: *simTimeStep, SpatialHorizon: *spatialHorizon},
			rt, m, fm, idm)
	default:
		return nil, fmt.Errorf("unknown planner variant %q", variant)
	}
}
