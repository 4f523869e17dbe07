package geo

import (
	"math"
	"testing"
)

func TestHaversineZeroForSamePoint(t *testing.T) {
	p := Coordinate{41.2856, 69.2034}
	if d := Haversine(p, p); d != 0 {
		t.Errorf("expected 0 distance for identical points, got %f", d)
	}
}

func TestHaversineKnownDistance(t *testing.T) {
	// Chilanzar to Yunusabad, about 8.5km apart by the district table.
	o := New(Options{})
	d, ok := o.DistrictDistance("Чиланзар", "Юнусабад")
	if !ok {
		t.Fatal("expected both districts to be known")
	}
	if d <= 0 || d > 15 {
		t.Errorf("expected a plausible intra-city distance, got %f km", d)
	}
}

func TestDistrictDistanceUnknownDistrict(t *testing.T) {
	o := New(Options{})
	if _, ok := o.DistrictDistance("Чиланзар", "Atlantis"); ok {
		t.Error("expected unknown district to report not-ok")
	}
}

func TestTrafficBandAt(t *testing.T) {
	cases := map[int]TrafficBand{
		6:  BandNormal,
		7:  BandRush,
		8:  BandRush,
		9:  BandRush,
		10: BandNormal,
		17: BandRush,
		19: BandRush,
		20: BandEvening,
		23: BandEvening,
		12: BandNormal,
	}
	for hour, want := range cases {
		if got := TrafficBandAt(hour); got != want {
			t.Errorf("hour %d: expected %s, got %s", hour, want, got)
		}
	}
}

func TestTravelTimeIncludesBuffer(t *testing.T) {
	o := New(Options{})
	a := Coordinate{41.2856, 69.2034}
	b := a // zero distance
	mins := o.TravelTimeMinutes(a, b, ModeCar, 12)
	if math.Abs(mins-5) > 1e-6 {
		t.Errorf("expected zero-distance travel time to equal the 5 minute buffer floor, got %f", mins)
	}
}

func TestTravelTimeFasterInEveningThanRushHour(t *testing.T) {
	o := New(Options{})
	a := Coordinate{41.2856, 69.2034}
	b := Coordinate{41.3265, 69.2891}

	rush := o.TravelTimeMinutes(a, b, ModeCar, 8)
	evening := o.TravelTimeMinutes(a, b, ModeCar, 21)
	if evening >= rush {
		t.Errorf("expected evening travel time (%f) to be faster than rush hour (%f)", evening, rush)
	}
}

func TestOptimizeRouteIdentityForSingleStop(t *testing.T) {
	o := New(Options{})
	origin := Coordinate{41.0, 69.0}
	stops := []Stop{{ID: "a", Coordinate: Coordinate{41.01, 69.01}}}

	route := o.OptimizeRoute(origin, stops, ModeCar, 12)
	if len(route.OrderedStops) != 1 || route.OrderedStops[0].ID != "a" {
		t.Fatalf("expected identity route for a single stop, got %+v", route)
	}
}

func TestOptimizeRouteEmptyStops(t *testing.T) {
	o := New(Options{})
	route := o.OptimizeRoute(Coordinate{41, 69}, nil, ModeCar, 12)
	if len(route.OrderedStops) != 0 || route.TotalDistanceKM != 0 {
		t.Fatalf("expected empty route for no stops, got %+v", route)
	}
}

func TestOptimizeRouteNearestNeighborImprovesOverUnordered(t *testing.T) {
	o := New(Options{})
	origin := Coordinate{41.20, 69.20}
	// Deliberately out-of-order stops so nearest-neighbor has to reorder them.
	stops := []Stop{
		{ID: "far", Coordinate: Coordinate{41.40, 69.40}},
		{ID: "near", Coordinate: Coordinate{41.21, 69.21}},
		{ID: "mid", Coordinate: Coordinate{41.30, 69.30}},
	}

	route := o.OptimizeRoute(origin, stops, ModeCar, 12)
	if len(route.OrderedStops) != 3 {
		t.Fatalf("expected all 3 stops in the route, got %d", len(route.OrderedStops))
	}
	if route.OrderedStops[0].ID != "near" {
		t.Errorf("expected nearest-neighbor to visit 'near' first, got %s", route.OrderedStops[0].ID)
	}
	if route.ImprovementOverUnordered <= 0 {
		t.Errorf("expected a positive improvement over the unordered schedule, got %f", route.ImprovementOverUnordered)
	}
}

func TestClusterByDistrict(t *testing.T) {
	clusters := ClusterByDistrict(map[string]string{
		"req-1": "Чиланзар",
		"req-2": "Юнусабад",
		"req-3": "Чиланзар",
	})
	if len(clusters["Чиланзар"]) != 2 || len(clusters["Юнусабад"]) != 1 {
		t.Fatalf("unexpected clustering: %+v", clusters)
	}
}

func TestClusterByGridGroupsNearbyPoints(t *testing.T) {
	clusters := ClusterByGrid(map[string]Coordinate{
		"a": {41.2001, 69.2001},
		"b": {41.2002, 69.2002},
		"c": {41.9000, 69.9000},
	}, 0.02)
	if len(clusters) != 2 {
		t.Fatalf("expected 2 grid cells, got %d: %+v", len(clusters), clusters)
	}
}
