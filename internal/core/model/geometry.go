package model

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// RepresentativePoint returns the point itself for point geometries and the
// planar centroid otherwise.
func RepresentativePoint(g orb.Geometry) (orb.Point, bool) {
	if g == nil {
		return orb.Point{}, false
	}
	switch t := g.(type) {
	case orb.Point:
		return t, true
	case orb.MultiPoint:
		if len(t) == 0 {
			return orb.Point{}, false
		}
		return t[0], true
	}
	if isEmptyGeometry(g) {
		return orb.Point{}, false
	}
	c, _ := planar.CentroidArea(g)
	return c, true
}

func isEmptyGeometry(g orb.Geometry) bool {
	switch t := g.(type) {
	case orb.LineString:
		return len(t) == 0
	case orb.Polygon:
		return len(t) == 0 || len(t[0]) == 0
	case orb.MultiPolygon:
		return len(t) == 0
	case orb.MultiLineString:
		return len(t) == 0
	case orb.Ring:
		return len(t) == 0
	case orb.Collection:
		return len(t) == 0
	}
	return false
}
