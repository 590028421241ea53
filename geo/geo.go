// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package geo maps geographic points and viewports to S2 cells.
//
// Publications are addressed to every cell that contains the alert location,
// from the coarsest level down to ContainingLevels-1. Subscriptions address a
// small covering of the viewport circle whose cells sit within a narrow window
// of levels around the one whose width matches the circle radius, never deeper
// than the deepest containing level. A viewport covering cell is therefore
// always one of the containing cells of any point inside it.
package geo

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

// EarthRadiusMeters is the mean Earth radius used for metric distances.
const EarthRadiusMeters = 6371e3

const (
	// DefaultContainingLevels is the number of cells returned by CellsContaining.
	DefaultContainingLevels = 17
	// DefaultMaxCells bounds the size of a viewport covering.
	DefaultMaxCells = 9
	// DefaultLevelsBelow and DefaultLevelsAbove define the window of levels
	// around the estimated level that the region coverer may use.
	DefaultLevelsBelow = 1
	DefaultLevelsAbove = 2
)

// minWidthDeriv is the derivative of the minimum cell width metric for the
// quadratic projection: a level-k cell is at least minWidthDeriv * 2^-k
// radians wide.
var minWidthDeriv = 2 * math.Sqrt2 / 3

// Point is a geographic position in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// LatLng returns the point as an s2.LatLng.
func (p Point) LatLng() s2.LatLng {
	return s2.LatLngFromDegrees(p.Lat, p.Lng)
}

// S2 returns the point on the unit sphere.
func (p Point) S2() s2.Point {
	return s2.PointFromLatLng(p.LatLng())
}

// Valid reports whether the point lies within the latitude and longitude ranges.
func (p Point) Valid() bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// Angle returns the great-circle angle between two points.
func Angle(a, b Point) s1.Angle {
	return a.S2().Distance(b.S2())
}

// DistanceMeters returns the great-circle distance between two points in meters.
func DistanceMeters(a, b Point) float64 {
	return Angle(a, b).Radians() * EarthRadiusMeters
}

// Coverer computes containing cells and viewport coverings.
// The zero value is not usable; use NewCoverer or DefaultCoverer.
type Coverer struct {
	ContainingLevels int
	MaxCells         int
	LevelsBelow      int
	LevelsAbove      int
}

// DefaultCoverer uses the package defaults.
var DefaultCoverer = NewCoverer()

// NewCoverer returns a Coverer configured with the package defaults.
func NewCoverer() *Coverer {
	return &Coverer{
		ContainingLevels: DefaultContainingLevels,
		MaxCells:         DefaultMaxCells,
		LevelsBelow:      DefaultLevelsBelow,
		LevelsAbove:      DefaultLevelsAbove,
	}
}

// CellsContaining returns the cells containing p, finest first.
func (c *Coverer) CellsContaining(p Point) []s2.CellID {
	deepest := c.deepestLevel()
	leaf := s2.CellIDFromLatLng(p.LatLng())

	cells := make([]s2.CellID, 0, deepest+1)
	for level := deepest; level >= 0; level-- {
		cells = append(cells, leaf.Parent(level))
	}
	return cells
}

// CellsCovering returns a covering of the circle centered at center that
// passes through edge.
func (c *Coverer) CellsCovering(center, edge Point) []s2.CellID {
	return c.CellsCoveringRadius(center, Angle(center, edge))
}

// CellsCoveringRadius returns a covering of the spherical cap of the given
// angular radius around center. The result is normalized: cells never
// overlap and there are at most MaxCells of them.
func (c *Coverer) CellsCoveringRadius(center Point, radius s1.Angle) []s2.CellID {
	level := LevelForRadius(radius)

	var region s2.Region
	if radius >= s1.Angle(math.Pi) {
		region = s2.FullCap()
	} else {
		if radius < 0 {
			radius = 0
		}
		region = s2.CapFromCenterAngle(center.S2(), radius)
	}

	deepest := c.deepestLevel()
	rc := &s2.RegionCoverer{
		MinLevel: clamp(level-c.LevelsBelow, 0, deepest),
		MaxLevel: clamp(level+c.LevelsAbove, 0, deepest),
		LevelMod: 1,
		MaxCells: max(c.MaxCells, 1),
	}
	covering := rc.Covering(region)
	if len(covering) == 0 {
		// Degenerate caps always lie in at least one cell.
		return []s2.CellID{s2.CellIDFromLatLng(center.LatLng()).Parent(rc.MaxLevel)}
	}
	return []s2.CellID(covering)
}

// deepestLevel is the finest level CellsContaining returns.
func (c *Coverer) deepestLevel() int {
	return clamp(c.ContainingLevels, 1, s2.MaxLevel+1) - 1
}

// LevelForRadius estimates the level whose cells are about as wide as the
// given angular radius. The result is clamped to [0, s2.MaxLevel].
func LevelForRadius(radius s1.Angle) int {
	r := radius.Radians()
	if r <= 0 {
		return s2.MaxLevel
	}
	level := math.Floor(math.Log2(minWidthDeriv / r))
	if math.IsNaN(level) || level > s2.MaxLevel {
		return s2.MaxLevel
	}
	if level < 0 {
		return 0
	}
	return int(level)
}

// CellsContaining calls DefaultCoverer.CellsContaining.
func CellsContaining(p Point) []s2.CellID {
	return DefaultCoverer.CellsContaining(p)
}

// CellsCovering calls DefaultCoverer.CellsCovering.
func CellsCovering(center, edge Point) []s2.CellID {
	return DefaultCoverer.CellsCovering(center, edge)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
