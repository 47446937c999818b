package geo

import (
	"errors"
	"fmt"
	"math"
)

// AreaStepDegrees is the grid cell size used to bucket coordinates (about 1-2 km at mid latitudes).
const AreaStepDegrees = 0.02

// ErrInvalidCoordinate indicates a latitude/longitude pair that is not finite or out of range.
var ErrInvalidCoordinate = errors.New("geo: invalid coordinate")

// Coordinate is a validated latitude/longitude pair in degrees.
type Coordinate struct {
	Latitude  float64
	Longitude float64
}

// NewCoordinate validates raw input and returns a Coordinate.
func NewCoordinate(latitude, longitude float64) (Coordinate, error) {
	if math.IsNaN(latitude) || math.IsInf(latitude, 0) || latitude < -90 || latitude > 90 {
		return Coordinate{}, fmt.Errorf("%w: latitude %v", ErrInvalidCoordinate, latitude)
	}
	if math.IsNaN(longitude) || math.IsInf(longitude, 0) || longitude < -180 || longitude > 180 {
		return Coordinate{}, fmt.Errorf("%w: longitude %v", ErrInvalidCoordinate, longitude)
	}
	return Coordinate{Latitude: latitude, Longitude: longitude}, nil
}

// AreaKey maps a coordinate onto its grid cell key "lat,lng" with two decimals.
// Watch writers and the notification dispatcher must both go through this function.
func AreaKey(latitude, longitude float64) string {
	return fmt.Sprintf("%.2f,%.2f", snapToGrid(latitude), snapToGrid(longitude))
}

// AreaKey returns the grid cell key for the coordinate.
func (c Coordinate) AreaKey() string {
	return AreaKey(c.Latitude, c.Longitude)
}

func snapToGrid(value float64) float64 {
	snapped := math.Round(value/AreaStepDegrees) * AreaStepDegrees
	if snapped == 0 {
		// avoid "-0.00"
		return 0
	}
	return snapped
}

const earthRadiusMeters = 6371000.0

// DistanceMeters returns the great-circle distance between two coordinates.
func DistanceMeters(from, to Coordinate) float64 {
	lat1 := from.Latitude * math.Pi / 180
	lat2 := to.Latitude * math.Pi / 180
	deltaLat := (to.Latitude - from.Latitude) * math.Pi / 180
	deltaLng := (to.Longitude - from.Longitude) * math.Pi / 180

	a := math.Sin(deltaLat/2)*math.Sin(deltaLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(deltaLng/2)*math.Sin(deltaLng/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// boundingBox returns the degree deltas covering radiusMeters around the coordinate.
func boundingBox(center Coordinate, radiusMeters float64) (float64, float64) {
	latDelta := radiusMeters / 111320.0
	cosLat := math.Cos(center.Latitude * math.Pi / 180)
	if cosLat < 0.01 {
		cosLat = 0.01
	}
	lngDelta := radiusMeters / (111320.0 * cosLat)
	return latDelta, lngDelta
}
