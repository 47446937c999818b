package server

import (
	"strconv"
	"strings"

	"github.com/qpick/availability/backend/internal/geo"
)

func parseLocation(latitude, longitude string) (geo.Coordinate, bool) {
	lat, err := strconv.ParseFloat(strings.TrimSpace(latitude), 64)
	if err != nil {
		return geo.Coordinate{}, false
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(longitude), 64)
	if err != nil {
		return geo.Coordinate{}, false
	}
	location, err := geo.NewCoordinate(lat, lng)
	if err != nil {
		return geo.Coordinate{}, false
	}
	return location, true
}

func locationFromBody(latitude, longitude *float64) (geo.Coordinate, bool) {
	if latitude == nil || longitude == nil {
		return geo.Coordinate{}, false
	}
	location, err := geo.NewCoordinate(*latitude, *longitude)
	if err != nil {
		return geo.Coordinate{}, false
	}
	return location, true
}

func parseProductID(raw string) (int64, bool) {
	productID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || productID <= 0 {
		return 0, false
	}
	return productID, true
}
