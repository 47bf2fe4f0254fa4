// README: Travel time estimates from the Google Maps Distance Matrix API.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"roadside/internal/types"
)

// The Distance Matrix API accepts at most 25 origins per request.
const maxOrigins = 25

var ErrNoRoute = errors.New("no route found")

type matrixClient interface {
	DistanceMatrix(ctx context.Context, r *maps.DistanceMatrixRequest) (*maps.DistanceMatrixResponse, error)
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client matrixClient
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// ETAs returns the driving time from each origin to dest, in origin order.
// Origins without a route get ErrNoRoute for the whole call so callers can
// fall back uniformly.
func (s *RouteService) ETAs(ctx context.Context, origins []types.Point, dest types.Point) ([]time.Duration, error) {
	if len(origins) == 0 {
		return nil, nil
	}
	if len(origins) > maxOrigins {
		return nil, fmt.Errorf("too many origins: %d > %d", len(origins), maxOrigins)
	}
	req := &maps.DistanceMatrixRequest{
		Origins:       make([]string, len(origins)),
		Destinations:  []string{latLng(dest)},
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
	}
	for i, o := range origins {
		req.Origins[i] = latLng(o)
	}

	resp, err := s.client.DistanceMatrix(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) != len(origins) {
		return nil, fmt.Errorf("maps api returned %d rows for %d origins", len(resp.Rows), len(origins))
	}

	out := make([]time.Duration, len(origins))
	for i, row := range resp.Rows {
		if len(row.Elements) == 0 || row.Elements[0].Status != "OK" {
			return nil, ErrNoRoute
		}
		el := row.Elements[0]
		out[i] = el.Duration
		if el.DurationInTraffic > 0 {
			out[i] = el.DurationInTraffic
		}
	}
	return out, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
