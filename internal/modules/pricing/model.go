// README: Pricing rate definition for each service type.
package pricing

import "time"

type Rate struct {
	ServiceType string
	BaseFee     int64
	PerKm       int64
	Currency    string
}

type EstimateRequest struct {
	ServiceType string
	DistanceKm  float64
	RequestTime time.Time
	Urgent      bool
}

type EstimateResult struct {
	TotalAmount int64
	Currency    string
	Breakdown   map[string]int64
}
