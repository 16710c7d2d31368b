// Package matcher decides which taxis can serve a ride request and which
// pending requests a taxi should see. Everything here works on snapshots and
// holds no state.
package matcher

import (
	"github.com/example/taxi-dispatch/internal/models"
)

// comparison selects how a taxi's current stop is compared against the
// request's starting stop.
type comparison int

const (
	strict comparison = iota
	inclusive
)

// approaching reports whether a taxi at order cur, moving in dir, has not yet
// passed the stop at order start. Forward and return are mirror images.
func approaching(dir models.Direction, cur, start int, cmp comparison) bool {
	switch dir {
	case models.DirectionForward:
		if cmp == inclusive {
			return cur <= start
		}
		return cur < start
	case models.DirectionReturn:
		if cmp == inclusive {
			return cur >= start
		}
		return cur > start
	}
	return false
}

// EligibleTaxis returns the taxis that should be notified when req is created
// (or re-offered after a driver cancel). Taxis driven by excludeDriver are
// skipped. Ride requests only reach taxis strictly approaching the starting
// stop; pickup requests reach every roaming taxi on the route.
func EligibleTaxis(route *models.Route, req *models.RideRequest, taxis []*models.Taxi, excludeDriver string) []*models.Taxi {
	if route == nil || req == nil || route.ID != req.RouteID {
		return nil
	}
	start, ok := route.StopOrder(req.StartingStop)
	if !ok {
		return nil
	}
	out := make([]*models.Taxi, 0, len(taxis))
	for _, t := range taxis {
		if t == nil || t.RouteID != req.RouteID {
			continue
		}
		if excludeDriver != "" && t.DriverID == excludeDriver {
			continue
		}
		switch req.RequestType {
		case models.RequestRide:
			if t.Status != models.TaxiOnTrip {
				continue
			}
			cur, ok := route.StopOrder(t.CurrentStop)
			if !ok || !approaching(t.Direction, cur, start, strict) {
				continue
			}
		case models.RequestPickup:
			if t.Status != models.TaxiRoaming {
				continue
			}
		default:
			continue
		}
		out = append(out, t)
	}
	return out
}

// NearbyRequests is the driver-facing view: the pending requests of the given
// type that taxi can act on. Ride requests are matched inclusively against the
// taxi's current stop; pickup requests must start exactly at the current stop.
// A taxi heading back only sees pickups when AllowReturnPickups is set.
func NearbyRequests(route *models.Route, taxi *models.Taxi, reqType models.RequestType, pending []*models.RideRequest) []*models.RideRequest {
	if route == nil || taxi == nil || route.ID != taxi.RouteID {
		return nil
	}
	cur, ok := route.StopOrder(taxi.CurrentStop)
	if !ok {
		return nil
	}
	if reqType == models.RequestPickup && taxi.Direction == models.DirectionReturn && !taxi.AllowReturnPickups {
		return []*models.RideRequest{}
	}
	out := make([]*models.RideRequest, 0)
	for _, r := range pending {
		if r == nil || r.Status != models.RequestPending || r.RouteID != taxi.RouteID || r.RequestType != reqType {
			continue
		}
		switch reqType {
		case models.RequestRide:
			start, ok := route.StopOrder(r.StartingStop)
			if !ok || !approaching(taxi.Direction, cur, start, inclusive) {
				continue
			}
		case models.RequestPickup:
			if r.StartingStop != taxi.CurrentStop {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// CheckAccept re-validates, at acceptance time, that taxi may take req. It is
// stricter than the creation-time fanout and guards against the taxi having
// moved or changed status since it was notified.
func CheckAccept(route *models.Route, req *models.RideRequest, taxi *models.Taxi) error {
	if taxi.RouteID != req.RouteID || route == nil || route.ID != req.RouteID {
		return models.ErrRouteMismatch
	}
	switch req.RequestType {
	case models.RequestRide:
		if taxi.Status != models.TaxiOnTrip {
			return models.ErrTaxiNotOnTrip
		}
		start, ok := route.StopOrder(req.StartingStop)
		if !ok {
			return models.ErrStopNotFound
		}
		cur, ok := route.StopOrder(taxi.CurrentStop)
		if !ok || !approaching(taxi.Direction, cur, start, strict) {
			return models.ErrTaxiPassedStop
		}
	case models.RequestPickup:
		if taxi.Status != models.TaxiRoaming {
			return models.ErrTaxiNotRoaming
		}
	default:
		return models.ErrInvalidRequestType
	}
	return nil
}
