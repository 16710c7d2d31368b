// Package rides runs the ride request lifecycle: creation and fanout to
// eligible drivers, acceptance, and cancellation by either side.
//
// State lives in the store only. Every transition on a request is a single
// conditional write there, so concurrent accepts and cancels resolve to one
// winner no matter how many server instances run.
package rides

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/matcher"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

type Store interface {
	storage.RouteCatalog
	storage.TaxiStore
	storage.RequestStore
}

type Engine struct {
	Store  Store
	Notify dispatch.Notifier
	Logger *slog.Logger
	Now    func() time.Time
}

type CreateInput struct {
	RequestType     models.RequestType `json:"requestType"`
	StartingStop    string             `json:"startingStop"`
	DestinationStop string             `json:"destinationStop"`
}

// Acceptance is sent to the passenger when a driver takes the request.
type Acceptance struct {
	Request *models.RideRequest `json:"request"`
	Taxi    *models.Taxi        `json:"taxi"`
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.Default()
	}
	return e.Logger
}

func (e *Engine) notifier() dispatch.Notifier {
	if e.Notify == nil {
		return dispatch.NopNotifier{}
	}
	return e.Notify
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now()
}

// Create validates and stores a pending request, then notifies the drivers
// of every eligible taxi.
func (e *Engine) Create(ctx context.Context, passengerID string, in CreateInput) (*models.RideRequest, error) {
	if !in.RequestType.Valid() {
		return nil, models.ErrInvalidRequestType
	}
	if in.StartingStop == "" {
		return nil, models.ErrMissingStop
	}

	var route *models.Route
	var err error
	switch in.RequestType {
	case models.RequestRide:
		if in.DestinationStop == "" {
			return nil, models.ErrMissingDestination
		}
		if route, err = e.rideRoute(ctx, in.StartingStop, in.DestinationStop); err != nil {
			return nil, err
		}
	case models.RequestPickup:
		if in.DestinationStop != "" {
			return nil, models.Validation("pickup requests take no destination stop")
		}
		if route, err = e.Store.FindRouteContainingStops(ctx, in.StartingStop); err != nil {
			return nil, err
		}
	}

	req := &models.RideRequest{
		ID:              uuid.NewString(),
		PassengerID:     passengerID,
		RouteID:         route.ID,
		RequestType:     in.RequestType,
		StartingStop:    in.StartingStop,
		DestinationStop: in.DestinationStop,
		Status:          models.RequestPending,
		CreatedAt:       e.now(),
	}
	if err := e.Store.CreateRequest(ctx, req); err != nil {
		return nil, err
	}
	observability.RequestsCreated.WithLabelValues(string(req.RequestType)).Inc()

	n := e.offer(ctx, route, req, "")
	e.logger().Info("ride request created",
		"request_id", req.ID, "passenger_id", passengerID, "route_id", route.ID,
		"type", req.RequestType, "drivers_notified", n)
	return req, nil
}

// rideRoute picks the first route, by id, that serves both stops with the
// destination after the start.
func (e *Engine) rideRoute(ctx context.Context, start, dest string) (*models.Route, error) {
	routes, err := e.Store.RoutesContainingStops(ctx, start, dest)
	if err != nil {
		return nil, err
	}
	for _, r := range routes {
		s, _ := r.StopOrder(start)
		d, _ := r.StopOrder(dest)
		if d > s {
			return r, nil
		}
	}
	return nil, models.ErrDestinationOrder
}

// offer notifies the drivers of every taxi eligible for req, skipping
// excludeDriver. It returns the number of drivers notified.
func (e *Engine) offer(ctx context.Context, route *models.Route, req *models.RideRequest, excludeDriver string) int {
	taxis, err := e.Store.ListTaxisByRoute(ctx, route.ID)
	if err != nil {
		e.logger().Error("list taxis for fanout failed", "request_id", req.ID, "route_id", route.ID, "error", err)
		return 0
	}
	event := models.EventNewRideRequest
	if req.RequestType == models.RequestPickup {
		event = models.EventNewPickupRequest
	}
	notified := make(map[string]struct{})
	for _, t := range matcher.EligibleTaxis(route, req, taxis, excludeDriver) {
		if _, dup := notified[t.DriverID]; dup {
			continue
		}
		notified[t.DriverID] = struct{}{}
		e.notifier().NotifyUser(ctx, t.DriverID, event, req)
	}
	observability.CandidatesNotified.Observe(float64(len(notified)))
	return len(notified)
}

// Reoffer fans requests that went back to pending out again, as if they had
// just been created.
func (e *Engine) Reoffer(ctx context.Context, reqs []*models.RideRequest, excludeDriver string) {
	routes := make(map[string]*models.Route)
	for _, req := range reqs {
		route, ok := routes[req.RouteID]
		if !ok {
			var err error
			if route, err = e.Store.GetRoute(ctx, req.RouteID); err != nil {
				e.logger().Error("reoffer route lookup failed", "request_id", req.ID, "route_id", req.RouteID, "error", err)
				continue
			}
			routes[req.RouteID] = route
		}
		e.offer(ctx, route, req, excludeDriver)
	}
}

// Accept assigns the request to the driver's taxi. Eligibility is checked
// again against the taxi's current state; the store then flips the request
// from pending to accepted in one conditional write, and every other
// concurrent accept gets models.ErrRequestNoLongerPending.
func (e *Engine) Accept(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	taxi, err := e.Store.GetTaxiByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		e.acceptOutcome(req, "lost")
		return nil, models.ErrRequestNoLongerPending
	}
	route, err := e.Store.GetRoute(ctx, req.RouteID)
	if err != nil {
		return nil, err
	}
	if err := matcher.CheckAccept(route, req, taxi); err != nil {
		e.acceptOutcome(req, "rejected")
		return nil, err
	}

	accepted, err := e.Store.AcceptRequest(ctx, requestID, taxi.ID)
	if err != nil {
		if errors.Is(err, models.ErrRequestNoLongerPending) || errors.Is(err, models.ErrRequestNotFound) {
			e.acceptOutcome(req, "lost")
		}
		return nil, err
	}
	e.acceptOutcome(req, "accepted")

	if accepted.RequestType == models.RequestPickup {
		if t, ok := e.moveTaxi(ctx, taxi.ID, models.TaxiRoaming, models.TaxiOnTrip, accepted.ID); ok && t != nil {
			taxi = t
		}
	}

	e.logger().Info("ride request accepted", "request_id", accepted.ID, "taxi_id", taxi.ID, "driver_id", driverID)
	e.notifier().NotifyUser(ctx, accepted.PassengerID, models.EventRequestAccepted, Acceptance{Request: accepted, Taxi: taxi})
	return accepted, nil
}

func (e *Engine) acceptOutcome(req *models.RideRequest, result string) {
	observability.AcceptOutcomes.WithLabelValues(string(req.RequestType), result).Inc()
}

// moveTaxi flips the taxi's status from -> to and broadcasts the new view. A
// taxi that is not in the expected state is left alone and logged.
func (e *Engine) moveTaxi(ctx context.Context, taxiID string, from, to models.TaxiStatus, requestID string) (*models.Taxi, bool) {
	ok, err := e.Store.CompareAndSetTaxiStatus(ctx, taxiID, from, to)
	if err != nil {
		e.logger().Error("taxi status transition failed", "taxi_id", taxiID, "request_id", requestID, "error", err)
		return nil, false
	}
	if !ok {
		observability.Inconsistencies.WithLabelValues("taxi_status").Inc()
		e.logger().Warn("taxi not in expected status, leaving it unchanged",
			"inconsistency", true, "taxi_id", taxiID, "request_id", requestID, "expected", from, "target", to)
		return nil, false
	}
	t, err := e.Store.GetTaxi(ctx, taxiID)
	if err != nil {
		e.logger().Warn("reload taxi after status change failed", "taxi_id", taxiID, "error", err)
		return nil, true
	}
	e.notifier().BroadcastToRoom(ctx, t.ID, models.EventTaxiUpdated, t)
	return t, true
}

// CancelByPassenger deletes the passenger's request, pending or accepted. The
// driver holding an accepted request is told.
func (e *Engine) CancelByPassenger(ctx context.Context, requestID, passengerID string) error {
	deleted, err := e.Store.DeleteRequest(ctx, requestID, passengerID)
	if err != nil {
		return err
	}
	observability.Cancellations.WithLabelValues("passenger").Inc()
	e.logger().Info("ride request cancelled by passenger", "request_id", requestID, "passenger_id", passengerID, "status", deleted.Status)

	if deleted.Status != models.RequestAccepted {
		return nil
	}
	taxiID, ok := deleted.Assigned()
	if !ok {
		observability.Inconsistencies.WithLabelValues("accepted_without_taxi").Inc()
		e.logger().Warn("accepted request had no taxi", "inconsistency", true, "request_id", requestID)
		return nil
	}
	taxi, err := e.Store.GetTaxi(ctx, taxiID)
	if err != nil {
		e.logger().Warn("cancelled request's taxi not found", "inconsistency", true, "request_id", requestID, "taxi_id", taxiID, "error", err)
		return nil
	}
	e.notifier().NotifyUser(ctx, taxi.DriverID, models.EventPassengerCancelled, deleted)
	return nil
}

// CancelByDriver hands an accepted request back: it returns to pending, a
// pickup taxi goes back to roaming, the passenger is told, and the request
// is offered to the other eligible drivers.
func (e *Engine) CancelByDriver(ctx context.Context, requestID, driverID string) (*models.RideRequest, error) {
	req, err := e.Store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	taxiID, assigned := req.Assigned()
	if req.Status != models.RequestAccepted {
		return nil, models.ErrRequestNotAccepted
	}
	if !assigned {
		observability.Inconsistencies.WithLabelValues("accepted_without_taxi").Inc()
		e.logger().Warn("accepted request had no taxi", "inconsistency", true, "request_id", requestID)
		return nil, models.ErrRequestNotAccepted
	}
	taxi, err := e.Store.GetTaxi(ctx, taxiID)
	if err != nil {
		return nil, err
	}
	if taxi.DriverID != driverID {
		return nil, models.ErrNotTaxiOwner
	}

	reverted, err := e.Store.RevertRequest(ctx, requestID, taxiID)
	if err != nil {
		return nil, err
	}
	observability.Cancellations.WithLabelValues("driver").Inc()
	e.logger().Info("ride request cancelled by driver", "request_id", requestID, "taxi_id", taxiID, "driver_id", driverID)

	if reverted.RequestType == models.RequestPickup {
		e.moveTaxi(ctx, taxiID, models.TaxiOnTrip, models.TaxiRoaming, requestID)
	}
	e.notifier().NotifyUser(ctx, reverted.PassengerID, models.EventDriverCancelled, reverted)
	e.Reoffer(ctx, []*models.RideRequest{reverted}, driverID)
	return reverted, nil
}

// NearbyRequests is the driver's actionable list: pending requests of the
// given type that the driver's taxi can take from where it is now.
func (e *Engine) NearbyRequests(ctx context.Context, driverID string, reqType models.RequestType) ([]*models.RideRequest, error) {
	if !reqType.Valid() {
		return nil, models.ErrInvalidRequestType
	}
	taxi, err := e.Store.GetTaxiByDriver(ctx, driverID)
	if err != nil {
		return nil, err
	}
	route, err := e.Store.GetRoute(ctx, taxi.RouteID)
	if err != nil {
		return nil, err
	}
	pending, err := e.Store.ListPendingByRoute(ctx, route.ID)
	if err != nil {
		return nil, err
	}
	out := matcher.NearbyRequests(route, taxi, reqType, pending)
	if out == nil {
		out = []*models.RideRequest{}
	}
	return out, nil
}

func (e *Engine) Get(ctx context.Context, requestID string) (*models.RideRequest, error) {
	return e.Store.GetRequest(ctx, requestID)
}

func (e *Engine) ListByPassenger(ctx context.Context, passengerID string) ([]*models.RideRequest, error) {
	return e.Store.ListByPassenger(ctx, passengerID)
}
