package storage

import (
	"context"

	"github.com/example/taxi-dispatch/internal/models"
)

// RouteCatalog is read-only access to the route definitions.
type RouteCatalog interface {
	GetRoute(ctx context.Context, id string) (*models.Route, error)
	// FindRouteContainingStops returns a route on which every named stop exists.
	FindRouteContainingStops(ctx context.Context, stopNames ...string) (*models.Route, error)
	// RoutesContainingStops returns every such route, ordered by id.
	RoutesContainingStops(ctx context.Context, stopNames ...string) ([]*models.Route, error)
}

// TaxiStore persists taxis. UpdateTaxi applies mutate to the current record
// under a row-level lock and stores the result; a mutate error aborts the
// update and is returned as is. mutate runs while the record is locked and
// must not call back into the store.
type TaxiStore interface {
	CreateTaxi(ctx context.Context, t *models.Taxi) error
	GetTaxi(ctx context.Context, id string) (*models.Taxi, error)
	GetTaxiByDriver(ctx context.Context, driverID string) (*models.Taxi, error)
	ListTaxisByRoute(ctx context.Context, routeID string) ([]*models.Taxi, error)
	UpdateTaxi(ctx context.Context, id string, mutate func(t *models.Taxi) error) (*models.Taxi, error)
	// CompareAndSetTaxiStatus sets the status to `to` only if it is currently
	// `from`. It reports whether the write happened.
	CompareAndSetTaxiStatus(ctx context.Context, id string, from, to models.TaxiStatus) (bool, error)
	// DeleteTaxi removes the taxi and, in the same atomic step, reverts every
	// request assigned to it back to pending. The reverted requests are returned.
	DeleteTaxi(ctx context.Context, id string) ([]*models.RideRequest, error)
}

// RequestStore persists ride requests. The state-changing methods are
// conditional writes: the precondition and the write commit together.
type RequestStore interface {
	CreateRequest(ctx context.Context, r *models.RideRequest) error
	GetRequest(ctx context.Context, id string) (*models.RideRequest, error)
	ListPendingByRoute(ctx context.Context, routeID string) ([]*models.RideRequest, error)
	ListByPassenger(ctx context.Context, passengerID string) ([]*models.RideRequest, error)
	// AcceptRequest sets status=accepted and taxi_id WHERE status=pending.
	// Returns models.ErrRequestNoLongerPending when the condition fails.
	AcceptRequest(ctx context.Context, id, taxiID string) (*models.RideRequest, error)
	// RevertRequest sets status=pending and clears taxi_id WHERE status=accepted
	// AND taxi_id=taxiID. Returns models.ErrRequestNotAccepted when it fails.
	RevertRequest(ctx context.Context, id, taxiID string) (*models.RideRequest, error)
	// DeleteRequest removes the request WHERE passenger_id=passengerID and
	// returns the deleted record.
	DeleteRequest(ctx context.Context, id, passengerID string) (*models.RideRequest, error)
}

// Store is everything the dispatch core needs from persistence.
type Store interface {
	RouteCatalog
	TaxiStore
	RequestStore
	SaveRoute(ctx context.Context, r *models.Route) error
	Close() error
}
