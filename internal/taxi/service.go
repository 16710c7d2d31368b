// Package taxi is the taxi registry: creation, driver-driven updates and
// removal. Every change to a taxi's visible state is broadcast to the room
// of passengers tracking it.
package taxi

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type Store interface {
	storage.RouteCatalog
	storage.TaxiStore
}

// ReofferFunc re-runs matching for requests that lost their taxi.
type ReofferFunc func(ctx context.Context, reqs []*models.RideRequest, excludeDriver string)

type Service struct {
	Store  Store
	Notify dispatch.Notifier
	Logger *slog.Logger
	// Reoffer is called after a taxi is removed with the requests that were
	// reverted to pending. Optional.
	Reoffer ReofferFunc
	Now     func() time.Time
}

type CreateInput struct {
	NumberPlate        string            `json:"numberPlate"`
	RouteID            string            `json:"routeId"`
	Capacity           int               `json:"capacity"`
	CurrentStop        string            `json:"currentStop"`
	Direction          models.Direction  `json:"direction"`
	AllowReturnPickups bool              `json:"allowReturnPickups"`
	Status             models.TaxiStatus `json:"status"`
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now()
}

func (s *Service) notifier() dispatch.Notifier {
	if s.Notify == nil {
		return dispatch.NopNotifier{}
	}
	return s.Notify
}

// Create registers a taxi for driverID. Direction defaults to forward and
// status to available; an empty current stop puts the taxi at the start of
// its route for that direction.
func (s *Service) Create(ctx context.Context, driverID string, in CreateInput) (*models.Taxi, error) {
	plate := strings.TrimSpace(in.NumberPlate)
	if plate == "" {
		return nil, models.ErrMissingPlate
	}
	if in.Capacity <= 0 {
		return nil, models.ErrInvalidCapacity
	}
	if in.Direction == "" {
		in.Direction = models.DirectionForward
	}
	if !in.Direction.Valid() {
		return nil, models.ErrInvalidDirection
	}
	if in.Status == "" {
		in.Status = models.TaxiAvailable
	}
	if !in.Status.Valid() {
		return nil, models.ErrInvalidStatus
	}
	route, err := s.Store.GetRoute(ctx, in.RouteID)
	if err != nil {
		return nil, err
	}
	stop := in.CurrentStop
	if stop == "" {
		stop = terminus(route, in.Direction)
	}
	if !route.HasStop(stop) {
		return nil, models.ErrInvalidStop
	}

	now := s.now()
	t := &models.Taxi{
		ID:                 uuid.NewString(),
		NumberPlate:        plate,
		RouteID:            route.ID,
		DriverID:           driverID,
		Capacity:           in.Capacity,
		CurrentStop:        stop,
		Direction:          in.Direction,
		AllowReturnPickups: in.AllowReturnPickups,
		Status:             in.Status,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Store.CreateTaxi(ctx, t); err != nil {
		return nil, err
	}
	s.logger().Info("taxi registered", "taxi_id", t.ID, "driver_id", driverID, "route_id", t.RouteID)
	return t, nil
}

func terminus(route *models.Route, dir models.Direction) string {
	if dir == models.DirectionReturn {
		return route.Stops[len(route.Stops)-1].Name
	}
	return route.Stops[0].Name
}

func (s *Service) Get(ctx context.Context, taxiID string) (*models.Taxi, error) {
	return s.Store.GetTaxi(ctx, taxiID)
}

// ForDriver returns the taxi the driver operates.
func (s *Service) ForDriver(ctx context.Context, driverID string) (*models.Taxi, error) {
	return s.Store.GetTaxiByDriver(ctx, driverID)
}

// UpdateStatus sets the status manually. Load-derived statuses never
// override it until the next load update.
func (s *Service) UpdateStatus(ctx context.Context, driverID, taxiID string, status models.TaxiStatus) (*models.Taxi, error) {
	if !status.Valid() {
		return nil, models.ErrInvalidStatus
	}
	return s.update(ctx, driverID, taxiID, func(t *models.Taxi) error {
		t.Status = status
		return nil
	})
}

func (s *Service) UpdateStop(ctx context.Context, driverID, taxiID, stop string) (*models.Taxi, error) {
	if stop == "" {
		return nil, models.ErrInvalidStop
	}
	route, err := s.routeOf(ctx, taxiID)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, driverID, taxiID, func(t *models.Taxi) error {
		if !route.HasStop(stop) {
			return models.ErrInvalidStop
		}
		t.CurrentStop = stop
		return nil
	})
}

func (s *Service) UpdateLoad(ctx context.Context, driverID, taxiID string, load int) (*models.Taxi, error) {
	return s.update(ctx, driverID, taxiID, func(t *models.Taxi) error {
		return applyLoad(t, load)
	})
}

func applyLoad(t *models.Taxi, load int) error {
	if load < 0 || load > t.Capacity {
		return models.ErrInvalidLoad
	}
	t.CurrentLoad = load
	t.Status = DeriveStatus(t.Status, load, t.Capacity)
	return nil
}

func (s *Service) UpdateDirection(ctx context.Context, driverID, taxiID string, dir models.Direction) (*models.Taxi, error) {
	if !dir.Valid() {
		return nil, models.ErrInvalidDirection
	}
	return s.update(ctx, driverID, taxiID, func(t *models.Taxi) error {
		t.Direction = dir
		return nil
	})
}

// SetAllowReturnPickups toggles whether the taxi sees pickups while heading back.
func (s *Service) SetAllowReturnPickups(ctx context.Context, driverID, taxiID string, allow bool) (*models.Taxi, error) {
	return s.update(ctx, driverID, taxiID, func(t *models.Taxi) error {
		t.AllowReturnPickups = allow
		return nil
	})
}

// ApplyTelemetry applies a device report. Telemetry is trusted and skips the
// driver ownership check; a load in the report goes through DeriveStatus
// like a manual load update.
func (s *Service) ApplyTelemetry(ctx context.Context, tm models.TaxiTelemetry) (*models.Taxi, error) {
	if tm.Direction != nil && !tm.Direction.Valid() {
		return nil, models.ErrInvalidDirection
	}
	var route *models.Route
	if tm.CurrentStop != nil {
		var err error
		if route, err = s.routeOf(ctx, tm.TaxiID); err != nil {
			return nil, err
		}
	}
	return s.update(ctx, "", tm.TaxiID, func(t *models.Taxi) error {
		if tm.CurrentStop != nil {
			if !route.HasStop(*tm.CurrentStop) {
				return models.ErrInvalidStop
			}
			t.CurrentStop = *tm.CurrentStop
		}
		if tm.Direction != nil {
			t.Direction = *tm.Direction
		}
		if tm.CurrentLoad != nil {
			return applyLoad(t, *tm.CurrentLoad)
		}
		return nil
	})
}

// routeOf loads the route of a taxi. A taxi never changes route, so the
// result stays valid for a later UpdateTaxi.
func (s *Service) routeOf(ctx context.Context, taxiID string) (*models.Route, error) {
	t, err := s.Store.GetTaxi(ctx, taxiID)
	if err != nil {
		return nil, err
	}
	return s.Store.GetRoute(ctx, t.RouteID)
}

// update runs mutate against the stored taxi and broadcasts the result. An
// empty driverID is a system caller and skips the ownership check.
func (s *Service) update(ctx context.Context, driverID, taxiID string, mutate func(t *models.Taxi) error) (*models.Taxi, error) {
	t, err := s.Store.UpdateTaxi(ctx, taxiID, func(t *models.Taxi) error {
		if driverID != "" && t.DriverID != driverID {
			return models.ErrNotTaxiOwner
		}
		return mutate(t)
	})
	if err != nil {
		return nil, err
	}
	s.notifier().BroadcastToRoom(ctx, t.ID, models.EventTaxiUpdated, t)
	return t, nil
}

// Delete removes the taxi. Requests it had accepted go back to pending, their
// passengers are told, and the requests are offered to other drivers.
func (s *Service) Delete(ctx context.Context, driverID, taxiID string) error {
	t, err := s.Store.GetTaxi(ctx, taxiID)
	if err != nil {
		return err
	}
	if t.DriverID != driverID {
		return models.ErrNotTaxiOwner
	}
	reverted, err := s.Store.DeleteTaxi(ctx, taxiID)
	if err != nil {
		return err
	}
	s.logger().Info("taxi removed", "taxi_id", taxiID, "driver_id", driverID, "reverted_requests", len(reverted))

	n := s.notifier()
	n.BroadcastToRoom(ctx, taxiID, models.EventTaxiRemoved, map[string]string{"taxiId": taxiID})
	for _, r := range reverted {
		n.NotifyUser(ctx, r.PassengerID, models.EventDriverCancelled, r)
	}
	if s.Reoffer != nil && len(reverted) > 0 {
		s.Reoffer(ctx, reverted, t.DriverID)
	}
	return nil
}
