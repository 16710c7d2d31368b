package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// MemoryStore keeps routes, taxis and requests in process memory. A single
// mutex covers all three maps so every conditional write is atomic with
// respect to the others. Records are copied in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	routes   map[string]*models.Route
	taxis    map[string]*models.Taxi
	requests map[string]*models.RideRequest
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		routes:   make(map[string]*models.Route),
		taxis:    make(map[string]*models.Taxi),
		requests: make(map[string]*models.RideRequest),
	}
}

func (m *MemoryStore) Close() error { return nil }

func (m *MemoryStore) SaveRoute(_ context.Context, r *models.Route) error {
	if err := validateRoute(r); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.ID] = copyRoute(r)
	return nil
}

func (m *MemoryStore) GetRoute(_ context.Context, id string) (*models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[id]
	if !ok {
		return nil, models.ErrRouteNotFound
	}
	return copyRoute(r), nil
}

func (m *MemoryStore) FindRouteContainingStops(ctx context.Context, stopNames ...string) (*models.Route, error) {
	routes, err := m.RoutesContainingStops(ctx, stopNames...)
	if err != nil {
		return nil, err
	}
	return routes[0], nil
}

func (m *MemoryStore) RoutesContainingStops(_ context.Context, stopNames ...string) ([]*models.Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.routes))
	for id := range m.routes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []*models.Route
	for _, id := range ids {
		r := m.routes[id]
		all := true
		for _, name := range stopNames {
			if !r.HasStop(name) {
				all = false
				break
			}
		}
		if all {
			out = append(out, copyRoute(r))
		}
	}
	if len(out) == 0 {
		return nil, models.ErrStopNotFound
	}
	return out, nil
}

func (m *MemoryStore) CreateTaxi(_ context.Context, t *models.Taxi) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.taxis {
		if existing.NumberPlate == t.NumberPlate {
			return models.ErrDuplicatePlate
		}
	}
	c := *t
	m.taxis[t.ID] = &c
	return nil
}

func (m *MemoryStore) GetTaxi(_ context.Context, id string) (*models.Taxi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.taxis[id]
	if !ok {
		return nil, models.ErrTaxiNotFound
	}
	c := *t
	return &c, nil
}

// GetTaxiByDriver returns the driver's oldest taxi.
func (m *MemoryStore) GetTaxiByDriver(_ context.Context, driverID string) (*models.Taxi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *models.Taxi
	for _, t := range m.taxis {
		if t.DriverID != driverID {
			continue
		}
		if found == nil || t.CreatedAt.Before(found.CreatedAt) || (t.CreatedAt.Equal(found.CreatedAt) && t.ID < found.ID) {
			found = t
		}
	}
	if found == nil {
		return nil, models.ErrNoTaxiForDriver
	}
	c := *found
	return &c, nil
}

func (m *MemoryStore) ListTaxisByRoute(_ context.Context, routeID string) ([]*models.Taxi, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.Taxi, 0)
	for _, t := range m.taxis {
		if t.RouteID == routeID {
			c := *t
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) UpdateTaxi(_ context.Context, id string, mutate func(t *models.Taxi) error) (*models.Taxi, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.taxis[id]
	if !ok {
		return nil, models.ErrTaxiNotFound
	}
	c := *t
	if err := mutate(&c); err != nil {
		return nil, err
	}
	c.ID = t.ID
	c.UpdatedAt = time.Now().UTC()
	m.taxis[id] = &c
	out := c
	return &out, nil
}

func (m *MemoryStore) CompareAndSetTaxiStatus(_ context.Context, id string, from, to models.TaxiStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.taxis[id]
	if !ok {
		return false, models.ErrTaxiNotFound
	}
	if t.Status != from {
		return false, nil
	}
	t.Status = to
	t.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *MemoryStore) DeleteTaxi(_ context.Context, id string) ([]*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.taxis[id]; !ok {
		return nil, models.ErrTaxiNotFound
	}
	reverted := make([]*models.RideRequest, 0)
	for _, r := range m.requests {
		if tid, ok := r.Assigned(); ok && tid == id {
			r.Status = models.RequestPending
			r.TaxiID = nil
			reverted = append(reverted, copyRequest(r))
		}
	}
	delete(m.taxis, id)
	return reverted, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.RideRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.ID] = copyRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.RideRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) ListPendingByRoute(_ context.Context, routeID string) ([]*models.RideRequest, error) {
	return m.listRequests(func(r *models.RideRequest) bool {
		return r.RouteID == routeID && r.Status == models.RequestPending
	}), nil
}

func (m *MemoryStore) ListByPassenger(_ context.Context, passengerID string) ([]*models.RideRequest, error) {
	return m.listRequests(func(r *models.RideRequest) bool {
		return r.PassengerID == passengerID
	}), nil
}

func (m *MemoryStore) listRequests(keep func(r *models.RideRequest) bool) []*models.RideRequest {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*models.RideRequest, 0)
	for _, r := range m.requests {
		if keep(r) {
			out = append(out, copyRequest(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) AcceptRequest(_ context.Context, id, taxiID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	if r.Status != models.RequestPending {
		return nil, models.ErrRequestNoLongerPending
	}
	t, ok := m.taxis[taxiID]
	if !ok {
		return nil, models.ErrTaxiNotFound
	}
	if t.RouteID != r.RouteID {
		return nil, models.ErrRouteMismatch
	}
	tid := taxiID
	r.Status = models.RequestAccepted
	r.TaxiID = &tid
	return copyRequest(r), nil
}

func (m *MemoryStore) RevertRequest(_ context.Context, id, taxiID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	if tid, assigned := r.Assigned(); r.Status != models.RequestAccepted || !assigned || tid != taxiID {
		return nil, models.ErrRequestNotAccepted
	}
	r.Status = models.RequestPending
	r.TaxiID = nil
	return copyRequest(r), nil
}

func (m *MemoryStore) DeleteRequest(_ context.Context, id, passengerID string) (*models.RideRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, models.ErrRequestNotFound
	}
	if r.PassengerID != passengerID {
		return nil, models.ErrNotRequestOwner
	}
	delete(m.requests, id)
	return copyRequest(r), nil
}

func copyRoute(r *models.Route) *models.Route {
	c := *r
	c.Stops = append([]models.Stop(nil), r.Stops...)
	return &c
}

func copyRequest(r *models.RideRequest) *models.RideRequest {
	c := *r
	if r.TaxiID != nil {
		tid := *r.TaxiID
		c.TaxiID = &tid
	}
	return &c
}
