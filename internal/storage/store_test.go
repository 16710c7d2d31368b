package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
)

func TestMemoryStoreContract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStoreContract(t *testing.T) {
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set; skipping postgres-backed store tests")
	}
	runStoreContract(t, func(t *testing.T) Store {
		ps, err := NewPostgresStore(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = ps.Close() })
		script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_create_dispatch.sql"))
		require.NoError(t, err)
		ctx := context.Background()
		require.NoError(t, ps.Migrate(ctx, string(script)))
		_, err = ps.db.ExecContext(ctx, `TRUNCATE TABLE ride_requests, taxis, route_stops, routes`)
		require.NoError(t, err)
		return ps
	})
}

func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("routes", func(t *testing.T) { testRoutes(t, newStore(t)) })
	t.Run("taxis", func(t *testing.T) { testTaxis(t, newStore(t)) })
	t.Run("accept exclusivity", func(t *testing.T) { testAcceptExclusivity(t, newStore(t)) })
	t.Run("revert and delete", func(t *testing.T) { testRevertAndDelete(t, newStore(t)) })
	t.Run("delete taxi cascades", func(t *testing.T) { testDeleteTaxiCascade(t, newStore(t)) })
	t.Run("accept races passenger cancel", func(t *testing.T) { testAcceptVsDelete(t, newStore(t)) })
	t.Run("accept needs a live taxi on the route", func(t *testing.T) { testAcceptRequiresTaxi(t, newStore(t)) })
	t.Run("accept races taxi delete", func(t *testing.T) { testAcceptVsTaxiDelete(t, newStore(t)) })
}

func seedRoute(t *testing.T, s Store) {
	t.Helper()
	require.NoError(t, s.SaveRoute(context.Background(), &models.Route{ID: "R1", Name: "Main", Stops: []models.Stop{
		{Name: "A", Order: 0}, {Name: "B", Order: 1}, {Name: "C", Order: 2}, {Name: "D", Order: 3},
	}}))
	require.NoError(t, s.SaveRoute(context.Background(), &models.Route{ID: "R2", Name: "Branch", Stops: []models.Stop{
		{Name: "A", Order: 0}, {Name: "X", Order: 5},
	}}))
}

func seedTaxi(t *testing.T, s Store, id, driver, plate string) *models.Taxi {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Millisecond)
	tx := &models.Taxi{ID: id, NumberPlate: plate, RouteID: "R1", DriverID: driver, Capacity: 10,
		CurrentStop: "A", Direction: models.DirectionForward, Status: models.TaxiRoaming, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, s.CreateTaxi(context.Background(), tx))
	return tx
}

func seedRequest(t *testing.T, s Store, id, passenger string) *models.RideRequest {
	t.Helper()
	r := &models.RideRequest{ID: id, PassengerID: passenger, RouteID: "R1", RequestType: models.RequestPickup,
		StartingStop: "B", Status: models.RequestPending, CreatedAt: time.Now().UTC()}
	require.NoError(t, s.CreateRequest(context.Background(), r))
	return r
}

func testRoutes(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)

	r, err := s.GetRoute(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, r.Stops, 4)
	order, ok := r.StopOrder("C")
	assert.True(t, ok)
	assert.Equal(t, 2, order)

	found, err := s.FindRouteContainingStops(ctx, "A", "X")
	require.NoError(t, err)
	assert.Equal(t, "R2", found.ID)

	found, err = s.FindRouteContainingStops(ctx, "B", "D")
	require.NoError(t, err)
	assert.Equal(t, "R1", found.ID)

	_, err = s.FindRouteContainingStops(ctx, "B", "X")
	assert.ErrorIs(t, err, models.ErrStopNotFound)

	all, err := s.RoutesContainingStops(ctx, "A")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "R1", all[0].ID)
	assert.Equal(t, "R2", all[1].ID)
	_, err = s.RoutesContainingStops(ctx, "Q")
	assert.ErrorIs(t, err, models.ErrStopNotFound)
	_, err = s.GetRoute(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrRouteNotFound)

	err = s.SaveRoute(ctx, &models.Route{ID: "bad", Stops: []models.Stop{{Name: "A", Order: 2}, {Name: "B", Order: 2}}})
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func testTaxis(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "KAA-001")

	err := s.CreateTaxi(ctx, &models.Taxi{ID: "T2", NumberPlate: "KAA-001", RouteID: "R1", DriverID: "d2", Capacity: 4,
		Direction: models.DirectionForward, Status: models.TaxiAvailable, CreatedAt: time.Now(), UpdatedAt: time.Now()})
	assert.ErrorIs(t, err, models.ErrDuplicatePlate)

	byDriver, err := s.GetTaxiByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "T1", byDriver.ID)
	_, err = s.GetTaxiByDriver(ctx, "ghost")
	assert.ErrorIs(t, err, models.ErrNoTaxiForDriver)

	updated, err := s.UpdateTaxi(ctx, "T1", func(tx *models.Taxi) error {
		tx.CurrentStop = "C"
		tx.CurrentLoad = 3
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "C", updated.CurrentStop)

	_, err = s.UpdateTaxi(ctx, "T1", func(tx *models.Taxi) error { return models.ErrInvalidLoad })
	assert.ErrorIs(t, err, models.ErrInvalidLoad)
	got, err := s.GetTaxi(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, 3, got.CurrentLoad, "failed mutation must not be stored")

	ok, err := s.CompareAndSetTaxiStatus(ctx, "T1", models.TaxiOnTrip, models.TaxiRoaming)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = s.CompareAndSetTaxiStatus(ctx, "T1", models.TaxiRoaming, models.TaxiOnTrip)
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = s.CompareAndSetTaxiStatus(ctx, "ghost", models.TaxiRoaming, models.TaxiOnTrip)
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)

	list, err := s.ListTaxisByRoute(ctx, "R1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.TaxiOnTrip, list[0].Status)
}

func testAcceptExclusivity(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	const drivers = 8
	for i := 0; i < drivers; i++ {
		seedTaxi(t, s, fmt.Sprintf("T%d", i), fmt.Sprintf("d%d", i), fmt.Sprintf("PL-%d", i))
	}
	seedRequest(t, s, "q1", "p1")

	start := make(chan struct{})
	errs := make(chan error, drivers)
	var wg sync.WaitGroup
	for i := 0; i < drivers; i++ {
		wg.Add(1)
		go func(taxiID string) {
			defer wg.Done()
			<-start
			_, err := s.AcceptRequest(ctx, "q1", taxiID)
			errs <- err
		}(fmt.Sprintf("T%d", i))
	}
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, models.ErrRequestNoLongerPending)
	}
	assert.Equal(t, 1, success)

	r, err := s.GetRequest(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestAccepted, r.Status)
	_, assigned := r.Assigned()
	assert.True(t, assigned)

	_, err = s.AcceptRequest(ctx, "missing", "T0")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
}

func testRevertAndDelete(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "PL-1")
	seedTaxi(t, s, "T2", "d2", "PL-2")
	seedRequest(t, s, "q1", "p1")

	_, err := s.RevertRequest(ctx, "q1", "T1")
	assert.ErrorIs(t, err, models.ErrRequestNotAccepted)

	_, err = s.AcceptRequest(ctx, "q1", "T1")
	require.NoError(t, err)
	_, err = s.RevertRequest(ctx, "q1", "T2")
	assert.ErrorIs(t, err, models.ErrRequestNotAccepted)

	r, err := s.RevertRequest(ctx, "q1", "T1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.TaxiID)

	pending, err := s.ListPendingByRoute(ctx, "R1")
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	_, err = s.DeleteRequest(ctx, "q1", "intruder")
	assert.ErrorIs(t, err, models.ErrNotRequestOwner)
	deleted, err := s.DeleteRequest(ctx, "q1", "p1")
	require.NoError(t, err)
	assert.Equal(t, "q1", deleted.ID)
	_, err = s.GetRequest(ctx, "q1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
	_, err = s.DeleteRequest(ctx, "q1", "p1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
}

func testDeleteTaxiCascade(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "PL-1")
	seedRequest(t, s, "q1", "p1")
	seedRequest(t, s, "q2", "p2")
	_, err := s.AcceptRequest(ctx, "q1", "T1")
	require.NoError(t, err)

	reverted, err := s.DeleteTaxi(ctx, "T1")
	require.NoError(t, err)
	require.Len(t, reverted, 1)
	assert.Equal(t, "q1", reverted[0].ID)

	r, err := s.GetRequest(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.TaxiID)

	_, err = s.GetTaxi(ctx, "T1")
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)
	_, err = s.DeleteTaxi(ctx, "T1")
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)
}

func testAcceptVsDelete(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "PL-1")
	seedRequest(t, s, "q1", "p1")

	start := make(chan struct{})
	var acceptErr, deleteErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, acceptErr = s.AcceptRequest(ctx, "q1", "T1")
	}()
	go func() {
		defer wg.Done()
		<-start
		_, deleteErr = s.DeleteRequest(ctx, "q1", "p1")
	}()
	close(start)
	wg.Wait()

	require.NoError(t, deleteErr, "passenger cancel succeeds from pending or accepted")
	if acceptErr != nil {
		assert.ErrorIs(t, acceptErr, models.ErrRequestNotFound)
	}
	_, err := s.GetRequest(ctx, "q1")
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
}

func testAcceptRequiresTaxi(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "PL-1")
	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, s.CreateTaxi(ctx, &models.Taxi{ID: "T9", NumberPlate: "PL-9", RouteID: "R2", DriverID: "d9",
		Capacity: 10, CurrentStop: "A", Direction: models.DirectionForward, Status: models.TaxiRoaming, CreatedAt: now, UpdatedAt: now}))
	seedRequest(t, s, "q1", "p1")

	_, err := s.DeleteTaxi(ctx, "T1")
	require.NoError(t, err)
	_, err = s.AcceptRequest(ctx, "q1", "T1")
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)

	_, err = s.AcceptRequest(ctx, "q1", "T9")
	assert.ErrorIs(t, err, models.ErrRouteMismatch)

	r, err := s.GetRequest(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.TaxiID)
}

func testAcceptVsTaxiDelete(t *testing.T, s Store) {
	ctx := context.Background()
	seedRoute(t, s)
	seedTaxi(t, s, "T1", "d1", "PL-1")
	seedRequest(t, s, "q1", "p1")

	start := make(chan struct{})
	var acceptErr, deleteErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, acceptErr = s.AcceptRequest(ctx, "q1", "T1")
	}()
	go func() {
		defer wg.Done()
		<-start
		_, deleteErr = s.DeleteTaxi(ctx, "T1")
	}()
	close(start)
	wg.Wait()

	require.NoError(t, deleteErr)
	if acceptErr != nil {
		assert.ErrorIs(t, acceptErr, models.ErrTaxiNotFound)
	}
	// Whichever ran first, the request must not be left on a deleted taxi.
	r, err := s.GetRequest(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.TaxiID)
}

func TestLoadRoutesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "routes.json")
	require.NoError(t, os.WriteFile(path, []byte(`[
		{"id":"R1","name":"Main","stops":[{"name":"A","order":0},{"name":"B","order":1}]},
		{"id":"R2","name":"Branch","stops":[{"name":"C","order":0}]}
	]`), 0o600))

	s := NewMemoryStore()
	n, err := LoadRoutesFile(context.Background(), s, path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	r, err := s.GetRoute(context.Background(), "R2")
	require.NoError(t, err)
	assert.Equal(t, "Branch", r.Name)

	_, err = LoadRoutesFile(context.Background(), s, filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
