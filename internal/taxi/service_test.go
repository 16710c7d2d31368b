package taxi

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

type sent struct {
	room   bool
	target string
	event  string
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []sent
}

func (r *recordingNotifier) NotifyUser(_ context.Context, userID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{target: userID, event: event})
}

func (r *recordingNotifier) BroadcastToRoom(_ context.Context, taxiID, event string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{room: true, target: taxiID, event: event})
}

func (r *recordingNotifier) all() []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]sent(nil), r.events...)
}

func newService(t *testing.T) (*Service, *storage.MemoryStore, *recordingNotifier) {
	t.Helper()
	st := storage.NewMemoryStore()
	require.NoError(t, st.SaveRoute(context.Background(), &models.Route{ID: "R1", Name: "Main", Stops: []models.Stop{
		{Name: "A", Order: 0}, {Name: "B", Order: 1}, {Name: "C", Order: 2}, {Name: "D", Order: 3},
	}}))
	n := &recordingNotifier{}
	return &Service{Store: st, Notify: n}, st, n
}

func TestDeriveStatus(t *testing.T) {
	tests := []struct {
		name     string
		prev     models.TaxiStatus
		load     int
		capacity int
		want     models.TaxiStatus
	}{
		{"at capacity", models.TaxiRoaming, 10, 10, models.TaxiFull},
		{"over capacity", models.TaxiAvailable, 12, 10, models.TaxiFull},
		{"eighty percent", models.TaxiRoaming, 8, 10, models.TaxiAlmostFull},
		{"almost full stays full", models.TaxiFull, 9, 10, models.TaxiFull},
		{"from available to roaming", models.TaxiAvailable, 3, 10, models.TaxiRoaming},
		{"from waiting to roaming", models.TaxiWaiting, 1, 10, models.TaxiRoaming},
		{"on trip kept", models.TaxiOnTrip, 3, 10, models.TaxiOnTrip},
		{"full dropping below threshold kept", models.TaxiFull, 5, 10, models.TaxiFull},
		{"empty becomes available", models.TaxiOnTrip, 0, 10, models.TaxiAvailable},
		{"empty not available kept", models.TaxiNotAvailable, 0, 10, models.TaxiNotAvailable},
		{"small capacity threshold", models.TaxiRoaming, 4, 5, models.TaxiAlmostFull},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(tt.prev, tt.load, tt.capacity))
		})
	}
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	tx, err := svc.Create(ctx, "d1", CreateInput{NumberPlate: " KAA-1 ", RouteID: "R1", Capacity: 14})
	require.NoError(t, err)
	assert.NotEmpty(t, tx.ID)
	assert.Equal(t, "KAA-1", tx.NumberPlate)
	assert.Equal(t, models.TaxiAvailable, tx.Status)
	assert.Equal(t, models.DirectionForward, tx.Direction)
	assert.Equal(t, "A", tx.CurrentStop)

	back, err := svc.Create(ctx, "d2", CreateInput{NumberPlate: "KAA-2", RouteID: "R1", Capacity: 14, Direction: models.DirectionReturn})
	require.NoError(t, err)
	assert.Equal(t, "D", back.CurrentStop)

	_, err = svc.Create(ctx, "d3", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 14})
	assert.ErrorIs(t, err, models.ErrDuplicatePlate)

	cases := map[string]struct {
		in   CreateInput
		want error
	}{
		"no plate":       {CreateInput{RouteID: "R1", Capacity: 4}, models.ErrMissingPlate},
		"zero capacity":  {CreateInput{NumberPlate: "X", RouteID: "R1"}, models.ErrInvalidCapacity},
		"bad direction":  {CreateInput{NumberPlate: "X", RouteID: "R1", Capacity: 4, Direction: "sideways"}, models.ErrInvalidDirection},
		"bad status":     {CreateInput{NumberPlate: "X", RouteID: "R1", Capacity: 4, Status: "parked"}, models.ErrInvalidStatus},
		"unknown route":  {CreateInput{NumberPlate: "X", RouteID: "R9", Capacity: 4}, models.ErrRouteNotFound},
		"stop off route": {CreateInput{NumberPlate: "X", RouteID: "R1", Capacity: 4, CurrentStop: "Z"}, models.ErrInvalidStop},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.Create(ctx, "d9", c.in)
			assert.ErrorIs(t, err, c.want)
		})
	}
}

func TestUpdatesBroadcastToRoom(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()
	tx, err := svc.Create(ctx, "d1", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 10})
	require.NoError(t, err)

	_, err = svc.UpdateStop(ctx, "d1", tx.ID, "C")
	require.NoError(t, err)
	_, err = svc.UpdateDirection(ctx, "d1", tx.ID, models.DirectionReturn)
	require.NoError(t, err)
	_, err = svc.UpdateStatus(ctx, "d1", tx.ID, models.TaxiOnTrip)
	require.NoError(t, err)
	got, err := svc.UpdateLoad(ctx, "d1", tx.ID, 9)
	require.NoError(t, err)
	assert.Equal(t, models.TaxiAlmostFull, got.Status)
	assert.Equal(t, "C", got.CurrentStop)
	assert.Equal(t, models.DirectionReturn, got.Direction)

	events := n.all()
	require.Len(t, events, 4)
	for _, e := range events {
		assert.True(t, e.room)
		assert.Equal(t, tx.ID, e.target)
		assert.Equal(t, models.EventTaxiUpdated, e.event)
	}
}

func TestUpdateRejections(t *testing.T) {
	svc, st, n := newService(t)
	ctx := context.Background()
	tx, err := svc.Create(ctx, "d1", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 4})
	require.NoError(t, err)

	_, err = svc.UpdateLoad(ctx, "d1", tx.ID, 5)
	assert.ErrorIs(t, err, models.ErrInvalidLoad)
	_, err = svc.UpdateLoad(ctx, "d1", tx.ID, -1)
	assert.ErrorIs(t, err, models.ErrInvalidLoad)
	_, err = svc.UpdateStop(ctx, "d1", tx.ID, "Z")
	assert.ErrorIs(t, err, models.ErrInvalidStop)
	_, err = svc.UpdateStatus(ctx, "d1", tx.ID, "parked")
	assert.ErrorIs(t, err, models.ErrInvalidStatus)
	_, err = svc.UpdateDirection(ctx, "d1", tx.ID, "up")
	assert.ErrorIs(t, err, models.ErrInvalidDirection)
	_, err = svc.UpdateLoad(ctx, "intruder", tx.ID, 1)
	assert.ErrorIs(t, err, models.ErrNotTaxiOwner)
	_, err = svc.UpdateLoad(ctx, "d1", "ghost", 1)
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)

	stored, err := st.GetTaxi(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.CurrentLoad)
	assert.Empty(t, n.all(), "rejected updates must not broadcast")
}

func TestManualStatusSurvivesUntilNextLoadUpdate(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()
	tx, _ := svc.Create(ctx, "d1", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 10})

	got, err := svc.UpdateLoad(ctx, "d1", tx.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, models.TaxiRoaming, got.Status)

	got, err = svc.UpdateStatus(ctx, "d1", tx.ID, models.TaxiNotAvailable)
	require.NoError(t, err)
	assert.Equal(t, models.TaxiNotAvailable, got.Status)

	got, err = svc.UpdateLoad(ctx, "d1", tx.ID, 0)
	require.NoError(t, err)
	assert.Equal(t, models.TaxiNotAvailable, got.Status)
}

func TestApplyTelemetry(t *testing.T) {
	svc, _, n := newService(t)
	ctx := context.Background()
	tx, _ := svc.Create(ctx, "d1", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 10})

	stop, load, dir := "B", 10, models.DirectionReturn
	got, err := svc.ApplyTelemetry(ctx, models.TaxiTelemetry{TaxiID: tx.ID, CurrentStop: &stop, CurrentLoad: &load, Direction: &dir})
	require.NoError(t, err)
	assert.Equal(t, "B", got.CurrentStop)
	assert.Equal(t, models.TaxiFull, got.Status)
	assert.Equal(t, models.DirectionReturn, got.Direction)
	assert.Len(t, n.all(), 1)

	bad := "Z"
	_, err = svc.ApplyTelemetry(ctx, models.TaxiTelemetry{TaxiID: tx.ID, CurrentStop: &bad})
	assert.ErrorIs(t, err, models.ErrInvalidStop)
	_, err = svc.ApplyTelemetry(ctx, models.TaxiTelemetry{TaxiID: "ghost", CurrentLoad: &load})
	assert.ErrorIs(t, err, models.ErrTaxiNotFound)
}

func TestDeleteCascadesAndReoffers(t *testing.T) {
	svc, st, n := newService(t)
	ctx := context.Background()
	tx, _ := svc.Create(ctx, "d1", CreateInput{NumberPlate: "KAA-1", RouteID: "R1", Capacity: 10})
	require.NoError(t, st.CreateRequest(ctx, &models.RideRequest{ID: "q1", PassengerID: "p1", RouteID: "R1",
		RequestType: models.RequestPickup, StartingStop: "B", Status: models.RequestPending}))
	_, err := st.AcceptRequest(ctx, "q1", tx.ID)
	require.NoError(t, err)

	var reoffered []*models.RideRequest
	var excluded string
	svc.Reoffer = func(_ context.Context, reqs []*models.RideRequest, excludeDriver string) {
		reoffered, excluded = reqs, excludeDriver
	}

	assert.ErrorIs(t, svc.Delete(ctx, "intruder", tx.ID), models.ErrNotTaxiOwner)
	require.NoError(t, svc.Delete(ctx, "d1", tx.ID))

	r, err := st.GetRequest(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestPending, r.Status)
	assert.Nil(t, r.TaxiID)

	require.Len(t, reoffered, 1)
	assert.Equal(t, "q1", reoffered[0].ID)
	assert.Equal(t, "d1", excluded)

	assert.Contains(t, n.all(), sent{room: true, target: tx.ID, event: models.EventTaxiRemoved})
	assert.Contains(t, n.all(), sent{target: "p1", event: models.EventDriverCancelled})

	assert.ErrorIs(t, svc.Delete(ctx, "d1", tx.ID), models.ErrTaxiNotFound)
}
