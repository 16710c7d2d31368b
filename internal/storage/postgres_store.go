package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/taxi-dispatch/internal/models"
)

const (
	taxiColumns    = `id, number_plate, route_id, driver_id, capacity, current_load, current_stop, direction, allow_return_pickups, status, created_at, updated_at`
	requestColumns = `id, passenger_id, route_id, request_type, starting_stop, destination_stop, status, taxi_id, created_at`
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

// Migrate executes a schema script.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return err
}

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *PostgresStore) SaveRoute(ctx context.Context, r *models.Route) error {
	if err := validateRoute(r); err != nil {
		return err
	}
	return p.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO routes(id, name) VALUES($1,$2) ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name`, r.ID, r.Name); err != nil {
			return fmt.Errorf("upsert route: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM route_stops WHERE route_id=$1`, r.ID); err != nil {
			return fmt.Errorf("clear stops: %w", err)
		}
		for _, s := range r.Stops {
			if _, err := tx.ExecContext(ctx, `INSERT INTO route_stops(route_id, name, ord) VALUES($1,$2,$3)`, r.ID, s.Name, s.Order); err != nil {
				return fmt.Errorf("insert stop: %w", err)
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetRoute(ctx context.Context, id string) (*models.Route, error) {
	r := &models.Route{ID: id}
	err := p.db.QueryRowContext(ctx, `SELECT name FROM routes WHERE id=$1`, id).Scan(&r.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRouteNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query route: %w", err)
	}
	rows, err := p.db.QueryContext(ctx, `SELECT name, ord FROM route_stops WHERE route_id=$1 ORDER BY ord`, id)
	if err != nil {
		return nil, fmt.Errorf("query stops: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s models.Stop
		if err := rows.Scan(&s.Name, &s.Order); err != nil {
			return nil, err
		}
		r.Stops = append(r.Stops, s)
	}
	return r, rows.Err()
}

func (p *PostgresStore) FindRouteContainingStops(ctx context.Context, stopNames ...string) (*models.Route, error) {
	routes, err := p.RoutesContainingStops(ctx, stopNames...)
	if err != nil {
		return nil, err
	}
	return routes[0], nil
}

func (p *PostgresStore) RoutesContainingStops(ctx context.Context, stopNames ...string) ([]*models.Route, error) {
	distinct := make([]string, 0, len(stopNames))
	seen := make(map[string]struct{}, len(stopNames))
	for _, n := range stopNames {
		if _, ok := seen[n]; !ok {
			seen[n] = struct{}{}
			distinct = append(distinct, n)
		}
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT route_id FROM route_stops
		WHERE name = ANY($1)
		GROUP BY route_id
		HAVING COUNT(DISTINCT name) = $2
		ORDER BY route_id`, pq.Array(distinct), len(distinct))
	if err != nil {
		return nil, fmt.Errorf("find routes: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, models.ErrStopNotFound
	}
	out := make([]*models.Route, 0, len(ids))
	for _, id := range ids {
		r, err := p.GetRoute(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (p *PostgresStore) CreateTaxi(ctx context.Context, t *models.Taxi) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO taxis(`+taxiColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		t.ID, t.NumberPlate, t.RouteID, t.DriverID, t.Capacity, t.CurrentLoad, t.CurrentStop,
		string(t.Direction), t.AllowReturnPickups, string(t.Status), t.CreatedAt, t.UpdatedAt)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return models.ErrDuplicatePlate
	}
	return err
}

func (p *PostgresStore) GetTaxi(ctx context.Context, id string) (*models.Taxi, error) {
	t, err := scanTaxi(p.db.QueryRowContext(ctx, `SELECT `+taxiColumns+` FROM taxis WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrTaxiNotFound
	}
	return t, err
}

func (p *PostgresStore) GetTaxiByDriver(ctx context.Context, driverID string) (*models.Taxi, error) {
	t, err := scanTaxi(p.db.QueryRowContext(ctx,
		`SELECT `+taxiColumns+` FROM taxis WHERE driver_id=$1 ORDER BY created_at, id LIMIT 1`, driverID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNoTaxiForDriver
	}
	return t, err
}

func (p *PostgresStore) ListTaxisByRoute(ctx context.Context, routeID string) ([]*models.Taxi, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+taxiColumns+` FROM taxis WHERE route_id=$1 ORDER BY id`, routeID)
	if err != nil {
		return nil, fmt.Errorf("list taxis: %w", err)
	}
	defer rows.Close()
	out := make([]*models.Taxi, 0)
	for rows.Next() {
		t, err := scanTaxi(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpdateTaxi(ctx context.Context, id string, mutate func(t *models.Taxi) error) (*models.Taxi, error) {
	var out *models.Taxi
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		t, err := scanTaxi(tx.QueryRowContext(ctx, `SELECT `+taxiColumns+` FROM taxis WHERE id=$1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrTaxiNotFound
		}
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		t.ID = id
		t.UpdatedAt = time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			UPDATE taxis SET route_id=$2, capacity=$3, current_load=$4, current_stop=$5, direction=$6,
			       allow_return_pickups=$7, status=$8, updated_at=$9
			WHERE id=$1`,
			id, t.RouteID, t.Capacity, t.CurrentLoad, t.CurrentStop, string(t.Direction),
			t.AllowReturnPickups, string(t.Status), t.UpdatedAt)
		if err != nil {
			return fmt.Errorf("update taxi: %w", err)
		}
		out = t
		return nil
	})
	return out, err
}

func (p *PostgresStore) CompareAndSetTaxiStatus(ctx context.Context, id string, from, to models.TaxiStatus) (bool, error) {
	res, err := p.db.ExecContext(ctx, `UPDATE taxis SET status=$3, updated_at=NOW() WHERE id=$1 AND status=$2`, id, string(from), string(to))
	if err != nil {
		return false, fmt.Errorf("cas taxi status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := p.GetTaxi(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

func (p *PostgresStore) DeleteTaxi(ctx context.Context, id string) ([]*models.RideRequest, error) {
	reverted := make([]*models.RideRequest, 0)
	err := p.inTx(ctx, func(tx *sql.Tx) error {
		var locked string
		err := tx.QueryRowContext(ctx, `SELECT id FROM taxis WHERE id=$1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrTaxiNotFound
		}
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			UPDATE ride_requests SET status='pending', taxi_id=NULL
			WHERE taxi_id=$1
			RETURNING `+requestColumns, id)
		if err != nil {
			return fmt.Errorf("unassign requests: %w", err)
		}
		for rows.Next() {
			r, err := scanRequest(rows)
			if err != nil {
				rows.Close()
				return err
			}
			reverted = append(reverted, r)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM taxis WHERE id=$1`, id); err != nil {
			return fmt.Errorf("delete taxi: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reverted, nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.RideRequest) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO ride_requests(`+requestColumns+`) VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		r.ID, r.PassengerID, r.RouteID, string(r.RequestType), r.StartingStop, r.DestinationStop,
		string(r.Status), r.TaxiID, r.CreatedAt)
	return err
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrRequestNotFound
	}
	return r, err
}

func (p *PostgresStore) ListPendingByRoute(ctx context.Context, routeID string) ([]*models.RideRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE route_id=$1 AND status='pending' ORDER BY created_at`, routeID)
}

func (p *PostgresStore) ListByPassenger(ctx context.Context, passengerID string) ([]*models.RideRequest, error) {
	return p.queryRequests(ctx, `SELECT `+requestColumns+` FROM ride_requests WHERE passenger_id=$1 ORDER BY created_at`, passengerID)
}

// AcceptRequest also requires the taxi to exist on the request's route. The
// taxi row is share-locked, so a concurrent DeleteTaxi either runs first and
// the accept misses, or waits and then reverts the accepted request.
func (p *PostgresStore) AcceptRequest(ctx context.Context, id, taxiID string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		UPDATE ride_requests SET status='accepted', taxi_id=$2
		WHERE id=$1 AND status='pending'
		  AND EXISTS (SELECT 1 FROM taxis t WHERE t.id=$2 AND t.route_id=ride_requests.route_id FOR KEY SHARE)
		RETURNING `+requestColumns, id, taxiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.acceptMiss(ctx, id, taxiID)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return nil, models.ErrTaxiNotFound
	}
	return r, err
}

// acceptMiss works out which precondition of AcceptRequest failed.
func (p *PostgresStore) acceptMiss(ctx context.Context, id, taxiID string) error {
	var status, routeID string
	err := p.db.QueryRowContext(ctx, `SELECT status, route_id FROM ride_requests WHERE id=$1`, id).Scan(&status, &routeID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrRequestNotFound
	}
	if err != nil {
		return err
	}
	if status != string(models.RequestPending) {
		return models.ErrRequestNoLongerPending
	}
	var taxiRoute string
	err = p.db.QueryRowContext(ctx, `SELECT route_id FROM taxis WHERE id=$1`, taxiID).Scan(&taxiRoute)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrTaxiNotFound
	}
	if err != nil {
		return err
	}
	if taxiRoute != routeID {
		return models.ErrRouteMismatch
	}
	// The request was pending and the taxi matched when re-read, so the
	// row changed under us; report it as taken.
	return models.ErrRequestNoLongerPending
}

func (p *PostgresStore) RevertRequest(ctx context.Context, id, taxiID string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		UPDATE ride_requests SET status='pending', taxi_id=NULL
		WHERE id=$1 AND status='accepted' AND taxi_id=$2
		RETURNING `+requestColumns, id, taxiID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOr(ctx, id, models.ErrRequestNotAccepted)
	}
	return r, err
}

func (p *PostgresStore) DeleteRequest(ctx context.Context, id, passengerID string) (*models.RideRequest, error) {
	r, err := scanRequest(p.db.QueryRowContext(ctx, `
		DELETE FROM ride_requests WHERE id=$1 AND passenger_id=$2
		RETURNING `+requestColumns, id, passengerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, p.missOr(ctx, id, models.ErrNotRequestOwner)
	}
	return r, err
}

// missOr distinguishes a failed condition from a missing row after a
// conditional write matched nothing.
func (p *PostgresStore) missOr(ctx context.Context, id string, condErr error) error {
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM ride_requests WHERE id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return models.ErrRequestNotFound
	}
	return condErr
}

func (p *PostgresStore) queryRequests(ctx context.Context, query string, args ...any) ([]*models.RideRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query requests: %w", err)
	}
	defer rows.Close()
	out := make([]*models.RideRequest, 0)
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaxi(row rowScanner) (*models.Taxi, error) {
	var t models.Taxi
	var dir, status string
	err := row.Scan(&t.ID, &t.NumberPlate, &t.RouteID, &t.DriverID, &t.Capacity, &t.CurrentLoad,
		&t.CurrentStop, &dir, &t.AllowReturnPickups, &status, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Direction = models.Direction(dir)
	t.Status = models.TaxiStatus(status)
	return &t, nil
}

func scanRequest(row rowScanner) (*models.RideRequest, error) {
	var r models.RideRequest
	var reqType, status string
	var taxiID sql.NullString
	err := row.Scan(&r.ID, &r.PassengerID, &r.RouteID, &reqType, &r.StartingStop, &r.DestinationStop,
		&status, &taxiID, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	r.RequestType = models.RequestType(reqType)
	r.Status = models.RequestStatus(status)
	if taxiID.Valid {
		v := taxiID.String
		r.TaxiID = &v
	}
	return &r, nil
}
