package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/example/taxi-dispatch/internal/models"
)

// RouteWriter is implemented by stores that accept route definitions.
type RouteWriter interface {
	SaveRoute(ctx context.Context, r *models.Route) error
}

func validateRoute(r *models.Route) error {
	if r == nil || r.ID == "" {
		return models.Validation("route id is required")
	}
	if len(r.Stops) == 0 {
		return models.Validation(fmt.Sprintf("route %s has no stops", r.ID))
	}
	seen := make(map[string]struct{}, len(r.Stops))
	for i, s := range r.Stops {
		if s.Name == "" {
			return models.Validation(fmt.Sprintf("route %s: stop %d has no name", r.ID, i))
		}
		if _, dup := seen[s.Name]; dup {
			return models.Validation(fmt.Sprintf("route %s: duplicate stop %q", r.ID, s.Name))
		}
		seen[s.Name] = struct{}{}
		if i > 0 && s.Order <= r.Stops[i-1].Order {
			return models.Validation(fmt.Sprintf("route %s: stop orders must be strictly increasing", r.ID))
		}
	}
	return nil
}

// LoadRoutesFile reads a JSON array of routes from path and saves each one.
// It returns the number of routes loaded.
func LoadRoutesFile(ctx context.Context, w RouteWriter, path string) (int, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read routes file: %w", err)
	}
	var routes []models.Route
	if err := json.Unmarshal(b, &routes); err != nil {
		return 0, fmt.Errorf("decode routes file: %w", err)
	}
	for i := range routes {
		if err := w.SaveRoute(ctx, &routes[i]); err != nil {
			return i, fmt.Errorf("save route %s: %w", routes[i].ID, err)
		}
	}
	return len(routes), nil
}
