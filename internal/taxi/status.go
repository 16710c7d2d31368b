package taxi

import "github.com/example/taxi-dispatch/internal/models"

// DeriveStatus returns the status a taxi should have after its load changes.
// It is a heuristic layered over manual status updates, not a state machine:
//
//	load >= capacity            -> full
//	load >= 80% of capacity     -> almost_full, unless already full
//	0 < load < 80% of capacity  -> roaming if previously available or waiting
//	load == 0                   -> available, unless not_available
//
// In every other case the previous status is kept.
func DeriveStatus(prev models.TaxiStatus, load, capacity int) models.TaxiStatus {
	switch {
	case load >= capacity:
		return models.TaxiFull
	case float64(load) >= float64(capacity)*0.8:
		if prev == models.TaxiFull {
			return prev
		}
		return models.TaxiAlmostFull
	case load > 0:
		if prev == models.TaxiAvailable || prev == models.TaxiWaiting {
			return models.TaxiRoaming
		}
		return prev
	default:
		if prev == models.TaxiNotAvailable {
			return prev
		}
		return models.TaxiAvailable
	}
}
