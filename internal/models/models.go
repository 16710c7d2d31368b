package models

import "time"

type Direction string

const (
	DirectionForward Direction = "forward"
	DirectionReturn  Direction = "return"
)

func (d Direction) Valid() bool {
	return d == DirectionForward || d == DirectionReturn
}

type TaxiStatus string

const (
	TaxiWaiting      TaxiStatus = "waiting"
	TaxiAvailable    TaxiStatus = "available"
	TaxiRoaming      TaxiStatus = "roaming"
	TaxiAlmostFull   TaxiStatus = "almost_full"
	TaxiFull         TaxiStatus = "full"
	TaxiOnTrip       TaxiStatus = "on_trip"
	TaxiNotAvailable TaxiStatus = "not_available"
)

func (s TaxiStatus) Valid() bool {
	switch s {
	case TaxiWaiting, TaxiAvailable, TaxiRoaming, TaxiAlmostFull, TaxiFull, TaxiOnTrip, TaxiNotAvailable:
		return true
	}
	return false
}

type RequestType string

const (
	RequestRide   RequestType = "ride"
	RequestPickup RequestType = "pickup"
)

func (t RequestType) Valid() bool {
	return t == RequestRide || t == RequestPickup
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestAccepted RequestStatus = "accepted"
)

type Stop struct {
	Name  string `json:"name"`
	Order int    `json:"order"`
}

// Route is an ordered stop sequence. Orders are strictly increasing and unique.
type Route struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Stops []Stop `json:"stops"`
}

// StopOrder returns the order of the named stop on the route.
func (r *Route) StopOrder(name string) (int, bool) {
	for _, s := range r.Stops {
		if s.Name == name {
			return s.Order, true
		}
	}
	return 0, false
}

func (r *Route) HasStop(name string) bool {
	_, ok := r.StopOrder(name)
	return ok
}

type Taxi struct {
	ID                 string     `json:"id"`
	NumberPlate        string     `json:"numberPlate"`
	RouteID            string     `json:"routeId"`
	DriverID           string     `json:"driverId"`
	Capacity           int        `json:"capacity"`
	CurrentLoad        int        `json:"currentLoad"`
	CurrentStop        string     `json:"currentStop"`
	Direction          Direction  `json:"direction"`
	AllowReturnPickups bool       `json:"allowReturnPickups"`
	Status             TaxiStatus `json:"status"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

type RideRequest struct {
	ID              string        `json:"id"`
	PassengerID     string        `json:"passengerId"`
	RouteID         string        `json:"routeId"`
	RequestType     RequestType   `json:"requestType"`
	StartingStop    string        `json:"startingStop"`
	DestinationStop string        `json:"destinationStop,omitempty"`
	Status          RequestStatus `json:"status"`
	TaxiID          *string       `json:"taxiId"`
	CreatedAt       time.Time     `json:"createdAt"`
}

// Assigned reports the taxi id the request is held by, if any.
func (r *RideRequest) Assigned() (string, bool) {
	if r.TaxiID == nil || *r.TaxiID == "" {
		return "", false
	}
	return *r.TaxiID, true
}

// Realtime event names delivered to clients.
const (
	EventNewRideRequest     = "newRideRequest"
	EventNewPickupRequest   = "newPickupRequest"
	EventRequestAccepted    = "requestAccepted"
	EventDriverCancelled    = "driverCancelled"
	EventPassengerCancelled = "passengerCancelled"
	EventTaxiUpdated        = "taxiUpdated"
	EventTaxiRemoved        = "taxiRemoved"
)

// TaxiTelemetry is a position/load report from a taxi's onboard device.
type TaxiTelemetry struct {
	TaxiID      string     `json:"taxiId"`
	CurrentStop *string    `json:"currentStop,omitempty"`
	CurrentLoad *int       `json:"currentLoad,omitempty"`
	Direction   *Direction `json:"direction,omitempty"`
	ReportedAt  time.Time  `json:"reportedAt"`
}
