package models

import "errors"

// Kind classifies an error for callers that need to map it to a response.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindForbidden
)

type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func validation(msg string) *Error { return &Error{Kind: KindValidation, Msg: msg} }
func notFound(msg string) *Error   { return &Error{Kind: KindNotFound, Msg: msg} }
func conflict(msg string) *Error   { return &Error{Kind: KindConflict, Msg: msg} }
func forbidden(msg string) *Error  { return &Error{Kind: KindForbidden, Msg: msg} }

// Validation builds an ad-hoc validation error.
func Validation(msg string) error { return validation(msg) }

var (
	ErrRouteNotFound   = notFound("no such route")
	ErrStopNotFound    = notFound("no route contains the given stops")
	ErrTaxiNotFound    = notFound("taxi not found")
	ErrNoTaxiForDriver = notFound("driver has no registered taxi")
	ErrRequestNotFound = notFound("ride request not found")

	ErrInvalidStop        = validation("stop is not on the taxi's route")
	ErrInvalidCapacity    = validation("capacity must be a positive integer")
	ErrInvalidLoad        = validation("load must be between 0 and the taxi capacity")
	ErrInvalidStatus      = validation("invalid taxi status")
	ErrInvalidDirection   = validation("invalid direction")
	ErrInvalidRequestType = validation("invalid request type")
	ErrMissingStop        = validation("starting stop is required")
	ErrMissingDestination = validation("destination stop is required for ride requests")
	ErrDestinationOrder   = validation("destination stop must come after the starting stop")
	ErrMissingPlate       = validation("number plate is required")

	ErrRequestNoLongerPending = conflict("request is no longer pending")
	ErrRequestNotAccepted     = conflict("request is not accepted by this driver")
	ErrRouteMismatch          = conflict("taxi is not on the request's route")
	ErrTaxiNotOnTrip          = conflict("Taxi is not on a trip and cannot accept ride requests.")
	ErrTaxiNotRoaming         = conflict("Taxi is not available for pickup requests.")
	ErrTaxiPassedStop         = conflict("taxi has already passed the starting stop")
	ErrDuplicatePlate         = conflict("number plate already registered")

	ErrNotRequestOwner = forbidden("request belongs to another passenger")
	ErrNotTaxiOwner    = forbidden("taxi belongs to another driver")
)

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}
