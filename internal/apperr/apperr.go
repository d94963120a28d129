// Package apperr holds the coded error catalogue shared by the attendance
// core and its HTTP surface.
package apperr

import (
	"errors"
	"net/http"
)

// Kind groups error codes by how callers should react to them.
type Kind string

const (
	KindValidation Kind = "validation"
	KindConflict   Kind = "conflict"
	KindNotFound   Kind = "not_found"
	KindForbidden  Kind = "forbidden"
	KindDependency Kind = "dependency"
	KindInternal   Kind = "internal"
)

// Definition is a business error code with its default message.
type Definition struct {
	Code    string
	Kind    Kind
	Message string
}

func (d Definition) Error() string {
	return d.Message
}

// Validation errors.
var (
	InvalidCoordinate     = Definition{Code: "INVALID_COORDINATE", Kind: KindValidation, Message: "Invalid coordinate"}
	InvalidBlock          = Definition{Code: "INVALID_BLOCK", Kind: KindValidation, Message: "Invalid attendance block"}
	InvalidInput          = Definition{Code: "INVALID_INPUT", Kind: KindValidation, Message: "Invalid input"}
	InvalidLetter         = Definition{Code: "INVALID_LETTER", Kind: KindValidation, Message: "Supporting letter must be a PDF, DOC or DOCX file up to 5 MB"}
	LocationNotConfigured = Definition{Code: "LOCATION_NOT_CONFIGURED", Kind: KindValidation, Message: "Workplace location not configured"}
	GPSUnavailable        = Definition{Code: "GPS_UNAVAILABLE", Kind: KindValidation, Message: "GPS unavailable"}
	OutsideGeofence       = Definition{Code: "OUTSIDE_GEOFENCE", Kind: KindValidation, Message: "You are outside the allowed workplace radius"}
)

// State-conflict errors.
var (
	AlreadyTimedIn   = Definition{Code: "ALREADY_TIMED_IN", Kind: KindConflict, Message: "Already timed in for this block"}
	AlreadyCompleted = Definition{Code: "ALREADY_COMPLETED", Kind: KindConflict, Message: "Attendance for this block is already completed"}
	NoOpenTimeIn     = Definition{Code: "NO_OPEN_TIME_IN", Kind: KindConflict, Message: "No open time-in found for this block"}
	DeadTimeElapsed  = Definition{Code: "DEAD_TIME_ELAPSED", Kind: KindConflict, Message: "The time-out window has passed, file a forgot-timeout request instead"}
	BlockNotActive   = Definition{Code: "BLOCK_NOT_ACTIVE", Kind: KindConflict, Message: "This block is not currently active"}
	DuplicateRequest = Definition{Code: "DUPLICATE_REQUEST", Kind: KindConflict, Message: "A forgot-timeout request already exists for this record"}
	NotEligible      = Definition{Code: "NOT_ELIGIBLE", Kind: KindConflict, Message: "Record is not eligible for a forgot-timeout request yet"}
	SubmitInProgress = Definition{Code: "SUBMIT_IN_PROGRESS", Kind: KindConflict, Message: "A submission for this block is already in progress"}
	NotCompliant     = Definition{Code: "NOT_COMPLIANT", Kind: KindForbidden, Message: "Required documents are not yet approved"}
	NotFound         = Definition{Code: "NOT_FOUND", Kind: KindNotFound, Message: "Not found"}
	Forbidden        = Definition{Code: "FORBIDDEN", Kind: KindForbidden, Message: "Not allowed"}
)

// Dependent-operation and system errors.
var (
	PhotoSaveFailed  = Definition{Code: "PHOTO_SAVE_FAILED", Kind: KindDependency, Message: "Failed to save photo evidence"}
	LetterSaveFailed = Definition{Code: "LETTER_SAVE_FAILED", Kind: KindDependency, Message: "Failed to save supporting letter"}
	Internal         = Definition{Code: "INTERNAL", Kind: KindInternal, Message: "Something went wrong, please try again"}
)

// Error is a Definition raised at a specific site, optionally with a more
// specific message and the underlying cause.
type Error struct {
	Def     Definition
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Def.Message
}

// Is matches against a Definition by code.
func (e *Error) Is(target error) bool {
	d, ok := target.(Definition)
	return ok && d.Code == e.Def.Code
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New raises def with an optional override message.
func New(def Definition, msg string) *Error {
	return &Error{Def: def, Message: msg}
}

// Wrap raises def keeping cause for logging.
func Wrap(def Definition, cause error) *Error {
	return &Error{Def: def, Cause: cause}
}

// As extracts the coded error from err. Errors that were never coded are
// reported as Internal.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var d Definition
	if errors.As(err, &d) {
		return &Error{Def: d}
	}
	return &Error{Def: Internal, Cause: err}
}

// KindOf returns the kind of err, KindInternal for uncoded errors.
func KindOf(err error) Kind {
	return As(err).Def.Kind
}

// HTTPStatus maps an error kind to a response code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindDependency:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
