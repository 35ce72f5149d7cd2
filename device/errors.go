package device

import "errors"

var (
	// ErrValidation wraps every payload and value validation failure.
	ErrValidation = errors.New("validation failed")
	// ErrCannotAdd is returned by AddVariable when CanAdd is false.
	ErrCannotAdd = errors.New("variable cannot be added to request")
	// ErrResponseLength is returned when a response does not cover the request.
	ErrResponseLength = errors.New("response length mismatch")
	// ErrNotFound is returned for an unknown variable id.
	ErrNotFound = errors.New("variable not found")
	// ErrNotByteArray is returned by the bit operations on other kinds.
	ErrNotByteArray = errors.New("bit access requires a byte array variable")
)
