package engine

import (
	"errors"
	"fmt"

	"s7gate/device"
	"s7gate/plcman"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
	ErrSaveFailed    = errors.New("failed to save config")
	ErrDriver        = errors.New("driver failure")
)

// classify maps package errors onto the engine sentinels. Anything that is
// not a lookup or validation failure is reported as a driver failure.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAlreadyExists),
		errors.Is(err, ErrInvalidInput), errors.Is(err, ErrSaveFailed), errors.Is(err, ErrDriver):
		return err
	case errors.Is(err, plcman.ErrDeviceNotFound), errors.Is(err, device.ErrNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case errors.Is(err, plcman.ErrDeviceExists):
		return fmt.Errorf("%w: %v", ErrAlreadyExists, err)
	case errors.Is(err, device.ErrValidation):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return fmt.Errorf("%w: %v", ErrDriver, err)
	}
}
