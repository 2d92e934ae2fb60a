package models

import "errors"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrLeaseHeld is returned when another run holds the lease for a config.
var ErrLeaseHeld = errors.New("lease held by another run")
